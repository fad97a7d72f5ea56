package proofchain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/shield/internal/ir"
)

// Backend is durable storage for proof records. Append must not return
// until the record is persisted. Implementations never modify or delete
// records once appended.
type Backend interface {
	Append(ctx context.Context, rec ir.ProofRecord) error
	Records(ctx context.Context) ([]ir.ProofRecord, error)
	Last(ctx context.Context) (ir.ProofRecord, bool, error)
}

// Result reports the outcome of a chain verification.
type Result struct {
	Valid bool `json:"valid"`

	// FirstInvalid is the index of the first inconsistent record, or -1.
	FirstInvalid int64 `json:"first_invalid"`

	// Count is the number of records examined.
	Count int64 `json:"count"`

	// Reason describes the first inconsistency.
	Reason string `json:"reason,omitempty"`
}

// Chain is the append-only, hash-chained ledger of admission transitions.
//
// Append is the single global serialization point of the system: the mutex
// is held from sequence assignment until the backend has persisted the
// record, so seq values are gap-free and each record links to its
// predecessor. After a failed verification the chain is halted and every
// Append fails with INTEGRITY_VIOLATION until Resume succeeds.
type Chain struct {
	mu       sync.Mutex
	backend  Backend
	now      func() time.Time
	logger   *slog.Logger
	nextSeq  int64
	lastHash string
	halted   *ir.Error
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = l
	}
}

// Open loads the chain head from backend.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Chain, error) {
	c := &Chain{
		backend:  backend,
		now:      time.Now,
		logger:   slog.Default(),
		lastHash: ir.GenesisHash,
	}
	for _, opt := range opts {
		opt(c)
	}

	last, ok, err := backend.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("open chain: %w", err)
	}
	if ok {
		c.nextSeq = last.Seq + 1
		c.lastHash = last.RecordHash
	}
	return c, nil
}

// Append seals payload into the next record and persists it.
func (c *Chain) Append(ctx context.Context, payload []byte) (ir.ProofRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted != nil {
		return ir.ProofRecord{}, c.halted
	}

	rec, err := ir.SealRecord(ir.ProofRecord{
		Seq:          c.nextSeq,
		PreviousHash: c.lastHash,
		Timestamp:    c.now().UnixNano(),
		Payload:      payload,
	})
	if err != nil {
		return ir.ProofRecord{}, fmt.Errorf("append: %w", err)
	}
	if err := c.backend.Append(ctx, rec); err != nil {
		return ir.ProofRecord{}, fmt.Errorf("append: %w", err)
	}

	c.nextSeq++
	c.lastHash = rec.RecordHash
	return rec, nil
}

// Verify recomputes every record and halts the chain on the first
// inconsistency. Verification is read-only and idempotent.
func (c *Chain) Verify(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifyLocked(ctx)
}

func (c *Chain) verifyLocked(ctx context.Context) (Result, error) {
	recs, err := c.backend.Records(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("verify: %w", err)
	}

	res := VerifyRecords(recs)
	if res.Valid && int64(len(recs)) != c.nextSeq {
		res = Result{
			FirstInvalid: min(int64(len(recs)), c.nextSeq),
			Count:        int64(len(recs)),
			Reason:       fmt.Sprintf("backend holds %d records, chain head expects %d", len(recs), c.nextSeq),
		}
	}
	if res.Valid && len(recs) > 0 && recs[len(recs)-1].RecordHash != c.lastHash {
		res = Result{
			FirstInvalid: int64(len(recs) - 1),
			Count:        int64(len(recs)),
			Reason:       "last record does not match chain head",
		}
	}

	if !res.Valid {
		c.halted = ir.NewError(ir.CodeIntegrityViolation, "proof chain mismatch at record %d: %s", res.FirstInvalid, res.Reason).
			WithDetail("first_invalid", fmt.Sprint(res.FirstInvalid))
		c.logger.Error("proof chain integrity violation",
			"first_invalid", res.FirstInvalid,
			"reason", res.Reason,
		)
	}
	return res, nil
}

// Resume re-verifies the chain and lifts the halt if it is now consistent.
func (c *Chain) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted == nil {
		return nil
	}
	prev := c.halted
	c.halted = nil

	// The head may have been repaired out of band; reload it before checking.
	last, ok, err := c.backend.Last(ctx)
	if err != nil {
		c.halted = prev
		return fmt.Errorf("resume: %w", err)
	}
	if ok {
		c.nextSeq = last.Seq + 1
		c.lastHash = last.RecordHash
	} else {
		c.nextSeq = 0
		c.lastHash = ir.GenesisHash
	}

	res, err := c.verifyLocked(ctx)
	if err != nil {
		c.halted = prev
		return err
	}
	if !res.Valid {
		return c.halted
	}
	c.logger.Info("proof chain resumed", "records", res.Count)
	return nil
}

// Halted returns the integrity error that halted the chain, or nil.
func (c *Chain) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted == nil {
		return nil
	}
	return c.halted
}

// Len returns the number of appended records.
func (c *Chain) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// Head returns the record hash of the last record, or GenesisHash.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// Records returns every record in seq order.
func (c *Chain) Records(ctx context.Context) ([]ir.ProofRecord, error) {
	return c.backend.Records(ctx)
}

// VerifyRecords checks a sequence of records in isolation: seq numbering,
// payload hashes, record hashes and previous-hash linkage.
func VerifyRecords(recs []ir.ProofRecord) Result {
	prev := ir.GenesisHash
	for i, rec := range recs {
		idx := int64(i)
		fail := func(reason string) Result {
			return Result{FirstInvalid: idx, Count: int64(len(recs)), Reason: reason}
		}

		if rec.Seq != idx {
			return fail(fmt.Sprintf("seq %d at position %d", rec.Seq, i))
		}
		if ir.PayloadHash(rec.Payload) != rec.PayloadHash {
			return fail("payload hash mismatch")
		}
		if rec.PreviousHash != prev {
			return fail("previous hash does not link to predecessor")
		}
		h, err := ir.RecordHash(rec.Seq, rec.PayloadHash, rec.PreviousHash, rec.Timestamp)
		if err != nil || h != rec.RecordHash {
			return fail("record hash mismatch")
		}
		prev = rec.RecordHash
	}
	return Result{Valid: true, FirstInvalid: -1, Count: int64(len(recs))}
}
