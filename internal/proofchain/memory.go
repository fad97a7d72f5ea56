package proofchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/shield/internal/ir"
)

// MemoryBackend keeps records in process memory. It is the backend used
// when no database path is configured, and in tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	records []ir.ProofRecord
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Append stores a copy of rec. Records must arrive in seq order.
func (m *MemoryBackend) Append(ctx context.Context, rec ir.ProofRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Seq != int64(len(m.records)) {
		return fmt.Errorf("memory backend: seq %d out of order, next is %d", rec.Seq, len(m.records))
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	m.records = append(m.records, rec)
	return nil
}

// Records returns copies of all records in seq order.
func (m *MemoryBackend) Records(ctx context.Context) ([]ir.ProofRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ir.ProofRecord, len(m.records))
	for i, r := range m.records {
		r.Payload = append([]byte(nil), r.Payload...)
		out[i] = r
	}
	return out, nil
}

// Last returns the most recent record.
func (m *MemoryBackend) Last(ctx context.Context) (ir.ProofRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return ir.ProofRecord{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.records) == 0 {
		return ir.ProofRecord{}, false, nil
	}
	r := m.records[len(m.records)-1]
	r.Payload = append([]byte(nil), r.Payload...)
	return r, true, nil
}
