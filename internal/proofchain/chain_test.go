package proofchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/testutil"
)

func newTestChain(t *testing.T) (*Chain, *MemoryBackend) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	b := NewMemoryBackend()
	c, err := Open(context.Background(), b, WithClock(clock.Now))
	require.NoError(t, err)
	return c, b
}

func appendN(t *testing.T, c *Chain, n int) []ir.ProofRecord {
	t.Helper()
	var recs []ir.ProofRecord
	for i := 0; i < n; i++ {
		rec, err := c.Append(context.Background(), []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestAppendLinksRecords(t *testing.T) {
	c, _ := newTestChain(t)
	recs := appendN(t, c, 3)

	assert.Equal(t, ir.GenesisHash, recs[0].PreviousHash)
	for i, rec := range recs {
		assert.Equal(t, int64(i), rec.Seq)
		if i > 0 {
			assert.Equal(t, recs[i-1].RecordHash, rec.PreviousHash)
		}
	}
	assert.Equal(t, int64(3), c.Len())
	assert.Equal(t, recs[2].RecordHash, c.Head())
}

func TestVerifyValidChainIsIdempotent(t *testing.T) {
	c, _ := newTestChain(t)
	appendN(t, c, 5)

	r1, err := c.Verify(context.Background())
	require.NoError(t, err)
	r2, err := c.Verify(context.Background())
	require.NoError(t, err)

	assert.True(t, r1.Valid)
	assert.Equal(t, int64(-1), r1.FirstInvalid)
	assert.Equal(t, int64(5), r1.Count)
	assert.Equal(t, r1, r2)
	assert.NoError(t, c.Halted())
}

func TestVerifyEmptyChain(t *testing.T) {
	c, _ := newTestChain(t)
	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(0), res.Count)
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		index  int
		mutate func(*ir.ProofRecord)
	}{
		{"payload byte", 2, func(r *ir.ProofRecord) { r.Payload[2] ^= 0x01 }},
		{"record hash", 1, func(r *ir.ProofRecord) { r.RecordHash = ir.PayloadHash([]byte("x")) }},
		{"previous hash", 3, func(r *ir.ProofRecord) { r.PreviousHash = ir.GenesisHash }},
		{"timestamp", 0, func(r *ir.ProofRecord) { r.Timestamp++ }},
		{"seq", 4, func(r *ir.ProofRecord) { r.Seq = 7 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b := newTestChain(t)
			appendN(t, c, 5)

			b.mu.Lock()
			tt.mutate(&b.records[tt.index])
			b.mu.Unlock()

			res, err := c.Verify(context.Background())
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.LessOrEqual(t, res.FirstInvalid, int64(tt.index))
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestHaltBlocksAppendUntilResume(t *testing.T) {
	c, b := newTestChain(t)
	appendN(t, c, 3)

	b.mu.Lock()
	original := b.records[1]
	b.records[1].Payload = []byte(`{"n":99}`)
	b.mu.Unlock()

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	require.False(t, res.Valid)
	assert.Equal(t, int64(1), res.FirstInvalid)
	assert.True(t, ir.IsIntegrityViolation(c.Halted()))

	_, err = c.Append(context.Background(), []byte(`{}`))
	assert.True(t, errors.Is(err, ir.ErrIntegrityViolation))

	// Still tampered: resume refuses.
	assert.True(t, ir.IsIntegrityViolation(c.Resume(context.Background())))

	b.mu.Lock()
	b.records[1] = original
	b.mu.Unlock()

	require.NoError(t, c.Resume(context.Background()))
	rec, err := c.Append(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Seq)
}

func TestVerifyDetectsTruncation(t *testing.T) {
	c, b := newTestChain(t)
	appendN(t, c, 4)

	b.mu.Lock()
	b.records = b.records[:2]
	b.mu.Unlock()

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(2), res.FirstInvalid)
}

func TestOpenResumesFromBackendHead(t *testing.T) {
	c, b := newTestChain(t)
	recs := appendN(t, c, 2)

	reopened, err := Open(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reopened.Len())

	rec, err := reopened.Append(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, recs[1].RecordHash, rec.PreviousHash)
}

type failingBackend struct {
	*MemoryBackend
}

func (failingBackend) Append(context.Context, ir.ProofRecord) error {
	return errors.New("disk full")
}

func TestAppendFailureLeavesHeadUnchanged(t *testing.T) {
	c, err := Open(context.Background(), failingBackend{NewMemoryBackend()})
	require.NoError(t, err)

	_, err = c.Append(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, int64(0), c.Len())
	assert.Equal(t, ir.GenesisHash, c.Head())
}

func TestConcurrentAppendsAreGapFree(t *testing.T) {
	c, _ := newTestChain(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Append(context.Background(), []byte(fmt.Sprintf(`{"w":%d}`, i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(16), res.Count)
}

func TestExportRoundTripAndAudit(t *testing.T) {
	c, _ := newTestChain(t)
	appendN(t, c, 3)
	recs, err := c.Records(context.Background())
	require.NoError(t, err)

	exp := NewExport(recs, testutil.Epoch)
	var buf bytes.Buffer
	require.NoError(t, WriteExport(&buf, exp))

	var again bytes.Buffer
	require.NoError(t, WriteExport(&again, exp))
	assert.Equal(t, buf.Bytes(), again.Bytes(), "export encoding must be deterministic")

	got, err := ReadExport(&buf)
	require.NoError(t, err)
	assert.Equal(t, exp.Head, got.Head)
	require.Len(t, got.Records, 3)
	assert.Equal(t, recs[2].Payload, got.Records[2].Payload)
	assert.True(t, Audit(got).Valid)

	got.Head = ir.GenesisHash
	assert.False(t, Audit(got).Valid)
}

func TestImportIntoEmptyBackend(t *testing.T) {
	c, _ := newTestChain(t)
	appendN(t, c, 2)
	recs, err := c.Records(context.Background())
	require.NoError(t, err)
	exp := NewExport(recs, testutil.Epoch)

	target := NewMemoryBackend()
	require.NoError(t, Import(context.Background(), target, exp))

	imported, err := Open(context.Background(), target)
	require.NoError(t, err)
	res, err := imported.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, c.Head(), imported.Head())

	assert.Error(t, Import(context.Background(), target, exp), "non-empty target")

	exp.Records[0].Payload = []byte(`{}`)
	err = Import(context.Background(), NewMemoryBackend(), exp)
	assert.True(t, ir.IsIntegrityViolation(err))
}
