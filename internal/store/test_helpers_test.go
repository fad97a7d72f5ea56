package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/shield/internal/ir"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecords builds n sealed, correctly linked records.
func createTestRecords(t *testing.T, n int) []ir.ProofRecord {
	t.Helper()
	prev := ir.GenesisHash
	recs := make([]ir.ProofRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := ir.SealRecord(ir.ProofRecord{
			Seq:          int64(i),
			PreviousHash: prev,
			Timestamp:    int64(1_000 + i),
			Payload:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("SealRecord(%d) failed: %v", i, err)
		}
		recs = append(recs, rec)
		prev = rec.RecordHash
	}
	return recs
}
