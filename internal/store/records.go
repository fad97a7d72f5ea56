package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/shield/internal/ir"
)

// Append inserts a proof record. The insert is committed before Append
// returns; the schema rejects out-of-order seq values and any later
// modification.
func (s *Store) Append(ctx context.Context, rec ir.ProofRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_records
		(seq, payload_hash, previous_hash, record_hash, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.Seq,
		rec.PayloadHash,
		rec.PreviousHash,
		rec.RecordHash,
		rec.Timestamp,
		rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("write proof record %d: %w", rec.Seq, err)
	}
	return nil
}

// Records returns all proof records ordered by seq.
// Returns an empty slice (not nil) for an empty ledger.
func (s *Store) Records(ctx context.Context) ([]ir.ProofRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload_hash, previous_hash, record_hash, timestamp, payload
		FROM proof_records
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query proof records: %w", err)
	}
	defer rows.Close()

	records := []ir.ProofRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proof records: %w", err)
	}
	return records, nil
}

// Last returns the record with the highest seq.
func (s *Store) Last(ctx context.Context) (ir.ProofRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, payload_hash, previous_hash, record_hash, timestamp, payload
		FROM proof_records
		ORDER BY seq DESC
		LIMIT 1
	`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ProofRecord{}, false, nil
	}
	if err != nil {
		return ir.ProofRecord{}, false, err
	}
	return rec, true, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proof_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count proof records: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ir.ProofRecord, error) {
	var rec ir.ProofRecord
	err := row.Scan(
		&rec.Seq,
		&rec.PayloadHash,
		&rec.PreviousHash,
		&rec.RecordHash,
		&rec.Timestamp,
		&rec.Payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan proof record: %w", err)
	}
	return rec, nil
}
