package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed schema.sql
	schemaSQL string

	//go:embed signals.sql
	signalsSQL string
)

// pragma is a connection setting together with the value SQLite reports
// back once it is in effect.
type pragma struct {
	name   string
	set    string
	expect string
}

// ledgerPragmas trade write throughput for durability: an appended proof
// record must survive power loss before Append returns.
var ledgerPragmas = []pragma{
	{name: "journal_mode", set: "WAL", expect: "wal"},
	{name: "synchronous", set: "FULL", expect: "2"},
	{name: "busy_timeout", set: "5000", expect: "5000"},
	{name: "foreign_keys", set: "ON", expect: "1"},
}

// migrations[i] upgrades a ledger from user_version i to i+1.
var migrations = []func(*sql.Tx) error{
	// 1: proof_records and its append-only triggers.
	execScript(schemaSQL),
	// 2: node_signals.
	execScript(signalsSQL),
}

var schemaVersion = len(migrations)

// Store keeps the proof chain in a SQLite file.
// It satisfies proofchain.Backend.
type Store struct {
	db *sql.DB
}

// Open creates the ledger at path, or reopens it, and brings its schema up
// to date. ":memory:" gives a private in-process ledger.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// One connection: SQLite has a single writer, and a ":memory:" ledger
	// exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, p := range ledgerPragmas {
		stmt := fmt.Sprintf("PRAGMA %s = %s", p.name, p.set)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return migrate(db)
}

// migrate runs every step above the stored user_version in one transaction.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported %d", version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for v := version; v < schemaVersion; v++ {
		if err := migrations[v](tx); err != nil {
			return fmt.Errorf("migrate schema %d -> %d: %w", v, v+1, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit()
}

func execScript(script string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(script)
		return err
	}
}

// Close releases the database. It is safe on a zero Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
