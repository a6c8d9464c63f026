package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// schemaSQL is the single source of truth for the SQLite schema.
//
//go:embed schema.sql
var schemaSQL string

// FlushPolicy decides when buffered writes are committed
type FlushPolicy int

const (
	// FlushOnDeparture keeps status and arrival writes in a pending
	// transaction that the next departure commits together with its own
	// update. Status/arrival updates are not durable until then.
	FlushOnDeparture FlushPolicy = iota
	// FlushEveryWrite commits each mutation on its own
	FlushEveryWrite
)

// ParseFlushPolicy maps a configuration value to a FlushPolicy
func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch s {
	case "", "departure":
		return FlushOnDeparture, nil
	case "always":
		return FlushEveryWrite, nil
	default:
		return 0, fmt.Errorf("unknown flush policy %q (expected departure or always)", s)
	}
}

func (p FlushPolicy) String() string {
	if p == FlushEveryWrite {
		return "always"
	}
	return "departure"
}

// DB is the writer side of the aggregation store. It must only be used by
// the ingestion loop; observers open their own Reader.
type DB struct {
	conn   *sql.DB
	policy FlushPolicy
	now    func() time.Time

	writeMu sync.Mutex // guards pending against Close racing the ingestion loop
	pending *sql.Tx
}

// Connect opens the SQLite database at dbPath with WAL mode enabled and
// ensures the schema exists.
func Connect(ctx context.Context, dbPath string, policy FlushPolicy) (*DB, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection: the pending transaction owns it between flushes.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Printf("Connected to SQLite database: %s (flush policy: %s)", dbPath, policy)
	return &DB{conn: conn, policy: policy, now: time.Now}, nil
}

// SetClock replaces the time source used to stamp statuses and pick windows
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Flush commits the pending transaction, if any
func (db *DB) Flush(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.flushLocked()
}

// Close flushes buffered writes and closes the database
func (db *DB) Close() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	flushErr := db.flushLocked()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return flushErr
}

func (db *DB) flushLocked() error {
	if db.pending == nil {
		return nil
	}
	tx := db.pending
	db.pending = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending writes: %w", err)
	}
	return nil
}

// txLocked returns the transaction that collects writes until the next flush.
// It is detached from ctx cancellation so that shutdown does not roll back
// writes that Close is about to commit.
func (db *DB) txLocked(ctx context.Context) (*sql.Tx, error) {
	if db.pending != nil {
		return db.pending, nil
	}
	tx, err := db.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	db.pending = tx
	return tx, nil
}

// write runs fn inside the pending transaction and commits when the
// policy (or the caller, via flush) requires it. A flushing write commits
// the buffered writes even when its own update fails; a failed SQLite
// statement leaves the rest of the transaction intact.
func (db *DB) write(ctx context.Context, flush bool, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.txLocked(ctx)
	if err != nil {
		return err
	}
	err = fn(tx)
	if flush || db.policy == FlushEveryWrite {
		if flushErr := db.flushLocked(); flushErr != nil {
			return errors.Join(err, flushErr)
		}
	}
	return err
}
