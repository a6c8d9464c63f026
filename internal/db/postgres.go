package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matteoterruzzi/llpp/internal/metrics"
	"github.com/matteoterruzzi/llpp/internal/models"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

// PostgresDB is the writer side of the aggregation store on PostgreSQL.
// It follows the same flush policy as the SQLite store.
type PostgresDB struct {
	pool   *pgxpool.Pool
	policy FlushPolicy
	now    func() time.Time

	writeMu sync.Mutex
	pending pgx.Tx
}

// ConnectPostgres opens a connection pool on databaseURL and ensures the schema exists
func ConnectPostgres(ctx context.Context, databaseURL string, policy FlushPolicy) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Printf("Connected to PostgreSQL database (flush policy: %s)", policy)
	return &PostgresDB{pool: pool, policy: policy, now: time.Now}, nil
}

// SetClock replaces the time source used to stamp statuses and pick windows
func (db *PostgresDB) SetClock(now func() time.Time) {
	db.now = now
}

// Flush commits the pending transaction, if any
func (db *PostgresDB) Flush(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.flushLocked(ctx)
}

// Close flushes buffered writes and closes the pool
func (db *PostgresDB) Close() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	err := db.flushLocked(context.Background())
	db.pool.Close()
	return err
}

func (db *PostgresDB) flushLocked(ctx context.Context) error {
	if db.pending == nil {
		return nil
	}
	tx := db.pending
	db.pending = nil
	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to commit pending writes: %w", err)
	}
	return nil
}

func (db *PostgresDB) write(ctx context.Context, flush bool, fn func(tx pgx.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.pending == nil {
		tx, err := db.pool.Begin(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		db.pending = tx
	}
	err := fn(db.pending)
	if err != nil && !errors.Is(err, metrics.ErrOverflow) {
		// A failed statement aborts the whole PostgreSQL transaction,
		// buffered writes included.
		tx := db.pending
		db.pending = nil
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	// A rejected observation ran no statement, so the buffered writes
	// are still committed when this write flushes.
	if flush || db.policy == FlushEveryWrite {
		if flushErr := db.flushLocked(ctx); flushErr != nil {
			return errors.Join(err, flushErr)
		}
	}
	return err
}

// ApplyStatus stores the latest status of a station, replacing the previous one
func (db *PostgresDB) ApplyStatus(ctx context.Context, station, status string) error {
	ts := db.now().UTC()
	return db.write(ctx, false, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO llpp_status (station, status, ts) VALUES ($1, $2, $3)
			ON CONFLICT (station) DO UPDATE SET
				status = EXCLUDED.status,
				ts = EXCLUDED.ts
		`, station, status, ts)
		if err != nil {
			return fmt.Errorf("failed to upsert status for %s: %w", station, err)
		}
		return nil
	})
}

// ApplyArrival counts one arrival in the current window of a station
func (db *PostgresDB) ApplyArrival(ctx context.Context, station string) error {
	w := metrics.WindowAt(db.now())
	return db.write(ctx, false, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO llpp_arrivals (station, start, "end", count) VALUES ($1, $2, $3, 1)
			ON CONFLICT (station, start, "end") DO UPDATE SET
				count = llpp_arrivals.count + 1
		`, station, w.Start, w.End)
		if err != nil {
			return fmt.Errorf("failed to count arrival for %s: %w", station, err)
		}
		return nil
	})
}

// ApplyDeparture adds a service duration to the current window of a station
// and commits every pending write.
func (db *PostgresDB) ApplyDeparture(ctx context.Context, station string, nanos uint64) error {
	w := metrics.WindowAt(db.now())
	return db.write(ctx, true, func(tx pgx.Tx) error {
		var count, open, closing, low, high, total int64
		var squares string
		err := tx.QueryRow(ctx, `
			SELECT count, open, close, low, high, total, squares::text
			FROM llpp_departures
			WHERE station = $1 AND start = $2 AND "end" = $3
			FOR UPDATE
		`, station, w.Start, w.End).Scan(&count, &open, &closing, &low, &high, &total, &squares)

		var stats *metrics.DepartureStats
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			stats = metrics.NewDepartureStats(nanos)
		case err != nil:
			return fmt.Errorf("failed to read departure stats for %s: %w", station, err)
		default:
			sq, err := parseSquares(squares)
			if err != nil {
				return err
			}
			stats = &metrics.DepartureStats{
				Count:   fromStored(count),
				Open:    fromStored(open),
				Close:   fromStored(closing),
				Low:     fromStored(low),
				High:    fromStored(high),
				Total:   fromStored(total),
				Squares: sq,
			}
		}

		if err := stats.Observe(nanos); err != nil {
			return fmt.Errorf("departure of %d ns at %s: %w", nanos, station, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO llpp_departures (station, start, "end", count, open, close, low, high, total, squares)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::text::numeric)
			ON CONFLICT (station, start, "end") DO UPDATE SET
				count = EXCLUDED.count,
				close = EXCLUDED.close,
				low = EXCLUDED.low,
				high = EXCLUDED.high,
				total = EXCLUDED.total,
				squares = EXCLUDED.squares
		`, station, w.Start, w.End,
			toStored(stats.Count), toStored(stats.Open), toStored(stats.Close),
			toStored(stats.Low), toStored(stats.High), toStored(stats.Total), stats.Squares.String())
		if err != nil {
			return fmt.Errorf("failed to upsert departure stats for %s: %w", station, err)
		}
		return nil
	})
}

// PostgresReader is an observer's own connection to the PostgreSQL store
type PostgresReader struct {
	conn *pgx.Conn
}

// OpenPostgresReader opens a dedicated connection for one observer
func OpenPostgresReader(ctx context.Context, databaseURL string) (*PostgresReader, error) {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}
	return &PostgresReader{conn: conn}, nil
}

// Close releases the reader's connection
func (r *PostgresReader) Close() error {
	return r.conn.Close(context.Background())
}

// Ping checks that the store is reachable
func (r *PostgresReader) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// ListStations returns every station that appears in any relation
func (r *PostgresReader) ListStations(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT station FROM llpp_status
		UNION SELECT station FROM llpp_arrivals
		UNION SELECT station FROM llpp_departures
		ORDER BY station
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	stations, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan stations: %w", err)
	}
	if stations == nil {
		stations = []string{}
	}
	return stations, nil
}

// GetStatus returns the latest status of a station, or nil if none was reported
func (r *PostgresReader) GetStatus(ctx context.Context, station string) (*models.StatusRecord, error) {
	rec := models.StatusRecord{Station: station}
	err := r.conn.QueryRow(ctx,
		"SELECT status, ts FROM llpp_status WHERE station = $1", station,
	).Scan(&rec.Status, &rec.ObservedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query status for %s: %w", station, err)
	}
	rec.ObservedAt = rec.ObservedAt.UTC()
	return &rec, nil
}

// GetPastArrivals returns every arrival bucket of a station, oldest first
func (r *PostgresReader) GetPastArrivals(ctx context.Context, station string) ([]models.ArrivalBucket, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT start, "end", count FROM llpp_arrivals
		WHERE station = $1
		ORDER BY start
	`, station)
	if err != nil {
		return nil, fmt.Errorf("failed to query arrivals for %s: %w", station, err)
	}
	defer rows.Close()

	buckets := []models.ArrivalBucket{}
	for rows.Next() {
		b := models.ArrivalBucket{Station: station}
		var count int64
		if err := rows.Scan(&b.Start, &b.End, &count); err != nil {
			return nil, fmt.Errorf("failed to scan arrival row: %w", err)
		}
		b.Start, b.End, b.Count = b.Start.UTC(), b.End.UTC(), fromStored(count)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// GetPastDepartures returns every departure bucket of a station, oldest first
func (r *PostgresReader) GetPastDepartures(ctx context.Context, station string) ([]models.DepartureBucket, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT start, "end", count, open, close, low, high, total, squares::text
		FROM llpp_departures
		WHERE station = $1
		ORDER BY start
	`, station)
	if err != nil {
		return nil, fmt.Errorf("failed to query departures for %s: %w", station, err)
	}
	defer rows.Close()

	buckets := []models.DepartureBucket{}
	for rows.Next() {
		b := models.DepartureBucket{Station: station}
		var count, open, closing, low, high, total int64
		var squares string
		if err := rows.Scan(&b.Start, &b.End, &count, &open, &closing, &low, &high, &total, &squares); err != nil {
			return nil, fmt.Errorf("failed to scan departure row: %w", err)
		}
		b.Start, b.End = b.Start.UTC(), b.End.UTC()
		sq, err := parseSquares(squares)
		if err != nil {
			return nil, err
		}
		b.DepartureStats = metrics.DepartureStats{
			Count:   fromStored(count),
			Open:    fromStored(open),
			Close:   fromStored(closing),
			Low:     fromStored(low),
			High:    fromStored(high),
			Total:   fromStored(total),
			Squares: sq,
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
