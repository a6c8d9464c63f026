package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matteoterruzzi/llpp/internal/metrics"
)

// ApplyStatus stores the latest status of a station, replacing the previous one
func (db *DB) ApplyStatus(ctx context.Context, station, status string) error {
	ts := formatTime(db.now())
	return db.write(ctx, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO llpp_status (station, status, ts) VALUES (?, ?, ?)
			ON CONFLICT (station) DO UPDATE SET
				status = excluded.status,
				ts = excluded.ts
		`, station, status, ts)
		if err != nil {
			return fmt.Errorf("failed to upsert status for %s: %w", station, err)
		}
		return nil
	})
}

// ApplyArrival counts one arrival in the current window of a station
func (db *DB) ApplyArrival(ctx context.Context, station string) error {
	w := metrics.WindowAt(db.now())
	return db.write(ctx, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO llpp_arrivals (station, start, "end", count) VALUES (?, ?, ?, 1)
			ON CONFLICT (station, start, "end") DO UPDATE SET
				count = count + 1
		`, station, formatTime(w.Start), formatTime(w.End))
		if err != nil {
			return fmt.Errorf("failed to count arrival for %s: %w", station, err)
		}
		return nil
	})
}

// ApplyDeparture adds a service duration to the current window of a station
// and commits every pending write.
func (db *DB) ApplyDeparture(ctx context.Context, station string, nanos uint64) error {
	w := metrics.WindowAt(db.now())
	start, end := formatTime(w.Start), formatTime(w.End)

	return db.write(ctx, true, func(tx *sql.Tx) error {
		var count, open, closing, low, high, total, squaresHi, squaresLo int64
		err := tx.QueryRowContext(ctx, `
			SELECT count, open, close, low, high, total, squares_hi, squares_lo
			FROM llpp_departures
			WHERE station = ? AND start = ? AND "end" = ?
		`, station, start, end).Scan(&count, &open, &closing, &low, &high, &total, &squaresHi, &squaresLo)

		var stats *metrics.DepartureStats
		switch {
		case errors.Is(err, sql.ErrNoRows):
			stats = metrics.NewDepartureStats(nanos)
		case err != nil:
			return fmt.Errorf("failed to read departure stats for %s: %w", station, err)
		default:
			stats = &metrics.DepartureStats{
				Count:   fromStored(count),
				Open:    fromStored(open),
				Close:   fromStored(closing),
				Low:     fromStored(low),
				High:    fromStored(high),
				Total:   fromStored(total),
				Squares: squaresFromStored(squaresHi, squaresLo),
			}
		}

		if err := stats.Observe(nanos); err != nil {
			return fmt.Errorf("departure of %d ns at %s: %w", nanos, station, err)
		}

		squaresHi, squaresLo = squaresToStored(stats.Squares)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO llpp_departures (station, start, "end", count, open, close, low, high, total, squares_hi, squares_lo)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (station, start, "end") DO UPDATE SET
				count = excluded.count,
				close = excluded.close,
				low = excluded.low,
				high = excluded.high,
				total = excluded.total,
				squares_hi = excluded.squares_hi,
				squares_lo = excluded.squares_lo
		`, station, start, end,
			toStored(stats.Count), toStored(stats.Open), toStored(stats.Close),
			toStored(stats.Low), toStored(stats.High), toStored(stats.Total), squaresHi, squaresLo)
		if err != nil {
			return fmt.Errorf("failed to upsert departure stats for %s: %w", station, err)
		}
		return nil
	})
}
