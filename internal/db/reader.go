package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matteoterruzzi/llpp/internal/metrics"
	"github.com/matteoterruzzi/llpp/internal/models"
)

// Reader is a read-only handle on the SQLite store. Each observer owns one;
// readers see whatever the writer has committed, nothing more.
type Reader struct {
	conn *sql.DB
}

// OpenReader opens an independent read-only connection to the store at dbPath
func OpenReader(ctx context.Context, dbPath string) (*Reader, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping reader: %w", err)
	}
	return &Reader{conn: conn}, nil
}

// Close releases the reader's connection
func (r *Reader) Close() error {
	return r.conn.Close()
}

// Ping checks that the store is reachable
func (r *Reader) Ping(ctx context.Context) error {
	return r.conn.PingContext(ctx)
}

// ListStations returns every station that appears in any relation
func (r *Reader) ListStations(ctx context.Context) ([]string, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT station FROM llpp_status
		UNION SELECT station FROM llpp_arrivals
		UNION SELECT station FROM llpp_departures
		ORDER BY station
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	stations := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		stations = append(stations, s)
	}
	return stations, rows.Err()
}

// GetStatus returns the latest status of a station, or nil if none was reported
func (r *Reader) GetStatus(ctx context.Context, station string) (*models.StatusRecord, error) {
	var status, ts string
	err := r.conn.QueryRowContext(ctx,
		"SELECT status, ts FROM llpp_status WHERE station = ?", station,
	).Scan(&status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query status for %s: %w", station, err)
	}

	observedAt, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	return &models.StatusRecord{Station: station, Status: status, ObservedAt: observedAt}, nil
}

// GetPastArrivals returns every arrival bucket of a station, oldest first
func (r *Reader) GetPastArrivals(ctx context.Context, station string) ([]models.ArrivalBucket, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT start, "end", count FROM llpp_arrivals
		WHERE station = ?
		ORDER BY start
	`, station)
	if err != nil {
		return nil, fmt.Errorf("failed to query arrivals for %s: %w", station, err)
	}
	defer rows.Close()

	buckets := []models.ArrivalBucket{}
	for rows.Next() {
		var start, end string
		var count int64
		if err := rows.Scan(&start, &end, &count); err != nil {
			return nil, fmt.Errorf("failed to scan arrival row: %w", err)
		}
		b := models.ArrivalBucket{Station: station, Count: fromStored(count)}
		if b.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if b.End, err = parseTime(end); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// GetPastDepartures returns every departure bucket of a station, oldest first
func (r *Reader) GetPastDepartures(ctx context.Context, station string) ([]models.DepartureBucket, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT start, "end", count, open, close, low, high, total, squares_hi, squares_lo
		FROM llpp_departures
		WHERE station = ?
		ORDER BY start
	`, station)
	if err != nil {
		return nil, fmt.Errorf("failed to query departures for %s: %w", station, err)
	}
	defer rows.Close()

	buckets := []models.DepartureBucket{}
	for rows.Next() {
		var start, end string
		var count, open, closing, low, high, total, squaresHi, squaresLo int64
		if err := rows.Scan(&start, &end, &count, &open, &closing, &low, &high, &total, &squaresHi, &squaresLo); err != nil {
			return nil, fmt.Errorf("failed to scan departure row: %w", err)
		}
		b := models.DepartureBucket{
			Station: station,
			DepartureStats: metrics.DepartureStats{
				Count:   fromStored(count),
				Open:    fromStored(open),
				Close:   fromStored(closing),
				Low:     fromStored(low),
				High:    fromStored(high),
				Total:   fromStored(total),
				Squares: squaresFromStored(squaresHi, squaresLo),
			},
		}
		if b.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if b.End, err = parseTime(end); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
