package db

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/matteoterruzzi/llpp/internal/metrics"
)

func setupTestPostgres(t *testing.T) (*PostgresDB, *PostgresReader, string) {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set - skipping PostgreSQL test")
	}
	ctx := context.Background()

	db, err := ConnectPostgres(ctx, databaseURL, FlushOnDeparture)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetClock(func() time.Time { return time.Date(2024, 3, 5, 10, 17, 42, 0, time.UTC) })

	reader, err := OpenPostgresReader(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	// Unique station per run so a shared database does not leak between runs
	return db, reader, "test-" + uuid.NewString()
}

func TestPostgresReferenceScenario(t *testing.T) {
	db, reader, station := setupTestPostgres(t)
	ctx := context.Background()

	const d = uint64(48_213_377)

	require.NoError(t, db.ApplyArrival(ctx, station))
	for i := 0; i < 1000; i++ {
		require.NoError(t, db.ApplyStatus(ctx, station, "Hello, world!"))
	}

	status, err := reader.GetStatus(ctx, station)
	require.NoError(t, err)
	assert.Nil(t, status, "status must stay buffered until a departure")

	require.NoError(t, db.ApplyDeparture(ctx, station, d))

	status, err = reader.GetStatus(ctx, station)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "Hello, world!", status.Status)

	arrivals, err := reader.GetPastArrivals(ctx, station)
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, uint64(1), arrivals[0].Count)

	departures, err := reader.GetPastDepartures(ctx, station)
	require.NoError(t, err)
	require.Len(t, departures, 1)
	assert.Equal(t, d, departures[0].Mean())
	assert.Equal(t, uint128.From64(d).Mul64(d), departures[0].Squares)
	assert.True(t, departures[0].Variance().IsZero())

	stations, err := reader.ListStations(ctx)
	require.NoError(t, err)
	assert.Contains(t, stations, station)
}

func TestPostgresLongDepartures(t *testing.T) {
	db, reader, station := setupTestPostgres(t)
	ctx := context.Background()

	short := uint64(5 * time.Second)
	long := uint64(time.Hour)
	require.NoError(t, db.ApplyDeparture(ctx, station, short))
	require.NoError(t, db.ApplyDeparture(ctx, station, long))

	departures, err := reader.GetPastDepartures(ctx, station)
	require.NoError(t, err)
	require.Len(t, departures, 1)

	b := departures[0]
	assert.Equal(t, uint64(2), b.Count)
	assert.Equal(t, short, b.Low)
	assert.Equal(t, long, b.High)
	assert.Equal(t, uint128.From64(short).Mul64(short).Add(uint128.From64(long).Mul64(long)), b.Squares)
	half := (long - short) / 2
	assert.Equal(t, uint128.From64(half).Mul64(half), b.Variance())
}

func TestPostgresRejectedDepartureStillFlushes(t *testing.T) {
	db, reader, station := setupTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, db.ApplyDeparture(ctx, station, math.MaxUint64))
	require.NoError(t, db.ApplyStatus(ctx, station, "buffered"))

	err := db.ApplyDeparture(ctx, station, 1)
	assert.True(t, errors.Is(err, metrics.ErrOverflow))

	status, err := reader.GetStatus(ctx, station)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "buffered", status.Status)
}
