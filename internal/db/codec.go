package db

import (
	"fmt"
	"time"

	"github.com/relvacode/iso8601"
	"lukechampine.com/uint128"
)

// formatTime renders a timestamp for the TEXT columns of the SQLite schema.
// Window bounds must always render identically since they are part of the key.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts RFC3339 and the zone-less ISO-8601 form written by
// older collectors ("2024-03-05T10:10:00.123456"), which is read as UTC.
func parseTime(s string) (time.Time, error) {
	t, err := iso8601.ParseString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Unsigned counters are stored bit-preserving in signed 64-bit columns.
func toStored(u uint64) int64   { return int64(u) }
func fromStored(i int64) uint64 { return uint64(i) }

// The 128-bit sum of squares is split across two INTEGER columns in SQLite
func squaresToStored(u uint128.Uint128) (hi, lo int64) {
	return toStored(u.Hi), toStored(u.Lo)
}

func squaresFromStored(hi, lo int64) uint128.Uint128 {
	return uint128.New(fromStored(lo), fromStored(hi))
}

// PostgreSQL keeps it in a NUMERIC column exchanged as decimal text
func parseSquares(s string) (uint128.Uint128, error) {
	u, err := uint128.FromString(s)
	if err != nil {
		return uint128.Zero, fmt.Errorf("invalid squares value %q: %w", s, err)
	}
	return u, nil
}
