package metrics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

func TestDepartureStats_Sequence(t *testing.T) {
	durations := []uint64{500, 120, 900, 300, 410}

	s := NewDepartureStats(durations[0])
	for _, d := range durations {
		require.NoError(t, s.Observe(d))
	}

	var total, squares uint64
	for _, d := range durations {
		total += d
		squares += d * d
	}

	assert.Equal(t, uint64(len(durations)), s.Count)
	assert.Equal(t, uint64(500), s.Open)
	assert.Equal(t, uint64(410), s.Close)
	assert.Equal(t, uint64(120), s.Low)
	assert.Equal(t, uint64(900), s.High)
	assert.Equal(t, total, s.Total)
	assert.Equal(t, uint128.From64(squares), s.Squares)
	assert.Equal(t, total/5, s.Mean())
	assert.Equal(t, uint128.From64(squares/5-(total/5)*(total/5)), s.Variance())
}

func TestDepartureStats_SingleObservation(t *testing.T) {
	s := NewDepartureStats(42)
	require.NoError(t, s.Observe(42))

	assert.Equal(t, uint64(1), s.Count)
	assert.Equal(t, uint64(42), s.Mean())
	assert.True(t, s.Variance().IsZero())
	assert.Equal(t, uint128.From64(42*42), s.Squares)
}

func TestDepartureStats_IntegerTruncation(t *testing.T) {
	s := NewDepartureStats(1)
	require.NoError(t, s.Observe(1))
	require.NoError(t, s.Observe(2))

	// total=3, squares=5, count=2: mean=1, var=5/2-1=1
	assert.Equal(t, uint64(1), s.Mean())
	assert.True(t, s.Variance().Equals64(1))
}

func TestDepartureStats_LongDurations(t *testing.T) {
	// Both squares are above 2^64
	short := uint64(5 * time.Second)
	long := uint64(time.Hour)

	s := NewDepartureStats(short)
	require.NoError(t, s.Observe(short))
	require.NoError(t, s.Observe(long))

	assert.Equal(t, uint64(2), s.Count)
	assert.Equal(t, short, s.Low)
	assert.Equal(t, long, s.High)
	assert.Equal(t, long, s.Close)
	assert.Equal(t, short+long, s.Total)

	squares := uint128.From64(short).Mul64(short).Add(uint128.From64(long).Mul64(long))
	assert.Equal(t, squares, s.Squares)

	mean := (short + long) / 2
	assert.Equal(t, mean, s.Mean())
	expected := squares.Div64(2).Sub(uint128.From64(mean).Mul64(mean))
	assert.Equal(t, expected, s.Variance())
	// (long-short)²/4 for two samples
	assert.Equal(t, uint128.From64((long-short)/2).Mul64((long-short)/2), s.Variance())
}

func TestDepartureStats_MaxDuration(t *testing.T) {
	s := NewDepartureStats(math.MaxUint64)
	require.NoError(t, s.Observe(math.MaxUint64))
	assert.Equal(t, uint128.From64(math.MaxUint64).Mul64(math.MaxUint64), s.Squares)
	assert.True(t, s.Variance().IsZero())
}

func TestDepartureStats_Overflow(t *testing.T) {
	s := NewDepartureStats(math.MaxUint64)
	require.NoError(t, s.Observe(math.MaxUint64))

	// total would wrap
	before := *s
	err := s.Observe(1)
	assert.True(t, errors.Is(err, ErrOverflow))
	assert.Equal(t, before, *s, "stats must be unchanged after overflow")

	// squares would wrap while total still fits
	s = &DepartureStats{Count: 1, Open: 1, Close: 1, Low: 1, High: 1, Total: 1, Squares: uint128.Max}
	before = *s
	err = s.Observe(1)
	assert.True(t, errors.Is(err, ErrOverflow))
	assert.Equal(t, before, *s)
}

func TestEmptyBucketStatistics(t *testing.T) {
	assert.Equal(t, uint64(0), Mean(10, 0))
	assert.True(t, Variance(10, uint128.From64(100), 0).IsZero())
	assert.True(t, Variance(10, uint128.Zero, 1).IsZero(), "inconsistent row clamps to zero")
}

func TestWindowAt(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		start time.Time
	}{
		{
			name:  "mid window",
			at:    time.Date(2024, 3, 5, 10, 17, 42, 123, time.UTC),
			start: time.Date(2024, 3, 5, 10, 10, 0, 0, time.UTC),
		},
		{
			name:  "on boundary",
			at:    time.Date(2024, 3, 5, 10, 20, 0, 0, time.UTC),
			start: time.Date(2024, 3, 5, 10, 20, 0, 0, time.UTC),
		},
		{
			name:  "last nanosecond",
			at:    time.Date(2024, 3, 5, 23, 59, 59, 999999999, time.UTC),
			start: time.Date(2024, 3, 5, 23, 50, 0, 0, time.UTC),
		},
		{
			name:  "non UTC input",
			at:    time.Date(2024, 3, 5, 12, 5, 0, 0, time.FixedZone("CET", 3600)),
			start: time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := WindowAt(tc.at)
			assert.True(t, w.Start.Equal(tc.start), "start = %v, expected %v", w.Start, tc.start)
			assert.Equal(t, WindowSize, w.End.Sub(w.Start))
			assert.Equal(t, time.UTC, w.Start.Location())
			assert.True(t, w.Contains(tc.at))
			assert.False(t, w.Contains(w.End))
		})
	}
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.DatagramReceived()
	c.FrameDropped("unknown_tag")
	c.FrameDropped("unknown_tag")
	c.EventDispatched("arrival")
	c.ObserverConnected()
	c.ObserverConnected()
	c.ObserverDisconnected()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.DatagramsReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.FramesDropped.WithLabelValues("unknown_tag")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsDispatched.WithLabelValues("arrival")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ObserversConnected))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.DatagramReceived()
		c.FrameDropped("short")
		c.EventDispatched("status")
		c.SinkFailed("store")
		c.ObserverConnected()
		c.ObserverDisconnected()
		c.BroadcastDrop()
		c.PushDrop()
	})
}
