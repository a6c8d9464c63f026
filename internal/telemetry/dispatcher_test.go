package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteoterruzzi/llpp/internal/metrics"
	"github.com/matteoterruzzi/llpp/internal/protocol"
)

// recordingSink appends "<name>:<kind>:<station>[:arg]" to a shared journal
type recordingSink struct {
	name    string
	journal *[]string
	fail    error
}

func (r *recordingSink) record(entry string) error {
	*r.journal = append(*r.journal, r.name+":"+entry)
	return r.fail
}

func (r *recordingSink) ApplyStatus(_ context.Context, station, status string) error {
	return r.record("status:" + station + ":" + status)
}

func (r *recordingSink) ApplyArrival(_ context.Context, station string) error {
	return r.record("arrival:" + station)
}

func (r *recordingSink) ApplyDeparture(_ context.Context, station string, nanos uint64) error {
	return r.record(fmt.Sprintf("departure:%s:%d", station, nanos))
}

func TestDispatchOrder(t *testing.T) {
	var journal []string
	d := NewDispatcher(ContinueOnError, nil,
		NamedSink{"store", &recordingSink{name: "store", journal: &journal}},
		NamedSink{"console", &recordingSink{name: "console", journal: &journal}},
		NamedSink{"hub", &recordingSink{name: "hub", journal: &journal}},
	)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, protocol.Event{Kind: protocol.KindArrival, Station: "A"}))
	require.NoError(t, d.Dispatch(ctx, protocol.Event{Kind: protocol.KindStatus, Station: "A", Status: "ok"}))
	require.NoError(t, d.Dispatch(ctx, protocol.Event{Kind: protocol.KindDeparture, Station: "A", DurationNanos: 7}))

	assert.Equal(t, []string{
		"store:arrival:A", "console:arrival:A", "hub:arrival:A",
		"store:status:A:ok", "console:status:A:ok", "hub:status:A:ok",
		"store:departure:A:7", "console:departure:A:7", "hub:departure:A:7",
	}, journal)
	assert.Equal(t, []string{"store", "console", "hub"}, d.Sinks())
}

func TestDispatchContinueOnError(t *testing.T) {
	var journal []string
	boom := errors.New("disk full")
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	d := NewDispatcher(ContinueOnError, collector,
		NamedSink{"store", &recordingSink{name: "store", journal: &journal, fail: boom}},
		NamedSink{"hub", &recordingSink{name: "hub", journal: &journal}},
	)

	err := d.Dispatch(context.Background(), protocol.Event{Kind: protocol.KindArrival, Station: "A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, []string{"store:arrival:A", "hub:arrival:A"}, journal)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.SinkErrors.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.EventsDispatched.WithLabelValues("arrival")))
}

func TestDispatchStopOnError(t *testing.T) {
	var journal []string
	boom := errors.New("disk full")

	d := NewDispatcher(StopOnError, nil,
		NamedSink{"store", &recordingSink{name: "store", journal: &journal, fail: boom}},
		NamedSink{"hub", &recordingSink{name: "hub", journal: &journal}},
	)

	err := d.Dispatch(context.Background(), protocol.Event{Kind: protocol.KindArrival, Station: "A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, []string{"store:arrival:A"}, journal, "later sinks must not run")
}

func TestRejectedDepartureReachesLiveSinks(t *testing.T) {
	var journal []string
	departure := protocol.Event{Kind: protocol.KindDeparture, Station: "A", DurationNanos: 7}

	d := NewDispatcher(ContinueOnError, nil,
		NamedSink{"store", &recordingSink{name: "store", journal: &journal, fail: metrics.ErrOverflow}},
		NamedSink{"hub", &recordingSink{name: "hub", journal: &journal}},
	)
	err := d.Dispatch(context.Background(), departure)
	assert.True(t, errors.Is(err, metrics.ErrOverflow))
	assert.Equal(t, []string{"store:departure:A:7", "hub:departure:A:7"}, journal)

	journal = nil
	d = NewDispatcher(StopOnError, nil,
		NamedSink{"store", &recordingSink{name: "store", journal: &journal, fail: metrics.ErrOverflow}},
		NamedSink{"hub", &recordingSink{name: "hub", journal: &journal}},
	)
	err = d.Dispatch(context.Background(), departure)
	assert.True(t, errors.Is(err, metrics.ErrOverflow))
	assert.Equal(t, []string{"store:departure:A:7"}, journal)
}

func TestDispatchUnknownKind(t *testing.T) {
	var journal []string
	d := NewDispatcher(StopOnError, nil, NamedSink{"store", &recordingSink{name: "store", journal: &journal}})

	err := d.Dispatch(context.Background(), protocol.Event{Station: "A"})
	assert.Error(t, err)
	assert.Empty(t, journal)
}

func TestParseFailurePolicy(t *testing.T) {
	for input, expected := range map[string]FailurePolicy{"": ContinueOnError, "continue": ContinueOnError, "stop": StopOnError} {
		got, err := ParseFailurePolicy(input)
		require.NoError(t, err)
		assert.Equal(t, expected, got)
	}
	_, err := ParseFailurePolicy("retry")
	assert.Error(t, err)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleSink(&buf)
	ctx := context.Background()

	require.NoError(t, c.ApplyStatus(ctx, "Test", "Hello, world!"))
	require.NoError(t, c.ApplyStatus(ctx, "Test", "Hello, world!"))
	require.NoError(t, c.ApplyArrival(ctx, "Test"))
	require.NoError(t, c.ApplyDeparture(ctx, "Test", 1_500_000_000))
	require.NoError(t, c.ApplyDeparture(ctx, "Test", ^uint64(0)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "1 Status of Test is Hello, world!")
	assert.Contains(t, lines[1], "2 Status of Test is Hello, world!")
	assert.Contains(t, lines[2], "Arrival at Test")
	assert.Contains(t, lines[3], "Departure from Test after 1500000000 ns (PT1.5S)")
	assert.Contains(t, lines[4], "after 18446744073709551615 ns")
}
