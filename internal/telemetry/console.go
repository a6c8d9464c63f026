package telemetry

import (
	"context"
	"io"
	"log"
	"math"
	"time"

	"github.com/sosodev/duration"
)

// ConsoleSink prints every event. Status lines carry a running counter so
// that bursts of identical updates can be told apart.
type ConsoleSink struct {
	out   *log.Logger
	count uint64
}

// NewConsoleSink writes to w with the standard log prefix
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{out: log.New(w, "", log.LstdFlags)}
}

func (c *ConsoleSink) ApplyStatus(_ context.Context, station, status string) error {
	c.count++
	c.out.Printf("%d Status of %s is %s", c.count, station, status)
	return nil
}

func (c *ConsoleSink) ApplyArrival(_ context.Context, station string) error {
	c.out.Printf("Arrival at %s", station)
	return nil
}

func (c *ConsoleSink) ApplyDeparture(_ context.Context, station string, nanos uint64) error {
	if nanos > math.MaxInt64 {
		c.out.Printf("Departure from %s after %d ns", station, nanos)
		return nil
	}
	c.out.Printf("Departure from %s after %d ns (%s)", station, nanos, duration.Format(time.Duration(nanos)))
	return nil
}
