package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/matteoterruzzi/llpp/internal/metrics"
	"github.com/matteoterruzzi/llpp/internal/protocol"
)

// Sink consumes decoded events. Implementations: the aggregation store
// (db.DB, db.PostgresDB), ConsoleSink, the websocket hub and the MQTT bridge.
type Sink interface {
	ApplyStatus(ctx context.Context, station, status string) error
	ApplyArrival(ctx context.Context, station string) error
	ApplyDeparture(ctx context.Context, station string, nanos uint64) error
}

// NamedSink labels a sink in logs and metrics
type NamedSink struct {
	Name string
	Sink Sink
}

// FailurePolicy decides what happens to later sinks when one fails
type FailurePolicy int

const (
	// ContinueOnError logs the failure and keeps dispatching to later sinks
	ContinueOnError FailurePolicy = iota
	// StopOnError aborts dispatch at the first failing sink
	StopOnError
)

// ParseFailurePolicy maps a configuration value to a FailurePolicy
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "continue":
		return ContinueOnError, nil
	case "stop":
		return StopOnError, nil
	default:
		return 0, fmt.Errorf("unknown dispatch policy %q (expected continue or stop)", s)
	}
}

func (p FailurePolicy) String() string {
	if p == StopOnError {
		return "stop"
	}
	return "continue"
}

// Dispatcher invokes every sink, in registration order, for each event.
// It runs synchronously on the caller's goroutine; sinks are fixed at
// construction.
//
// With ContinueOnError an event the store rejected (for example a
// departure failing with metrics.ErrOverflow) still reaches the live
// sinks, so observers may see a departure that the next snapshot does
// not count. StopOnError keeps the two consistent when the store is
// registered first.
type Dispatcher struct {
	sinks   []NamedSink
	policy  FailurePolicy
	metrics *metrics.Collector
}

// NewDispatcher creates a dispatcher over sinks. collector may be nil.
func NewDispatcher(policy FailurePolicy, collector *metrics.Collector, sinks ...NamedSink) *Dispatcher {
	return &Dispatcher{
		sinks:   append([]NamedSink(nil), sinks...),
		policy:  policy,
		metrics: collector,
	}
}

func (d *Dispatcher) Policy() FailurePolicy {
	return d.policy
}

// Sinks returns the names of the registered sinks in dispatch order
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name
	}
	return names
}

// Dispatch delivers ev to every sink. With ContinueOnError the returned
// error joins all sink failures; with StopOnError it is the first one.
func (d *Dispatcher) Dispatch(ctx context.Context, ev protocol.Event) error {
	d.metrics.EventDispatched(ev.Kind.String())

	var errs []error
	for _, s := range d.sinks {
		err := apply(ctx, s.Sink, ev)
		if err == nil {
			continue
		}

		d.metrics.SinkFailed(s.Name)
		err = fmt.Errorf("sink %s: %s %q: %w", s.Name, ev.Kind, ev.Station, err)
		if d.policy == StopOnError {
			return err
		}
		log.Printf("Dispatch error: %v", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func apply(ctx context.Context, s Sink, ev protocol.Event) error {
	switch ev.Kind {
	case protocol.KindStatus:
		return s.ApplyStatus(ctx, ev.Station, ev.Status)
	case protocol.KindArrival:
		return s.ApplyArrival(ctx, ev.Station)
	case protocol.KindDeparture:
		return s.ApplyDeparture(ctx, ev.Station, ev.DurationNanos)
	default:
		return fmt.Errorf("unsupported event kind %s", ev.Kind)
	}
}
