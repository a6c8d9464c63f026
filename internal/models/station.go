package models

import (
	"encoding/json"
	"time"

	"github.com/matteoterruzzi/llpp/internal/metrics"
)

// TimeFormat is used for every timestamp sent to observers
const TimeFormat = time.RFC3339Nano

// StatusRecord is the latest status reported by a station
type StatusRecord struct {
	Station    string
	Status     string
	ObservedAt time.Time
}

// MarshalJSON encodes the record as [status, ts]
func (s StatusRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{s.Status, s.ObservedAt.UTC().Format(TimeFormat)})
}

// ArrivalBucket counts the arrivals of a station in one window
type ArrivalBucket struct {
	Station string
	Start   time.Time
	End     time.Time
	Count   uint64
}

// MarshalJSON encodes the bucket as [start, end, count]
func (a ArrivalBucket) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		a.Start.UTC().Format(TimeFormat),
		a.End.UTC().Format(TimeFormat),
		a.Count,
	})
}

// DepartureBucket holds the service duration statistics of a station in one window
type DepartureBucket struct {
	Station string
	Start   time.Time
	End     time.Time
	metrics.DepartureStats
}

// MarshalJSON encodes the bucket as [start, end, count, open, low, high, close, mean, var].
// var is 128-bit and written as a plain JSON integer.
func (d DepartureBucket) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		d.Start.UTC().Format(TimeFormat),
		d.End.UTC().Format(TimeFormat),
		d.Count,
		d.Open,
		d.Low,
		d.High,
		d.Close,
		d.Mean(),
		json.RawMessage(d.Variance().String()),
	})
}

// Snapshot is the historical view of one station sent when an observer subscribes
type Snapshot struct {
	Station    string            `json:"station"`
	Status     *StatusRecord     `json:"status"`
	Arrivals   []ArrivalBucket   `json:"arrivals"`
	Departures []DepartureBucket `json:"departures"`
}

// MarshalJSON keeps empty histories as [] rather than null
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type snapshot Snapshot
	out := snapshot(s)
	if out.Arrivals == nil {
		out.Arrivals = []ArrivalBucket{}
	}
	if out.Departures == nil {
		out.Departures = []DepartureBucket{}
	}
	return json.Marshal(out)
}
