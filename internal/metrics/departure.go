package metrics

import (
	"errors"
	"math/bits"

	"lukechampine.com/uint128"
)

// ErrOverflow is returned when an observation does not fit the accumulators
var ErrOverflow = errors.New("departure duration overflows accumulator")

// DepartureStats holds the running statistics of one departure bucket.
// All values are raw nanosecond durations accumulated in a single pass,
// without storing the observations.
//
// Total is 64-bit and holds more than 500 years of cumulative duration.
// Squares is 128-bit so any single uint64 duration can be squared; the
// sum overflows only past roughly 10^38 ns².
type DepartureStats struct {
	Count   uint64
	Open    uint64 // first duration seen in the bucket
	Close   uint64 // most recent duration
	Low     uint64
	High    uint64
	Total   uint64
	Squares uint128.Uint128
}

// NewDepartureStats seeds a bucket from its first observation, the way a
// freshly inserted row looks before its first update: open, close, low and
// high set to the duration and all sums at zero.
func NewDepartureStats(first uint64) *DepartureStats {
	return &DepartureStats{
		Open:  first,
		Close: first,
		Low:   first,
		High:  first,
	}
}

// Observe adds a duration. On ErrOverflow the stats are left unchanged.
func (s *DepartureStats) Observe(d uint64) error {
	total, carry := bits.Add64(s.Total, d, 0)
	if carry != 0 {
		return ErrOverflow
	}
	squares, ok := addSquare(s.Squares, d)
	if !ok {
		return ErrOverflow
	}

	s.Count++
	s.Close = d
	if d < s.Low {
		s.Low = d
	}
	if d > s.High {
		s.High = d
	}
	s.Total = total
	s.Squares = squares
	return nil
}

// addSquare returns sum + d², reporting false if it wraps 128 bits
func addSquare(sum uint128.Uint128, d uint64) (uint128.Uint128, bool) {
	hi, lo := bits.Mul64(d, d)
	lo, carry := bits.Add64(sum.Lo, lo, 0)
	hi, carry = bits.Add64(sum.Hi, hi, carry)
	return uint128.New(lo, hi), carry == 0
}

// Mean returns total / count with integer truncation, 0 for an empty bucket.
func (s *DepartureStats) Mean() uint64 {
	return Mean(s.Total, s.Count)
}

// Variance returns squares / count - mean² with integer truncation.
// This is not an exact estimator; it mirrors the stored integer columns.
func (s *DepartureStats) Variance() uint128.Uint128 {
	return Variance(s.Total, s.Squares, s.Count)
}

// Mean is the integer-truncating mean of an accumulated total
func Mean(total, count uint64) uint64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// Variance is the integer-truncating population variance of accumulated
// sums. floor(total/count)² never exceeds floor(squares/count) for sums
// produced by Observe; inconsistent rows read from storage clamp to zero.
func Variance(total uint64, squares uint128.Uint128, count uint64) uint128.Uint128 {
	if count == 0 {
		return uint128.Zero
	}
	mean := total / count
	meanSq := squares.Div64(count)
	m2 := uint128.From64(mean).Mul64(mean)
	if m2.Cmp(meanSq) > 0 {
		return uint128.Zero
	}
	return meanSq.Sub(m2)
}
