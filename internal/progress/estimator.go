// Package progress converts raw job counters into percent, throughput and ETA figures.
package progress

import (
	"math"
	"math/bits"
	"time"
)

// UnboundedCeiling is the highest percent reported for a search without an end batch.
const UnboundedCeiling = 99.99

// unboundedHalfLife is the batch count at which an unbounded search reports half the ceiling.
const unboundedHalfLife = 1000.0

// Input is what the estimator needs from a running job.
type Input struct {
	Completed       uint64
	StartBatch      uint64
	EndBatch        uint64
	Bounded         bool
	BatchSize       int
	BranchingFactor uint64
	Elapsed         time.Duration
}

// Estimate is the derived view of Input.
type Estimate struct {
	Percent        float64
	SeedsSearched  uint64
	SeedsPerMs     float64
	Remaining      time.Duration
	RemainingKnown bool
	// Anomaly is set when throughput came out negative and was clamped.
	Anomaly bool
}

// Compute derives every figure of an Estimate.
func Compute(in Input) Estimate {
	est := Estimate{
		Percent:       Percent(in.Completed, in.StartBatch, in.EndBatch, in.Bounded),
		SeedsSearched: SeedsSearched(in.Completed, in.BatchSize, in.BranchingFactor),
	}
	est.SeedsPerMs, est.Anomaly = Throughput(est.SeedsSearched, in.Elapsed)
	if in.Bounded {
		est.Remaining, est.RemainingKnown = Remaining(in.Elapsed, est.Percent)
	}
	return est
}

// Percent returns completion in [0, 100]. Unbounded ranges approach UnboundedCeiling
// and never reach it; that figure only signals liveness.
func Percent(completed, start, end uint64, bounded bool) float64 {
	if !bounded {
		c := float64(completed)
		p := UnboundedCeiling * c / (c + unboundedHalfLife)
		if math.IsNaN(p) || p < 0 {
			return 0
		}
		return math.Min(p, UnboundedCeiling)
	}
	if end <= start {
		return 100
	}
	p := 100 * float64(completed) / float64(end-start)
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	return math.Min(p, 100)
}

// BatchWork is the number of seeds one batch covers: branching^(batchSize+1).
// It saturates at math.MaxUint64.
func BatchWork(batchSize int, branching uint64) uint64 {
	if batchSize < 0 {
		batchSize = 0
	}
	return Pow(branching, batchSize+1)
}

// Pow computes base^exp, saturating at math.MaxUint64.
func Pow(base uint64, exp int) uint64 {
	result := uint64(1)
	for i := 0; i < exp; i++ {
		result = MulSat(result, base)
	}
	return result
}

// MulSat multiplies a and b, saturating at math.MaxUint64.
func MulSat(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// SeedsSearched is completed * branching^(batchSize+1).
func SeedsSearched(completed uint64, batchSize int, branching uint64) uint64 {
	return MulSat(completed, BatchWork(batchSize, branching))
}

// Throughput returns seeds per millisecond. A negative elapsed time yields 0 with
// anomaly set; the caller decides how to report it.
func Throughput(seeds uint64, elapsed time.Duration) (perMs float64, anomaly bool) {
	if elapsed < 0 {
		return 0, true
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	if ms <= 0 {
		return 0, false
	}
	v := float64(seeds) / ms
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, true
	}
	if v < 0 {
		return 0, true
	}
	return v, false
}

// Remaining projects time left from elapsed and percent done. It reports false
// unless 0 < percent < 100, elapsed > 0 and the projection is finite.
func Remaining(elapsed time.Duration, percent float64) (time.Duration, bool) {
	if elapsed <= 0 || !(percent > 0 && percent < 100) {
		return 0, false
	}
	r := float64(elapsed) * (100/percent - 1)
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 || r >= math.MaxInt64 {
		return 0, false
	}
	return time.Duration(r), true
}
