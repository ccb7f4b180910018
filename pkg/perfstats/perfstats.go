// Package perfstats records how long the stages of frame analysis take,
// so that it's easy to compare different models and different hardware.
package perfstats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
	a.Max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Exponential moving average of a duration, in nanoseconds.
// Safe for concurrent use.
type MovingAverage struct {
	ns atomic.Uint64
}

// Update the moving average with a new sample.
// The first sample seeds the average, and thereafter each new sample has a weight of 1/64.
func (m *MovingAverage) Update(d time.Duration) {
	Update(&m.ns, d.Nanoseconds())
}

func (m *MovingAverage) Duration() time.Duration {
	return time.Duration(m.ns.Load())
}

func (m *MovingAverage) Reset() {
	m.ns.Store(0)
}

func Update(stat *atomic.Uint64, value int64) {
	vu := uint64(max(0, value))
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

// Stage tracks the recent cost of a stage, as well as the average and worst
// case since the last reset. Safe for concurrent use.
type Stage struct {
	Recent MovingAverage

	lock  sync.Mutex
	total TimeAccumulator
}

func (s *Stage) Update(d time.Duration) {
	s.Recent.Update(d)
	s.lock.Lock()
	s.total.AddSample(d)
	s.lock.Unlock()
}

// Totals returns a copy of the samples accumulated since the last reset
func (s *Stage) Totals() TimeAccumulator {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.total
}

func (s *Stage) Reset() {
	s.Recent.Reset()
	s.lock.Lock()
	s.total.Reset()
	s.lock.Unlock()
}

// Timing of the stages of analyzing a single frame
type StageTimes struct {
	Prepare Stage // Resample the frame into the model's input buffer
	Detect  Stage // Run the detector
	Filter  Stage // Apply rules and map boxes back to the frame
}

// Snapshot of StageTimes, suitable for JSON.
// The plain fields are moving averages, and the Max fields are the worst case since start.
type StageSummary struct {
	Samples      int64   `json:"samples"`
	PrepareMS    float64 `json:"prepareMS"`
	DetectMS     float64 `json:"detectMS"`
	FilterMS     float64 `json:"filterMS"`
	PrepareMaxMS float64 `json:"prepareMaxMS"`
	DetectMaxMS  float64 `json:"detectMaxMS"`
	FilterMaxMS  float64 `json:"filterMaxMS"`
	DetectAvgMS  float64 `json:"detectAvgMS"` // Mean over all samples
}

func (s *StageTimes) Summary() StageSummary {
	prepare, detect, filter := s.Prepare.Totals(), s.Detect.Totals(), s.Filter.Totals()
	return StageSummary{
		Samples:      detect.Samples,
		PrepareMS:    toMS(s.Prepare.Recent.Duration()),
		DetectMS:     toMS(s.Detect.Recent.Duration()),
		FilterMS:     toMS(s.Filter.Recent.Duration()),
		PrepareMaxMS: toMS(prepare.Max),
		DetectMaxMS:  toMS(detect.Max),
		FilterMaxMS:  toMS(filter.Max),
		DetectAvgMS:  toMS(detect.Average()),
	}
}

func (s *StageTimes) Reset() {
	s.Prepare.Reset()
	s.Detect.Reset()
	s.Filter.Reset()
}

func (s *StageTimes) String() string {
	sum := s.Summary()
	return fmt.Sprintf("prepare %.2f ms, detect %.2f ms (max %.2f ms), filter %.2f ms", sum.PrepareMS, sum.DetectMS, sum.DetectMaxMS, sum.FilterMS)
}

func toMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
