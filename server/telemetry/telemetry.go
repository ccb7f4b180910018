// Package telemetry receives errors that cannot be returned to a caller,
// such as failures on the pipeline's background goroutine.
package telemetry

import (
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
)

// Reporter is told about unexpected errors
type Reporter interface {
	ReportError(err error)
}

// ReporterFunc adapts a function to a Reporter
type ReporterFunc func(err error)

func (f ReporterFunc) ReportError(err error) {
	f(err)
}

// Number of recent errors that we remember.
// The ring holds one less than its size, which must be a power of 2.
const recentErrorsSize = 63

type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Snapshot of reported errors
type Summary struct {
	Total  int64         `json:"total"`
	Recent []ErrorRecord `json:"recent"` // Oldest first
}

// LogReporter logs errors, but no more than once per interval, so that a
// model that fails on every frame doesn't flood the log.
// All errors are counted, and the most recent ones are kept for inspection.
type LogReporter struct {
	log      logs.Log
	interval time.Duration

	lock       sync.Mutex
	lastLogAt  time.Time
	suppressed int
	total      int64
	recent     ringbuffer.RingP[ErrorRecord]
}

// Create a reporter that logs at most once per 'interval'. Zero means 15 seconds.
func NewLogReporter(log logs.Log, interval time.Duration) *LogReporter {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &LogReporter{
		log:      log,
		interval: interval,
		recent:   ringbuffer.NewRingP[ErrorRecord](recentErrorsSize + 1),
	}
}

func (r *LogReporter) ReportError(err error) {
	if err == nil {
		return
	}
	now := time.Now()
	r.lock.Lock()
	defer r.lock.Unlock()
	r.total++
	r.recent.Add(ErrorRecord{Time: now, Message: err.Error()})
	if now.Sub(r.lastLogAt) < r.interval {
		r.suppressed++
		return
	}
	if r.suppressed != 0 {
		r.log.Errorf("%v (%v similar errors suppressed)", err, r.suppressed)
	} else {
		r.log.Errorf("%v", err)
	}
	r.lastLogAt = now
	r.suppressed = 0
}

func (r *LogReporter) Summary() Summary {
	r.lock.Lock()
	defer r.lock.Unlock()
	s := Summary{
		Total:  r.total,
		Recent: make([]ErrorRecord, 0, r.recent.Len()),
	}
	for i := 0; i < r.recent.Len(); i++ {
		s.Recent = append(s.Recent, r.recent.Peek(i))
	}
	return s
}
