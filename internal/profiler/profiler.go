// Package profiler records per-stage work intervals and serializes them into
// the per-node binary file written at the end of every job. Each stage
// goroutine owns exactly one Profiler, so recording needs no locking; the
// controller merges them into a single file once every stage has joined.
package profiler

import "time"

// Interval is one timed unit of work, in nanoseconds relative to the
// profiler's base time.
type Interval struct {
	Key     string
	StartNS int64
	EndNS   int64
}

// Profiler accumulates intervals for a single stage goroutine.
type Profiler struct {
	base      time.Time
	intervals []Interval
}

// New returns a profiler whose intervals are recorded relative to base.
// All profilers of one job share the same base, captured when the worker
// accepts NewJob.
func New(base time.Time) *Profiler {
	return &Profiler{base: base}
}

// Add records an interval for key spanning [start, end).
func (p *Profiler) Add(key string, start, end time.Time) {
	p.intervals = append(p.intervals, Interval{
		Key:     key,
		StartNS: start.Sub(p.base).Nanoseconds(),
		EndNS:   end.Sub(p.base).Nanoseconds(),
	})
}

// Time runs fn and records its duration under key.
func (p *Profiler) Time(key string, fn func()) {
	start := time.Now()
	fn()
	p.Add(key, start, time.Now())
}

// Intervals returns the recorded intervals in insertion order.
func (p *Profiler) Intervals() []Interval {
	return p.intervals
}
