// Package metrics records per-request phase timings and exports service metrics to Prometheus.
package metrics

import (
	"sync"
	"time"
)

// PhaseRecord is one timed phase of a request.
//
// Duration is the phase-local cost (End - Start). Elapsed is cumulative from the
// request start to End, which is what dashboards built on the older format expect.
type PhaseRecord struct {
	Name     string        `json:"name"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
	Elapsed  time.Duration `json:"elapsed"`
}

// RequestMetrics is the metrics record for one request.
type RequestMetrics struct {
	RequestID string             `json:"request_id"`
	StartedAt time.Time          `json:"started_at"`
	Phases    []PhaseRecord      `json:"phases"`
	Values    map[string]float64 `json:"values,omitempty"`
	Total     time.Duration      `json:"total"`
	Finished  bool               `json:"finished"`
}

// Phase returns the record for name, if the phase completed.
func (m *RequestMetrics) Phase(name string) (PhaseRecord, bool) {
	for _, p := range m.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseRecord{}, false
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// Collector accumulates the metrics of a single request. It is safe for concurrent use,
// though a request normally drives it from one goroutine.
type Collector struct {
	mu      sync.Mutex
	now     func() time.Time
	metrics RequestMetrics
	current string
	open    *PhaseRecord
}

// NewCollector starts the request clock.
func NewCollector(requestID string, opts ...CollectorOption) *Collector {
	c := &Collector{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = RequestMetrics{
		RequestID: requestID,
		StartedAt: c.now(),
		Values:    make(map[string]float64),
	}
	return c
}

// StartPhase opens a phase and makes it the current phase. A phase still open is closed first.
func (c *Collector) StartPhase(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics.Finished {
		return
	}
	now := c.now()
	if c.open != nil {
		c.closeOpen(now)
	}
	c.open = &PhaseRecord{Name: name, Start: now}
	c.current = name
}

// EndPhase closes name if it is the open phase and returns its record.
func (c *Collector) EndPhase(name string) (PhaseRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics.Finished || c.open == nil || c.open.Name != name {
		return PhaseRecord{}, false
	}
	return c.closeOpen(c.now()), true
}

func (c *Collector) closeOpen(now time.Time) PhaseRecord {
	rec := *c.open
	rec.End = now
	rec.Duration = now.Sub(rec.Start)
	rec.Elapsed = now.Sub(c.metrics.StartedAt)
	c.metrics.Phases = append(c.metrics.Phases, rec)
	c.open = nil
	return rec
}

// Record stores a named measurement, replacing any earlier value.
func (c *Collector) Record(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics.Finished {
		return
	}
	c.metrics.Values[name] = value
}

// CurrentPhase returns the most recently started phase, open or not.
func (c *Collector) CurrentPhase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Finish closes any open phase and freezes the record.
func (c *Collector) Finish() RequestMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.metrics.Finished {
		now := c.now()
		if c.open != nil {
			c.closeOpen(now)
		}
		c.metrics.Total = now.Sub(c.metrics.StartedAt)
		c.metrics.Finished = true
	}
	return c.snapshotLocked()
}

// Snapshot returns a copy of the record so far.
func (c *Collector) Snapshot() RequestMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() RequestMetrics {
	out := c.metrics
	out.Phases = append([]PhaseRecord(nil), c.metrics.Phases...)
	out.Values = make(map[string]float64, len(c.metrics.Values))
	for k, v := range c.metrics.Values {
		out.Values[k] = v
	}
	if !out.Finished {
		out.Total = c.now().Sub(out.StartedAt)
	}
	return out
}
