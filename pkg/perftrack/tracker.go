package perftrack

import (
	"sync"
	"time"
)

// Evaluation is a single observed measurement for a domain adapter.
type Evaluation struct {
	Accuracy         float64
	ResponseTimeMs   float64
	MemoryUsageRatio float64
}

// DomainMetrics is the running state for one domain. Accuracy and response
// time are exponentially smoothed so a single bad evaluation does not flap
// the refresh decision.
type DomainMetrics struct {
	Domain            string    `json:"domain"`
	Accuracy          float64   `json:"accuracy"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	MemoryUsageRatio  float64   `json:"memory_usage_ratio"`
	LastUpdated       time.Time `json:"last_updated"`
	UsageCount        uint64    `json:"usage_count"`
}

// smoothing weight for new evaluations
const alpha = 0.3

// Clock abstracts time so tests can control refresh-window decisions.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Tracker keeps per-domain rolling metrics. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	domains map[string]*DomainMetrics
	clock   Clock
}

// New creates a Tracker with the wall clock.
func New() *Tracker {
	return NewWithClock(realClock{})
}

// NewWithClock creates a Tracker with an injected clock.
func NewWithClock(clock Clock) *Tracker {
	if clock == nil {
		clock = realClock{}
	}
	return &Tracker{
		domains: make(map[string]*DomainMetrics),
		clock:   clock,
	}
}

// Record merges one evaluation into the domain's running metrics.
func (t *Tracker) Record(domain string, eval Evaluation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.domains[domain]
	if !ok {
		m = &DomainMetrics{Domain: domain}
		t.domains[domain] = m
	}

	if m.UsageCount == 0 {
		m.Accuracy = eval.Accuracy
		m.AvgResponseTimeMs = eval.ResponseTimeMs
	} else {
		m.Accuracy = alpha*eval.Accuracy + (1-alpha)*m.Accuracy
		m.AvgResponseTimeMs = alpha*eval.ResponseTimeMs + (1-alpha)*m.AvgResponseTimeMs
	}
	m.MemoryUsageRatio = eval.MemoryUsageRatio
	m.UsageCount++
	m.LastUpdated = t.clock.Now()
}

// ShouldRefresh reports whether the domain's adapter needs a refresh: no
// metrics recorded yet, accuracy below the performance threshold, or metrics
// stale beyond the update frequency.
func (t *Tracker) ShouldRefresh(domain string, perfThreshold float64, updateFrequency time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.domains[domain]
	if !ok {
		return true
	}
	if m.Accuracy < perfThreshold {
		return true
	}
	return t.clock.Now().Sub(m.LastUpdated) > updateFrequency
}

// Snapshot returns a copy of all domain metrics for reporting.
func (t *Tracker) Snapshot() map[string]DomainMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]DomainMetrics, len(t.domains))
	for d, m := range t.domains {
		out[d] = *m
	}
	return out
}

// Get returns the metrics for one domain, if recorded.
func (t *Tracker) Get(domain string) (DomainMetrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.domains[domain]
	if !ok {
		return DomainMetrics{}, false
	}
	return *m, true
}
