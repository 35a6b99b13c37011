// Package metrics holds a bounded ring of completed-request metrics plus
// Prometheus counters/gauges for external scraping, patterned on a
// retrieved gateway's metrics-server separation.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Entry is one completed request's observable outcome.
type Entry struct {
	Start, End    time.Time
	Provider      string
	Success       bool
	StatusCode    int
	RoutingReason string
	TokenEstimate int
}

// Ring is a fixed-capacity, mutex-guarded ring buffer of Entry, overwriting
// the oldest entry once full.
type Ring struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	next     int
	full     bool
}

// NewRing builds a Ring able to hold capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{entries: make([]Entry, capacity), capacity: capacity}
}

// Add appends e, overwriting the oldest entry if the ring is full.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns a copy of every entry currently held, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, r.capacity)
	copy(out, r.entries[r.next:])
	copy(out[r.capacity-r.next:], r.entries[:r.next])
	return out
}

// Aggregate is the computed-on-read summary used by GET /metrics.
type Aggregate struct {
	Total               int
	SuccessCount         int
	SuccessRate          float64
	AvgDurationMS        float64
	SelectionsByProvider map[string]int
}

// Aggregate computes total/success-rate/avg-duration/per-provider counts
// over the ring's current contents.
func (r *Ring) Aggregate() Aggregate {
	entries := r.Snapshot()
	agg := Aggregate{SelectionsByProvider: make(map[string]int)}
	agg.Total = len(entries)

	var totalMS float64
	for _, e := range entries {
		if e.Success {
			agg.SuccessCount++
		}
		totalMS += float64(e.End.Sub(e.Start).Milliseconds())
		if e.Provider != "" {
			agg.SelectionsByProvider[e.Provider]++
		}
	}
	if agg.Total > 0 {
		agg.SuccessRate = float64(agg.SuccessCount) / float64(agg.Total)
		agg.AvgDurationMS = totalMS / float64(agg.Total)
	}
	return agg
}

// Prometheus holds the exported counters/gauges backing the Prometheus
// exposition endpoint, grounded on a retrieved gateway's
// smart_router_requests_total pattern.
type Prometheus struct {
	Requests    *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Circuit     *prometheus.GaugeVec
}

// NewPrometheus registers the gateway's metric families on registry.
func NewPrometheus(registry prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aimux_requests_total",
			Help: "Total number of requests dispatched per provider.",
		}, []string{"provider"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aimux_failures_total",
			Help: "Total number of failed attempts per provider.",
		}, []string{"provider"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aimux_request_duration_seconds",
			Help:    "Request duration per provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		Circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aimux_provider_circuit_open",
			Help: "1 if a provider's circuit is currently open, else 0.",
		}, []string{"provider"}),
	}
	registry.MustRegister(p.Requests, p.Failures, p.Duration, p.Circuit)
	return p
}

// Observe records one completed attempt against both the counters and
// histogram.
func (p *Prometheus) Observe(provider string, success bool, duration time.Duration) {
	p.Requests.WithLabelValues(provider).Inc()
	if !success {
		p.Failures.WithLabelValues(provider).Inc()
	}
	p.Duration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetCircuitOpen updates the circuit-open gauge for a provider.
func (p *Prometheus) SetCircuitOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	p.Circuit.WithLabelValues(provider).Set(v)
}
