// Package health tracks per-provider circuit-breaker state and EMA
// performance metrics, and runs the background probe loop that drives
// circuit recovery. The four-state machine and EMA math are new; the
// fan-out probing shape is adapted from a retrieved circuit-breaker router.
package health

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Status is a provider's circuit-breaker state.
type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusUnhealthy   Status = "UNHEALTHY"
	StatusCircuitOpen Status = "CIRCUIT_OPEN"
)

const (
	responseTimeAlpha = 0.1
	successRateAlpha  = 0.05
	errorRateStep     = 0.1
)

// Tracker holds one provider's mutable health state. Status transitions and
// the counters they depend on are updated together under mu so a reader
// never observes a status inconsistent with its counters.
type Tracker struct {
	mu sync.Mutex

	name   string
	status Status

	consecutiveFailures int
	successfulProbes    int
	circuitOpenAt       time.Time

	avgResponseMS float64
	successRate   float64
	errorRate     float64
	requestsThisMinute int
	minuteStart        time.Time

	failureThreshold int
	recoveryDelay    time.Duration
	requiredProbes   int
}

// NewTracker builds a Tracker starting in the HEALTHY state.
func NewTracker(name string, failureThreshold, requiredProbes int, recoveryDelay time.Duration) *Tracker {
	return &Tracker{
		name:             name,
		status:           StatusHealthy,
		successRate:      1,
		failureThreshold: failureThreshold,
		requiredProbes:   requiredProbes,
		recoveryDelay:    recoveryDelay,
		minuteStart:      time.Now(),
	}
}

// MarkSuccess records a successful attempt, resetting the failure counter
// and, if the circuit is open, counting toward the required recovery probes.
func (t *Tracker) MarkSuccess(responseMS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures = 0
	t.updateEMA(responseMS, true)

	switch t.status {
	case StatusCircuitOpen:
		t.successfulProbes++
		if t.successfulProbes >= t.requiredProbes {
			t.status = StatusHealthy
			t.successfulProbes = 0
		}
	default:
		t.status = StatusHealthy
	}
}

// MarkFailure records a failed attempt, advancing the circuit breaker.
func (t *Tracker) MarkFailure(responseMS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	t.successfulProbes = 0
	t.updateEMA(responseMS, false)

	switch {
	case t.consecutiveFailures >= t.failureThreshold:
		t.status = StatusCircuitOpen
		t.circuitOpenAt = time.Now()
	case t.consecutiveFailures >= 2:
		if t.status != StatusCircuitOpen {
			t.status = StatusUnhealthy
		}
	default:
		if t.status == StatusHealthy {
			t.status = StatusDegraded
		}
	}
}

func (t *Tracker) updateEMA(responseMS float64, success bool) {
	if t.avgResponseMS == 0 {
		t.avgResponseMS = responseMS
	} else {
		t.avgResponseMS = responseTimeAlpha*responseMS + (1-responseTimeAlpha)*t.avgResponseMS
	}

	observed := 0.0
	if success {
		observed = 1.0
	}
	t.successRate = successRateAlpha*observed + (1-successRateAlpha)*t.successRate

	if success {
		t.errorRate = math.Max(0, t.errorRate-errorRateStep)
	} else {
		t.errorRate = math.Min(1, t.errorRate+errorRateStep)
	}
}

// CanAcceptRequests reports whether the provider should be offered to
// routing: true unless its circuit is open and the recovery delay hasn't
// elapsed.
func (t *Tracker) CanAcceptRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusCircuitOpen {
		return true
	}
	return time.Since(t.circuitOpenAt) >= t.recoveryDelay
}

// Snapshot is a point-in-time, immutable copy of a Tracker's state.
type Snapshot struct {
	Name                string
	Status              Status
	ConsecutiveFailures int
	AvgResponseMS       float64
	SuccessRate         float64
	ErrorRate           float64
	PerformanceScore    float64
	RequestsThisMinute  int
}

// Snapshot copies the current state out from under the lock.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	normalizedRT := math.Max(0, (5000-t.avgResponseMS)/4000)
	requestsThisMinute := t.requestsThisMinute
	if time.Since(t.minuteStart) >= time.Minute {
		requestsThisMinute = 0
	}
	return Snapshot{
		Name:                t.name,
		Status:              t.status,
		ConsecutiveFailures: t.consecutiveFailures,
		AvgResponseMS:       t.avgResponseMS,
		SuccessRate:         t.successRate,
		ErrorRate:           t.errorRate,
		PerformanceScore:    0.6*t.successRate + 0.4*normalizedRT,
		RequestsThisMinute:  requestsThisMinute,
	}
}

// RecordRequest increments the provider's current-minute request counter,
// resetting it when the minute rolls over.
func (t *Tracker) RecordRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Since(t.minuteStart) >= time.Minute {
		t.requestsThisMinute = 0
		t.minuteStart = time.Now()
	}
	t.requestsThisMinute++
}

// RequestsThisMinute reports the current-minute request count.
func (t *Tracker) RequestsThisMinute() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Since(t.minuteStart) >= time.Minute {
		return 0
	}
	return t.requestsThisMinute
}

// Prober issues a real, minimal upstream call against a provider and
// reports whether it succeeded. GatewayManager supplies the concrete
// implementation (a 1-token completion through the provider transport).
type Prober func(ctx context.Context, providerName string) error

// Monitor owns the registry of trackers and runs the periodic background
// probe loop, fanning probes out in parallel with errgroup.
type Monitor struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	prober   Prober
	logger   zerolog.Logger

	monitorTick   time.Duration
	probeInterval time.Duration

	lastProbe map[string]time.Time
}

// NewMonitor builds a Monitor. prober is invoked once per provider per
// probe interval; logger receives structured probe/circuit-transition logs.
func NewMonitor(prober Prober, logger zerolog.Logger, monitorTick, probeInterval time.Duration) *Monitor {
	return &Monitor{
		trackers:      make(map[string]*Tracker),
		prober:        prober,
		logger:        logger,
		monitorTick:   monitorTick,
		probeInterval: probeInterval,
		lastProbe:     make(map[string]time.Time),
	}
}

// Register adds a provider under runtime supervision. Safe to call while
// Run is active.
func (m *Monitor) Register(name string, tracker *Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[name] = tracker
}

// Unregister stops supervising a provider.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, name)
	delete(m.lastProbe, name)
}

// Get returns the tracker for name, if registered.
func (m *Monitor) Get(name string) (*Tracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trackers[name]
	return t, ok
}

// Healthy returns the names of every provider currently able to accept
// requests.
func (m *Monitor) Healthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, t := range m.trackers {
		if t.CanAcceptRequests() {
			names = append(names, name)
		}
	}
	return names
}

// Unhealthy returns the names of every provider currently refusing
// requests (circuit open within its recovery window).
func (m *Monitor) Unhealthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, t := range m.trackers {
		if !t.CanAcceptRequests() {
			names = append(names, name)
		}
	}
	return names
}

// Run blocks, ticking every monitorTick and fanning out a probe to each
// provider due for one (per-provider probeInterval, or whose circuit is
// open and eligible for a half-open recovery probe) until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probeDue(ctx)
		}
	}
}

func (m *Monitor) probeDue(ctx context.Context) {
	m.mu.RLock()
	due := make(map[string]*Tracker)
	now := time.Now()
	for name, t := range m.trackers {
		last, seen := m.lastProbe[name]
		halfOpen := t.Snapshot().Status == StatusCircuitOpen && t.CanAcceptRequests()
		if !seen || now.Sub(last) >= m.probeInterval || halfOpen {
			due[name] = t
		}
	}
	m.mu.RUnlock()

	if len(due) == 0 || m.prober == nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, tracker := range due {
		name, tracker := name, tracker
		g.Go(func() error {
			start := time.Now()
			err := m.prober(gctx, name)
			elapsed := float64(time.Since(start).Milliseconds())

			m.mu.Lock()
			m.lastProbe[name] = time.Now()
			m.mu.Unlock()

			if err != nil {
				tracker.MarkFailure(elapsed)
				m.logger.Warn().Str("provider", name).Err(err).Msg("probe failed")
			} else {
				prev := tracker.Snapshot().Status
				tracker.MarkSuccess(elapsed)
				if prev != tracker.Snapshot().Status {
					m.logger.Info().Str("provider", name).Str("status", string(tracker.Snapshot().Status)).Msg("circuit transition")
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
