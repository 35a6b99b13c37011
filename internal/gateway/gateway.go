// Package gateway is the dispatch orchestrator: it registers providers,
// runs the route-attempt-failover loop, updates health and records
// metrics, generalized from the teacher's single-shot proxy handler into a
// full multi-provider failover engine.
package gateway

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeffersonwarrior/aimux/internal/analyzer"
	"github.com/jeffersonwarrior/aimux/internal/config"
	"github.com/jeffersonwarrior/aimux/internal/format"
	"github.com/jeffersonwarrior/aimux/internal/gwerr"
	"github.com/jeffersonwarrior/aimux/internal/health"
	"github.com/jeffersonwarrior/aimux/internal/metrics"
	"github.com/jeffersonwarrior/aimux/internal/providers"
	"github.com/jeffersonwarrior/aimux/internal/routing"
	"github.com/jeffersonwarrior/aimux/internal/streaming"
	"github.com/jeffersonwarrior/aimux/internal/transform"
)

// streamFormatter is the concrete-type capability a registered provider
// must have to back a streaming.Stream; providers.Provider's interface
// itself omits Finalize so it can stay a minimal per-request contract.
type streamFormatter interface {
	TransformStream(chunk []byte, state *providers.StreamState) ([]byte, error)
	Finalize(state *providers.StreamState) ([]byte, error)
}

const defaultFanOutCap = 3

// registration bundles a provider's static config with its live transport.
type registration struct {
	cfg     config.Provider
	client  *http.Client
	tracker *health.Tracker
}

// Manager is the core dispatch engine. It owns the provider registry, the
// health monitor, the router, the transformer and the metrics ring. The
// registry itself is multiple-reader/single-writer, guarded by mu the same
// way health.Monitor guards its own tracker map: AddProvider/RemoveProvider
// (config reloads, admin calls) take the write lock, Dispatch/DispatchStream/
// probe/providerViews/ProviderConfigs take the read lock.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*registration

	monitor   *health.Monitor
	router    *routing.Router
	analyzer  *analyzer.Analyzer
	transform *transform.Transformer
	ring      *metrics.Ring
	prom      *metrics.Prometheus
	registry  *providers.Registry
	streams   *streaming.Processor

	fanOutCap int
	priority  routing.Priority
	relax     bool
	startedAt time.Time
}

// Options configures a new Manager.
type Options struct {
	Routing    config.RoutingPolicy
	Models     []transform.ModelMapping
	RingSize   int
	Prometheus *metrics.Prometheus
}

// New builds a Manager. The health monitor is not started until Run is
// called with a context.
func New(opts Options) *Manager {
	m := &Manager{
		providers: make(map[string]*registration),
		router:    routing.New(opts.Routing.LoadBalancer),
		analyzer:  analyzer.New(),
		transform: transform.New(opts.Models),
		ring:      metrics.NewRing(opts.RingSize),
		prom:      opts.Prometheus,
		registry:  providers.NewRegistry(),
		streams:   streaming.NewProcessor(streaming.DefaultConfig()),
		fanOutCap: opts.Routing.FanOutCap,
		priority:  routing.Priority(opts.Routing.Priority),
		relax:     opts.Routing.RelaxCapability,
		startedAt: time.Now(),
	}
	if m.fanOutCap <= 0 {
		m.fanOutCap = defaultFanOutCap
	}
	m.monitor = health.NewMonitor(m.probe, zerolog.Nop(), config.DefaultMonitorTick, config.DefaultProbeInterval)
	return m
}

// Run starts the background health monitor; it blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.monitor.Run(ctx)
}

// AddProvider validates and registers a provider, per SPEC_FULL.md §4.7.
func (m *Manager) AddProvider(cfg config.Provider) error {
	if err := cfg.Validate(); err != nil {
		return gwerr.Wrap(gwerr.KindConfig, "INVALID_PROVIDER", 400, err)
	}

	cfg.Health = cfg.Health.WithDefaults()
	tracker := health.NewTracker(cfg.Name, cfg.Health.FailureThreshold, cfg.Health.RequiredProbes, cfg.Health.RecoveryDelay)

	reg := &registration{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		tracker: tracker,
	}

	m.mu.Lock()
	m.providers[cfg.Name] = reg
	m.mu.Unlock()

	m.monitor.Register(cfg.Name, tracker)
	m.registry.Register(providers.BuildOne(cfg))
	if m.prom != nil {
		m.prom.SetCircuitOpen(cfg.Name, false)
	}
	return nil
}

// RemoveProvider stops supervising and removes a registered provider.
func (m *Manager) RemoveProvider(name string) {
	m.monitor.Unregister(name)
	m.registry.Remove(name)

	m.mu.Lock()
	delete(m.providers, name)
	m.mu.Unlock()
}

// getProvider returns the registration for name under the registry's read
// lock. The returned pointer's fields are never mutated in place (a
// reload replaces the map entry with a new *registration rather than
// editing the old one), so callers may use it after releasing the lock.
func (m *Manager) getProvider(name string) (*registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.providers[name]
	return reg, ok
}

// GetHealthy returns currently healthy provider names.
func (m *Manager) GetHealthy() []string { return m.monitor.Healthy() }

// GetUnhealthy returns currently unhealthy provider names.
func (m *Manager) GetUnhealthy() []string { return m.monitor.Unhealthy() }

// GetMetrics returns the ring aggregate plus routing selection counts.
func (m *Manager) GetMetrics() (metrics.Aggregate, routing.Metrics) {
	return m.ring.Aggregate(), m.router.Metrics()
}

// Uptime reports how long this Manager has been running.
func (m *Manager) Uptime() time.Duration { return time.Since(m.startedAt) }

// ProviderConfigs returns the static config for every registered provider,
// for the /providers endpoint.
func (m *Manager) ProviderConfigs() map[string]config.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]config.Provider, len(m.providers))
	for name, reg := range m.providers {
		out[name] = reg.cfg
	}
	return out
}

// Dispatch runs the canonical route -> attempt -> failover loop for a
// single non-streaming request, returning the client-shaped response body
// and the status code to send.
func (m *Manager) Dispatch(ctx context.Context, endpoint string, headers http.Header, body []byte) ([]byte, int, string, error) {
	clientFormat := format.Detect(endpoint, headers, body).Format
	if clientFormat == format.Unknown {
		clientFormat = format.Anthropic
	}

	descriptor := m.analyzer.Analyze(body)

	views := m.providerViews()
	decision := m.router.Route(descriptor, views, m.priority, m.relax)
	if decision.Selected == "" {
		return nil, 503, "", gwerr.New(gwerr.KindNoProvider, "NO_PROVIDER", 503, "no healthy provider available")
	}

	attempts := append([]string{decision.Selected}, decision.Alternatives...)
	if len(attempts) > 1+m.fanOutCap {
		attempts = attempts[:1+m.fanOutCap]
	}

	var lastErr error
	for _, name := range attempts {
		reg, ok := m.getProvider(name)
		if !ok || !reg.tracker.CanAcceptRequests() {
			continue
		}

		reqBody, warnings, err := m.transform.TransformRequest(body, clientFormat, providerFormat(reg.cfg))
		_ = warnings
		if err != nil {
			return nil, 400, name, gwerr.Wrap(gwerr.KindTransform, "REQUEST_TRANSFORM_FAILED", 400, err)
		}

		start := time.Now()
		respBody, status, sendErr := m.send(ctx, reg, reqBody)
		elapsed := time.Since(start)
		reg.tracker.RecordRequest()

		success := sendErr == nil && status < 400
		if success {
			reg.tracker.MarkSuccess(float64(elapsed.Milliseconds()))
		} else {
			reg.tracker.MarkFailure(float64(elapsed.Milliseconds()))
		}
		if m.prom != nil {
			m.prom.Observe(name, success, elapsed)
			m.prom.SetCircuitOpen(name, reg.tracker.Snapshot().Status == health.StatusCircuitOpen)
		}
		m.ring.Add(metrics.Entry{
			Start: start, End: time.Now(), Provider: name, Success: success,
			StatusCode: status, RoutingReason: routingReason(decision), TokenEstimate: descriptor.TokenEstimate,
		})

		if sendErr != nil {
			lastErr = sendErr
			continue
		}
		if success {
			out, _, err := m.transform.TransformResponse(respBody, clientFormat, providerFormat(reg.cfg))
			if err != nil {
				return nil, 502, name, gwerr.Wrap(gwerr.KindTransform, "RESPONSE_TRANSFORM_FAILED", 502, err)
			}
			return out, status, name, nil
		}
		if !gwerr.Retryable(status) {
			return respBody, status, name, nil
		}
		lastErr = fmt.Errorf("provider %s returned status %d", name, status)
	}

	if lastErr == nil {
		lastErr = gwerr.New(gwerr.KindNoProvider, "NO_PROVIDER", 503, "no candidate accepted the request")
	}
	return nil, 502, "", gwerr.Wrap(gwerr.KindProvider, "ALL_PROVIDERS_FAILED", 502, lastErr)
}

// DispatchStream runs the same routing/failover selection as Dispatch but
// for a streaming request: it opens the upstream SSE response, demultiplexes
// it through internal/streaming, and writes already-transformed chunks to w
// as they arrive, calling flush after each one. It returns once the
// upstream stream finalizes or ctx is done.
func (m *Manager) DispatchStream(ctx context.Context, endpoint string, headers http.Header, body []byte, w io.Writer, flush func(), onProvider func(name string)) (string, error) {
	clientFormat := format.Detect(endpoint, headers, body).Format
	if clientFormat == format.Unknown {
		clientFormat = format.Anthropic
	}

	descriptor := m.analyzer.Analyze(body)

	views := m.providerViews()
	decision := m.router.Route(descriptor, views, m.priority, m.relax)
	if decision.Selected == "" {
		return "", gwerr.New(gwerr.KindNoProvider, "NO_PROVIDER", 503, "no healthy provider available")
	}

	attempts := append([]string{decision.Selected}, decision.Alternatives...)
	if len(attempts) > 1+m.fanOutCap {
		attempts = attempts[:1+m.fanOutCap]
	}

	var lastErr error
	for _, name := range attempts {
		reg, ok := m.getProvider(name)
		if !ok || !reg.tracker.CanAcceptRequests() {
			continue
		}

		prov, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		formatter, ok := prov.(streamFormatter)
		if !ok {
			continue
		}

		reqBody, _, err := m.transform.TransformRequest(body, clientFormat, providerFormat(reg.cfg))
		if err != nil {
			return "", gwerr.Wrap(gwerr.KindTransform, "REQUEST_TRANSFORM_FAILED", 400, err)
		}

		start := time.Now()
		resp, err := m.openStream(ctx, reg, reqBody)
		if err != nil {
			reg.tracker.RecordRequest()
			reg.tracker.MarkFailure(float64(time.Since(start).Milliseconds()))
			lastErr = err
			continue
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			reg.tracker.RecordRequest()
			reg.tracker.MarkFailure(float64(time.Since(start).Milliseconds()))
			if gwerr.Retryable(resp.StatusCode) {
				lastErr = fmt.Errorf("provider %s returned status %d", name, resp.StatusCode)
				continue
			}
			if onProvider != nil {
				onProvider(name)
			}
			w.Write(data)
			return name, nil
		}

		reg.tracker.RecordRequest()
		reg.tracker.MarkSuccess(float64(time.Since(start).Milliseconds()))
		if m.prom != nil {
			m.prom.Observe(name, true, time.Since(start))
		}

		streamID, err := m.streams.CreateStream(ctx, formatter)
		if err != nil {
			resp.Body.Close()
			return "", gwerr.Wrap(gwerr.KindProvider, "STREAM_CREATE_FAILED", 502, err)
		}
		if onProvider != nil {
			onProvider(name)
		}
		m.pumpStream(ctx, streamID, resp.Body, w, flush)
		m.ring.Add(metrics.Entry{
			Start: start, End: time.Now(), Provider: name, Success: true,
			StatusCode: resp.StatusCode, RoutingReason: routingReason(decision), TokenEstimate: descriptor.TokenEstimate,
		})
		return name, nil
	}

	if lastErr == nil {
		lastErr = gwerr.New(gwerr.KindNoProvider, "NO_PROVIDER", 503, "no candidate accepted the stream")
	}
	return "", gwerr.Wrap(gwerr.KindProvider, "ALL_PROVIDERS_FAILED", 502, lastErr)
}

func (m *Manager) openStream(ctx context.Context, reg *registration, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.cfg.APIBase, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if reg.cfg.APIKey.Value() != "" {
		req.Header.Set("Authorization", "Bearer "+reg.cfg.APIKey.Value())
		req.Header.Set("x-api-key", reg.cfg.APIKey.Value())
	}
	return reg.client.Do(req)
}

// pumpStream feeds SSE event payloads from body into the stream processor
// and concurrently drains its output to w, returning once the upstream body
// closes or the stream finalizes.
func (m *Manager) pumpStream(ctx context.Context, streamID string, body io.ReadCloser, w io.Writer, flush func()) {
	defer body.Close()

	out, done, err := m.streams.Drain(streamID)
	if err != nil {
		return
	}

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			select {
			case chunk, open := <-out:
				if !open {
					return
				}
				w.Write(chunk)
				if flush != nil {
					flush()
				}
			case <-done:
				for {
					select {
					case chunk := <-out:
						w.Write(chunk)
						if flush != nil {
							flush()
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(splitSSEEvents)

	for scanner.Scan() {
		payload := extractSSEData(scanner.Text())
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			m.streams.ProcessChunk(streamID, nil, true)
			break
		}
		m.streams.ProcessChunk(streamID, []byte(payload), false)
	}
	m.streams.ProcessChunk(streamID, nil, true)

	select {
	case <-drainDone:
	case <-done:
	case <-ctx.Done():
	}
}

// splitSSEEvents is a bufio.SplitFunc that frames on blank-line-delimited
// SSE events ("\n\n").
func splitSSEEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// extractSSEData pulls the payload out of an SSE event's "data: " lines.
func extractSSEData(event string) string {
	var lines []string
	for _, line := range strings.Split(event, "\n") {
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			lines = append(lines, strings.TrimPrefix(after, " "))
		}
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) send(ctx context.Context, reg *registration, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.cfg.APIBase, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if reg.cfg.APIKey.Value() != "" {
		req.Header.Set("Authorization", "Bearer "+reg.cfg.APIKey.Value())
		req.Header.Set("x-api-key", reg.cfg.APIKey.Value())
	}

	resp, err := reg.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := decodeBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// decodeBody reads resp.Body, transparently decompressing gzip or brotli
// content per its Content-Encoding header. Go's transport already strips
// gzip automatically only when the request leaves Accept-Encoding unset;
// since send explicitly advertises gzip and br to let providers choose the
// cheaper one, both must be handled here.
func decodeBody(resp *http.Response) ([]byte, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		return io.ReadAll(brotli.NewReader(resp.Body))
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	default:
		return io.ReadAll(resp.Body)
	}
}

// probe issues a minimal real request against a provider, used by the
// background health monitor for periodic and half-open recovery probes.
func (m *Manager) probe(ctx context.Context, name string) error {
	reg, ok := m.getProvider(name)
	if !ok {
		return fmt.Errorf("probe: unknown provider %s", name)
	}
	model := "probe"
	if len(reg.cfg.Models) > 0 {
		model = reg.cfg.Models[0]
	}
	body := []byte(fmt.Sprintf(`{"model":%q,"max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`, model))
	_, status, err := m.send(ctx, reg, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("probe: status %d", status)
	}
	return nil
}

func (m *Manager) providerViews() []routing.ProviderView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]routing.ProviderView, 0, len(m.providers))
	for _, reg := range m.providers {
		if !reg.cfg.IsEnabled() {
			continue
		}
		views = append(views, routing.ProviderView{Config: reg.cfg, Health: reg.tracker.Snapshot()})
	}
	return views
}

func routingReason(d routing.Decision) string {
	if len(d.Reasoning) == 0 {
		return ""
	}
	return d.Reasoning[len(d.Reasoning)-1]
}

func providerFormat(cfg config.Provider) format.Format {
	if cfg.WireFormat() == "anthropic" {
		return format.Anthropic
	}
	return format.OpenAI
}

// NewCorrelationID generates an opaque id for the gateway-500 catch-all
// envelope.
func NewCorrelationID() string { return uuid.NewString() }
