// Package routing combines request analysis, provider health and a load
// balancer into a single routing decision, loosely patterned on a retrieved
// smart-router's priority-based selection config.
package routing

import (
	"sort"
	"sync"

	"github.com/jeffersonwarrior/aimux/internal/analyzer"
	"github.com/jeffersonwarrior/aimux/internal/balancer"
	"github.com/jeffersonwarrior/aimux/internal/config"
	"github.com/jeffersonwarrior/aimux/internal/health"
)

// Priority selects the scoring function used to rank candidates.
type Priority string

const (
	PriorityCost        Priority = "cost"
	PriorityPerformance Priority = "performance"
	PriorityReliability Priority = "reliability"
	PriorityBalanced    Priority = "balanced"
	PriorityCustom      Priority = "custom"
)

// CustomSelector lets a caller supply its own selection function for
// PriorityCustom, given the full candidate state.
type CustomSelector func(candidates []balancer.Candidate) string

// ProviderView is everything routing needs to know about one registered
// provider: its static config and its live health snapshot.
type ProviderView struct {
	Config config.Provider
	Health health.Snapshot
}

// Decision is the outcome of a single routing call.
type Decision struct {
	Selected     string
	Alternatives []string
	Score        float64
	Reasoning    []string
}

// Router holds the load balancer and per-priority/per-provider selection
// metrics.
type Router struct {
	mu sync.Mutex

	balancers map[string]balancer.Balancer
	custom    CustomSelector

	totalRoutings     int
	selectionsByName  map[string]int
	selectionsByPrio  map[Priority]int
}

// New builds a Router. defaultStrategy names the balancer used for
// PriorityBalanced ("round_robin", "weighted", "least_connections").
func New(defaultStrategy string) *Router {
	return &Router{
		balancers: map[string]balancer.Balancer{
			"default": balancer.ByName(defaultStrategy),
		},
		selectionsByName: make(map[string]int),
		selectionsByPrio: make(map[Priority]int),
	}
}

// SetCustomSelector installs the selection function used for PriorityCustom.
func (r *Router) SetCustomSelector(fn CustomSelector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom = fn
}

// Route selects a provider for desc among providers, subject to priority
// and relaxCapability (whether an empty capability-filtered set falls back
// to the full healthy set rather than failing outright).
func (r *Router) Route(desc analyzer.Descriptor, providers []ProviderView, priority Priority, relaxCapability bool) Decision {
	var reasoning []string

	healthy := filterHealthy(providers)
	if len(healthy) == 0 {
		return Decision{Reasoning: []string{"no healthy providers"}}
	}

	capable := filterCapable(healthy, desc.RequiredCapabilities)
	if len(capable) == 0 {
		if !relaxCapability {
			return Decision{Reasoning: []string{"no provider satisfies required capabilities"}}
		}
		capable = healthy
		reasoning = append(reasoning, "capability-unmet, relaxed")
	}

	capacity := filterCapacity(capable)
	if len(capacity) == 0 {
		return Decision{Reasoning: append(reasoning, "all capable providers at capacity")}
	}

	sortByPriorityScore(capacity)

	candidates := toCandidates(capacity)
	selected := r.selectByPriority(priority, candidates, capacity)

	var alternatives []string
	for _, c := range candidates {
		if c.Name != selected {
			alternatives = append(alternatives, c.Name)
		}
	}

	r.recordSelection(selected, priority)

	return Decision{
		Selected:     selected,
		Alternatives: alternatives,
		Score:        scoreFor(selected, capacity),
		Reasoning:    append(reasoning, "routed by "+string(priority)),
	}
}

func (r *Router) selectByPriority(priority Priority, candidates []balancer.Candidate, views []ProviderView) string {
	switch priority {
	case PriorityCost:
		return argminCost(candidates)
	case PriorityPerformance:
		return argminLatency(candidates)
	case PriorityReliability:
		return argmaxSuccess(candidates)
	case PriorityCustom:
		r.mu.Lock()
		fn := r.custom
		r.mu.Unlock()
		if fn != nil {
			if name := fn(candidates); name != "" {
				return name
			}
		}
		return r.balancers["default"].Select(candidates)
	default:
		return r.balancers["default"].Select(candidates)
	}
}

func (r *Router) recordSelection(name string, priority Priority) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRoutings++
	r.selectionsByName[name]++
	r.selectionsByPrio[priority]++
}

// Metrics is a snapshot of routing selection counters for reporting.
type Metrics struct {
	TotalRoutings int
	ByProvider    map[string]int
	ByPriority    map[Priority]int
}

func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	byProvider := make(map[string]int, len(r.selectionsByName))
	for k, v := range r.selectionsByName {
		byProvider[k] = v
	}
	byPriority := make(map[Priority]int, len(r.selectionsByPrio))
	for k, v := range r.selectionsByPrio {
		byPriority[k] = v
	}
	return Metrics{TotalRoutings: r.totalRoutings, ByProvider: byProvider, ByPriority: byPriority}
}

func filterHealthy(providers []ProviderView) []ProviderView {
	var out []ProviderView
	for _, p := range providers {
		if p.Health.Status != "CIRCUIT_OPEN" {
			out = append(out, p)
		}
	}
	return out
}

func filterCapable(providers []ProviderView, required []config.Capability) []ProviderView {
	if len(required) == 0 {
		return providers
	}
	var out []ProviderView
	for _, p := range providers {
		if p.Config.HasCapabilities(required) {
			out = append(out, p)
		}
	}
	return out
}

func filterCapacity(providers []ProviderView) []ProviderView {
	var out []ProviderView
	for _, p := range providers {
		limit := p.Config.MaxRPM
		if limit <= 0 || p.Health.RequestsThisMinute+1 <= limit {
			out = append(out, p)
		}
	}
	return out
}

func sortByPriorityScore(providers []ProviderView) {
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Config.PriorityScore > providers[j].Config.PriorityScore
	})
}

func toCandidates(providers []ProviderView) []balancer.Candidate {
	out := make([]balancer.Candidate, 0, len(providers))
	for _, p := range providers {
		out = append(out, balancer.Candidate{
			Name:             p.Config.Name,
			PerformanceScore: p.Health.PerformanceScore,
			SuccessRate:      p.Health.SuccessRate,
			AvgResponseMS:    p.Health.AvgResponseMS,
			CostPerOutputTok: p.Config.Cost.OutputPerMillion / 1_000_000,
			RequestsThisMin:  p.Health.RequestsThisMinute,
		})
	}
	return out
}

func scoreFor(name string, providers []ProviderView) float64 {
	for _, p := range providers {
		if p.Config.Name == name {
			return p.Health.PerformanceScore
		}
	}
	return 0
}

func argminCost(candidates []balancer.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CostPerOutputTok < best.CostPerOutputTok {
			best = c
		}
	}
	return best.Name
}

func argminLatency(candidates []balancer.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.AvgResponseMS < best.AvgResponseMS {
			best = c
		}
	}
	return best.Name
}

func argmaxSuccess(candidates []balancer.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.SuccessRate > best.SuccessRate {
			best = c
		}
	}
	return best.Name
}
