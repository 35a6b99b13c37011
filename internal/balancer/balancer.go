// Package balancer implements pluggable candidate-selection strategies over
// an already health- and capability-filtered provider list.
package balancer

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
)

// Candidate is the health/cost view of one eligible provider, enough for a
// Balancer to score or pick from without importing internal/health.
type Candidate struct {
	Name             string
	PerformanceScore float64
	SuccessRate      float64
	AvgResponseMS    float64
	CostPerOutputTok float64
	RequestsThisMin  int
}

// Balancer picks one of a pre-filtered, non-empty candidate list.
type Balancer interface {
	Select(candidates []Candidate) string
}

// RoundRobin cycles through candidates via an atomic counter, so concurrent
// callers fairly interleave regardless of goroutine scheduling.
type RoundRobin struct {
	counter atomic.Uint64
}

func (r *RoundRobin) Select(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	idx := r.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))].Name
}

// Weighted draws proportionally to a per-candidate weight combining
// performance, success rate, speed and inverse cost.
type Weighted struct{}

func (Weighted) Select(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		cost := math.Max(c.CostPerOutputTok, 1e-6)
		speed := 1000.0
		if c.AvgResponseMS > 0 {
			speed = 1000.0 / c.AvgResponseMS
		}
		w := c.PerformanceScore * c.SuccessRate * speed * (1 / cost)
		if w <= 0 {
			w = 1e-9
		}
		weights[i] = w
		total += w
	}

	draw := rand.Float64() * total
	cursor := 0.0
	for i, w := range weights {
		cursor += w
		if draw <= cursor {
			return candidates[i].Name
		}
	}
	return candidates[len(candidates)-1].Name
}

// LeastConnections selects the candidate with the fewest requests recorded
// in the current minute, ties broken by input order.
type LeastConnections struct{}

func (LeastConnections) Select(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.RequestsThisMin < best.RequestsThisMin {
			best = c
		}
	}
	return best.Name
}

// ByName resolves a configured strategy name ("round_robin", "weighted",
// "least_connections") to a Balancer, defaulting to Weighted for unknown
// values.
func ByName(name string) Balancer {
	switch name {
	case "round_robin":
		return &RoundRobin{}
	case "least_connections":
		return LeastConnections{}
	default:
		return Weighted{}
	}
}
