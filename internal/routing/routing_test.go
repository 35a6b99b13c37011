package routing

import (
	"testing"

	"github.com/jeffersonwarrior/aimux/internal/analyzer"
	"github.com/jeffersonwarrior/aimux/internal/balancer"
	"github.com/jeffersonwarrior/aimux/internal/config"
	"github.com/jeffersonwarrior/aimux/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func view(name string, status health.Status, caps []config.Capability, priorityScore float64) ProviderView {
	return ProviderView{
		Config: config.Provider{Name: name, Capabilities: caps, PriorityScore: priorityScore},
		Health: health.Snapshot{Status: status, SuccessRate: 0.9, AvgResponseMS: 500, PerformanceScore: 0.8},
	}
}

func TestRoute_NoHealthyProvidersYieldsEmptySelection(t *testing.T) {
	r := New("round_robin")
	d := r.Route(analyzer.Descriptor{}, nil, PriorityBalanced, true)
	assert.Empty(t, d.Selected)
}

// S6 from the dispatch-engine scenarios: a descriptor requiring VISION with
// no capable provider either relaxes to the full healthy set or returns
// empty, depending on relaxCapability.
func TestRoute_CapabilityUnmetRelaxesOrFails(t *testing.T) {
	r := New("round_robin")
	providers := []ProviderView{view("a", health.StatusHealthy, nil, 1)}
	desc := analyzer.Descriptor{RequiredCapabilities: []config.Capability{config.CapabilityVision}}

	relaxed := r.Route(desc, providers, PriorityBalanced, true)
	assert.Equal(t, "a", relaxed.Selected)
	assert.Contains(t, relaxed.Reasoning, "capability-unmet, relaxed")

	strict := New("round_robin").Route(desc, providers, PriorityBalanced, false)
	assert.Empty(t, strict.Selected)
}

// S4/3's circuit-safety invariant: a CIRCUIT_OPEN provider is never a
// candidate.
func TestRoute_CircuitOpenProviderExcluded(t *testing.T) {
	r := New("round_robin")
	providers := []ProviderView{
		view("open", health.StatusCircuitOpen, nil, 1),
		view("healthy", health.StatusHealthy, nil, 1),
	}
	d := r.Route(analyzer.Descriptor{}, providers, PriorityBalanced, true)
	assert.Equal(t, "healthy", d.Selected)
}

func TestRoute_CapacityFilterDropsOverLimitProviders(t *testing.T) {
	r := New("round_robin")
	over := view("over", health.StatusHealthy, nil, 1)
	over.Config.MaxRPM = 1
	over.Health.RequestsThisMinute = 5
	under := view("under", health.StatusHealthy, nil, 1)

	d := r.Route(analyzer.Descriptor{}, []ProviderView{over, under}, PriorityBalanced, true)
	assert.Equal(t, "under", d.Selected)
}

func TestRoute_CostPriorityPicksCheapest(t *testing.T) {
	r := New("round_robin")
	cheap := view("cheap", health.StatusHealthy, nil, 1)
	cheap.Config.Cost.OutputPerMillion = 1
	pricey := view("pricey", health.StatusHealthy, nil, 1)
	pricey.Config.Cost.OutputPerMillion = 100

	d := r.Route(analyzer.Descriptor{}, []ProviderView{pricey, cheap}, PriorityCost, true)
	assert.Equal(t, "cheap", d.Selected)
	assert.Contains(t, d.Alternatives, "pricey")
}

func TestRoute_PerformancePriorityPicksFastest(t *testing.T) {
	r := New("round_robin")
	fast := view("fast", health.StatusHealthy, nil, 1)
	fast.Health.AvgResponseMS = 100
	slow := view("slow", health.StatusHealthy, nil, 1)
	slow.Health.AvgResponseMS = 2000

	d := r.Route(analyzer.Descriptor{}, []ProviderView{slow, fast}, PriorityPerformance, true)
	assert.Equal(t, "fast", d.Selected)
}

func TestRoute_ReliabilityPriorityPicksHighestSuccessRate(t *testing.T) {
	r := New("round_robin")
	reliable := view("reliable", health.StatusHealthy, nil, 1)
	reliable.Health.SuccessRate = 0.99
	flaky := view("flaky", health.StatusHealthy, nil, 1)
	flaky.Health.SuccessRate = 0.5

	d := r.Route(analyzer.Descriptor{}, []ProviderView{flaky, reliable}, PriorityReliability, true)
	assert.Equal(t, "reliable", d.Selected)
}

func TestRoute_CustomPriorityDelegatesToSelector(t *testing.T) {
	r := New("round_robin")
	r.SetCustomSelector(func(candidates []balancer.Candidate) string {
		for _, c := range candidates {
			if c.Name == "picked" {
				return "picked"
			}
		}
		return ""
	})
	providers := []ProviderView{view("picked", health.StatusHealthy, nil, 1), view("other", health.StatusHealthy, nil, 1)}
	d := r.Route(analyzer.Descriptor{}, providers, PriorityCustom, true)
	assert.Equal(t, "picked", d.Selected)
}

func TestRoute_SelectedNeverAppearsInAlternatives(t *testing.T) {
	r := New("round_robin")
	providers := []ProviderView{view("a", health.StatusHealthy, nil, 1), view("b", health.StatusHealthy, nil, 1), view("c", health.StatusHealthy, nil, 1)}
	d := r.Route(analyzer.Descriptor{}, providers, PriorityReliability, true)
	require.NotEmpty(t, d.Selected)
	assert.NotContains(t, d.Alternatives, d.Selected)
}

func TestRoute_MetricsAccumulateAcrossCalls(t *testing.T) {
	r := New("round_robin")
	providers := []ProviderView{view("a", health.StatusHealthy, nil, 1)}
	r.Route(analyzer.Descriptor{}, providers, PriorityBalanced, true)
	r.Route(analyzer.Descriptor{}, providers, PriorityBalanced, true)

	m := r.Metrics()
	assert.Equal(t, 2, m.TotalRoutings)
	assert.Equal(t, 2, m.ByProvider["a"])
	assert.Equal(t, 2, m.ByPriority[PriorityBalanced])
}
