package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_SnapshotPreservesOrderBeforeWrap(t *testing.T) {
	r := NewRing(3)
	base := time.Now()
	r.Add(Entry{Start: base, Provider: "a"})
	r.Add(Entry{Start: base, Provider: "b"})

	got := r.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Provider)
	assert.Equal(t, "b", got[1].Provider)
}

func TestRing_OverwritesOldestOnceFull(t *testing.T) {
	r := NewRing(2)
	base := time.Now()
	r.Add(Entry{Start: base, Provider: "a"})
	r.Add(Entry{Start: base, Provider: "b"})
	r.Add(Entry{Start: base, Provider: "c"})

	got := r.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Provider, "oldest entry should have been overwritten")
	assert.Equal(t, "c", got[1].Provider)
}

func TestRing_AggregateComputesSuccessRateAndAvgDuration(t *testing.T) {
	r := NewRing(10)
	start := time.Now()
	r.Add(Entry{Start: start, End: start.Add(100 * time.Millisecond), Provider: "a", Success: true})
	r.Add(Entry{Start: start, End: start.Add(300 * time.Millisecond), Provider: "a", Success: false})

	agg := r.Aggregate()
	assert.Equal(t, 2, agg.Total)
	assert.Equal(t, 1, agg.SuccessCount)
	assert.Equal(t, 0.5, agg.SuccessRate)
	assert.Equal(t, 200.0, agg.AvgDurationMS)
	assert.Equal(t, 2, agg.SelectionsByProvider["a"])
}

func TestRing_AggregateOnEmptyRingIsZeroValued(t *testing.T) {
	r := NewRing(5)
	agg := r.Aggregate()
	assert.Equal(t, 0, agg.Total)
	assert.Zero(t, agg.SuccessRate)
}

func TestPrometheus_ObserveIncrementsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.Observe("a", true, 150*time.Millisecond)
	p.Observe("a", false, 50*time.Millisecond)
	p.SetCircuitOpen("a", true)

	var m dto.Metric
	require.NoError(t, p.Requests.WithLabelValues("a").Write(&m))
	assert.Equal(t, 2.0, m.GetCounter().GetValue())

	var fm dto.Metric
	require.NoError(t, p.Failures.WithLabelValues("a").Write(&fm))
	assert.Equal(t, 1.0, fm.GetCounter().GetValue())

	var gm dto.Metric
	require.NoError(t, p.Circuit.WithLabelValues("a").Write(&gm))
	assert.Equal(t, 1.0, gm.GetGauge().GetValue())
}
