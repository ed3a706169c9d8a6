package service_test

import (
	"testing"

	"github.com/dlorp/synapse-engine/internal/domain/metric"
	"github.com/dlorp/synapse-engine/internal/service"
)

func TestRecordAndQueryOrdered(t *testing.T) {
	ms := service.NewMetricsService()
	for i := range 100 {
		ms.Record(metric.TypeResponseTime, float64(i), metric.Labels{ModelID: "m1"})
	}

	if got := ms.Count(metric.TypeResponseTime); got != 100 {
		t.Fatalf("count = %d, want 100", got)
	}

	series := ms.Query(metric.TypeResponseTime, metric.Range1h, service.Filter{})
	if len(series.Points) != 100 {
		t.Fatalf("points = %d, want 100 (1h range is raw)", len(series.Points))
	}
	for i := 1; i < len(series.Points); i++ {
		if series.Points[i].Timestamp.Before(series.Points[i-1].Timestamp) {
			t.Fatal("timestamps not non-decreasing")
		}
	}
}

func TestQueryFilters(t *testing.T) {
	ms := service.NewMetricsService()
	ms.Record(metric.TypeResponseTime, 1, metric.Labels{ModelID: "a", Tier: "fast", QueryMode: "simple"})
	ms.Record(metric.TypeResponseTime, 2, metric.Labels{ModelID: "b", Tier: "powerful", QueryMode: "council"})
	ms.Record(metric.TypeResponseTime, 3, metric.Labels{ModelID: "a", Tier: "fast", QueryMode: "council"})

	got := ms.Query(metric.TypeResponseTime, metric.Range1h, service.Filter{ModelID: "a"})
	if len(got.Points) != 2 {
		t.Errorf("model filter: %d points, want 2", len(got.Points))
	}
	got = ms.Query(metric.TypeResponseTime, metric.Range1h, service.Filter{ModelID: "a", QueryMode: "council"})
	if len(got.Points) != 1 {
		t.Errorf("combined filter: %d points, want 1", len(got.Points))
	}
}

func TestSummaryOrderingInvariant(t *testing.T) {
	ms := service.NewMetricsService()
	values := []float64{5, 1, 9, 3, 7, 2, 8, 4, 6, 10, 100}
	for _, v := range values {
		ms.Record(metric.TypeTokensPerSecond, v, metric.Labels{})
	}

	s := ms.Summary(metric.TypeTokensPerSecond, metric.Range1h, service.Filter{})
	if s.Count != len(values) {
		t.Fatalf("count = %d", s.Count)
	}
	if s.Min > s.P50 || s.P50 > s.P95 || s.P95 > s.P99 || s.P99 > s.Max {
		t.Errorf("percentile ordering violated: %+v", s)
	}
	if s.Min > s.Avg || s.Avg > s.Max {
		t.Errorf("avg outside [min, max]: %+v", s)
	}
	if s.Min != 1 || s.Max != 100 {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
}

func TestSummaryEmptyWindow(t *testing.T) {
	ms := service.NewMetricsService()
	s := ms.Summary(metric.TypeCacheHitRate, metric.Range1h, service.Filter{})
	if s.Count != 0 {
		t.Errorf("empty summary count = %d", s.Count)
	}
}

func TestBreakdownGroupsByModel(t *testing.T) {
	ms := service.NewMetricsService()
	ms.Record(metric.TypeResponseTime, 10, metric.Labels{ModelID: "a"})
	ms.Record(metric.TypeResponseTime, 20, metric.Labels{ModelID: "a"})
	ms.Record(metric.TypeResponseTime, 30, metric.Labels{ModelID: "b"})

	breakdown := ms.Breakdown(metric.TypeResponseTime, metric.Range1h)
	if len(breakdown) != 2 {
		t.Fatalf("breakdown entries = %d, want 2", len(breakdown))
	}
	if breakdown[0].ModelID != "a" || breakdown[1].ModelID != "b" {
		t.Errorf("breakdown not sorted by model id: %+v", breakdown)
	}
	if breakdown[0].Summary.Avg != 15 {
		t.Errorf("model a avg = %v, want 15", breakdown[0].Summary.Avg)
	}
}

func TestComparisonAlignsBuckets(t *testing.T) {
	ms := service.NewMetricsService()
	ms.Record(metric.TypeResponseTime, 100, metric.Labels{})
	ms.Record(metric.TypeTokensPerSecond, 42, metric.Labels{})

	points := ms.Comparison([]metric.Type{metric.TypeResponseTime, metric.TypeTokensPerSecond}, metric.Range1h)
	if len(points) == 0 {
		t.Fatal("no aligned points")
	}
	// Both samples land in the same one-minute bucket.
	found := false
	for _, p := range points {
		_, hasRT := p.Values[metric.TypeResponseTime]
		_, hasTPS := p.Values[metric.TypeTokensPerSecond]
		if hasRT && hasTPS {
			found = true
		}
	}
	if !found {
		t.Error("metrics not aligned onto a shared bucket")
	}
}

func TestUnknownMetricTypeIgnored(t *testing.T) {
	ms := service.NewMetricsService()
	ms.Record(metric.Type("bogus"), 1, metric.Labels{})
	if got := ms.Count(metric.Type("bogus")); got != 0 {
		t.Errorf("unknown type count = %d", got)
	}
}
