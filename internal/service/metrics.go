package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain/metric"
)

// Aggregator defaults.
const (
	RingCapacity           = 500_000
	MetricCleanupInterval  = time.Hour
	DefaultMetricRetention = 30 * 24 * time.Hour
)

// ring is a fixed-capacity circular buffer of samples. Insertion order
// equals timestamp order because push stamps each sample under the lock.
type ring struct {
	mu     sync.Mutex
	points []metric.Point
	head   int // index of oldest
	size   int
}

func newRing(capacity int) *ring {
	return &ring{points: make([]metric.Point, capacity)}
}

func (r *ring) push(now func() time.Time, p metric.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Timestamp = now().UTC()
	idx := (r.head + r.size) % len(r.points)
	if r.size == len(r.points) {
		// full: overwrite oldest
		r.points[r.head] = p
		r.head = (r.head + 1) % len(r.points)
		return
	}
	r.points[idx] = p
	r.size++
}

// since returns an ordered copy of samples at or after cutoff.
func (r *ring) since(cutoff time.Time) []metric.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]metric.Point, 0, r.size)
	for i := range r.size {
		p := r.points[(r.head+i)%len(r.points)]
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (r *ring) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// dropOlder evicts samples older than cutoff.
func (r *ring) dropOlder(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for r.size > 0 && r.points[r.head].Timestamp.Before(cutoff) {
		r.head = (r.head + 1) % len(r.points)
		r.size--
		dropped++
	}
	return dropped
}

// MetricsService is the bounded in-memory time-series store: one ring
// per metric type, TTL cleanup as a safety net, downsampled queries.
type MetricsService struct {
	rings     map[metric.Type]*ring
	retention time.Duration
	now       func() time.Time
}

// NewMetricsService creates the aggregator with a ring per known type.
func NewMetricsService() *MetricsService {
	rings := make(map[metric.Type]*ring, len(metric.Types()))
	for _, t := range metric.Types() {
		rings[t] = newRing(RingCapacity)
	}
	return &MetricsService{
		rings:     rings,
		retention: DefaultMetricRetention,
		now:       time.Now,
	}
}

// Start launches the hourly retention sweep until ctx is cancelled.
func (s *MetricsService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(MetricCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := s.now().Add(-s.retention)
				total := 0
				for _, r := range s.rings {
					total += r.dropOlder(cutoff)
				}
				if total > 0 {
					slog.Debug("metric retention sweep", "dropped", total)
				}
			}
		}
	}()
}

// Record appends one sample. Unknown types are ignored (the enum is
// closed); the append path is O(1) under the per-type lock.
func (s *MetricsService) Record(t metric.Type, value float64, labels metric.Labels) {
	r, ok := s.rings[t]
	if !ok {
		return
	}
	r.push(s.now, metric.Point{Value: value, Labels: labels})
}

// Count returns the number of retained samples for a type.
func (s *MetricsService) Count(t metric.Type) int {
	r, ok := s.rings[t]
	if !ok {
		return 0
	}
	return r.count()
}

// Filter restricts queried samples by label values; zero fields match all.
type Filter struct {
	ModelID   string
	Tier      string
	QueryMode string
}

func (f Filter) matches(l metric.Labels) bool {
	if f.ModelID != "" && l.ModelID != f.ModelID {
		return false
	}
	if f.Tier != "" && l.Tier != f.Tier {
		return false
	}
	if f.QueryMode != "" && l.QueryMode != f.QueryMode {
		return false
	}
	return true
}

// Query returns the (possibly downsampled) series for the window:
// 1h/6h raw, 24h in 10-minute buckets, 7d/30d in 1-hour buckets.
func (s *MetricsService) Query(t metric.Type, rng metric.Range, f Filter) metric.Series {
	points := s.window(t, rng, f)
	if bucket := rng.BucketSize(); bucket > 0 {
		points = downsample(points, bucket)
	}
	return metric.Series{Metric: t, Range: rng, Points: points}
}

// Summary computes distribution statistics over the filtered window.
func (s *MetricsService) Summary(t metric.Type, rng metric.Range, f Filter) metric.Summary {
	points := s.window(t, rng, f)
	return summarize(points)
}

// AlignedPoint is one time bucket across several metrics.
type AlignedPoint struct {
	Timestamp time.Time               `json:"timestamp"`
	Values    map[metric.Type]float64 `json:"values"`
}

// Comparison aligns multiple metrics onto shared time buckets for
// multi-line charts. Raw ranges are bucketed to one minute so series
// with different sample times still align.
func (s *MetricsService) Comparison(types []metric.Type, rng metric.Range) []AlignedPoint {
	bucket := rng.BucketSize()
	if bucket == 0 {
		bucket = time.Minute
	}

	buckets := make(map[int64]*AlignedPoint)
	for _, t := range types {
		for _, p := range downsample(s.window(t, rng, Filter{}), bucket) {
			key := p.Timestamp.UnixNano()
			ap, ok := buckets[key]
			if !ok {
				ap = &AlignedPoint{Timestamp: p.Timestamp, Values: make(map[metric.Type]float64, len(types))}
				buckets[key] = ap
			}
			ap.Values[t] = p.Value
		}
	}

	out := make([]AlignedPoint, 0, len(buckets))
	for _, ap := range buckets {
		out = append(out, *ap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ModelBreakdown is the per-model summary entry.
type ModelBreakdown struct {
	ModelID string         `json:"modelId"`
	Summary metric.Summary `json:"summary"`
}

// Breakdown groups the window by model id and summarizes each group.
func (s *MetricsService) Breakdown(t metric.Type, rng metric.Range) []ModelBreakdown {
	points := s.window(t, rng, Filter{})
	byModel := make(map[string][]metric.Point)
	for _, p := range points {
		id := p.Labels.ModelID
		if id == "" {
			continue
		}
		byModel[id] = append(byModel[id], p)
	}

	out := make([]ModelBreakdown, 0, len(byModel))
	for id, pts := range byModel {
		out = append(out, ModelBreakdown{ModelID: id, Summary: summarize(pts)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func (s *MetricsService) window(t metric.Type, rng metric.Range, f Filter) []metric.Point {
	r, ok := s.rings[t]
	if !ok {
		return nil
	}
	cutoff := s.now().Add(-rng.Duration())
	points := r.since(cutoff)
	if (f == Filter{}) {
		return points
	}
	out := points[:0]
	for _, p := range points {
		if f.matches(p.Labels) {
			out = append(out, p)
		}
	}
	return out
}

// downsample averages samples into fixed buckets; the bucket timestamp
// is the bucket start.
func downsample(points []metric.Point, bucket time.Duration) []metric.Point {
	if len(points) == 0 {
		return points
	}
	type acc struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*acc)
	for _, p := range points {
		key := p.Timestamp.Truncate(bucket).UnixNano()
		a, ok := buckets[key]
		if !ok {
			a = &acc{}
			buckets[key] = a
		}
		a.sum += p.Value
		a.count++
	}

	out := make([]metric.Point, 0, len(buckets))
	for key, a := range buckets {
		out = append(out, metric.Point{
			Timestamp: time.Unix(0, key).UTC(),
			Value:     a.sum / float64(a.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// summarize computes min/max/avg and sort-based percentiles.
func summarize(points []metric.Point) metric.Summary {
	if len(points) == 0 {
		return metric.Summary{}
	}
	values := make([]float64, len(points))
	sum := 0.0
	for i, p := range points {
		values[i] = p.Value
		sum += p.Value
	}
	sort.Float64s(values)

	return metric.Summary{
		Count: len(values),
		Min:   values[0],
		Max:   values[len(values)-1],
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
	}
}

// percentile uses the nearest-rank method over sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
