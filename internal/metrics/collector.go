// Package metrics aggregates execution telemetry: counters, gauges and
// per-series latency distributions smoothed with EWMA and summarized with
// t-digests.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"execguard/internal/control"
	"execguard/internal/domain"
	"execguard/internal/sketch"
)

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// SeriesSummary describes one observed series. Quantiles are approximate.
type SeriesSummary struct {
	Name  string  `json:"name"`
	Count float64 `json:"count"`
	Sum   float64 `json:"sum"`
	EWMA  float64 `json:"ewma"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

type Snapshot struct {
	Counters []MetricPoint   `json:"counters"`
	Gauges   []MetricPoint   `json:"gauges"`
	Series   []SeriesSummary `json:"series"`
}

type metricEntry struct {
	name   string
	labels map[string]string
	value  float64
}

type series struct {
	digest *sketch.TDigest
	sum    float64
}

type Options struct {
	Alpha       float64
	Compression float64
	// RecentSize bounds the ring of raw entries kept for debugging.
	RecentSize int
}

// Collector is safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	opts     Options
	counters map[string]metricEntry
	gauges   map[string]metricEntry
	series   map[string]*series
	ewma     *control.EWMASet
	recent   []domain.MetricEntry
	next     int
}

func NewCollector(opts Options) *Collector {
	if opts.Compression <= 0 {
		opts.Compression = 100
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = 256
	}
	return &Collector{
		opts:     opts,
		counters: make(map[string]metricEntry),
		gauges:   make(map[string]metricEntry),
		series:   make(map[string]*series),
		ewma:     control.NewEWMASet(opts.Alpha),
	}
}

// Record adds one observation to the series named by e.Name.
func (c *Collector) Record(e domain.MetricEntry) {
	c.ewma.Update(e.Name, e.Value)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[e.Name]
	if !ok {
		s = &series{digest: sketch.NewTDigest(c.opts.Compression)}
		c.series[e.Name] = s
	}
	s.digest.Add(e.Value)
	s.sum += e.Value
	if len(c.recent) < c.opts.RecentSize {
		c.recent = append(c.recent, e)
	} else {
		c.recent[c.next] = e
		c.next = (c.next + 1) % len(c.recent)
	}
}

// Observe is Record for callers without a MetricEntry at hand.
func (c *Collector) Observe(name string, value float64, at time.Time, tags map[string]string) {
	c.Record(domain.MetricEntry{Name: name, Timestamp: at, Value: value, Tags: tags})
}

func (c *Collector) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k, lcopy := metricKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.counters[k]
	if e.name == "" {
		e = metricEntry{name: name, labels: lcopy}
	}
	e.value += delta
	c.counters[k] = e
}

func (c *Collector) SetGauge(name string, labels map[string]string, value float64) {
	k, lcopy := metricKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[k] = metricEntry{name: name, labels: lcopy, value: value}
}

// Counter returns the current value of a counter, zero if never incremented.
func (c *Collector) Counter(name string, labels map[string]string) float64 {
	k, _ := metricKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[k].value
}

// Quantile returns the approximate q-quantile of a series, NaN if empty.
func (c *Collector) Quantile(name string, q float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[name]
	if !ok {
		return 0, fmt.Errorf("%w: series %q", domain.ErrNotFound, name)
	}
	return s.digest.Quantile(q), nil
}

func (c *Collector) EWMA(name string) (float64, bool) { return c.ewma.Value(name) }

// Recent returns up to n of the latest raw entries, oldest first.
func (c *Collector) Recent(n int) []domain.MetricEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	ordered := make([]domain.MetricEntry, 0, len(c.recent))
	ordered = append(ordered, c.recent[c.next:]...)
	ordered = append(ordered, c.recent[:c.next]...)
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Snapshot{
		Counters: make([]MetricPoint, 0, len(c.counters)),
		Gauges:   make([]MetricPoint, 0, len(c.gauges)),
		Series:   make([]SeriesSummary, 0, len(c.series)),
	}
	for _, e := range c.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for _, e := range c.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for name, s := range c.series {
		ewma, _ := c.ewma.Value(name)
		out.Series = append(out.Series, SeriesSummary{
			Name:  name,
			Count: s.digest.Count(),
			Sum:   s.sum,
			EWMA:  ewma,
			P50:   s.digest.Quantile(0.5),
			P90:   s.digest.Quantile(0.9),
			P99:   s.digest.Quantile(0.99),
		})
	}
	sortPoints(out.Counters)
	sortPoints(out.Gauges)
	sort.Slice(out.Series, func(i, j int) bool { return out.Series[i].Name < out.Series[j].Name })
	return out
}

func sortPoints(p []MetricPoint) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Name != p[j].Name {
			return p[i].Name < p[j].Name
		}
		ki, _ := metricKey(p[i].Name, p[i].Labels)
		kj, _ := metricKey(p[j].Name, p[j].Labels)
		return ki < kj
	})
}

func metricKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := sortedKeys(labels)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	copyLabels := make(map[string]string, len(labels))
	for _, k := range keys {
		v := labels[k]
		copyLabels[k] = v
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "|"), copyLabels
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
