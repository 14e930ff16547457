package metrics

import (
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"execguard/internal/domain"
)

func TestCollectorSeriesSummary(t *testing.T) {
	c := NewCollector(Options{Alpha: 0.5})
	now := time.Unix(0, 0)
	for i := 1; i <= 1000; i++ {
		c.Observe("task_latency_seconds", float64(i), now, nil)
	}
	p50, err := c.Quantile("task_latency_seconds", 0.5)
	if err != nil {
		t.Fatalf("quantile: %v", err)
	}
	if math.Abs(p50-500) > 20 {
		t.Fatalf("p50 = %v, want ~500", p50)
	}
	snap := c.Snapshot()
	if len(snap.Series) != 1 {
		t.Fatalf("series = %+v", snap.Series)
	}
	s := snap.Series[0]
	if s.Count != 1000 || s.Sum != 500500 {
		t.Fatalf("count=%v sum=%v", s.Count, s.Sum)
	}
	if s.EWMA < 990 {
		t.Fatalf("ewma = %v, should track recent values", s.EWMA)
	}
	if _, err := c.Quantile("missing", 0.5); err == nil {
		t.Fatal("expected error for unknown series")
	}
}

func TestCountersAndGauges(t *testing.T) {
	c := NewCollector(Options{})
	c.IncCounter("tasks_total", map[string]string{"status": "completed"}, 1)
	c.IncCounter("tasks_total", map[string]string{"status": "completed"}, 2)
	c.IncCounter("tasks_total", map[string]string{"status": "failed"}, 1)
	c.IncCounter("tasks_total", nil, 0)
	c.SetGauge("queue_depth", nil, 4)
	c.SetGauge("queue_depth", nil, 2)

	if got := c.Counter("tasks_total", map[string]string{"status": "completed"}); got != 3 {
		t.Fatalf("completed = %v", got)
	}
	snap := c.Snapshot()
	if len(snap.Counters) != 2 || snap.Counters[0].Labels["status"] != "completed" {
		t.Fatalf("counters = %+v", snap.Counters)
	}
	if len(snap.Gauges) != 1 || snap.Gauges[0].Value != 2 {
		t.Fatalf("gauges = %+v", snap.Gauges)
	}
}

func TestRecentRing(t *testing.T) {
	c := NewCollector(Options{RecentSize: 3})
	for i := 0; i < 5; i++ {
		c.Record(domain.MetricEntry{Name: "x", Value: float64(i)})
	}
	r := c.Recent(0)
	if len(r) != 3 || r[0].Value != 2 || r[2].Value != 4 {
		t.Fatalf("recent = %+v", r)
	}
	if r := c.Recent(1); len(r) != 1 || r[0].Value != 4 {
		t.Fatalf("recent(1) = %+v", r)
	}
}

func TestPrometheusHandler(t *testing.T) {
	c := NewCollector(Options{})
	c.IncCounter("tasks_total", map[string]string{"status": "completed"}, 2)
	c.SetGauge("admission limit", nil, 8)
	c.Observe("task_latency_seconds", 0.25, time.Now(), nil)

	rec := httptest.NewRecorder()
	Handler(NewRegistry(c)).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	out := string(body)
	for _, want := range []string{
		`execguard_tasks_total{status="completed"} 2`,
		`execguard_admission_limit 8`,
		`execguard_task_latency_seconds_count 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}
