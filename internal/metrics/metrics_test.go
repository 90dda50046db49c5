package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestAgentRunsRegistered(t *testing.T) {
	AgentRuns.WithLabelValues("metrics-test", "success").Add(2)

	mf := gather(t, "bookbot_agent_runs_total")
	if mf == nil {
		t.Fatal("bookbot_agent_runs_total not registered")
	}
	if mf.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("type = %v, want counter", mf.GetType())
	}
	for _, m := range mf.GetMetric() {
		if labelValue(m, "agent") == "metrics-test" && labelValue(m, "status") == "success" {
			if got := m.GetCounter().GetValue(); got != 2 {
				t.Fatalf("value = %v, want 2", got)
			}
			return
		}
	}
	t.Fatal("labelled series not found")
}

func TestGaugesAndHistograms(t *testing.T) {
	CacheEntries.WithLabelValues("metrics-test").Set(7)
	LLMRequestDuration.WithLabelValues("offline", "generate").Observe(0.2)

	mf := gather(t, "bookbot_cache_entries")
	if mf == nil || mf.GetType() != dto.MetricType_GAUGE {
		t.Fatal("bookbot_cache_entries missing or not a gauge")
	}
	found := false
	for _, m := range mf.GetMetric() {
		if labelValue(m, "cache") == "metrics-test" {
			found = m.GetGauge().GetValue() == 7
		}
	}
	if !found {
		t.Fatal("cache gauge not set")
	}

	mf = gather(t, "bookbot_llm_request_duration_seconds")
	if mf == nil || mf.GetType() != dto.MetricType_HISTOGRAM {
		t.Fatal("bookbot_llm_request_duration_seconds missing or not a histogram")
	}
	for _, m := range mf.GetMetric() {
		if labelValue(m, "provider") == "offline" && m.GetHistogram().GetSampleCount() >= 1 {
			return
		}
	}
	t.Fatal("histogram sample not recorded")
}
