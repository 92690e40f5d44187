package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordMembershipCheck_LabelsBySourceAndOutcome は取得元・結果ラベル別に集計されることを検証する。
func TestRecordMembershipCheck_LabelsBySourceAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMembershipCheck(SourceUpstream, OutcomeMember)
	c.RecordMembershipCheck(SourceUpstream, OutcomeMember)
	c.RecordMembershipCheck(SourceCache, OutcomeNotMember)

	mf := findMetricFamily(t, reg, "subgate_membership_checks_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["source"] == SourceUpstream && m.GetCounter().GetValue() != 2 {
			t.Errorf("upstream/member = %v, want 2", m.GetCounter().GetValue())
		}
	}
}

// TestRecordReconcileRun_AddsCounts はリコンシリエーション結果が加算されることを検証する。
func TestRecordReconcileRun_AddsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReconcileRun(2, 1, 3*time.Second)
	c.RecordReconcileRun(5, 0, time.Second)

	if v := findMetricFamily(t, reg, "subgate_reconcile_updated_total").GetMetric()[0].GetCounter().GetValue(); v != 7 {
		t.Errorf("reconcile_updated_total = %v, want 7", v)
	}
	if v := findMetricFamily(t, reg, "subgate_reconcile_errored_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("reconcile_errored_total = %v, want 1", v)
	}
	if n := findMetricFamily(t, reg, "subgate_reconcile_duration_seconds").GetMetric()[0].GetHistogram().GetSampleCount(); n != 2 {
		t.Errorf("reconcile duration samples = %d, want 2", n)
	}
}

// TestRecordCacheEntries_SetsGauge はキャッシュエントリ数のゲージが更新されることを検証する。
func TestRecordCacheEntries_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCacheEntries(12)
	c.RecordCacheEntries(3)

	if v := findMetricFamily(t, reg, "subgate_membership_cache_entries").GetMetric()[0].GetGauge().GetValue(); v != 3 {
		t.Errorf("cache_entries = %v, want 3", v)
	}
}

// TestNewHTTPMiddleware_RecordsStatus はミドルウェアがステータスコードを記録することを検証する。
func TestNewHTTPMiddleware_RecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	h := NewHTTPMiddleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth", nil))

	mf := findMetricFamily(t, reg, "subgate_http_status_total")
	if got := mf.GetMetric()[0].GetLabel()[0].GetValue(); got != "403" {
		t.Errorf("status_code label = %q, want 403", got)
	}
}

// TestHandler_ServesMetrics はPrometheus形式でメトリクスが返ることを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordMembershipCheck(SourceCache, OutcomeMember)

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "subgate_membership_checks_total") {
		t.Error("response should contain subgate_membership_checks_total")
	}
}
