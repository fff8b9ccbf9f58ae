package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procfn/procfn/internal/metrics"
)

func TestRegistryExposesMetrics(t *testing.T) {
	metrics.EmitBuildInfo()
	metrics.IncSpawn("single")
	metrics.ObserveTask("pool", "ok", 150*time.Millisecond)
	metrics.WorkerTransition("", "idle")
	metrics.WorkerTransition("idle", "busy")
	metrics.IncWorkerRestart()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	for _, line := range []string{
		`procfn_spawns_total{mode="single"} 1`,
		`procfn_task_outcomes_total{mode="pool",outcome="ok"} 1`,
		`procfn_pool_workers{state="busy"} 1`,
		`procfn_pool_workers{state="idle"} 0`,
		`procfn_worker_restarts_total 1`,
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metric line %q in body:\n%s", line, body)
		}
	}

	if !strings.Contains(body, "procfn_build_info{") {
		t.Fatalf("expected build info metric in body:\n%s", body)
	}
	if !strings.Contains(body, "go_version=") {
		t.Fatalf("expected go_version label on build info metric:\n%s", body)
	}
}
