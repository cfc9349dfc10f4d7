package metrics

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecorderRegistersAndServes(t *testing.T) {
	rec := NewRecorder()

	rec.ObserveReconcile("ensure_running", OutcomeSuccess, 120*time.Millisecond)
	rec.ObserveReconcile("ensure_stopped", OutcomeError, 10*time.Millisecond)
	rec.SetWorkspacePhaseCount("running", 3)
	rec.AuthFailure()
	rec.IdleShutdown()

	families, err := rec.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, want := range []string{
		"kube_workspace_reconcile_total",
		"kube_workspace_reconcile_duration_seconds",
		"kube_workspace_workspaces",
		"kube_workspace_auth_failures_total",
		"kube_workspace_idle_shutdowns_total",
	} {
		if !found[want] {
			t.Errorf("metric %s not registered", want)
		}
	}

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scraping metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("metrics endpoint status = %d", resp.StatusCode)
	}
}

// A nil recorder must be usable everywhere a real one is.
func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveReconcile("ensure_running", OutcomeSuccess, time.Second)
	rec.SetWorkspacePhaseCount("running", 1)
	rec.AuthFailure()
	rec.IdleShutdown()
	if rec.Handler() == nil {
		t.Errorf("nil recorder Handler() returned nil")
	}
}
