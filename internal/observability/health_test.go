package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

type fakeChecker struct {
	err error
}

func (f *fakeChecker) HealthCheck(context.Context) error { return f.err }

func TestHandleReady_allHealthy(t *testing.T) {
	checks := ReadinessChecks{
		ProvidersConfigured: func() bool { return true },
		RunStore:            &fakeChecker{},
		IdempotencyStore:    &fakeChecker{},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["providers"].Status != "ok" {
		t.Errorf("providers = %q, want ok", resp.Checks["providers"].Status)
	}
	if resp.Checks["run_store"].Status != "ok" {
		t.Errorf("run_store = %q, want ok", resp.Checks["run_store"].Status)
	}
}

func TestHandleReady_noProviders(t *testing.T) {
	checks := ReadinessChecks{
		ProvidersConfigured: func() bool { return false },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["providers"].Error == "" {
		t.Error("providers error should have a message")
	}
}

func TestHandleReady_storeFailing(t *testing.T) {
	checks := ReadinessChecks{
		ProvidersConfigured: func() bool { return true },
		RunStore:            &fakeChecker{err: errors.New("connection refused")},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["run_store"].Status != "error" {
		t.Errorf("run_store = %q, want error", resp.Checks["run_store"].Status)
	}
	if resp.Checks["run_store"].Error != "connection refused" {
		t.Errorf("run_store error = %q", resp.Checks["run_store"].Error)
	}
}

func TestHandleReady_skipsNilCheckers(t *testing.T) {
	checks := ReadinessChecks{
		ProvidersConfigured: func() bool { return true },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if _, ok := resp.Checks["run_store"]; ok {
		t.Error("nil run store checker should not produce a check")
	}
	if _, ok := resp.Checks["legal_search"]; ok {
		t.Error("nil search checker should not produce a check")
	}
}
