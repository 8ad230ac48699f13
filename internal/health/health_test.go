package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, rep
}

func TestLivenessAlwaysPasses(t *testing.T) {
	rec, rep := serve(t, New(), "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Status != "pass" {
		t.Errorf("body status = %q, want %q", rep.Status, "pass")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadinessWithoutProbes(t *testing.T) {
	rec, rep := serve(t, New(), "/readyz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Status != "pass" {
		t.Errorf("body status = %q, want %q", rep.Status, "pass")
	}
}

func TestReadinessAllProbesPass(t *testing.T) {
	h := New()
	h.Add("telegram", func(context.Context) error { return nil })
	h.Add("plugins", func(context.Context) error { return nil })

	rec, rep := serve(t, h, "/readyz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Probes["telegram"] != "pass" || rep.Probes["plugins"] != "pass" {
		t.Errorf("probes = %v", rep.Probes)
	}
}

func TestReadinessFailingProbe(t *testing.T) {
	h := New()
	h.Add("telegram", func(context.Context) error { return errors.New("connection refused") })
	h.Add("plugins", func(context.Context) error { return nil })

	rec, rep := serve(t, h, "/readyz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rep.Status != "fail" {
		t.Errorf("body status = %q, want %q", rep.Status, "fail")
	}
	if got := rep.Probes["telegram"]; got != "fail: connection refused" {
		t.Errorf("telegram probe = %q", got)
	}
	if got := rep.Probes["plugins"]; got != "pass" {
		t.Errorf("plugins probe = %q", got)
	}
}

func TestReadinessProbeHonorsCancellation(t *testing.T) {
	h := New()
	h.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	mux := http.NewServeMux()
	h.Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAddReplacesProbe(t *testing.T) {
	h := New()
	h.Add("telegram", func(context.Context) error { return errors.New("first") })
	h.Add("telegram", func(context.Context) error { return nil })

	rec, _ := serve(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
