package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxstream/streamasr/internal/resilience"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "model", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "scheduler_queue", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["model"] != "ok" {
		t.Errorf("model check = %q, want %q", body.Checks["model"], "ok")
	}
	if body.Checks["scheduler_queue"] != "ok" {
		t.Errorf("scheduler_queue check = %q, want %q", body.Checks["scheduler_queue"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "model", Check: func(_ context.Context) error {
			return errors.New("model artifact not loaded")
		}},
		Checker{Name: "scheduler_queue", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["model"] != "fail: model artifact not loaded" {
		t.Errorf("model check = %q, want %q", body.Checks["model"], "fail: model artifact not loaded")
	}
	if body.Checks["scheduler_queue"] != "ok" {
		t.Errorf("scheduler_queue check = %q, want %q", body.Checks["scheduler_queue"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(
		Checker{Name: "model", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "scheduler_queue", Check: func(_ context.Context) error {
			return errors.New("scheduler closed")
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["model"] != "fail: timeout" {
		t.Errorf("model check = %q", body.Checks["model"])
	}
	if body.Checks["scheduler_queue"] != "fail: scheduler closed" {
		t.Errorf("scheduler_queue check = %q", body.Checks["scheduler_queue"])
	}
}

func TestReadyz_DegradedCheckerStillReturns200(t *testing.T) {
	h := New(
		Checker{Name: "scheduler_queue", Check: func(_ context.Context) error {
			return &Degraded{Detail: "queue depth 12 exceeds capacity 8"}
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want %q", body.Status, "degraded")
	}
	if body.Checks["scheduler_queue"] != "degraded: queue depth 12 exceeds capacity 8" {
		t.Errorf("scheduler_queue check = %q", body.Checks["scheduler_queue"])
	}
}

func TestReadyz_DegradedAndFailed_ReportsFail(t *testing.T) {
	h := New(
		Checker{Name: "scheduler_queue", Check: func(_ context.Context) error {
			return &Degraded{Detail: "backlog building"}
		}},
		Checker{Name: "model", Check: func(_ context.Context) error {
			return errors.New("unreachable")
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
}

func TestQueueDepthChecker(t *testing.T) {
	depth := 4
	c := QueueDepthChecker("scheduler_queue", func() int { return depth }, 8)

	if err := c.Check(context.Background()); err != nil {
		t.Errorf("depth %d under capacity 8: got error %v, want nil", depth, err)
	}

	depth = 12
	err := c.Check(context.Background())
	var deg *Degraded
	if !errors.As(err, &deg) {
		t.Fatalf("depth %d over capacity 8: got %v, want *Degraded", depth, err)
	}
	if deg.Detail != "queue depth 12 exceeds capacity 8" {
		t.Errorf("detail = %q", deg.Detail)
	}
}

func TestCircuitBreakerChecker_ClosedIsHealthy(t *testing.T) {
	cb := resilience.NewEncoderBreaker(2, time.Hour)
	c := CircuitBreakerChecker("encoder_circuit", cb)

	if err := c.Check(context.Background()); err != nil {
		t.Errorf("closed breaker: got error %v, want nil", err)
	}
}

func TestCircuitBreakerChecker_OpenIsAHardFailure(t *testing.T) {
	cb := resilience.NewEncoderBreaker(2, time.Hour)
	_ = cb.Execute(func() error { return errors.New("encoder down") })
	_ = cb.Execute(func() error { return errors.New("encoder down") })

	c := CircuitBreakerChecker("encoder_circuit", cb)
	err := c.Check(context.Background())
	if err == nil {
		t.Fatal("open breaker: got nil error, want a hard failure")
	}
	var deg *Degraded
	if errors.As(err, &deg) {
		t.Errorf("open breaker reported Degraded, want a hard failure: %v", deg)
	}
}

func TestCircuitBreakerChecker_HalfOpenIsDegraded(t *testing.T) {
	cb := resilience.NewEncoderBreaker(2, 10*time.Millisecond)
	_ = cb.Execute(func() error { return errors.New("encoder down") })
	_ = cb.Execute(func() error { return errors.New("encoder down") })
	time.Sleep(15 * time.Millisecond)

	c := CircuitBreakerChecker("encoder_circuit", cb)
	err := c.Check(context.Background())
	var deg *Degraded
	if !errors.As(err, &deg) {
		t.Fatalf("half-open breaker: got %v, want *Degraded", err)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
