// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 when all registered [Checker]
//     functions pass or report [Degraded], and 503 when any reports a hard
//     failure.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded", or "fail") and a "checks" map containing the result of each
// named checker.
//
// streamasr wires two checkers. [CircuitBreakerChecker] reports the encoder
// breaker: open is a hard failure, half-open is [Degraded]. The scheduler's
// batch queue depth (see [QueueDepthChecker]) is the softer one: a queue that is filling up relative to its
// nominal capacity (max_batch_size * nn_pool_size in-flight batches) is not
// yet a reason to fail readiness and pull the pod from a load balancer, but
// it is useful operational signal — so it reports [Degraded] instead of a
// hard error, which keeps /readyz at 200 while still surfacing the detail.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voxstream/streamasr/internal/resilience"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Degraded is a non-fatal readiness signal: the check is not fully healthy,
// but the condition does not warrant failing /readyz and pulling the
// instance out of rotation. A [Checker.Check] returns a *Degraded instead of
// a plain error to report this.
type Degraded struct {
	// Detail is a short human-readable description, surfaced verbatim in
	// the /readyz response.
	Detail string
}

func (d *Degraded) Error() string { return d.Detail }

// Checker is a named health check function. Check should return nil when
// the dependency is fully healthy, a *[Degraded] when it is impaired but the
// server should still accept traffic, and any other non-nil error when it
// should not.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g.
	// "scheduler_queue", "model"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// QueueDepthChecker returns a [Checker] that reports the current depth of an
// ASR BatchScheduler's FIFO queue (see pkg/asr/scheduler) against its
// nominal in-flight capacity, capacity = max_batch_size * nn_pool_size
// streams: the most the scheduler can have checked out across every worker
// at once. A queue deeper than capacity means streams are backing up faster
// than the inference pool can drain them — a [Degraded] signal, not a hard
// failure, since the scheduler keeps making progress and the backlog is
// expected to drain once load subsides.
func QueueDepthChecker(name string, depth func() int, capacity int) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			d := depth()
			if capacity > 0 && d > capacity {
				return &Degraded{Detail: fmt.Sprintf("queue depth %d exceeds capacity %d", d, capacity)}
			}
			return nil
		},
	}
}

// CircuitBreakerChecker returns a [Checker] reflecting an
// [resilience.CircuitBreaker]'s state: an open breaker (encoder forward
// calls failing outright) is a hard failure, since a server whose encoder is
// down cannot produce transcripts for anyone; a half-open breaker (probing
// recovery after ResetTimeout) reports [Degraded], since the breaker itself
// is already limiting exposure to the still-unconfirmed recovery.
func CircuitBreakerChecker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			switch cb.State() {
			case resilience.StateOpen:
				return fmt.Errorf("circuit breaker open after %d consecutive failures", cb.ConsecutiveFailures())
			case resilience.StateHalfOpen:
				return &Degraded{Detail: "circuit breaker probing recovery"}
			default:
				return nil
			}
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 when every registered
// [Checker] passes or reports [Degraded], and 503 when any reports a hard
// failure. Each checker is given a context with a [checkTimeout] deadline
// derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	failed := false
	degraded := false

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		var deg *Degraded
		switch {
		case err == nil:
			checks[c.Name] = "ok"
		case errors.As(err, &deg):
			checks[c.Name] = "degraded: " + deg.Detail
			degraded = true
		default:
			checks[c.Name] = "fail: " + err.Error()
			failed = true
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	switch {
	case failed:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	case degraded:
		res.Status = "degraded"
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
