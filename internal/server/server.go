// Package server implements Server: the top-level listener that admits
// WebSocket connections, enforces the admission predicate against
// max_active_connections, and owns the BatchScheduler's lifetime alongside
// the HTTP surface (health, readiness, metrics).
//
// Admission is grounded directly in
// original_source/sherpa/bin/pruned_stateless_emformer_rnnt2/streaming_server.py's
// process_request: reject with 503 and a "Hint" header once
// current_active_connections reaches max_active_connections, otherwise admit,
// increment the counter, and hand the connection to a ConnectionHandler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/voxstream/streamasr/internal/config"
	"github.com/voxstream/streamasr/internal/handler"
	"github.com/voxstream/streamasr/internal/health"
	"github.com/voxstream/streamasr/internal/observe"
	"github.com/voxstream/streamasr/internal/resilience"
	"github.com/voxstream/streamasr/pkg/asr/decoder"
	"github.com/voxstream/streamasr/pkg/asr/model"
	"github.com/voxstream/streamasr/pkg/asr/scheduler"
	"github.com/voxstream/streamasr/pkg/asr/wire"
)

// overloadedHint is the exact text the original Python server sends back in
// the "Hint" response header when refusing a connection over capacity.
const overloadedHint = "The server is overloaded. Please retry later."

// overloadedBody mirrors the original's plain-text response body.
const overloadedBody = "The server is busy. Please retry later."

// shutdownGrace bounds how long Shutdown waits for the HTTP server and
// scheduler to drain in-flight work before giving up.
const shutdownGrace = 15 * time.Second

// Option configures a Server during construction.
type Option func(*Server)

// WithMetrics injects a [*observe.Metrics] instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCircuitBreaker guards the scheduler's encoder Forward calls with cb.
// See [scheduler.WithCircuitBreaker].
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithHealthCheckers adds readiness checks beyond the built-in scheduler
// queue-depth check and, when a breaker is set, the encoder circuit check.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.extraCheckers = append(s.extraCheckers, checkers...) }
}

// Server is Server (C5): the admission-controlled HTTP/WebSocket listener.
type Server struct {
	cfg *config.Config
	set *model.Set
	dec decoder.Decoder

	metrics       *observe.Metrics
	breaker       *resilience.CircuitBreaker
	extraCheckers []health.Checker

	sched   *scheduler.Scheduler
	httpSrv *http.Server

	active    atomic.Int64
	maxActive atomic.Int64
}

// New builds a Server from cfg, wiring a BatchScheduler sized per
// cfg.Batching and a decoder constructed via reg for cfg.Decoding.Method.
// set supplies the encoder/predictor/joiner/tokenizer/feature-extractor
// bindings; it is an opaque artifact the caller is responsible for loading
// (see config.ModelConfig).
func New(cfg *config.Config, set *model.Set, reg *config.Registry, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, set: set}
	s.maxActive.Store(int64(cfg.Server.MaxActiveConnections))
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	dec, err := reg.Create(set, cfg.Decoding)
	if err != nil {
		return nil, fmt.Errorf("server: create decoder: %w", err)
	}
	s.dec = dec

	schedOpts := []scheduler.Option{
		scheduler.WithBatchObserver(func(size int, dur time.Duration) {
			s.metrics.RecordBatch(context.Background(), size, dur.Seconds())
		}),
		scheduler.WithDecodeErrorObserver(func() {
			s.metrics.RecordDecodingError(context.Background(), string(cfg.Decoding.Method))
		}),
	}
	if s.breaker != nil {
		schedOpts = append(schedOpts, scheduler.WithCircuitBreaker(s.breaker))
	}

	sched, err := scheduler.New(
		set, dec,
		cfg.Batching.NNPoolSize, cfg.Batching.MaxBatchSize, cfg.Batching.MaxWait(),
		schedOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("server: create scheduler: %w", err)
	}
	s.sched = sched

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: s.buildMux(),
	}

	return s, nil
}

// buildMux assembles the HTTP surface: health, readiness, Prometheus
// metrics, and the WebSocket streaming endpoint.
func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()

	// A scheduler queue deeper than its nominal in-flight capacity
	// (max_batch_size streams per worker, nn_pool_size workers) means
	// streams are arriving faster than the inference pool can drain
	// them — worth surfacing on /readyz, but not worth failing readiness
	// over, since the scheduler itself applies no admission control.
	queueCapacity := s.cfg.Batching.MaxBatchSize * s.cfg.Batching.NNPoolSize
	checkers := []health.Checker{
		health.QueueDepthChecker("scheduler_queue", s.sched.QueueDepth, queueCapacity),
	}
	if s.breaker != nil {
		checkers = append(checkers, health.CircuitBreakerChecker("encoder_circuit", s.breaker))
	}
	checkers = append(checkers, s.extraCheckers...)
	health.New(checkers...).Register(mux)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/stream", s.acceptStream)

	return observe.Middleware(s.metrics)(mux)
}

// acceptStream applies the admission predicate, then upgrades the request
// to a WebSocket connection and drives it to completion via a
// [handler.Handler]. Rejected requests receive 503 with a "Hint" header,
// exactly the original's process_request disposition.
func (s *Server) acceptStream(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		s.metrics.RecordConnectionRejected(r.Context())
		w.Header().Set("Hint", overloadedHint)
		http.Error(w, overloadedBody, http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	s.metrics.ActiveConnections.Add(r.Context(), 1)
	defer s.metrics.ActiveConnections.Add(r.Context(), -1)

	transport, err := wire.Accept(w, r, s.cfg.Server.MaxMessageSize)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	// One span covers the connection's whole lifetime, not just the
	// upgrade — see observe.Middleware's streamPath handling, which skips
	// its own request-scoped span's duration metric for exactly this
	// reason. Running the handler's own logger through observe.Logger ties
	// every per-chunk log line it emits back to this span's trace_id.
	ctx, span := observe.StartSpan(r.Context(), "stream connection")
	defer span.End()

	h := handler.New(transport, s.set, s.dec, s.sched, handler.WithLogger(observe.Logger(ctx)))
	span.SetAttributes(attribute.String("stream_id", h.StreamID()))
	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("connection handler error", "err", err)
		_ = transport.Close(1011, "internal error")
		return
	}
	_ = transport.Close(1000, "done")
}

// queueDepthSamplePeriod is how often reportQueueDepth samples the
// scheduler's queue depth.
const queueDepthSamplePeriod = 500 * time.Millisecond

// reportQueueDepth polls the scheduler's queue depth and republishes it as a
// delta against [observe.Metrics.QueueDepth], an up-down counter, until ctx
// is cancelled.
func (s *Server) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(queueDepthSamplePeriod)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := int64(s.sched.QueueDepth())
			if delta := cur - last; delta != 0 {
				s.metrics.QueueDepth.Add(ctx, delta)
			}
			last = cur
		}
	}
}

// SetMaxActiveConnections updates the admission cap. Intended to be called
// from internal/config's hot-reload callback when max_active_connections
// changes; takes effect on the next admission decision.
func (s *Server) SetMaxActiveConnections(n int) {
	s.maxActive.Store(int64(n))
}

// admit atomically increments the active-connection count if doing so would
// not exceed max_active_connections, returning whether admission succeeded.
func (s *Server) admit() bool {
	max := s.maxActive.Load()
	for {
		cur := s.active.Load()
		if cur >= max {
			return false
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release decrements the active-connection count after a connection closes.
func (s *Server) release() {
	s.active.Add(-1)
}

// ActiveConnections reports the current admitted-connection count.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// Scheduler returns the underlying [*scheduler.Scheduler], for callers (such
// as internal/app's config hot-reload) that need to adjust its batching
// parameters at runtime.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Handler returns the Server's HTTP handler, for tests that want to drive it
// via [net/http/httptest] without binding a real listener.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run starts the scheduler's dispatch loop and the HTTP listener, and blocks
// until ctx is cancelled or either fails. On return, both have been torn
// down.
func (s *Server) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.sched.Run(egCtx)
	})

	eg.Go(func() error {
		s.reportQueueDepth(egCtx)
		return nil
	})

	eg.Go(func() error {
		slog.Info("server listening", "addr", s.httpSrv.Addr)
		err := s.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return nil
	})

	err := eg.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the scheduler, failing any queued jobs with
// [scheduler.ErrClosed]. The HTTP listener is stopped by Run's own teardown
// goroutine when ctx is cancelled; callers typically cancel the context
// passed to Run rather than calling Shutdown directly, but Shutdown is
// provided for callers that construct a Server without using Run's loop.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	return s.sched.Close()
}
