// Package scheduler implements the dynamic micro-batching scheduler that
// turns many connections' individually-ready feature chunks into batched
// encoder Forward calls.
//
// A single FIFO queue of (stream, completion) pairs is fed by every
// connection handler's Submit call. A notify channel wakes the dispatch
// loop the instant a stream lands on an empty queue — the loop never polls
// — and whatever is queued at that point is dispatched immediately, up to
// max_batch_size streams per invocation; max_wait only bounds how long the
// loop idles while the queue is empty, never a coalescing window once a
// stream has actually arrived. This is the same notify-channel-plus-
// bounded-pool idiom pkg/audio/mixer.PriorityMixer uses for its own
// background dispatch loop, adapted here from a priority heap to a plain
// FIFO queue since streams have no priority.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxstream/streamasr/internal/resilience"
	"github.com/voxstream/streamasr/pkg/asr/decoder"
	"github.com/voxstream/streamasr/pkg/asr/model"
	"github.com/voxstream/streamasr/pkg/asr/stream"
)

// ErrClosed is returned by Submit once the scheduler has been closed, and
// delivered to any job still sitting in the queue at Close time.
var ErrClosed = errors.New("scheduler: closed")

// defaultQueueCap is the initial capacity hint for the internal FIFO queue.
const defaultQueueCap = 64

// job pairs a stream awaiting a batch with the channel its result is
// delivered on.
type job struct {
	stream *stream.State
	result chan error
}

// Option configures a Scheduler during construction.
type Option func(*Scheduler)

// WithQueueCapacity sets the initial capacity hint for the internal FIFO
// queue. This does not impose a hard limit on queue depth: the queue grows
// as needed, and the scheduler never rejects or blocks a Submit for lack of
// room.
func WithQueueCapacity(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make([]job, 0, n)
		}
	}
}

// WithBatchObserver registers a callback invoked after every dispatched
// batch with its size and the encoder Forward call's wall-clock duration.
// Intended for internal/observe to wire up the BatchSize and
// EncoderDuration instruments; nil by default.
func WithBatchObserver(f func(size int, dur time.Duration)) Option {
	return func(s *Scheduler) {
		s.onBatch = f
	}
}

// WithDecodeErrorObserver registers a callback invoked whenever a batch's
// Decoder.Process call fails. Intended for internal/observe to wire up the
// DecodingErrors counter; nil by default.
func WithDecodeErrorObserver(f func()) Option {
	return func(s *Scheduler) {
		s.onDecodeError = f
	}
}

// WithCircuitBreaker guards every encoder Forward call with cb. A run of
// consecutive inference failures opens the breaker, so subsequent batches
// fail fast with [resilience.ErrCircuitOpen] instead of each retrying
// against a model that is already down. Nil by default, meaning calls are
// never short-circuited.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Scheduler) {
		s.breaker = cb
	}
}

// Scheduler is the BatchScheduler: it accumulates streams whose rolling
// feature buffer has reached chunk_length into batches, runs one encoder
// Forward call per batch, and dispatches the resulting encoder output to the
// configured Decoder.
type Scheduler struct {
	set *model.Set
	dec decoder.Decoder

	sem *semaphore.Weighted

	mu            sync.Mutex
	maxBatchSize  int
	maxWait       time.Duration
	queue         []job
	closed        bool
	onBatch       func(size int, dur time.Duration)
	onDecodeError func()
	breaker       *resilience.CircuitBreaker

	notify  chan struct{}
	closeCh chan struct{}
}

// New returns a Scheduler that dispatches batches of at most maxBatchSize
// streams, using a pool of poolSize concurrent inference workers. maxWait
// bounds only how long the dispatch loop idles while its queue is empty —
// once any stream is enqueued it is batched on the next dispatch loop
// iteration without further delay, never held back to coalesce a fuller
// batch.
func New(set *model.Set, dec decoder.Decoder, poolSize, maxBatchSize int, maxWait time.Duration, opts ...Option) (*Scheduler, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("scheduler: nn_pool_size must be >= 1, got %d", poolSize)
	}
	if maxBatchSize < 1 {
		return nil, fmt.Errorf("scheduler: max_batch_size must be >= 1, got %d", maxBatchSize)
	}
	if maxWait < 0 {
		return nil, fmt.Errorf("scheduler: max_wait_ms must be >= 0, got %s", maxWait)
	}

	s := &Scheduler{
		set:          set,
		dec:          dec,
		maxBatchSize: maxBatchSize,
		maxWait:      maxWait,
		sem:          semaphore.NewWeighted(int64(poolSize)),
		queue:        make([]job, 0, defaultQueueCap),
		notify:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// QueueDepth reports how many streams currently sit in the FIFO queue
// awaiting a batch. Intended for internal/health and internal/observe.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SetMaxBatchSize updates the batch size cap applied by future dispatches.
// Intended to be called from internal/config's hot-reload callback when
// max_batch_size changes; takes effect on the next collectBatch call.
func (s *Scheduler) SetMaxBatchSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBatchSize = n
}

// SetMaxWait updates how long awaitWork idles on an empty queue before
// rechecking it. Intended to be called from internal/config's hot-reload
// callback when max_wait_ms changes.
func (s *Scheduler) SetMaxWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxWait = d
}

// Submit enqueues stream for batched inference and blocks until the batch
// containing it has been processed (or ctx is cancelled, or the scheduler is
// closed). The precondition stream.ReadyForChunk() must hold; Submit returns
// an error rather than enqueuing a stream with an incomplete chunk.
//
// Submit implements the ownership-transfer handoff described in
// pkg/asr/stream: it marks the stream pending for the duration of the call
// and clears the flag before returning, so the caller regains exclusive
// ownership as soon as Submit returns.
func (s *Scheduler) Submit(ctx context.Context, strm *stream.State) error {
	if !strm.ReadyForChunk() {
		return fmt.Errorf("scheduler: stream %s is not ready for a chunk", strm.ID)
	}

	strm.SetPending(true)
	defer strm.SetPending(false)

	result := make(chan error, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, job{stream: strm, result: result})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the dispatch loop until ctx is cancelled or Close is called.
// Callers start Run on its own goroutine, typically via an errgroup managed
// by internal/server alongside the connection-accept loop.
//
// max_wait_ms is honored only as the *idle* wait described in spec.md's
// scheduling algorithm: while the queue is empty, the loop blocks on
// awaitWork for up to maxWait (woken early the instant a stream is
// enqueued, via the notify channel). It is never used as a coalescing
// window once a stream has actually landed — collectBatch drains whatever
// is queued the moment it is called, full batch or not.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		stop, err := s.awaitWork(ctx)
		if stop {
			return err
		}

		for {
			batch := s.collectBatch()
			if len(batch) == 0 {
				break
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				failBatch(batch, err)
				return ctx.Err()
			}
			go s.runBatch(ctx, batch)
		}
	}
}

// awaitWork blocks until a stream is enqueued, the idle timeout elapses, or
// the scheduler is done. It never blocks once the queue is already
// non-empty. stop reports whether Run should return instead of proceeding
// to collectBatch; err is the value Run should return when stop is true
// (nil for a clean Close, ctx.Err() for cancellation).
func (s *Scheduler) awaitWork(ctx context.Context) (stop bool, err error) {
	s.mu.Lock()
	nonEmpty := len(s.queue) > 0
	maxWait := s.maxWait
	s.mu.Unlock()
	if nonEmpty {
		return false, nil
	}

	var idle <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-s.closeCh:
		return true, nil
	case <-s.notify:
		return false, nil
	case <-idle:
		return false, nil
	}
}

// collectBatch pops whatever is queued right now, up to maxBatchSize, and
// returns immediately — it never waits for the queue to fill further. A
// lone enqueued stream is therefore dispatched as soon as Run's dispatch
// loop observes it, with no added max_wait_ms latency; max_wait_ms only
// bounds how long awaitWork idles before rechecking an empty queue.
func (s *Scheduler) collectBatch() []job {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if n > s.maxBatchSize {
		n = s.maxBatchSize
	}
	batch := s.queue[:n]
	s.queue = s.queue[n:]
	return batch
}

// runBatch stacks the batch's streams into one encoder Forward call,
// unstacks the resulting states back onto each stream, advances the
// decoder, and reports completion to every waiting Submit call.
func (s *Scheduler) runBatch(ctx context.Context, batch []job) {
	defer s.sem.Release(1)

	streams := make([]*stream.State, len(batch))
	chunks := make([][][]float32, len(batch))
	states := make([]model.EncoderState, len(batch))
	for i, j := range batch {
		streams[i] = j.stream
		chunks[i] = j.stream.TakeChunk()
		states[i] = j.stream.EncoderState()
	}

	var out [][][]float32
	var nextBatch model.EncoderState

	start := time.Now()
	forward := func() error {
		var ferr error
		out, nextBatch, ferr = s.set.Encoder.Forward(ctx, chunks, s.set.Encoder.StackStates(states))
		return ferr
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(forward)
	} else {
		err = forward()
	}
	dur := time.Since(start)
	if s.onBatch != nil {
		s.onBatch(len(batch), dur)
	}
	if err != nil {
		failBatch(batch, fmt.Errorf("scheduler: encoder forward: %w", err))
		return
	}

	nextStates := s.set.Encoder.UnstackStates(nextBatch, len(batch))
	for i, strm := range streams {
		strm.SetEncoderState(nextStates[i])
		strm.DropConsumed(strm.SegmentLength())
	}

	if err := s.dec.Process(ctx, out, streams); err != nil {
		if s.onDecodeError != nil {
			s.onDecodeError()
		}
		failBatch(batch, fmt.Errorf("scheduler: decode: %w", err))
		return
	}

	for _, j := range batch {
		j.result <- nil
	}
}

// failBatch delivers err to every job in batch.
func failBatch(batch []job, err error) {
	for _, j := range batch {
		j.result <- err
	}
}

// Close stops the dispatch loop and fails every job still sitting in the
// queue with ErrClosed. Idempotent; subsequent calls are no-ops.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	failBatch(pending, ErrClosed)
	close(s.closeCh)
	return nil
}
