// Package stream implements [State], the per-connection rolling audio
// buffer, feature cache, encoder state, and hypothesis state that together
// make up one client's streaming decode session.
//
// A State is owned by exactly one goroutine at a time: its handler while it
// sits outside the scheduler queue, and the scheduler's inference worker
// while it is enqueued or being processed. The [State.Pending] flag plus the
// scheduler's completion handshake implement that handoff; State itself
// holds no lock, by design — see the package-level concurrency notes in
// pkg/asr/scheduler.
package stream

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/voxstream/streamasr/pkg/asr/model"
)

// ErrRateMismatch is returned by [State.AcceptWaveform] when the caller
// supplies a sample rate other than 16 kHz (the system's fixed rate).
var ErrRateMismatch = errors.New("stream: sample rate must be 16000 Hz")

// expectedSampleRate is the only sample rate the system accepts (spec: 16 kHz
// fixed, no multi-rate negotiation).
const expectedSampleRate = 16000

// State is one connection's rolling audio buffer, feature cache, encoder
// state, and decoder hypothesis state.
//
// All mutation happens either from the owning [internal/handler] goroutine
// (AcceptWaveform, InputFinished, AddTailPadding, CurrentText) or from the
// scheduler's inference worker while the stream is checked out of the queue
// (TakeChunk, DropConsumed, SetEncoderState, DecoderState/SetDecoderState,
// AppendHypToken). These two never run concurrently on the same State; see
// pkg/asr/scheduler for the ownership-transfer contract.
type State struct {
	// ID is a correlation identifier for logs and traces, independent of any
	// transport-level connection ID.
	ID string

	set *model.Set
	fe  model.FeatureExtractor

	samplesTail  []float32
	features     [][]float32
	encoderState model.EncoderState

	// decoderState is variant-specific (greedy/modified-beam keep a
	// predictor hidden state + token context; fast-beam keeps an FSA
	// handle). Owned and type-asserted exclusively by the active
	// pkg/asr/decoder implementation.
	decoderState any

	hypTokens []int
	finished  bool
	pending   bool
}

// New creates a State for a newly admitted connection, seeded with the
// model's initial encoder state and an empty hypothesis.
func New(set *model.Set) *State {
	return &State{
		ID:           uuid.NewString(),
		set:          set,
		fe:           set.NewFeatureExtractor(),
		encoderState: set.Encoder.InitState(),
	}
}

// ChunkLength returns segment_length + right_context_length + 3, the
// window size TakeChunk returns and the scheduler's enqueue precondition.
func (s *State) ChunkLength() int { return s.set.ChunkLength() }

// SegmentLength returns the frames a successful encoder step advances past.
func (s *State) SegmentLength() int { return s.set.Encoder.SegmentLength() }

// AcceptWaveform appends pcm (captured at rate Hz) to the rolling sample
// buffer and extends the feature cache with whatever whole frames the
// extractor can now produce. If the stream is already finished, samples are
// discarded silently (the handler is responsible for not calling this after
// InputFinished in the first place; this is a defense-in-depth no-op, not an
// error path).
func (s *State) AcceptWaveform(rate int, pcm []float32) error {
	if rate != expectedSampleRate {
		return fmt.Errorf("stream %s: %w (got %d)", s.ID, ErrRateMismatch, rate)
	}
	if s.finished {
		return nil
	}

	s.samplesTail = append(s.samplesTail, pcm...)
	if err := s.fe.AcceptPCM(pcm, rate); err != nil {
		return fmt.Errorf("stream %s: accept pcm: %w", s.ID, err)
	}
	s.features = append(s.features, s.fe.PopFrames()...)
	return nil
}

// InputFinished marks the stream as finished. Idempotent: calling it more
// than once has no further effect.
func (s *State) InputFinished() {
	s.finished = true
}

// Finished reports whether InputFinished has been called.
func (s *State) Finished() bool { return s.finished }

// AddTailPadding appends n frames of the fixed log-eps padding pattern to
// flush a final partial chunk. Legal only once InputFinished has been
// called and while 0 < len(features) < ChunkLength(); callers that violate
// this return an error rather than silently corrupting the feature queue.
func (s *State) AddTailPadding(n int) error {
	if !s.finished {
		return fmt.Errorf("stream %s: add tail padding before input finished", s.ID)
	}
	if len(s.features) == 0 || len(s.features) >= s.ChunkLength() {
		return fmt.Errorf("stream %s: add tail padding requires 0 < len(features) < chunk_length, got %d", s.ID, len(s.features))
	}
	for i := 0; i < n; i++ {
		s.features = append(s.features, s.fe.TailPaddingFrame())
	}
	return nil
}

// CurrentText detokenizes the hypothesis accumulated so far. Pure read; safe
// to call from the owning handler at any time between batches.
func (s *State) CurrentText() string {
	return s.set.Tokenizer.Decode(s.hypTokens)
}

// NumFeatures reports how many feature frames are currently queued.
func (s *State) NumFeatures() int { return len(s.features) }

// ReadyForChunk reports whether enough feature frames have accumulated to
// satisfy the scheduler's enqueue precondition.
func (s *State) ReadyForChunk() bool { return len(s.features) >= s.ChunkLength() }

// TakeChunk returns a view over the first ChunkLength() feature frames
// without removing them. Called by the inference worker immediately before
// an encoder Forward call; the frames are only dropped afterwards, via
// DropConsumed, once the encoder has actually advanced past them.
func (s *State) TakeChunk() [][]float32 {
	n := s.ChunkLength()
	if len(s.features) < n {
		return nil
	}
	// Return a copy so the worker's batched tensor isn't aliased to a slice
	// that DropConsumed is about to shift.
	chunk := make([][]float32, n)
	copy(chunk, s.features[:n])
	return chunk
}

// DropConsumed removes the first n feature frames from the head of the
// queue. Called by the inference worker after a successful encoder step
// with n = SegmentLength(); the right-context frames are left in place so
// they overlap into the next chunk.
func (s *State) DropConsumed(n int) {
	if n > len(s.features) {
		n = len(s.features)
	}
	s.features = s.features[n:]
}

// EncoderState returns the stream's carried-forward encoder hidden state.
func (s *State) EncoderState() model.EncoderState { return s.encoderState }

// SetEncoderState replaces the stream's encoder hidden state. Called by the
// inference worker with the per-stream slice of the batch's unstacked
// output state.
func (s *State) SetEncoderState(es model.EncoderState) { s.encoderState = es }

// DecoderState returns the variant-specific decoder state, or nil if
// SetDecoderState has not yet been called (decoders call it from InitStream).
func (s *State) DecoderState() any { return s.decoderState }

// SetDecoderState replaces the variant-specific decoder state.
func (s *State) SetDecoderState(ds any) { s.decoderState = ds }

// HypTokens returns the emitted non-blank token IDs so far. The returned
// slice must be treated as read-only by callers; decoders append to the
// stream's hypothesis via AppendHypToken / SetHypTokens, never by mutating
// a slice obtained from this method.
func (s *State) HypTokens() []int { return s.hypTokens }

// AppendHypToken appends one newly emitted non-blank token ID.
// hyp_tokens is append-only: this method never rewrites prior entries.
func (s *State) AppendHypToken(id int) {
	s.hypTokens = append(s.hypTokens, id)
}

// SetHypTokens replaces the full hypothesis, used by decoders (modified-beam,
// fast-beam) whose best path is only known at the end of a batch and may
// reorder relative to a prior best path. The replacement must always be a
// superset-respecting extension in temporal content — decoders are
// responsible for that invariant; State only stores what it's given.
func (s *State) SetHypTokens(ids []int) {
	s.hypTokens = ids
}

// Pending reports whether the stream currently sits in the scheduler queue.
func (s *State) Pending() bool { return s.pending }

// SetPending sets the pending guard. The scheduler sets it true on enqueue
// and false once the batch containing this stream completes.
func (s *State) SetPending(p bool) { s.pending = p }

// Model returns the model.Set this stream was constructed against, so the
// decoder and scheduler can reach encoder/predictor/joiner/tokenizer
// without threading them through every call.
func (s *State) Model() *model.Set { return s.set }
