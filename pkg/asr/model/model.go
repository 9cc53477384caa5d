// Package model defines the opaque neural-model and tokenizer contracts that
// the streaming decode engine is built against. StreamASR never trains,
// loads weights for, or otherwise looks inside these models — it only calls
// the fixed signatures below. Concrete implementations (a C binding, an RPC
// client, an in-process reference for tests) live in their own packages and
// are wired in at startup via [Set].
package model

import "context"

// EncoderState is an opaque per-stream hidden-state blob. Its concrete shape
// is owned entirely by the EncoderModel implementation; the rest of the
// system only stores it, stacks it for a batch, and hands it back.
type EncoderState any

// Batch is an opaque batched-state blob produced by [EncoderModel.StackStates]
// and consumed by [EncoderModel.Forward] / [EncoderModel.UnstackStates].
type Batch any

// EncoderModel is the streaming acoustic encoder. Forward consumes one
// chunk_length-frame window per stream (already stacked into a single batch
// tensor by the caller) plus the batched encoder state carried over from the
// previous call, and produces segment_length output frames per stream plus
// the updated state.
//
// Implementations must be safe for concurrent use by independent goroutines
// operating on independent batches; a single Forward call is itself
// synchronous and performs no internal concurrency.
type EncoderModel interface {
	// SegmentLength returns the number of frames advanced per encoder step.
	SegmentLength() int
	// RightContextLength returns the look-ahead frame count borrowed from the
	// next segment.
	RightContextLength() int
	// FeatureDim returns the width of a single feature frame.
	FeatureDim() int
	// HiddenDim returns the width of a single encoder output frame.
	HiddenDim() int

	// InitState returns the initial per-stream encoder state for a freshly
	// admitted connection.
	InitState() EncoderState

	// StackStates batches per-stream encoder states into a single tensor the
	// way Forward expects to receive them.
	StackStates(states []EncoderState) Batch
	// UnstackStates splits a batched post-Forward state back into n
	// per-stream states, in the same order they were stacked.
	UnstackStates(batch Batch, n int) []EncoderState

	// Forward runs one streaming encoder step over a batch of B streams.
	// features is B stacked chunk_length-frame windows; states is the
	// corresponding batched encoder state. It returns, per stream,
	// segment_length output frames of width HiddenDim, plus the updated
	// batched state.
	Forward(ctx context.Context, features [][][]float32, states Batch) (out [][][]float32, nextStates Batch, err error)
}

// PredictorModel is the transducer's prediction network. Forward is
// deterministic in the token context it is given, so callers are free to
// cache results keyed by the context slice's contents.
type PredictorModel interface {
	// ContextSize returns the number of trailing non-blank tokens the
	// predictor conditions on.
	ContextSize() int
	// BlankID returns the vocabulary ID reserved for the blank symbol.
	BlankID() int
	// Forward computes the predictor's hidden output for a batch of
	// context-token windows, each of length ContextSize.
	Forward(ctx context.Context, contexts [][]int) ([][]float32, error)
}

// JoinerModel combines one encoder frame and one predictor output into a
// vocabulary-sized logit vector.
type JoinerModel interface {
	// VocabSize returns the size of the output vocabulary, including blank.
	VocabSize() int
	// Forward computes the joint logits for a single (encoder, predictor)
	// pair.
	Forward(ctx context.Context, encoderFrame, predictorOut []float32) ([]float32, error)
}

// Tokenizer turns a sequence of non-blank token IDs into display text.
type Tokenizer interface {
	Decode(ids []int) string
}

// FeatureExtractor turns raw PCM into feature frames. Implementations buffer
// any PCM that doesn't yet amount to a whole frame internally.
type FeatureExtractor interface {
	// AcceptPCM appends pcm (interpreted at the given sample rate) to the
	// extractor's internal buffer and produces as many whole frames as
	// possible.
	AcceptPCM(pcm []float32, sampleRate int) error
	// PopFrames drains and returns all feature frames produced so far.
	PopFrames() [][]float32
	// TailPaddingFrame returns one frame of the fixed log-eps padding
	// pattern used to flush a trailing partial chunk.
	TailPaddingFrame() []float32
}

// Set bundles the model trio, tokenizer, and feature extractor factory that
// together define one decoding pipeline configuration. A Set is shared
// read-only across every connection; per-connection mutable state lives in
// [github.com/voxstream/streamasr/pkg/asr/stream.State].
type Set struct {
	Encoder   EncoderModel
	Predictor PredictorModel
	Joiner    JoinerModel
	Tokenizer Tokenizer

	// NewFeatureExtractor constructs a fresh, independent FeatureExtractor
	// for one new connection.
	NewFeatureExtractor func() FeatureExtractor
}

// ChunkLength returns the number of feature frames an encoder chunk spans:
// segment_length + right_context_length + 3. The "+3" compensates for the
// two-stage half-subsampling ((n-1)//2 - 1)//2 applied internally by the
// encoder before it reaches the transformer/emformer stack.
func (s *Set) ChunkLength() int {
	return s.Encoder.SegmentLength() + s.Encoder.RightContextLength() + 3
}

// ContextSize returns the number of trailing non-blank tokens the predictor
// conditions on.
func (s *Set) ContextSize() int {
	return s.Predictor.ContextSize()
}

// BlankID returns the vocabulary ID reserved for the blank symbol.
func (s *Set) BlankID() int {
	return s.Predictor.BlankID()
}

// VocabSize returns the size of the joiner's output vocabulary.
func (s *Set) VocabSize() int {
	return s.Joiner.VocabSize()
}

// LogEps is the fixed padding value used for tail-padding frames: log(1e-10).
const LogEps = -23.025850929940457
