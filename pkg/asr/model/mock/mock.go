// Package mock provides a small, fully deterministic in-process
// implementation of the [model.EncoderModel] / [model.PredictorModel] /
// [model.JoinerModel] / [model.Tokenizer] / [model.FeatureExtractor] trio.
//
// It exists so the scheduler, decoder, handler, and server packages can be
// exercised end to end in tests without a real neural network. Outputs are a
// deterministic function of the inputs — no randomness — so that test
// expectations are reproducible.
package mock

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/voxstream/streamasr/pkg/asr/model"
)

// Compile-time interface assertions.
var (
	_ model.EncoderModel     = (*Encoder)(nil)
	_ model.PredictorModel   = (*Predictor)(nil)
	_ model.JoinerModel      = (*Joiner)(nil)
	_ model.Tokenizer        = (*Tokenizer)(nil)
	_ model.FeatureExtractor = (*FeatureExtractor)(nil)
)

// Dimensions used by the mock model trio. Chosen small so tests run fast;
// nothing in the decode engine assumes these particular values.
const (
	FeatureDim   = 8
	HiddenDim    = 8
	SegmentLen   = 4
	RightContext = 2
	ContextSize  = 2
	BlankID      = 0
	VocabSize    = 6

	// samplesPerFrame is how many raw PCM samples the mock feature extractor
	// folds into one feature frame (10 ms at 16 kHz... loosely; the mock does
	// not model a real filterbank).
	samplesPerFrame = 160
)

// NewSet returns a [model.Set] wired to freshly constructed mock components.
// Each call produces independent Encoder/Predictor/Joiner instances so tests
// can inspect per-test call counters without cross-test interference.
func NewSet() *model.Set {
	return &model.Set{
		Encoder:             NewEncoder(),
		Predictor:           &Predictor{},
		Joiner:              &Joiner{},
		Tokenizer:           &Tokenizer{},
		NewFeatureExtractor: func() model.FeatureExtractor { return NewFeatureExtractor() },
	}
}

// ---- Encoder ----------------------------------------------------------------

// encState is the mock's opaque per-stream encoder state: just a step
// counter, so successive Forward calls on the same stream are observably
// different without needing real recurrence.
type encState struct {
	step int
}

// Encoder is a deterministic [model.EncoderModel]. It counts Forward
// invocations so tests can assert on batching behaviour (spec.md §8,
// "Batching" scenario: one encoder invocation per batch regardless of how
// many streams it contains).
type Encoder struct {
	mu        sync.Mutex
	forwards  int
	ForwardErr error // when set, Forward returns this error instead of computing output
}

// NewEncoder returns a ready-to-use mock Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) SegmentLength() int      { return SegmentLen }
func (e *Encoder) RightContextLength() int { return RightContext }
func (e *Encoder) FeatureDim() int         { return FeatureDim }
func (e *Encoder) HiddenDim() int          { return HiddenDim }

// InitState returns the zero-step initial encoder state.
func (e *Encoder) InitState() model.EncoderState { return &encState{} }

// StackStates batches per-stream states as a plain slice; the mock has no
// real tensor layout to respect.
func (e *Encoder) StackStates(states []model.EncoderState) model.Batch {
	return states
}

// UnstackStates is the inverse of StackStates.
func (e *Encoder) UnstackStates(batch model.Batch, n int) []model.EncoderState {
	states, ok := batch.([]model.EncoderState)
	if !ok || len(states) != n {
		panic("mock: encoder state batch shape mismatch")
	}
	return states
}

// ForwardCalls reports how many times Forward has been invoked. Used as the
// "test hook counter" referenced by spec.md §8's batching scenario.
func (e *Encoder) ForwardCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forwards
}

// Forward computes, for every stream in the batch, SegmentLength output
// frames as a deterministic function of that stream's chunk energy and its
// carried-forward step counter.
func (e *Encoder) Forward(_ context.Context, features [][][]float32, states model.Batch) ([][][]float32, model.Batch, error) {
	e.mu.Lock()
	e.forwards++
	forwardErr := e.ForwardErr
	e.mu.Unlock()
	if forwardErr != nil {
		return nil, nil, forwardErr
	}

	sts, ok := states.([]model.EncoderState)
	if !ok || len(sts) != len(features) {
		return nil, nil, fmt.Errorf("mock encoder: state batch shape mismatch")
	}

	out := make([][][]float32, len(features))
	next := make([]model.EncoderState, len(features))
	for i, chunk := range features {
		st, ok := sts[i].(*encState)
		if !ok {
			st = &encState{}
		}

		var energy float32
		for _, frame := range chunk {
			for _, v := range frame {
				energy += v
			}
		}

		frames := make([][]float32, SegmentLen)
		for t := 0; t < SegmentLen; t++ {
			frame := make([]float32, HiddenDim)
			for h := range frame {
				frame[h] = float32(math.Sin(float64(energy) + float64(st.step) + float64(t) + float64(h)))
			}
			frames[t] = frame
		}
		out[i] = frames
		next[i] = &encState{step: st.step + 1}
	}
	return out, next, nil
}

// ---- Predictor ----------------------------------------------------------------

// Predictor is a deterministic [model.PredictorModel].
type Predictor struct{}

func (p *Predictor) ContextSize() int { return ContextSize }
func (p *Predictor) BlankID() int     { return BlankID }

// Forward derives a hidden vector from the sum of each context window's
// token IDs, so identical contexts always produce identical output
// (required for the predictor-output cache described in spec.md §4.2).
func (p *Predictor) Forward(_ context.Context, contexts [][]int) ([][]float32, error) {
	out := make([][]float32, len(contexts))
	for i, ctxIDs := range contexts {
		sum := 0
		for _, id := range ctxIDs {
			sum += id
		}
		v := make([]float32, HiddenDim)
		for h := range v {
			v[h] = float32(sum)*0.1 + float32(h)*0.01
		}
		out[i] = v
	}
	return out, nil
}

// ---- Joiner ----------------------------------------------------------------

// Joiner is a deterministic [model.JoinerModel]: a dot product of the
// encoder and predictor vectors, biased per vocabulary slot so that argmax
// varies with input rather than always landing on blank.
type Joiner struct{}

func (j *Joiner) VocabSize() int { return VocabSize }

func (j *Joiner) Forward(_ context.Context, encoderFrame, predictorOut []float32) ([]float32, error) {
	if len(encoderFrame) != HiddenDim || len(predictorOut) != HiddenDim {
		return nil, fmt.Errorf("mock joiner: expected %d-wide vectors", HiddenDim)
	}
	logits := make([]float32, VocabSize)
	var dot float32
	for h := 0; h < HiddenDim; h++ {
		dot += encoderFrame[h] * predictorOut[h]
	}
	for v := range logits {
		logits[v] = dot + float32(v)*0.37
	}
	return logits, nil
}

// ---- Tokenizer ----------------------------------------------------------------

// Tokenizer renders token IDs as "tok<N>" joined by spaces, which is enough
// to assert prefix-growth and round-trip properties in tests without a real
// subword vocabulary.
type Tokenizer struct{}

func (t *Tokenizer) Decode(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "tok%d", id)
	}
	return b.String()
}

// ---- FeatureExtractor ----------------------------------------------------------------

// FeatureExtractor is a deterministic [model.FeatureExtractor]. It folds
// every samplesPerFrame raw PCM samples into one FeatureDim-wide frame by
// summing samples into dim buckets — not a real filterbank, but enough to
// make frame content a reproducible function of the input audio.
type FeatureExtractor struct {
	mu     sync.Mutex
	buf    []float32
	frames [][]float32
}

// NewFeatureExtractor returns a fresh, empty FeatureExtractor.
func NewFeatureExtractor() *FeatureExtractor { return &FeatureExtractor{} }

func (f *FeatureExtractor) AcceptPCM(pcm []float32, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = append(f.buf, pcm...)
	for len(f.buf) >= samplesPerFrame {
		chunk := f.buf[:samplesPerFrame]
		frame := make([]float32, FeatureDim)
		for i, s := range chunk {
			frame[i%FeatureDim] += s
		}
		f.frames = append(f.frames, frame)
		f.buf = f.buf[samplesPerFrame:]
	}
	return nil
}

func (f *FeatureExtractor) PopFrames() [][]float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func (f *FeatureExtractor) TailPaddingFrame() []float32 {
	frame := make([]float32, FeatureDim)
	for i := range frame {
		frame[i] = float32(model.LogEps)
	}
	return frame
}
