// Package greedy implements the simplest of the three decoding strategies:
// pure argmax over the joiner's logits, one encoder frame at a time.
package greedy

import (
	"context"
	"fmt"

	"github.com/voxstream/streamasr/pkg/asr/decoder"
	"github.com/voxstream/streamasr/pkg/asr/model"
	"github.com/voxstream/streamasr/pkg/asr/stream"
)

// Compile-time interface assertion.
var _ decoder.Decoder = (*Decoder)(nil)

// maxSymbolsPerFrame bounds how many non-blank tokens may be emitted from a
// single encoder frame before the decoder is forced to advance time
// regardless of the joiner's output. Real streaming transducers apply the
// same kind of cap; without it a runaway non-blank run on pathological
// logits would never advance, stalling the stream.
const maxSymbolsPerFrame = 3

// state is the per-stream decoder state greedy decoding needs: the last
// context_size emitted tokens (padded with blank_id until enough have been
// emitted) plus a predictor-output cache keyed by that context.
type state struct {
	context    []int
	cachedPred []float32
	cacheValid bool
}

// Decoder implements [decoder.Decoder] using per-frame joiner argmax.
type Decoder struct {
	set *model.Set
}

// New returns a greedy Decoder bound to set.
func New(set *model.Set) *Decoder {
	return &Decoder{set: set}
}

// InitStream seeds s's decoder state with a context window of blank_id.
func (d *Decoder) InitStream(s *stream.State) {
	ctxSize := d.set.ContextSize()
	ctx := make([]int, ctxSize)
	for i := range ctx {
		ctx[i] = d.set.BlankID()
	}
	s.SetDecoderState(&state{context: ctx})
}

// CurrentText returns the detokenized hyp_tokens; greedy decoding keeps
// hyp_tokens as its one and only hypothesis, so no extra bookkeeping is
// needed here.
func (d *Decoder) CurrentText(s *stream.State) string {
	return s.CurrentText()
}

// Process runs greedy argmax decoding for every stream in the batch.
func (d *Decoder) Process(ctx context.Context, encoderOut [][][]float32, streams []*stream.State) error {
	if len(encoderOut) != len(streams) {
		return fmt.Errorf("greedy: encoderOut/streams length mismatch: %d vs %d", len(encoderOut), len(streams))
	}
	blank := d.set.BlankID()

	for i, s := range streams {
		st, ok := s.DecoderState().(*state)
		if !ok {
			return fmt.Errorf("greedy: stream %s has no initialized decoder state", s.ID)
		}

		for _, frame := range encoderOut[i] {
			emitted := 0
			for emitted < maxSymbolsPerFrame {
				if !st.cacheValid {
					predOut, err := d.set.Predictor.Forward(ctx, [][]int{st.context})
					if err != nil {
						return fmt.Errorf("greedy: predictor forward: %w", err)
					}
					st.cachedPred = predOut[0]
					st.cacheValid = true
				}

				logits, err := d.set.Joiner.Forward(ctx, frame, st.cachedPred)
				if err != nil {
					return fmt.Errorf("greedy: joiner forward: %w", err)
				}

				tok := argmax(logits)
				if tok == blank {
					break
				}

				s.AppendHypToken(tok)
				st.context = append(append([]int{}, st.context[1:]...), tok)
				st.cacheValid = false
				emitted++
			}
		}
	}
	return nil
}

// argmax returns the index of the largest value in logits. Ties resolve to
// the lowest index, matching standard argmax tie-breaking.
func argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}
