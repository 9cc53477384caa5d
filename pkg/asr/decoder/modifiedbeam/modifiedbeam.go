// Package modifiedbeam implements modified beam search decoding: up to
// num_active_paths hypotheses per stream, merged by log-sum-exp whenever two
// paths share the same trailing context_size-token suffix.
package modifiedbeam

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/voxstream/streamasr/pkg/asr/decoder"
	"github.com/voxstream/streamasr/pkg/asr/model"
	"github.com/voxstream/streamasr/pkg/asr/stream"
)

// Compile-time interface assertion.
var _ decoder.Decoder = (*Decoder)(nil)

// hyp is one candidate token sequence with its accumulated log-probability.
type hyp struct {
	tokens  []int
	logProb float64
}

// state is the per-stream modified-beam decoder state: up to
// num_active_paths surviving hypotheses, sorted best-first after every
// frame.
type state struct {
	hyps []hyp
}

// Decoder implements [decoder.Decoder] using modified beam search.
type Decoder struct {
	set            *model.Set
	numActivePaths int
}

// New returns a modified-beam Decoder bound to set, retaining at most
// numActivePaths hypotheses per stream. numActivePaths must be ≥ 1.
func New(set *model.Set, numActivePaths int) (*Decoder, error) {
	if numActivePaths < 1 {
		return nil, fmt.Errorf("modifiedbeam: num_active_paths must be >= 1, got %d", numActivePaths)
	}
	return &Decoder{set: set, numActivePaths: numActivePaths}, nil
}

// InitStream seeds s with a single empty-hypothesis beam.
func (d *Decoder) InitStream(s *stream.State) {
	s.SetDecoderState(&state{hyps: []hyp{{}}})
}

// CurrentText returns the detokenized best-scoring surviving hypothesis.
// Process keeps this mirrored into s's hyp_tokens after each batch, so this
// is equivalent to s.CurrentText(), provided at least one Process call has
// happened.
func (d *Decoder) CurrentText(s *stream.State) string {
	return s.CurrentText()
}

// Process runs modified beam search for every stream in the batch, one
// encoder frame at a time, and mirrors each stream's best surviving
// hypothesis into its hyp_tokens at the end.
func (d *Decoder) Process(ctx context.Context, encoderOut [][][]float32, streams []*stream.State) error {
	if len(encoderOut) != len(streams) {
		return fmt.Errorf("modifiedbeam: encoderOut/streams length mismatch: %d vs %d", len(encoderOut), len(streams))
	}
	blank := d.set.BlankID()
	ctxSize := d.set.ContextSize()

	for i, s := range streams {
		st, ok := s.DecoderState().(*state)
		if !ok {
			return fmt.Errorf("modifiedbeam: stream %s has no initialized decoder state", s.ID)
		}

		for _, frame := range encoderOut[i] {
			next, err := d.stepFrame(ctx, frame, st.hyps, ctxSize, blank)
			if err != nil {
				return err
			}
			st.hyps = next
		}

		if len(st.hyps) == 0 {
			continue
		}
		best := st.hyps[0]
		for _, h := range st.hyps[1:] {
			if h.logProb > best.logProb {
				best = h
			}
		}
		s.SetHypTokens(append([]int{}, best.tokens...))
	}
	return nil
}

// stepFrame expands every hypothesis in hyps over the joiner's full
// vocabulary for one encoder frame, collapses hypotheses that land on an
// identical trailing context, and returns the top numActivePaths survivors
// sorted best-first.
func (d *Decoder) stepFrame(ctx context.Context, frame []float32, hyps []hyp, ctxSize, blank int) ([]hyp, error) {
	// Batch the predictor call across the distinct contexts present in this
	// frame's hypothesis set, avoiding duplicate forward passes for
	// hypotheses that happen to share a context.
	contextOf := make([][]int, len(hyps))
	keyOf := make([]string, len(hyps))
	uniqueContexts := make(map[string][]int)
	for i, h := range hyps {
		c := trailingContext(h.tokens, ctxSize, blank)
		contextOf[i] = c
		k := contextKey(c)
		keyOf[i] = k
		uniqueContexts[k] = c
	}

	keys := make([]string, 0, len(uniqueContexts))
	batch := make([][]int, 0, len(uniqueContexts))
	for k, c := range uniqueContexts {
		keys = append(keys, k)
		batch = append(batch, c)
	}
	predOuts, err := d.set.Predictor.Forward(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("modifiedbeam: predictor forward: %w", err)
	}
	predByKey := make(map[string][]float32, len(keys))
	for i, k := range keys {
		predByKey[k] = predOuts[i]
	}

	groups := make(map[string]*groupAccum)
	var order []string

	for i, h := range hyps {
		logits, err := d.set.Joiner.Forward(ctx, frame, predByKey[keyOf[i]])
		if err != nil {
			return nil, fmt.Errorf("modifiedbeam: joiner forward: %w", err)
		}
		logProbs := logSoftmax(logits)

		for v, lp := range logProbs {
			newLogProb := h.logProb + lp
			var newTokens []int
			if v == blank {
				newTokens = h.tokens
			} else {
				newTokens = append(append([]int{}, h.tokens...), v)
			}
			gk := contextKey(trailingContext(newTokens, ctxSize, blank))

			g, ok := groups[gk]
			if !ok {
				g = &groupAccum{}
				groups[gk] = g
				order = append(order, gk)
			}
			if newLogProb > g.bestLogProb || g.bestTokens == nil {
				g.bestLogProb = newLogProb
				g.bestTokens = newTokens
			}
			g.logProbs = append(g.logProbs, newLogProb)
		}
	}

	merged := make([]hyp, 0, len(order))
	for _, k := range order {
		g := groups[k]
		merged = append(merged, hyp{
			tokens:  g.bestTokens,
			logProb: floats.LogSumExp(g.logProbs),
		})
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].logProb > merged[j].logProb })
	if len(merged) > d.numActivePaths {
		merged = merged[:d.numActivePaths]
	}
	return merged, nil
}

// groupAccum accumulates candidates destined to merge into one surviving
// hypothesis: the log-probabilities to log-sum-exp, and the token sequence
// of whichever individual candidate scored highest (the text the merged
// hypothesis reports).
type groupAccum struct {
	logProbs   []float64
	bestTokens []int
	bestLogProb float64
}

// trailingContext returns the last ctxSize tokens of toks, left-padded with
// blank when toks is shorter than ctxSize — the same rolling-window
// convention the greedy decoder uses, so beam merging and greedy agree on
// what "identical context" means.
func trailingContext(toks []int, ctxSize, blank int) []int {
	c := make([]int, ctxSize)
	for i := range c {
		c[i] = blank
	}
	n := len(toks)
	for i := 0; i < ctxSize && i < n; i++ {
		c[ctxSize-1-i] = toks[n-1-i]
	}
	return c
}

func contextKey(c []int) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// logSoftmax converts raw logits into log-probabilities.
func logSoftmax(logits []float32) []float64 {
	lp := make([]float64, len(logits))
	maxV := math.Inf(-1)
	for _, v := range logits {
		if f := float64(v); f > maxV {
			maxV = f
		}
	}
	var sum float64
	for i, v := range logits {
		lp[i] = float64(v) - maxV
		sum += math.Exp(lp[i])
	}
	logSum := math.Log(sum)
	for i := range lp {
		lp[i] -= logSum
	}
	return lp
}
