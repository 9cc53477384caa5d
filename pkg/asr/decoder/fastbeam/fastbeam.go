// Package fastbeam implements fast beam search decoding: a bounded
// decoding graph of active (context, log-prob) states per stream, pruned by
// a beam width relative to the best score and capped by both a total-state
// budget and a distinct-context budget.
package fastbeam

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

// arc is one state in the decoding graph: a token history and its
// accumulated log-probability.
type arc struct {
	tokens  []int
	logProb float64
}

// state is the per-stream fast-beam decoder state: the graph's currently
// active arcs, already merged down to at most maxContexts distinct
// histories.
type state struct {
	arcs []arc
}

// Decoder implements [decoder.Decoder] using fast beam search.
type Decoder struct {
	set         *model.Set
	maxStates   int
	maxContexts int
	beam        float64
}

// New returns a fast-beam Decoder bound to set.
//
// maxStates bounds how many expanded candidate arcs survive beam pruning
// before context merging; maxContexts bounds how many distinct merged
// histories survive after merging. beam is the log-probability margin below
// the best candidate's score outside of which an arc is discarded
// regardless of the state/context budgets.
func New(set *model.Set, maxStates, maxContexts int, beam float64) (*Decoder, error) {
	if maxStates < 1 {
		return nil, fmt.Errorf("fastbeam: max_states must be >= 1, got %d", maxStates)
	}
	if maxContexts < 1 {
		return nil, fmt.Errorf("fastbeam: max_contexts must be >= 1, got %d", maxContexts)
	}
	if beam <= 0 {
		return nil, fmt.Errorf("fastbeam: beam must be > 0, got %f", beam)
	}
	return &Decoder{set: set, maxStates: maxStates, maxContexts: maxContexts, beam: beam}, nil
}

// InitStream seeds s's decoding graph with a single empty-history root arc.
func (d *Decoder) InitStream(s *stream.State) {
	s.SetDecoderState(&state{arcs: []arc{{}}})
}

// CurrentText returns the detokenized best-complete-path, which Process
// mirrors into s's hyp_tokens after each batch.
func (d *Decoder) CurrentText(s *stream.State) string {
	return s.CurrentText()
}

// Process advances the decoding graph for every stream in the batch, one
// encoder frame at a time, and mirrors each stream's best complete path
// into hyp_tokens at the end.
func (d *Decoder) Process(ctx context.Context, encoderOut [][][]float32, streams []*stream.State) error {
	if len(encoderOut) != len(streams) {
		return fmt.Errorf("fastbeam: encoderOut/streams length mismatch: %d vs %d", len(encoderOut), len(streams))
	}
	blank := d.set.BlankID()
	ctxSize := d.set.ContextSize()

	for i, s := range streams {
		st, ok := s.DecoderState().(*state)
		if !ok {
			return fmt.Errorf("fastbeam: stream %s has no initialized decoder state", s.ID)
		}

		for _, frame := range encoderOut[i] {
			next, err := d.stepFrame(ctx, frame, st.arcs, ctxSize, blank)
			if err != nil {
				return err
			}
			st.arcs = next
		}

		if len(st.arcs) == 0 {
			continue
		}
		best := st.arcs[0]
		for _, a := range st.arcs[1:] {
			if a.logProb > best.logProb {
				best = a
			}
		}
		s.SetHypTokens(append([]int{}, best.tokens...))
	}
	return nil
}

// stepFrame expands the graph's arcs over the joiner's full vocabulary for
// one frame, prunes by beam width, caps the raw expansion to maxStates,
// merges by trailing context, and finally caps the merged contexts to
// maxContexts.
func (d *Decoder) stepFrame(ctx context.Context, frame []float32, arcs []arc, ctxSize, blank int) ([]arc, error) {
	keyOf := make([]string, len(arcs))
	uniqueContexts := make(map[string][]int)
	for i, a := range arcs {
		c := trailingContext(a.tokens, ctxSize, blank)
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
		return nil, fmt.Errorf("fastbeam: predictor forward: %w", err)
	}
	predByKey := make(map[string][]float32, len(keys))
	for i, k := range keys {
		predByKey[k] = predOuts[i]
	}

	type candidate struct {
		tokens  []int
		logProb float64
	}
	var candidates []candidate
	bestRaw := math.Inf(-1)

	for i, a := range arcs {
		logits, err := d.set.Joiner.Forward(ctx, frame, predByKey[keyOf[i]])
		if err != nil {
			return nil, fmt.Errorf("fastbeam: joiner forward: %w", err)
		}
		logProbs := logSoftmax(logits)

		for v, lp := range logProbs {
			newLogProb := a.logProb + lp
			if newLogProb > bestRaw {
				bestRaw = newLogProb
			}
			var newTokens []int
			if v == blank {
				newTokens = a.tokens
			} else {
				newTokens = append(append([]int{}, a.tokens...), v)
			}
			candidates = append(candidates, candidate{tokens: newTokens, logProb: newLogProb})
		}
	}

	// Beam prune: discard any arc too far below the best raw score.
	threshold := bestRaw - d.beam
	pruned := candidates[:0]
	for _, c := range candidates {
		if c.logProb >= threshold {
			pruned = append(pruned, c)
		}
	}

	sort.Slice(pruned, func(i, j int) bool { return pruned[i].logProb > pruned[j].logProb })
	if len(pruned) > d.maxStates {
		pruned = pruned[:d.maxStates]
	}

	groups := make(map[string]*groupAccum)
	var order []string
	for _, c := range pruned {
		gk := contextKey(trailingContext(c.tokens, ctxSize, blank))
		g, ok := groups[gk]
		if !ok {
			g = &groupAccum{}
			groups[gk] = g
			order = append(order, gk)
		}
		if c.logProb > g.bestLogProb || g.bestTokens == nil {
			g.bestLogProb = c.logProb
			g.bestTokens = c.tokens
		}
		g.logProbs = append(g.logProbs, c.logProb)
	}

	merged := make([]arc, 0, len(order))
	for _, k := range order {
		g := groups[k]
		merged = append(merged, arc{tokens: g.bestTokens, logProb: floats.LogSumExp(g.logProbs)})
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].logProb > merged[j].logProb })
	if len(merged) > d.maxContexts {
		merged = merged[:d.maxContexts]
	}
	return merged, nil
}

type groupAccum struct {
	logProbs    []float64
	bestTokens  []int
	bestLogProb float64
}

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
