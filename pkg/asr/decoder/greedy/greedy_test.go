package greedy_test

import (
	"context"
	"testing"

	"github.com/voxstream/streamasr/pkg/asr/decoder/greedy"
	"github.com/voxstream/streamasr/pkg/asr/model/mock"
	"github.com/voxstream/streamasr/pkg/asr/stream"
)

func newStream(t *testing.T) (*stream.State, *greedy.Decoder) {
	t.Helper()
	set := mock.NewSet()
	d := greedy.New(set)
	s := stream.New(set)
	d.InitStream(s)
	return s, d
}

func TestProcessZeroLengthIsNoop(t *testing.T) {
	s, d := newStream(t)
	if err := d.Process(context.Background(), nil, nil); err != nil {
		t.Fatalf("Process with empty batch returned error: %v", err)
	}
	if got := s.CurrentText(); got != "" {
		t.Fatalf("expected no tokens emitted, got %q", got)
	}
}

func TestProcessNeverEmitsBlank(t *testing.T) {
	s, d := newStream(t)
	out := [][][]float32{
		{
			{1, 1, 1, 1, 1, 1, 1, 1},
			{2, 2, 2, 2, 2, 2, 2, 2},
			{3, 3, 3, 3, 3, 3, 3, 3},
			{4, 4, 4, 4, 4, 4, 4, 4},
		},
	}
	if err := d.Process(context.Background(), out, []*stream.State{s}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, id := range s.HypTokens() {
		if id == mock.BlankID {
			t.Fatalf("blank id %d leaked into hyp_tokens %v", mock.BlankID, s.HypTokens())
		}
	}
}

func TestHypTokensGrowAcrossCalls(t *testing.T) {
	s, d := newStream(t)
	frame := [][][]float32{{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2, 2, 2},
	}}
	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process 1: %v", err)
	}
	firstLen := len(s.HypTokens())
	first := append([]int{}, s.HypTokens()...)

	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process 2: %v", err)
	}
	second := s.HypTokens()
	if len(second) < firstLen {
		t.Fatalf("hyp_tokens shrank: first=%v second=%v", first, second)
	}
	for i, id := range first {
		if second[i] != id {
			t.Fatalf("hyp_tokens rewrote entry %d: was %d now %d", i, id, second[i])
		}
	}
}
