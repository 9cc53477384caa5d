package fastbeam_test

import (
	"context"
	"testing"

	"github.com/voxstream/streamasr/pkg/asr/decoder/fastbeam"
	"github.com/voxstream/streamasr/pkg/asr/model/mock"
	"github.com/voxstream/streamasr/pkg/asr/stream"
)

func newStream(t *testing.T, maxStates, maxContexts int, beam float64) (*stream.State, *fastbeam.Decoder) {
	t.Helper()
	set := mock.NewSet()
	d, err := fastbeam.New(set, maxStates, maxContexts, beam)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := stream.New(set)
	d.InitStream(s)
	return s, d
}

func TestNewRejectsInvalidParams(t *testing.T) {
	set := mock.NewSet()
	if _, err := fastbeam.New(set, 0, 4, 8); err == nil {
		t.Fatal("expected error for max_states == 0")
	}
	if _, err := fastbeam.New(set, 4, 0, 8); err == nil {
		t.Fatal("expected error for max_contexts == 0")
	}
	if _, err := fastbeam.New(set, 4, 4, 0); err == nil {
		t.Fatal("expected error for beam <= 0")
	}
}

func TestProcessZeroLengthIsNoop(t *testing.T) {
	s, d := newStream(t, 16, 4, 8)
	if err := d.Process(context.Background(), nil, nil); err != nil {
		t.Fatalf("Process with empty batch returned error: %v", err)
	}
	if got := s.CurrentText(); got != "" {
		t.Fatalf("expected no tokens emitted, got %q", got)
	}
}

func TestProcessNeverEmitsBlank(t *testing.T) {
	s, d := newStream(t, 16, 4, 8)
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

func TestMaxContextsBoundsSurvivingPaths(t *testing.T) {
	s, d := newStream(t, 64, 1, 1000)
	frame := [][][]float32{{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2, 2, 2},
		{3, 3, 3, 3, 3, 3, 3, 3},
	}}
	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// max_contexts == 1 must still yield a well-formed single best path.
	if got := s.CurrentText(); len(got) > 0 && got[0] == ' ' {
		t.Fatalf("CurrentText() has leading space: %q", got)
	}
}

func TestHypTokensMirroredAfterEachBatch(t *testing.T) {
	s, d := newStream(t, 32, 4, 8)
	frame := [][][]float32{{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2, 2, 2},
	}}
	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process 1: %v", err)
	}
	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process 2: %v", err)
	}
}
