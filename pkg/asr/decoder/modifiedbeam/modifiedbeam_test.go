package modifiedbeam_test

import (
	"context"
	"testing"

	"github.com/voxstream/streamasr/pkg/asr/decoder/modifiedbeam"
	"github.com/voxstream/streamasr/pkg/asr/model/mock"
	"github.com/voxstream/streamasr/pkg/asr/stream"
)

func newStream(t *testing.T, numActivePaths int) (*stream.State, *modifiedbeam.Decoder) {
	t.Helper()
	set := mock.NewSet()
	d, err := modifiedbeam.New(set, numActivePaths)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := stream.New(set)
	d.InitStream(s)
	return s, d
}

func TestNewRejectsInvalidNumActivePaths(t *testing.T) {
	if _, err := modifiedbeam.New(mock.NewSet(), 0); err == nil {
		t.Fatal("expected error for num_active_paths == 0")
	}
}

func TestProcessZeroLengthIsNoop(t *testing.T) {
	s, d := newStream(t, 4)
	if err := d.Process(context.Background(), nil, nil); err != nil {
		t.Fatalf("Process with empty batch returned error: %v", err)
	}
	if got := s.CurrentText(); got != "" {
		t.Fatalf("expected no tokens emitted, got %q", got)
	}
}

func TestProcessNeverEmitsBlank(t *testing.T) {
	s, d := newStream(t, 4)
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

func TestHypTokensMirroredAfterEachBatch(t *testing.T) {
	s, d := newStream(t, 4)
	frame := [][][]float32{{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2, 2, 2},
	}}
	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process 1: %v", err)
	}
	first := s.CurrentText()

	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process 2: %v", err)
	}
	second := s.CurrentText()
	if second == "" && first != "" {
		t.Fatalf("second batch lost the best hypothesis entirely: first=%q second=%q", first, second)
	}
}

func TestSingleActivePathMatchesGreedyShape(t *testing.T) {
	s, d := newStream(t, 1)
	frame := [][][]float32{{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2, 2, 2},
		{3, 3, 3, 3, 3, 3, 3, 3},
	}}
	if err := d.Process(context.Background(), frame, []*stream.State{s}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// With exactly one surviving path, CurrentText must still be well formed
	// (space-joined mock tokens, never containing the blank token's text).
	if got := s.CurrentText(); len(got) > 0 && got[0] == ' ' {
		t.Fatalf("CurrentText() has leading space: %q", got)
	}
}
