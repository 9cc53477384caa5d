// Package decoder defines the shared [Decoder] interface implemented by the
// three streaming transducer decoding strategies: greedy
// (pkg/asr/decoder/greedy), modified beam search
// (pkg/asr/decoder/modifiedbeam), and fast beam search
// (pkg/asr/decoder/fastbeam).
//
// A Decoder is a tagged variant, not a hot-path interface: the scheduler
// dispatches through it once per batch (InitStream at stream admission,
// Process once per batch), never once per encoder frame, so the interface
// call overhead never lands inside the inner per-frame decoding loop — see
// spec §9 "Per-decoder state polymorphism".
package decoder

import (
	"context"

	"github.com/voxstream/streamasr/pkg/asr/stream"
)

// Decoder advances token hypotheses for a batch of streams given the
// encoder output produced for that batch. Implementations must be safe to
// call from a single goroutine at a time per batch (the scheduler never
// calls Process concurrently for overlapping stream sets, so implementations
// need not synchronize internally).
type Decoder interface {
	// InitStream prepares s's variant-specific decoder state for a freshly
	// admitted connection. Must be called exactly once per stream before any
	// Process call that includes it.
	InitStream(s *stream.State)

	// Process advances every stream's hypothesis using the encoder output
	// produced for this batch. encoderOut[i] holds SegmentLength frames of
	// width HiddenDim for streams[i], in the same order. Implementations
	// must guarantee: the blank token ID never appears in a stream's
	// hyp_tokens, hyp_tokens only grows (never rewrites a prior entry), and
	// zero-length encoderOut is a no-op.
	Process(ctx context.Context, encoderOut [][][]float32, streams []*stream.State) error

	// CurrentText returns s's current best-hypothesis transcript. For
	// greedy this is simply the detokenized hyp_tokens; for the beam
	// variants it is the detokenized best-scoring path, which Process keeps
	// mirrored into s's hyp_tokens at the end of each batch.
	CurrentText(s *stream.State) string
}
