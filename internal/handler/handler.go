// Package handler implements ConnectionHandler: the per-connection state
// machine that drains a [wire.Transport], feeds accepted audio into a
// [stream.State], and submits completed chunks to a [scheduler.Scheduler]
// for batched inference.
//
// The state machine is grounded directly in
// original_source/sherpa/bin/pruned_stateless_emformer_rnnt2/streaming_server.py's
// handle_connection_impl: accept audio until "Done", decode every chunk as
// it becomes ready (pushing a partial transcript after each one), then on
// "Done" flush any trailing partial chunk with padding, send the final
// transcript, and echo "Done" back to the client.
package handler

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxstream/streamasr/internal/observe"
	"github.com/voxstream/streamasr/pkg/asr/decoder"
	"github.com/voxstream/streamasr/pkg/asr/model"
	"github.com/voxstream/streamasr/pkg/asr/scheduler"
	"github.com/voxstream/streamasr/pkg/asr/stream"
	"github.com/voxstream/streamasr/pkg/asr/wire"
)

// ConnectionState is one of the four states a Handler passes through over
// its lifetime, always in order and never revisited.
type ConnectionState int

const (
	// Admitted is the state immediately after construction, before Run has
	// started draining the transport.
	Admitted ConnectionState = iota
	// Streaming is the state while audio frames are still arriving.
	Streaming
	// Flushing is the state after the client's "Done" frame, while any
	// trailing partial chunk is padded and processed.
	Flushing
	// Closed is the terminal state once the final transcript and the
	// server's own "Done" echo have been sent.
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Streaming:
		return "streaming"
	case Flushing:
		return "flushing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler owns one client connection's full lifecycle.
type Handler struct {
	transport wire.Transport
	stream    *stream.State
	dec       decoder.Decoder
	sched     *scheduler.Scheduler
	logger    *slog.Logger

	state ConnectionState
}

// Option configures a Handler during construction.
type Option func(*Handler)

// WithLogger sets the logger a Handler uses for connection lifecycle events.
// Defaults to slog.Default() enriched with the stream ID.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New creates a Handler for a newly admitted connection. set constructs the
// stream's feature extractor and model bindings; dec must have had
// InitStream called on the returned stream before Run is invoked, which New
// does on the caller's behalf.
func New(transport wire.Transport, set *model.Set, dec decoder.Decoder, sched *scheduler.Scheduler, opts ...Option) *Handler {
	s := stream.New(set)
	dec.InitStream(s)

	h := &Handler{
		transport: transport,
		stream:    s,
		dec:       dec,
		sched:     sched,
		state:     Admitted,
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("stream_id", s.ID)
	return h
}

// State reports the handler's current lifecycle state.
func (h *Handler) State() ConnectionState { return h.state }

// StreamID reports the underlying stream's identifier, for callers (such as
// internal/server) that want to tag a connection-scoped trace span or log
// line with it before Run has produced any other output.
func (h *Handler) StreamID() string { return h.stream.ID }

// Run drives the connection to completion: reads frames until "Done",
// submits every ready chunk for batched inference, pushes a partial
// transcript after each one, then flushes any trailing partial chunk,
// sends the final transcript, and echoes "Done" back to the client.
//
// Run returns nil on a clean client-initiated close (the "Done" flow
// completing normally) and a non-nil error for any transport or inference
// failure, in which case the caller is responsible for closing the
// underlying connection — Run does not call transport.Close on an error
// path so the caller can choose the close code.
func (h *Handler) Run(ctx context.Context) error {
	h.state = Streaming
	h.logger.Info("connection streaming")

	for {
		frame, err := h.transport.ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("handler: read frame: %w", err)
		}

		switch frame.Type {
		case wire.FramePCM:
			if err := h.acceptAndDrain(ctx, frame.PCM); err != nil {
				return err
			}
		case wire.FrameDone:
			return h.flush(ctx)
		case wire.FrameControl:
			_ = h.transport.WriteError(ctx, fmt.Sprintf("unrecognized control message: %q", frame.Text))
			return fmt.Errorf("handler: unrecognized control message %q", frame.Text)
		default:
			return fmt.Errorf("handler: unknown frame type %v", frame.Type)
		}
	}
}

// acceptAndDrain appends pcm to the stream and submits every chunk that
// becomes ready, pushing a partial transcript update after each.
func (h *Handler) acceptAndDrain(ctx context.Context, pcm []float32) error {
	if err := h.stream.AcceptWaveform(16000, pcm); err != nil {
		_ = h.transport.WriteError(ctx, err.Error())
		return fmt.Errorf("handler: accept waveform: %w", err)
	}

	for h.stream.ReadyForChunk() {
		if err := h.sched.Submit(ctx, h.stream); err != nil {
			return fmt.Errorf("handler: submit: %w", err)
		}
		observe.AddSpanEvent(ctx, "chunk decoded", trace.WithAttributes(
			attribute.Int("text_length", len(h.stream.CurrentText())),
		))
		if err := h.transport.WriteTranscript(ctx, h.stream.CurrentText(), false); err != nil {
			return fmt.Errorf("handler: write partial transcript: %w", err)
		}
	}
	return nil
}

// flush runs the end-of-input sequence: drain remaining whole chunks, pad
// and process a trailing partial chunk if any features remain, send the
// final transcript, and echo "Done".
func (h *Handler) flush(ctx context.Context) error {
	h.state = Flushing
	h.logger.Info("connection flushing")
	observe.AddSpanEvent(ctx, "flush started")

	h.stream.InputFinished()

	for h.stream.ReadyForChunk() {
		if err := h.sched.Submit(ctx, h.stream); err != nil {
			return fmt.Errorf("handler: submit during flush: %w", err)
		}
	}

	if n := h.stream.NumFeatures(); n > 0 {
		pad := h.stream.ChunkLength() - n
		if err := h.stream.AddTailPadding(pad); err != nil {
			return fmt.Errorf("handler: add tail padding: %w", err)
		}
		if err := h.sched.Submit(ctx, h.stream); err != nil {
			return fmt.Errorf("handler: submit final chunk: %w", err)
		}
	}

	if err := h.transport.WriteTranscript(ctx, h.stream.CurrentText(), true); err != nil {
		return fmt.Errorf("handler: write final transcript: %w", err)
	}
	if err := h.transport.WriteDone(ctx); err != nil {
		return fmt.Errorf("handler: write done: %w", err)
	}

	h.state = Closed
	h.logger.Info("connection closed", "transcript", h.stream.CurrentText())
	return nil
}
