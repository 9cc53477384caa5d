// Package wire implements the server side of the per-connection message
// transport: a bidirectional framed channel over a WebSocket connection.
//
// Framing is transport-level, not content-sniffed: a binary message is
// always a little-endian float32 PCM chunk, and a text message is always a
// control frame ("Done" to signal end of input, anything else reported back
// to the caller as an out-of-band control message). This mirrors how
// pkg/provider/stt/deepgram distinguishes its audio and JSON-event channels
// by coder/websocket message type rather than inspecting payload bytes.
package wire

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/coder/websocket"
)

// FrameType tags the kind of frame ReadFrame returned.
type FrameType int

const (
	// FramePCM carries a chunk of little-endian float32 PCM samples.
	FramePCM FrameType = iota
	// FrameDone signals the client has finished sending audio.
	FrameDone
	// FrameControl carries a control message other than "Done" — reserved
	// for future use; current callers treat it as an error.
	FrameControl
)

// Frame is one message read from a Transport.
type Frame struct {
	Type FrameType
	PCM  []float32
	Text string
}

// doneControlMessage is the exact text frame payload that signals end of
// input.
const doneControlMessage = "Done"

// Transport is the per-connection framed channel [internal/handler] talks
// to. The interface exists so handler tests can substitute an in-memory fake
// instead of a real WebSocket.
type Transport interface {
	// ReadFrame blocks for the next frame. Returns an error (possibly
	// wrapping context.Canceled or a websocket.CloseError) when the
	// connection ends.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteTranscript sends the current transcript to the client as a raw
	// UTF-8 text frame, exactly as the wire protocol requires — no envelope,
	// no framing metadata. final is not transmitted: it is purely a hint
	// for callers (logging, tracing) that this is the terminal transcript
	// for the connection, since the caller already tracks that via its own
	// connection state and immediately follows a final transcript with
	// WriteDone.
	WriteTranscript(ctx context.Context, text string, final bool) error

	// WriteError sends an error control message to the client.
	WriteError(ctx context.Context, msg string) error

	// WriteDone sends the server's own "Done" control message, the
	// symmetric counterpart to the client's end-of-input sentinel,
	// confirming the final transcript has been sent.
	WriteDone(ctx context.Context) error

	// Close terminates the underlying connection with the given WebSocket
	// close code and human-readable reason.
	Close(code int, reason string) error
}

// errorMessage is the JSON payload WriteError sends.
type errorMessage struct {
	Error string `json:"error"`
}

// WebSocketTransport implements [Transport] over a coder/websocket
// connection.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// Compile-time interface assertion.
var _ Transport = (*WebSocketTransport)(nil)

// Accept upgrades an incoming HTTP request to a WebSocket connection and
// returns the resulting Transport. maxMessageSize bounds the size of any
// single frame the client may send; a larger frame causes Read to fail and
// the connection to close.
func Accept(w http.ResponseWriter, r *http.Request, maxMessageSize int64) (*WebSocketTransport, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: accept: %w", err)
	}
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	return &WebSocketTransport{conn: conn}, nil
}

// ReadFrame reads one WebSocket message and classifies it by message type.
func (t *WebSocketTransport) ReadFrame(ctx context.Context) (Frame, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: read: %w", err)
	}

	switch typ {
	case websocket.MessageBinary:
		pcm, err := decodePCM(data)
		if err != nil {
			return Frame{}, fmt.Errorf("wire: decode pcm frame: %w", err)
		}
		return Frame{Type: FramePCM, PCM: pcm}, nil
	case websocket.MessageText:
		text := string(data)
		if text == doneControlMessage {
			return Frame{Type: FrameDone}, nil
		}
		return Frame{Type: FrameControl, Text: text}, nil
	default:
		return Frame{}, fmt.Errorf("wire: unexpected message type %v", typ)
	}
}

// WriteTranscript sends text as a raw UTF-8 text frame, the wire protocol's
// literal contract for a server-to-client frame. final is not part of the
// wire payload — see the [Transport] interface doc.
func (t *WebSocketTransport) WriteTranscript(ctx context.Context, text string, final bool) error {
	if err := t.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("wire: write transcript: %w", err)
	}
	return nil
}

// WriteError sends a JSON error message as a text message.
func (t *WebSocketTransport) WriteError(ctx context.Context, msg string) error {
	body, err := json.Marshal(errorMessage{Error: msg})
	if err != nil {
		return fmt.Errorf("wire: marshal error: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, body); err != nil {
		return fmt.Errorf("wire: write error: %w", err)
	}
	return nil
}

// WriteDone sends the literal "Done" control text, mirroring the client's
// own end-of-input sentinel back to confirm the final transcript was sent.
func (t *WebSocketTransport) WriteDone(ctx context.Context) error {
	if err := t.conn.Write(ctx, websocket.MessageText, []byte(doneControlMessage)); err != nil {
		return fmt.Errorf("wire: write done: %w", err)
	}
	return nil
}

// Close closes the underlying WebSocket connection.
func (t *WebSocketTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// decodePCM interprets data as a sequence of little-endian float32 samples.
func decodePCM(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("pcm frame length %d is not a multiple of 4", len(data))
	}
	n := len(data) / 4
	pcm := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		pcm[i] = math.Float32frombits(bits)
	}
	return pcm, nil
}
