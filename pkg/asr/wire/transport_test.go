package wire

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestDecodePCMRoundTrip(t *testing.T) {
	want := []float32{0, 1.5, -3.25, math.MaxFloat32}
	raw := make([]byte, 4*len(want))
	for i, v := range want {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}

	got, err := decodePCM(raw)
	if err != nil {
		t.Fatalf("decodePCM: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("decodePCM returned %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodePCMRejectsPartialSample(t *testing.T) {
	if _, err := decodePCM([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a length not a multiple of 4")
	}
}

func TestAcceptClassifiesFramesByMessageType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport, err := Accept(w, r, 1<<20)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer transport.Close(int(websocket.StatusNormalClosure), "done")

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		pcmFrame, err := transport.ReadFrame(ctx)
		if err != nil {
			t.Errorf("ReadFrame (pcm): %v", err)
			return
		}
		if pcmFrame.Type != FramePCM || len(pcmFrame.PCM) != 2 {
			t.Errorf("expected a 2-sample PCM frame, got %+v", pcmFrame)
		}

		doneFrame, err := transport.ReadFrame(ctx)
		if err != nil {
			t.Errorf("ReadFrame (done): %v", err)
			return
		}
		if doneFrame.Type != FrameDone {
			t.Errorf("expected FrameDone, got %+v", doneFrame)
		}

		if err := transport.WriteTranscript(ctx, "hello", true); err != nil {
			t.Errorf("WriteTranscript: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	raw := make([]byte, 8)
	bits0 := math.Float32bits(1.0)
	bits1 := math.Float32bits(-2.0)
	for i, bits := range []uint32{bits0, bits1} {
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("Done")); err != nil {
		t.Fatalf("write done: %v", err)
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text transcript message, got %v", typ)
	}
	if want := "hello"; string(data) != want {
		t.Fatalf("transcript payload = %s, want %s (raw text, no JSON envelope)", data, want)
	}
}
