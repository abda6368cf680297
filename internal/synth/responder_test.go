package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/nats-io/nats.go"
)

func TestResponderAnswersBusRequests(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	busCfg := config.Default().Bus
	busCfg.Enabled = true
	busCfg.Embedded = true
	busCfg.Port = -1
	busCfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(busCfg, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	svc, _ := newTestService(tts.MockOptions{ChunkBytes: 64})
	responder := NewResponder(context.Background(), svc, conn, logger)
	if err := responder.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	t.Cleanup(responder.Close)
	if !responder.Healthy() {
		t.Fatal("expected responder to be healthy after start")
	}

	ask := func(req protocol.SynthesisRequest) protocol.SynthesisReply {
		t.Helper()
		data, _ := json.Marshal(req)
		msg, err := conn.Request(protocol.SubjectSynthesisRequest, data, 2*time.Second)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		var reply protocol.SynthesisReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return reply
	}

	reply := ask(protocol.SynthesisRequest{RequestID: "bus-1", Text: "over the bus", Voice: "shimmer"})
	if reply.Error != "" {
		t.Fatalf("unexpected error reply %+v", reply)
	}
	if reply.EngineVoice != "en-US-MichelleNeural" || reply.ContentType != ContentType {
		t.Fatalf("unexpected reply metadata %+v", reply)
	}
	if !bytes.Equal(reply.Audio, tts.MockAudio("over the bus", "en-US-MichelleNeural")) {
		t.Fatal("unexpected audio in reply")
	}

	reply = ask(protocol.SynthesisRequest{Text: "   "})
	if reply.Code != "validation_error" || reply.Error != "text required" {
		t.Fatalf("expected validation error reply, got %+v", reply)
	}

	snap := svc.Stats().Snapshot()
	if snap.RequestsTotal != 1 || snap.RequestsSuccessful != 1 {
		t.Fatalf("unexpected stats %+v", snap)
	}
}
