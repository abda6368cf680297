package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startServer(t *testing.T) (config.BusConfig, string) {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	cfg.HeartbeatIntervalMS = 20
	cfg.HeartbeatTimeoutMS = 200

	srv, err := natsserver.Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return cfg, srv.ClientURL()
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func newDirectory(t *testing.T, cfg config.BusConfig, id string, url string, voices ...string) *Directory {
	t.Helper()
	cfg.GatewayID = id
	d := New(cfg, Local{Service: "edge-tts", Engine: "mock", Voices: voices}, connect(t, url), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(d.Close)
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewaysDiscoverEachOther(t *testing.T) {
	cfg, url := startServer(t)
	first := newDirectory(t, cfg, "gw-a", url, "alloy", "echo")
	second := newDirectory(t, cfg, "gw-b", url, "alloy")

	waitFor(t, func() bool { return len(first.Gateways()) == 2 && len(second.Gateways()) == 2 })

	gateways := first.Gateways()
	if gateways[0].ID != "gw-a" || gateways[1].ID != "gw-b" {
		t.Fatalf("unexpected gateways %+v", gateways)
	}
	if got := second.WithVoice("alloy"); len(got) != 2 {
		t.Fatalf("expected both gateways to serve alloy, got %+v", got)
	}
	if got := second.WithVoice("echo"); len(got) != 1 || got[0].ID != "gw-a" {
		t.Fatalf("expected only gw-a to serve echo, got %+v", got)
	}
}

func TestSilentGatewayExpires(t *testing.T) {
	cfg, url := startServer(t)
	d := newDirectory(t, cfg, "gw-a", url, "alloy")

	ann := protocol.GatewayAnnouncement{GatewayID: "gw-ghost", Service: "edge-tts", Voices: []string{"alloy"}, Timestamp: time.Now().UTC()}
	payload, _ := json.Marshal(ann)
	peer := connect(t, url)
	if err := peer.Publish(protocol.SubjectGatewayAnnounce, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	peer.Flush()
	waitFor(t, func() bool { return len(d.WithVoice("alloy")) == 2 })

	waitFor(t, func() bool { return len(d.WithVoice("alloy")) == 1 })
	for _, gw := range d.Gateways() {
		if gw.ID == "gw-ghost" && gw.Healthy {
			t.Fatal("expected ghost gateway to be unhealthy")
		}
		if gw.ID == "gw-a" && !gw.Healthy {
			t.Fatal("local gateway must stay healthy")
		}
	}
}

func TestInvalidMessagesAreIgnored(t *testing.T) {
	cfg, url := startServer(t)
	d := newDirectory(t, cfg, "gw-a", url, "alloy")

	peer := connect(t, url)
	_ = peer.Publish(protocol.SubjectGatewayAnnounce, []byte("{not json"))
	_ = peer.Publish(protocol.HeartbeatSubject("gw-x"), []byte(`{"timestamp":"2026-01-01T00:00:00Z"}`))
	peer.Flush()
	time.Sleep(50 * time.Millisecond)

	if got := d.Gateways(); len(got) != 1 || got[0].ID != "gw-a" {
		t.Fatalf("expected only the local gateway, got %+v", got)
	}
}
