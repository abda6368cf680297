package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Gateway is the last known state of one gateway on the bus, this one
// included.
type Gateway struct {
	ID       string    `json:"id"`
	Service  string    `json:"service"`
	Engine   string    `json:"engine"`
	Voices   []string  `json:"voices"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Local describes the gateway this process advertises.
type Local struct {
	Service string
	Engine  string
	Voices  []string
}

// Directory announces the local gateway on the bus and tracks its peers from
// their announcements and heartbeats.
type Directory struct {
	cfg   config.BusConfig
	local Local
	conn  *nats.Conn
	log   *slog.Logger
	clock func() time.Time

	mu       sync.RWMutex
	gateways map[string]*Gateway

	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.BusConfig, local Local, conn *nats.Conn, log *slog.Logger) *Directory {
	return &Directory{
		cfg:      cfg,
		local:    local,
		conn:     conn,
		log:      log.With(slog.String("component", "presence")),
		clock:    time.Now,
		gateways: make(map[string]*Gateway),
	}
}

// Start subscribes to peer traffic, announces the local gateway and begins
// heartbeating until ctx is cancelled or Close is called.
func (d *Directory) Start(ctx context.Context) error {
	announceSub, err := d.conn.Subscribe(protocol.SubjectGatewayAnnounce, d.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	d.subs = append(d.subs, announceSub)

	heartbeatSub, err := d.conn.Subscribe(protocol.SubjectGatewayHeartbeat+".*", d.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	d.subs = append(d.subs, heartbeatSub)

	if err := d.announce(); err != nil {
		d.log.Warn("failed to announce gateway", slog.String("error", err.Error()))
	}

	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize presence metrics", slog.String("error", err.Error()))
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

func (d *Directory) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	for _, sub := range d.subs {
		_ = sub.Drain()
	}
	d.subs = nil
}

func (d *Directory) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Duration(d.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.heartbeat(); err != nil {
				d.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			d.expire()
		}
	}
}

func (d *Directory) announce() error {
	msg := protocol.GatewayAnnouncement{
		GatewayID: d.cfg.GatewayID,
		Service:   d.local.Service,
		Engine:    d.local.Engine,
		Voices:    d.local.Voices,
		Timestamp: d.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	d.observeAnnouncement(msg)
	return d.conn.Publish(protocol.SubjectGatewayAnnounce, payload)
}

func (d *Directory) heartbeat() error {
	msg := protocol.GatewayHeartbeat{GatewayID: d.cfg.GatewayID, Timestamp: d.clock().UTC()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return d.conn.Publish(protocol.HeartbeatSubject(d.cfg.GatewayID), payload)
}

func (d *Directory) handleAnnounce(msg *nats.Msg) {
	var ann protocol.GatewayAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil || ann.GatewayID == "" {
		d.log.Warn("invalid gateway announcement", slog.String("subject", msg.Subject))
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = d.clock().UTC()
	}
	isNew := ann.GatewayID != d.cfg.GatewayID && !d.known(ann.GatewayID)
	d.observeAnnouncement(ann)
	// A new peer learns about us from our reply to its announcement.
	if isNew {
		if err := d.announce(); err != nil {
			d.log.Warn("failed to re-announce gateway", slog.String("error", err.Error()))
		}
	}
}

func (d *Directory) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.GatewayHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.GatewayID == "" {
		d.log.Warn("invalid gateway heartbeat", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = d.clock().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	gw, ok := d.gateways[hb.GatewayID]
	if !ok {
		gw = &Gateway{ID: hb.GatewayID}
		d.gateways[hb.GatewayID] = gw
	}
	gw.LastSeen = hb.Timestamp
	gw.Healthy = true
}

func (d *Directory) observeAnnouncement(ann protocol.GatewayAnnouncement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gw, ok := d.gateways[ann.GatewayID]
	if !ok {
		gw = &Gateway{ID: ann.GatewayID}
		d.gateways[ann.GatewayID] = gw
	}
	gw.Service = ann.Service
	gw.Engine = ann.Engine
	gw.Voices = append([]string(nil), ann.Voices...)
	gw.LastSeen = ann.Timestamp
	gw.Healthy = true
}

// known reports whether id has announced itself, as opposed to only having
// been seen heartbeating.
func (d *Directory) known(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gw, ok := d.gateways[id]
	return ok && gw.Service != ""
}

func (d *Directory) expire() {
	timeout := time.Duration(d.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, gw := range d.gateways {
		if id == d.cfg.GatewayID {
			gw.LastSeen = now.UTC()
			gw.Healthy = true
			continue
		}
		if now.Sub(gw.LastSeen) > timeout {
			gw.Healthy = false
		}
	}
}

// Gateways returns every known gateway sorted by id.
func (d *Directory) Gateways() []Gateway {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Gateway, 0, len(d.gateways))
	for _, gw := range d.gateways {
		cp := *gw
		cp.Voices = append([]string(nil), gw.Voices...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithVoice returns the healthy gateways that serve the given voice id.
func (d *Directory) WithVoice(id string) []Gateway {
	var out []Gateway
	for _, gw := range d.Gateways() {
		if !gw.Healthy {
			continue
		}
		for _, v := range gw.Voices {
			if v == id {
				out = append(out, gw)
				break
			}
		}
	}
	return out
}

func (d *Directory) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/presence")
	gauge, err := meter.Int64ObservableGauge("loqa.tts.gateways", metric.WithDescription("Healthy gateways seen on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, gw := range d.Gateways() {
			if gw.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
