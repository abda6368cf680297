package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/accounting"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/presence"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"golang.org/x/sync/errgroup"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	engine      tts.Engine
	httpServer  *http.Server
	metrics     *http.Server
	tracerClose func(context.Context) error
	busClient   *bus.Client
	responder   *synth.Responder
	directory   *presence.Directory
	ready       atomic.Bool
	addr        atomic.Value
}

type Option func(*Runtime)

// WithEngine replaces the engine built from configuration.
func WithEngine(engine tts.Engine) Option {
	return func(r *Runtime) { r.engine = engine }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Addr returns the bound listen address once the runtime is serving.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && (!r.busClient.Healthy() || !r.responder.Healthy()) {
		return false
	}
	return true
}

// Start runs the gateway until ctx is cancelled. It returns an error wrapping
// tts.ErrEngineUnavailable, without binding any listener, when the engine
// fails its self-test.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	stats := accounting.New()
	if err := stats.RegisterMetrics(r.cfg.ServiceName); err != nil {
		r.logger.Warn("failed to register request metrics", slogError(err))
	}

	if r.engine == nil {
		engine, err := tts.New(r.cfg.Engine, r.logger)
		if err != nil {
			return err
		}
		r.engine = engine
	}

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer journal.Close()

	recorders := []synth.OutcomeRecorder{journal}
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()

		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		r.busClient, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		defer r.busClient.Close()
		if err := r.busClient.EnsureEventStream(time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour); err != nil {
			r.logger.Warn("failed to ensure outcome stream", slogError(err))
		}
		recorders = append(recorders, r.busClient)
	}

	svc := synth.New(synth.Options{
		Engine:      r.engine,
		Stats:       stats,
		EngineLabel: r.cfg.Engine.Label,
		Timeout:     time.Duration(r.cfg.Engine.TimeoutMS) * time.Millisecond,
		Recorders:   recorders,
		Logger:      r.logger,
	})

	selfTestCtx, cancelSelfTest := context.WithTimeout(ctx, time.Duration(r.cfg.Engine.SelfTestTimeoutMS)*time.Millisecond)
	err = svc.SelfTest(selfTestCtx, r.cfg.Engine.SelfTestText)
	cancelSelfTest()
	if err != nil {
		return fmt.Errorf("engine self-test failed: %w", err)
	}

	if r.busClient != nil {
		r.responder = synth.NewResponder(ctx, svc, r.busClient.Conn(), r.logger)
		if err := r.responder.Start(); err != nil {
			return fmt.Errorf("start bus responder: %w", err)
		}
		defer r.responder.Close()

		r.directory = presence.New(r.cfg.Bus, presence.Local{
			Service: r.cfg.ServiceName,
			Engine:  r.cfg.Engine.Label,
			Voices:  voiceIDs(),
		}, r.busClient.Conn(), r.logger)
		if err := r.directory.Start(ctx); err != nil {
			return fmt.Errorf("start gateway presence: %w", err)
		}
		defer r.directory.Close()
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())

	gateway := newAPI(r.cfg, svc, journal, r.Ready, r.logger)
	gateway.directory = r.directory
	r.httpServer = &http.Server{
		Handler:           gateway.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metrics = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := r.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics server failed", slogError(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		journal.RunRetention(gctx, retentionInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(r.cfg.HTTP.ShutdownTimeoutMS)*time.Millisecond)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		if r.metrics != nil {
			if err := r.metrics.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("service", r.cfg.ServiceName),
		slog.String("engine", r.cfg.Engine.Label))

	return g.Wait()
}

func voiceIDs() []string {
	voices := voice.List()
	ids := make([]string, 0, len(voices))
	for _, v := range voices {
		ids = append(ids, v.ID)
	}
	return ids
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}
