package accounting

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type clock func() time.Time

// Snapshot is a point-in-time copy of the request counters.
type Snapshot struct {
	RequestsTotal      int64     `json:"requests_total"`
	RequestsSuccessful int64     `json:"requests_successful"`
	RequestsFailed     int64     `json:"requests_failed"`
	StartTime          time.Time `json:"start_time"`
}

// Stats counts synthesis requests for the lifetime of the process. Every
// counted request ends in exactly one of Succeed or Fail.
type Stats struct {
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	start     time.Time
	now       clock
}

type Option func(*Stats)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Stats) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Stats {
	s := &Stats{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.start = s.now().UTC()
	return s
}

// Begin records a request that passed validation.
func (s *Stats) Begin() { s.total.Add(1) }

func (s *Stats) Succeed() { s.succeeded.Add(1) }

func (s *Stats) Fail() { s.failed.Add(1) }

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RequestsTotal:      s.total.Load(),
		RequestsSuccessful: s.succeeded.Load(),
		RequestsFailed:     s.failed.Load(),
		StartTime:          s.start,
	}
}

// Uptime is the elapsed time since the counters were created.
func (s *Stats) Uptime() time.Duration {
	return s.now().Sub(s.start)
}

// RegisterMetrics exposes the counters as observable OTel counters on the
// global meter provider.
func (s *Stats) RegisterMetrics(service string) error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/accounting")
	requests, err := meter.Int64ObservableCounter("loqa.tts.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return err
	}
	uptime, err := meter.Float64ObservableGauge("loqa.tts.uptime",
		metric.WithDescription("Seconds since the gateway started"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	svc := attribute.String("service", service)
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		snap := s.Snapshot()
		obs.ObserveInt64(requests, snap.RequestsTotal, metric.WithAttributes(svc, attribute.String("outcome", "total")))
		obs.ObserveInt64(requests, snap.RequestsSuccessful, metric.WithAttributes(svc, attribute.String("outcome", "success")))
		obs.ObserveInt64(requests, snap.RequestsFailed, metric.WithAttributes(svc, attribute.String("outcome", "failure")))
		obs.ObserveFloat64(uptime, s.Uptime().Seconds(), metric.WithAttributes(svc))
		return nil
	}, requests, uptime)
	return err
}
