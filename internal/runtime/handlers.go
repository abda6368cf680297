package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-tts/internal/accounting"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/presence"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	codeInvalidRequest    = "invalid_request"
	codeValidation        = "validation_error"
	codeTooLarge          = "request_too_large"
	codeRateLimited       = "rate_limited"
	codeSynthesisFailed   = "synthesis_failed"
	codeEngineUnavailable = "engine_unavailable"
	codeInternal          = "internal_error"
	codeNotFound          = "not_found"
	codeMethodNotAllowed  = "method_not_allowed"
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
	Format   string `json:"format"`
}

type healthResponse struct {
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Uptime    float64             `json:"uptime"`
	Stats     accounting.Snapshot `json:"stats"`
	Service   string              `json:"service"`
	Engine    string              `json:"engine"`
}

type statsResponse struct {
	Stats   accounting.Snapshot `json:"stats"`
	Uptime  float64             `json:"uptime"`
	Service string              `json:"service"`
	Engine  string              `json:"engine"`
}

type voicesResponse struct {
	Voices []voice.Voice `json:"voices"`
}

type gatewaysResponse struct {
	Gateways []presence.Gateway `json:"gateways"`
}

type eventsResponse struct {
	Persistent bool                      `json:"persistent"`
	Events     []protocol.SynthesisEvent `json:"events"`
}

// api serves the public gateway routes.
type api struct {
	cfg       config.Config
	svc       *synth.Service
	stats     *accounting.Stats
	journal   *eventstore.Store
	directory *presence.Directory
	limiter   *rate.Limiter
	ready     func() bool
	log       *slog.Logger
}

func newAPI(cfg config.Config, svc *synth.Service, journal *eventstore.Store, ready func() bool, logger *slog.Logger) *api {
	a := &api{
		cfg:     cfg,
		svc:     svc,
		stats:   svc.Stats(),
		journal: journal,
		ready:   ready,
		log:     logger.With(slog.String("component", "http")),
	}
	if cfg.HTTP.RateLimitRPS > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.HTTP.RateLimitRPS), cfg.HTTP.RateLimitBurst)
	}
	if a.ready == nil {
		a.ready = func() bool { return true }
	}
	return a
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.only(http.MethodGet, a.handleHealth))
	mux.HandleFunc("/healthz", a.only(http.MethodGet, a.handleLiveness))
	mux.HandleFunc("/readyz", a.only(http.MethodGet, a.handleReady))
	mux.Handle("/v1/synthesize", withRateLimit(a.limiter, a.only(http.MethodPost, a.handleSynthesize)))
	mux.Handle("/v1/synthesize/stream", withRateLimit(a.limiter, a.only(http.MethodPost, a.handleStream)))
	mux.HandleFunc("/v1/voices", a.only(http.MethodGet, a.handleVoices))
	mux.HandleFunc("/v1/stats", a.only(http.MethodGet, a.handleStats))
	mux.HandleFunc("/v1/events", a.only(http.MethodGet, a.handleEvents))
	mux.HandleFunc("/v1/gateways", a.only(http.MethodGet, a.handleGateways))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "no route for "+r.URL.Path)
	})

	var handler http.Handler = a.withEngineHeaders(mux)
	handler = withCORS(handler)
	handler = withLogging(a.log, handler)
	handler = withRequestID(handler)
	handler = a.withRecover(handler)
	return otelhttp.NewHandler(handler, a.cfg.ServiceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func (a *api) only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, r.Method+" not allowed")
			return
		}
		h(w, r)
	}
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    a.stats.Uptime().Seconds(),
		Stats:     a.stats.Snapshot(),
		Service:   a.cfg.ServiceName,
		Engine:    a.svc.EngineLabel(),
	})
}

func (a *api) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, voicesResponse{Voices: voice.List()})
}

func (a *api) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:   a.stats.Snapshot(),
		Uptime:  a.stats.Uptime().Seconds(),
		Service: a.cfg.ServiceName,
		Engine:  a.svc.EngineLabel(),
	})
}

// handleGateways lists the gateways seen on the bus. It is empty when the bus
// is disabled.
func (a *api) handleGateways(w http.ResponseWriter, _ *http.Request) {
	resp := gatewaysResponse{Gateways: []presence.Gateway{}}
	if a.directory != nil {
		resp.Gateways = a.directory.Gateways()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}
	resp := eventsResponse{Events: []protocol.SynthesisEvent{}}
	if a.journal != nil && a.journal.Enabled() {
		resp.Persistent = true
		events, err := a.journal.Recent(r.Context(), limit)
		if err != nil {
			a.log.Error("failed to list synthesis events", slogError(err))
			writeError(w, http.StatusInternalServerError, codeInternal, "failed to list events")
			return
		}
		if events != nil {
			resp.Events = events
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	result, err := a.svc.Synthesize(r.Context(), req)
	if err != nil {
		a.writeSynthesisError(w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", result.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(result.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	sw := &streamWriter{
		w:  w,
		rc: http.NewResponseController(w),
		start: func(h http.Header) {
			h.Set("Content-Type", synth.ContentType)
			h.Set("X-Streaming", "true")
			h.Set("Cache-Control", "no-cache")
			h.Set("X-Content-Type-Options", "nosniff")
		},
	}
	written, err := a.svc.Stream(r.Context(), req, sw)
	if err == nil {
		return
	}
	if !sw.started && written == 0 {
		a.writeSynthesisError(w, err)
		return
	}
	// Audio is already on the wire; abort so the client sees a truncated body.
	a.log.Warn("aborting audio stream",
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.Int64("bytes", written),
		slogError(err))
	panic(http.ErrAbortHandler)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request) (synth.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.HTTP.MaxBodyBytes)
	var body synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge, "request too large")
			return synth.Request{}, false
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid json")
		return synth.Request{}, false
	}
	return synth.Request{
		RequestID: requestIDFrom(r.Context()),
		Text:      body.Text,
		Voice:     body.Voice,
		Language:  body.Language,
		Format:    body.Format,
	}, true
}

// withEngineHeaders stamps every response, errors included, with the service
// and engine that handled it.
func (a *api) withEngineHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Service", a.cfg.ServiceName)
		h.Set("X-Engine", a.svc.EngineLabel())
		next.ServeHTTP(w, r)
	})
}

func (a *api) writeSynthesisError(w http.ResponseWriter, err error) {
	var verr *synth.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, codeValidation, verr.Message)
	case errors.Is(err, tts.ErrEngineUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeEngineUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeSynthesisFailed, err.Error())
	}
}

// streamWriter sends the response headers with the first audio chunk and
// flushes after every write.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	start   func(http.Header)
	started bool
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.started {
		s.start(s.w.Header())
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorResponse{Error: code, Detail: detail})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
