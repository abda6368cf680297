package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/accounting"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxTextChars bounds the trimmed request text in code points.
	MaxTextChars = 1000
	ContentType  = "audio/mpeg"

	previewChars = 50
)

// Request is one synthesis request as received from a client.
type Request struct {
	RequestID string
	Text      string
	Voice     string
	Language  string
	Format    string // accepted for compatibility, output is always MP3
}

// Result is the outcome of a buffered synthesis.
type Result struct {
	Audio       []byte
	ContentType string
	EngineVoice string
	Chunks      int
	Bytes       int64
}

// OutcomeRecorder receives the terminal outcome of every counted request.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, evt protocol.SynthesisEvent) error
}

type Options struct {
	Engine      tts.Engine
	Stats       *accounting.Stats
	EngineLabel string
	Timeout     time.Duration
	Recorders   []OutcomeRecorder
	Logger      *slog.Logger
}

// Service runs synthesis requests against an engine and keeps the request
// statistics. The buffered and streaming paths share validation, voice
// resolution and accounting.
type Service struct {
	engine    tts.Engine
	stats     *accounting.Stats
	label     string
	timeout   time.Duration
	recorders []OutcomeRecorder
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func New(opts Options) *Service {
	if opts.Stats == nil {
		opts.Stats = accounting.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.EngineLabel == "" {
		opts.EngineLabel = opts.Engine.Name()
	}
	return &Service{
		engine:    opts.Engine,
		stats:     opts.Stats,
		label:     opts.EngineLabel,
		timeout:   opts.Timeout,
		recorders: opts.Recorders,
		log:       opts.Logger.With(slog.String("component", "synth")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-tts/synth"),
		now:       time.Now,
	}
}

// Stats exposes the counters the service updates.
func (s *Service) Stats() *accounting.Stats { return s.stats }

// EngineLabel is the engine name reported to clients.
func (s *Service) EngineLabel() string { return s.label }

// Validate trims text and checks it against the request limits. The trimmed
// text is what gets synthesized.
func Validate(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", &ValidationError{Field: "text", Message: "text required"}
	}
	if utf8.RuneCountInString(trimmed) > MaxTextChars {
		return "", &ValidationError{Field: "text", Message: "text too long"}
	}
	return trimmed, nil
}

var languageTag = regexp.MustCompile(`^[A-Za-z]{2,3}(-[A-Za-z0-9]{2,8})*$`)

// ValidateLanguage accepts an empty language or a BCP 47 style tag.
func ValidateLanguage(language string) (string, error) {
	trimmed := strings.TrimSpace(language)
	if trimmed != "" && !languageTag.MatchString(trimmed) {
		return "", &ValidationError{Field: "language", Message: "invalid language"}
	}
	return trimmed, nil
}

// Synthesize drains a session and returns the concatenated audio.
func (s *Service) Synthesize(ctx context.Context, req Request) (Result, error) {
	var buf bytes.Buffer
	out, err := s.run(ctx, req, protocol.ModeBuffered, func(data []byte) error {
		buf.Write(data)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Audio:       buf.Bytes(),
		ContentType: ContentType,
		EngineVoice: out.engineVoice,
		Chunks:      out.chunks,
		Bytes:       out.written,
	}, nil
}

// Stream writes each audio payload to w as soon as the engine yields it. The
// next chunk is pulled only after the write returns. On failure the number of
// bytes already written is returned with the error.
func (s *Service) Stream(ctx context.Context, req Request, w io.Writer) (int64, error) {
	out, err := s.run(ctx, req, protocol.ModeStream, func(data []byte) error {
		_, err := w.Write(data)
		return err
	})
	return out.written, err
}

type outcome struct {
	engineVoice string
	chunks      int
	written     int64
}

func (s *Service) run(ctx context.Context, req Request, mode string, emit func([]byte) error) (outcome, error) {
	text, err := Validate(req.Text)
	if err != nil {
		return outcome{}, err
	}
	language, err := ValidateLanguage(req.Language)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{engineVoice: voice.Resolve(req.Voice)}
	if req.Voice != "" && !voice.Known(req.Voice) {
		s.log.Debug("unknown voice, using default",
			slog.String("voice", req.Voice),
			slog.String("engine_voice", out.engineVoice))
	}
	if req.Format != "" && !strings.EqualFold(req.Format, "mp3") {
		s.log.Debug("ignoring requested format", slog.String("format", req.Format))
	}

	s.stats.Begin()
	start := s.now()

	ctx, span := s.tracer.Start(ctx, "synth."+mode, trace.WithAttributes(
		attribute.String("tts.voice", req.Voice),
		attribute.String("tts.engine_voice", out.engineVoice),
		attribute.String("tts.engine", s.label),
		attribute.Int("tts.text_chars", utf8.RuneCountInString(text)),
	))
	defer span.End()

	log := s.log.With(
		slog.String("request_id", req.RequestID),
		slog.String("mode", mode),
		slog.String("voice", out.engineVoice),
	)
	log.Info("synthesis started", slog.String("text_preview", preview(text)))

	err = s.consume(ctx, text, language, &out, emit)

	elapsed := s.now().Sub(start)
	span.SetAttributes(attribute.Int("tts.chunks", out.chunks), attribute.Int64("tts.bytes", out.written))
	evt := protocol.SynthesisEvent{
		RequestID:   req.RequestID,
		Mode:        mode,
		Voice:       req.Voice,
		EngineVoice: out.engineVoice,
		Engine:      s.label,
		TextChars:   utf8.RuneCountInString(text),
		Chunks:      out.chunks,
		Bytes:       out.written,
		DurationMS:  elapsed.Milliseconds(),
		Timestamp:   s.now().UTC(),
	}

	if err != nil {
		s.stats.Fail()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("synthesis failed",
			slog.Int("chunks", out.chunks),
			slog.Int64("bytes", out.written),
			slogError(err))
		evt.Error = err.Error()
		s.record(ctx, evt)
		return out, &SynthesisError{Engine: s.label, Cause: err}
	}

	s.stats.Succeed()
	log.Info("synthesis completed",
		slog.Int("chunks", out.chunks),
		slog.Int64("bytes", out.written),
		slog.Duration("duration", elapsed))
	evt.Success = true
	s.record(ctx, evt)
	return out, nil
}

func (s *Service) consume(ctx context.Context, text, language string, out *outcome, emit func([]byte) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	session, err := s.engine.Open(ctx, tts.Request{Text: text, Voice: out.engineVoice, Language: language})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	for {
		chunk, err := session.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		audio, ok := chunk.(tts.Audio)
		if !ok || len(audio.Data) == 0 {
			continue
		}
		if err := emit(audio.Data); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		out.chunks++
		out.written += int64(len(audio.Data))
	}
	if out.written == 0 {
		return ErrNoAudio
	}
	return nil
}

func (s *Service) record(ctx context.Context, evt protocol.SynthesisEvent) {
	if len(s.recorders) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	for _, r := range s.recorders {
		if err := r.RecordOutcome(ctx, evt); err != nil {
			s.log.Warn("failed to record synthesis outcome", slogError(err))
		}
	}
}

// SelfTest runs one synthesis outside the request statistics and requires at
// least one audio chunk.
func (s *Service) SelfTest(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "Hello, this is a test."
	}
	session, err := s.engine.Open(ctx, tts.Request{Text: text, Voice: voice.Default})
	if err != nil {
		return fmt.Errorf("%w: %v", tts.ErrEngineUnavailable, err)
	}
	defer session.Close()

	for {
		chunk, err := session.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: self-test produced no audio", tts.ErrEngineUnavailable)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", tts.ErrEngineUnavailable, err)
		}
		if audio, ok := chunk.(tts.Audio); ok && len(audio.Data) > 0 {
			s.log.Info("engine self-test passed", slog.String("engine", s.label))
			return nil
		}
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewChars]) + "..."
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
