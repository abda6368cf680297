package synth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/accounting"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

type memoryRecorder struct {
	mu     sync.Mutex
	events []protocol.SynthesisEvent
}

func (m *memoryRecorder) RecordOutcome(_ context.Context, evt protocol.SynthesisEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryRecorder) all() []protocol.SynthesisEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.SynthesisEvent(nil), m.events...)
}

type failingWriter struct {
	after int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n >= w.after {
		return 0, errors.New("client went away")
	}
	w.n++
	return len(p), nil
}

func newTestService(opts tts.MockOptions) (*Service, *memoryRecorder) {
	rec := &memoryRecorder{}
	svc := New(Options{
		Engine:      tts.NewMockEngine(opts),
		Stats:       accounting.New(),
		EngineLabel: "microsoft-edge",
		Recorders:   []OutcomeRecorder{rec},
	})
	return svc, rec
}

func TestSynthesizeKnownVoice(t *testing.T) {
	svc, rec := newTestService(tts.MockOptions{ChunkBytes: 128})
	result, err := svc.Synthesize(context.Background(), Request{Text: "Hello world", Voice: "alloy"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(result.Audio) == 0 || result.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.EngineVoice != "en-US-AriaNeural" {
		t.Fatalf("expected Aria, got %s", result.EngineVoice)
	}
	if !bytes.Equal(result.Audio, tts.MockAudio("Hello world", "en-US-AriaNeural")) {
		t.Fatal("audio is not the in-order concatenation of engine chunks")
	}
	if result.Bytes != int64(len(result.Audio)) || result.Chunks == 0 {
		t.Fatalf("unexpected counters %d bytes, %d chunks", result.Bytes, result.Chunks)
	}

	snap := svc.Stats().Snapshot()
	if snap.RequestsTotal != 1 || snap.RequestsSuccessful != 1 || snap.RequestsFailed != 0 {
		t.Fatalf("unexpected stats %+v", snap)
	}
	events := rec.all()
	if len(events) != 1 || !events[0].Success || events[0].Mode != protocol.ModeBuffered {
		t.Fatalf("unexpected recorded events %+v", events)
	}
}

func TestValidationIsNotCounted(t *testing.T) {
	svc, rec := newTestService(tts.MockOptions{})
	cases := []string{"", "   \n\t", strings.Repeat("a", MaxTextChars+1)}
	for _, text := range cases {
		_, err := svc.Synthesize(context.Background(), Request{Text: text, Voice: "alloy"})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("buffered: expected validation error for %d chars, got %v", len(text), err)
		}

		var sink bytes.Buffer
		n, err := svc.Stream(context.Background(), Request{Text: text, Voice: "alloy"}, &sink)
		if !errors.As(err, &verr) || n != 0 || sink.Len() != 0 {
			t.Fatalf("stream: expected validation error and no output, got %v (%d bytes)", err, n)
		}
	}

	snap := svc.Stats().Snapshot()
	if snap.RequestsTotal != 0 || snap.RequestsSuccessful != 0 || snap.RequestsFailed != 0 {
		t.Fatalf("validation failures must not be counted, got %+v", snap)
	}
	if len(rec.all()) != 0 {
		t.Fatal("validation failures must not be recorded")
	}
}

func TestValidateMessages(t *testing.T) {
	if _, err := Validate(" "); err == nil || err.Error() != "text required" {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := Validate(strings.Repeat("é", MaxTextChars+1)); err == nil || err.Error() != "text too long" {
		t.Fatalf("unexpected error %v", err)
	}
	text, err := Validate("  " + strings.Repeat("é", MaxTextChars) + "  ")
	if err != nil {
		t.Fatalf("1000 code points must be accepted: %v", err)
	}
	if strings.HasPrefix(text, " ") || strings.HasSuffix(text, " ") {
		t.Fatal("expected trimmed text")
	}
}

func TestLanguageIsValidated(t *testing.T) {
	for _, lang := range []string{"", "en", "en-US", " de-DE ", "zh-Hant-TW"} {
		if _, err := ValidateLanguage(lang); err != nil {
			t.Fatalf("expected %q to be accepted: %v", lang, err)
		}
	}

	svc, rec := newTestService(tts.MockOptions{})
	bad := "en'><voice name='evil'>pwned</voice><x y='"
	_, err := svc.Synthesize(context.Background(), Request{Text: "hello", Language: bad})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "language" {
		t.Fatalf("expected language validation error, got %v", err)
	}
	var sink bytes.Buffer
	if _, err := svc.Stream(context.Background(), Request{Text: "hello", Language: "english please"}, &sink); !errors.As(err, &verr) {
		t.Fatalf("expected stream language validation error, got %v", err)
	}
	if snap := svc.Stats().Snapshot(); snap.RequestsTotal != 0 || len(rec.all()) != 0 {
		t.Fatalf("rejected languages must not be counted, got %+v", snap)
	}
}

func TestUnknownVoiceUsesDefault(t *testing.T) {
	svc, _ := newTestService(tts.MockOptions{})
	result, err := svc.Synthesize(context.Background(), Request{Text: "Hi there", Voice: "baritone"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if result.EngineVoice != voice.Default {
		t.Fatalf("expected default voice, got %s", result.EngineVoice)
	}
}

func TestStreamMatchesBuffered(t *testing.T) {
	svc, _ := newTestService(tts.MockOptions{ChunkBytes: 37})
	req := Request{Text: "Streaming and buffered agree on every byte.", Voice: "nova"}

	result, err := svc.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	var streamed bytes.Buffer
	n, err := svc.Stream(context.Background(), req, &streamed)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if n != int64(streamed.Len()) || !bytes.Equal(result.Audio, streamed.Bytes()) {
		t.Fatal("stream and buffered payloads differ")
	}
}

func TestConcurrentRequestsAreCounted(t *testing.T) {
	svc, _ := newTestService(tts.MockOptions{ChunkBytes: 64})
	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := svc.Synthesize(context.Background(), Request{Text: "concurrent", Voice: "echo"})
				errs <- err
				return
			}
			_, err := svc.Stream(context.Background(), Request{Text: "concurrent", Voice: "echo"}, io.Discard)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}

	snap := svc.Stats().Snapshot()
	if snap.RequestsTotal != n || snap.RequestsSuccessful != n || snap.RequestsFailed != 0 {
		t.Fatalf("unexpected stats %+v", snap)
	}
}

func TestStreamEngineFailureMidway(t *testing.T) {
	svc, rec := newTestService(tts.MockOptions{ChunkBytes: 16, FailAfter: 3})
	var sink bytes.Buffer
	n, err := svc.Stream(context.Background(), Request{Text: "this will break halfway", Voice: "onyx"}, &sink)

	var serr *SynthesisError
	if !errors.As(err, &serr) || !errors.Is(err, tts.ErrMockFailure) {
		t.Fatalf("expected synthesis error wrapping the engine failure, got %v", err)
	}
	if n != 48 || sink.Len() != 48 {
		t.Fatalf("expected the three delivered chunks to be reported, got %d/%d", n, sink.Len())
	}
	snap := svc.Stats().Snapshot()
	if snap.RequestsTotal != 1 || snap.RequestsFailed != 1 || snap.RequestsSuccessful != 0 {
		t.Fatalf("unexpected stats %+v", snap)
	}
	events := rec.all()
	if len(events) != 1 || events[0].Success || events[0].Bytes != 48 {
		t.Fatalf("unexpected recorded events %+v", events)
	}
}

func TestStreamSinkFailureCountsAsFailure(t *testing.T) {
	svc, _ := newTestService(tts.MockOptions{ChunkBytes: 16})
	n, err := svc.Stream(context.Background(), Request{Text: "the listener hangs up", Voice: "fable"}, &failingWriter{after: 1})
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected synthesis error, got %v", err)
	}
	if n != 16 {
		t.Fatalf("expected 16 bytes written before failure, got %d", n)
	}
	if snap := svc.Stats().Snapshot(); snap.RequestsFailed != 1 {
		t.Fatalf("expected failure to be counted, got %+v", snap)
	}
}

func TestOpenFailureIsCounted(t *testing.T) {
	svc := New(Options{Engine: tts.NewMockEngine(tts.MockOptions{FailOpen: true})})
	_, err := svc.Synthesize(context.Background(), Request{Text: "hello", Voice: "alloy"})
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected synthesis error, got %v", err)
	}
	snap := svc.Stats().Snapshot()
	if snap.RequestsTotal != 1 || snap.RequestsFailed != 1 {
		t.Fatalf("unexpected stats %+v", snap)
	}
}

func TestCancelledContextFails(t *testing.T) {
	svc, _ := newTestService(tts.MockOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Synthesize(ctx, Request{Text: "too late", Voice: "alloy"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap := svc.Stats().Snapshot(); snap.RequestsTotal != 1 || snap.RequestsFailed != 1 {
		t.Fatalf("unexpected stats %+v", snap)
	}
}

func TestSelfTest(t *testing.T) {
	svc, rec := newTestService(tts.MockOptions{})
	if err := svc.SelfTest(context.Background(), "Hello, this is a test."); err != nil {
		t.Fatalf("self-test: %v", err)
	}
	if snap := svc.Stats().Snapshot(); snap.RequestsTotal != 0 {
		t.Fatalf("self-test must not touch stats, got %+v", snap)
	}
	if len(rec.all()) != 0 {
		t.Fatal("self-test must not be recorded")
	}

	broken := New(Options{Engine: tts.NewMockEngine(tts.MockOptions{FailOpen: true})})
	if err := broken.SelfTest(context.Background(), ""); !errors.Is(err, tts.ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}

	single := New(Options{Engine: tts.NewMockEngine(tts.MockOptions{ChunkBytes: 1 << 20})})
	if err := single.SelfTest(context.Background(), "x"); err != nil {
		t.Fatalf("single chunk engine should pass: %v", err)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("ab", 40)
	if got := preview(long); len([]rune(got)) != previewChars+3 {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := preview("short"); got != "short" {
		t.Fatalf("unexpected preview %q", got)
	}
}
