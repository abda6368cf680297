package tts

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrMockFailure is the error a mock session returns when configured to fail.
var ErrMockFailure = errors.New("mock engine: synthetic failure")

// MockOptions tune the deterministic mock engine.
type MockOptions struct {
	ChunkBytes int
	ChunkDelay time.Duration
	// FailAfter makes every session fail after emitting that many audio
	// chunks. Zero disables the failure.
	FailAfter int
	// FailOpen makes Open itself fail.
	FailOpen bool
}

type mockEngine struct {
	opts MockOptions
}

func NewMockEngine(opts MockOptions) Engine {
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = 1024
	}
	return &mockEngine{opts: opts}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) Open(ctx context.Context, req Request) (Session, error) {
	if m.opts.FailOpen {
		return nil, fmt.Errorf("open mock session: %w", ErrMockFailure)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("mock engine: text is required")
	}
	return &mockSession{
		ctx:   ctx,
		opts:  m.opts,
		audio: MockAudio(req.Text, req.Voice),
		words: strings.Fields(req.Text),
	}, nil
}

// MockAudio returns the full payload the mock engine produces for text and
// voice. Tests use it to check concatenation without running a session.
func MockAudio(text, voice string) []byte {
	// ID3 marker so the payload looks like the start of an MP3 stream.
	out := []byte("ID3\x04\x00\x00")
	seed := sha256.Sum256([]byte(voice + "\x00" + text))
	for i := 0; i < len(text)*32; i++ {
		out = append(out, seed[i%len(seed)]^byte(i))
	}
	return out
}

type mockSession struct {
	ctx     context.Context
	opts    MockOptions
	audio   []byte
	words   []string
	offset  int
	emitted int
	wordIdx int
	pending bool
	done    bool
	closed  bool
}

func (s *mockSession) Next() (Chunk, error) {
	if s.done || s.closed {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.done = true
		return nil, err
	}
	if s.pending {
		s.pending = false
		word := s.words[s.wordIdx%len(s.words)]
		s.wordIdx++
		return WordBoundary{
			Offset:   time.Duration(s.emitted) * 100 * time.Millisecond,
			Duration: 100 * time.Millisecond,
			Text:     word,
		}, nil
	}
	if s.offset >= len(s.audio) {
		s.done = true
		return nil, io.EOF
	}
	if s.opts.FailAfter > 0 && s.emitted >= s.opts.FailAfter {
		s.done = true
		return nil, ErrMockFailure
	}
	if s.opts.ChunkDelay > 0 {
		timer := time.NewTimer(s.opts.ChunkDelay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.done = true
			return nil, s.ctx.Err()
		case <-timer.C:
		}
	}
	end := s.offset + s.opts.ChunkBytes
	if end > len(s.audio) {
		end = len(s.audio)
	}
	data := append([]byte(nil), s.audio[s.offset:end]...)
	s.offset = end
	s.emitted++
	s.pending = len(s.words) > 0
	return Audio{Data: data}, nil
}

func (s *mockSession) Close() error {
	s.closed = true
	return nil
}
