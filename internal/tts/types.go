package tts

import (
	"context"
	"errors"
	"time"
)

// ErrEngineUnavailable reports that the synthesis engine could not be
// initialised or failed its startup check.
var ErrEngineUnavailable = errors.New("tts engine unavailable")

// Request contains parameters for one synthesis session.
type Request struct {
	Text     string
	Voice    string // engine voice name
	Language string
}

// Chunk is one element of a session's output. The set of implementations is
// closed: Audio, WordBoundary and Other.
type Chunk interface {
	chunk()
}

// Audio carries encoded audio bytes that belong in the response body.
type Audio struct {
	Data []byte
}

// WordBoundary marks where a spoken word starts in the audio timeline.
type WordBoundary struct {
	Offset   time.Duration
	Duration time.Duration
	Text     string
}

// Other is any informational engine message without audio.
type Other struct {
	Path string
}

func (Audio) chunk()        {}
func (WordBoundary) chunk() {}
func (Other) chunk()        {}

// Session is a single-pass iterator over the chunks of one synthesis. Next
// returns io.EOF once the engine has finished and keeps returning io.EOF
// afterwards. Close releases the underlying transport and is safe to call
// more than once.
type Session interface {
	Next() (Chunk, error)
	Close() error
}

// Engine opens synthesis sessions. The session is bound to ctx: cancelling
// it aborts any pending Next.
type Engine interface {
	Name() string
	Open(ctx context.Context, req Request) (Session, error)
}
