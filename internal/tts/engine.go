package tts

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// New builds the engine selected by cfg.Mode.
func New(cfg config.EngineConfig, logger *slog.Logger) (Engine, error) {
	var (
		engine Engine
		err    error
	)
	switch cfg.Mode {
	case "edge":
		engine, err = NewEdgeEngine(EdgeOptions{
			Endpoint:           cfg.Endpoint,
			TrustedClientToken: cfg.TrustedClientToken,
			SecMSGECVersion:    cfg.SecMSGECVersion,
			OutputFormat:       cfg.OutputFormat,
			Rate:               cfg.Rate,
			Pitch:              cfg.Pitch,
			Volume:             cfg.Volume,
		}, logger)
	case "exec":
		engine, err = NewExecEngine(cfg.Command)
	case "mock":
		engine = NewMockEngine(MockOptions{
			ChunkBytes: cfg.MockChunkBytes,
			ChunkDelay: time.Duration(cfg.MockChunkDelayMS) * time.Millisecond,
			FailAfter:  cfg.MockFailAfter,
		})
	default:
		return nil, fmt.Errorf("%w: unknown engine mode %q", ErrEngineUnavailable, cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return engine, nil
}
