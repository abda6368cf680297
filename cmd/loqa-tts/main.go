package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "loqa-tts",
	Short:         "Streaming text-to-speech gateway",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `loqa-tts exposes a catalog of speech voices over HTTP and turns text into
MP3 audio, either buffered or streamed chunk by chunk as the engine produces it.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (environment and defaults when empty)")
	rootCmd.AddCommand(serveCmd, voicesCmd, sayCmd)
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	return cfg, logger, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
