package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/accounting"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/spf13/cobra"
)

var (
	sayVoice  string
	sayOutput string
)

var sayCmd = &cobra.Command{
	Use:   "say [text...]",
	Short: "Synthesize text straight to an MP3 file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := tts.New(cfg.Engine, logger)
		if err != nil {
			return err
		}
		svc := synth.New(synth.Options{
			Engine:      engine,
			Stats:       accounting.New(),
			EngineLabel: cfg.Engine.Label,
			Timeout:     time.Duration(cfg.Engine.TimeoutMS) * time.Millisecond,
			Logger:      logger,
		})

		out, err := os.Create(sayOutput)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		written, err := svc.Stream(context.Background(), synth.Request{
			RequestID: uuid.NewString(),
			Text:      strings.Join(args, " "),
			Voice:     sayVoice,
		}, out)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(sayOutput)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", written, sayOutput)
		return nil
	},
}

func init() {
	sayCmd.Flags().StringVarP(&sayVoice, "voice", "v", "alloy", "Voice id from the catalog")
	sayCmd.Flags().StringVarP(&sayOutput, "out", "o", "speech.mp3", "Output file")
}
