package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestVoicesCommandListsCatalog(t *testing.T) {
	var out bytes.Buffer
	voicesCmd.SetOut(&out)
	if err := voicesCmd.RunE(voicesCmd, nil); err != nil {
		t.Fatalf("voices: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 7 {
		t.Fatalf("expected header plus six voices, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[1], "alloy") || !strings.Contains(lines[1], "en-US-AriaNeural") {
		t.Fatalf("unexpected first row %q", lines[1])
	}
}
