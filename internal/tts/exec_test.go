package tts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecEngineStreamsJSONLines(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"type":"audio","data":"aGVs"}'
echo '{"type":"word_boundary","offset_ms":5,"duration_ms":10,"text":"hello"}'
echo ''
echo '{"type":"audio","data":"bG8="}'
`)
	engine, err := NewExecEngine("sh " + script)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	session, err := engine.Open(context.Background(), Request{Text: "hello", Voice: "v"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	audio, words, err := drain(t, session)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if string(audio) != "hello" {
		t.Fatalf("unexpected audio %q", audio)
	}
	if words != 1 {
		t.Fatalf("expected one word boundary, got %d", words)
	}
}

func TestExecEngineReportsNonZeroExit(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"type":"audio","data":"aGVs"}'
echo 'voice not installed' >&2
exit 3
`)
	engine, err := NewExecEngine("sh " + script)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	session, err := engine.Open(context.Background(), Request{Text: "hello", Voice: "v"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	audio, _, err := drain(t, session)
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	if string(audio) != "hel" {
		t.Fatalf("expected partial audio before failure, got %q", audio)
	}
}

func TestNewExecEngineRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecEngine("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecEngineStopsChattyCommandOnBadOutput(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo notjson
exec head -c 100000000 /dev/zero
`)
	engine, err := NewExecEngine("sh " + script)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session, err := engine.Open(ctx, Request{Text: "hello", Voice: "v"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	start := time.Now()
	_, err = session.Next()
	if err == nil || !strings.Contains(err.Error(), "decode tts command output") {
		t.Fatalf("expected decode error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("decode failure took %s, process was not stopped", elapsed)
	}
}
