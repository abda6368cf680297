package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const maxExecLine = 4 << 20

type execEngine struct {
	cmd []string
}

type execRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language,omitempty"`
}

type execLine struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	OffsetMS   int64  `json:"offset_ms,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Text       string `json:"text,omitempty"`
}

// NewExecEngine runs command once per session. The command reads one JSON
// request on stdin and writes JSON lines to stdout.
func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) Open(ctx context.Context, req Request) (Session, error) {
	data, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, Language: req.Language})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start tts command: %v", ErrEngineUnavailable, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxExecLine)
	return &execSession{ctx: ctx, cmd: cmd, scanner: scanner, stderr: &stderr}, nil
}

type execSession struct {
	ctx     context.Context
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer

	mu       sync.Mutex
	done     bool
	waited   bool
	closeErr error
}

func (s *execSession) Next() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			s.abort()
			return nil, fmt.Errorf("decode tts command output: %w", err)
		}
		switch msg.Type {
		case "audio":
			audio, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				s.abort()
				return nil, fmt.Errorf("decode tts audio: %w", err)
			}
			return Audio{Data: audio}, nil
		case "word_boundary":
			return WordBoundary{
				Offset:   time.Duration(msg.OffsetMS) * time.Millisecond,
				Duration: time.Duration(msg.DurationMS) * time.Millisecond,
				Text:     msg.Text,
			}, nil
		default:
			return Other{Path: msg.Type}, nil
		}
	}

	scanErr := s.scanner.Err()
	if scanErr != nil {
		s.abort()
	}
	waitErr := s.finish()
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read tts command output: %w", scanErr)
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			return nil, fmt.Errorf("tts command failed: %w: %s", waitErr, msg)
		}
		return nil, fmt.Errorf("tts command failed: %w", waitErr)
	}
	return nil, io.EOF
}

// finish marks the session done and reaps the process. Callers hold s.mu.
func (s *execSession) finish() error {
	s.done = true
	if s.waited {
		return s.closeErr
	}
	s.waited = true
	s.closeErr = s.cmd.Wait()
	return s.closeErr
}

// abort kills a process whose output can no longer be consumed, so reaping it
// does not wait on a writer blocked on a full pipe. Callers hold s.mu.
func (s *execSession) abort() {
	if !s.waited && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.finish()
}

func (s *execSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited {
		s.done = true
		return nil
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.finish()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// killed on purpose
		return nil
	}
	return err
}
