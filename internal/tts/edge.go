package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	edgeOrigin    = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"
	edgeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0"

	// seconds between 1601-01-01 and 1970-01-01
	windowsEpochOffset = 11644473600
	edgeDateLayout     = "Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)"
)

// EdgeOptions configure the Edge read-aloud engine.
type EdgeOptions struct {
	Endpoint           string
	TrustedClientToken string
	SecMSGECVersion    string
	OutputFormat       string
	Rate               string
	Pitch              string
	Volume             string
	HandshakeTimeout   time.Duration
}

type edgeEngine struct {
	opts   EdgeOptions
	dialer *websocket.Dialer
	now    func() time.Time
	logger *slog.Logger
}

// NewEdgeEngine speaks the Microsoft Edge read-aloud websocket protocol.
func NewEdgeEngine(opts EdgeOptions, logger *slog.Logger) (Engine, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("edge endpoint required")
	}
	if opts.TrustedClientToken == "" {
		return nil, errors.New("edge trusted client token required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &edgeEngine{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  opts.HandshakeTimeout,
			EnableCompression: true,
		},
		now:    time.Now,
		logger: logger.With(slog.String("component", "edge-engine")),
	}, nil
}

func (e *edgeEngine) Name() string { return "edge" }

func (e *edgeEngine) Open(ctx context.Context, req Request) (Session, error) {
	connID := connectionID()
	target, err := e.endpointURL(connID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Origin", edgeOrigin)
	header.Set("User-Agent", edgeUserAgent)
	header.Set("Pragma", "no-cache")
	header.Set("Cache-Control", "no-cache")
	header.Set("Accept-Language", "en-US,en;q=0.9")

	conn, resp, err := e.dialer.DialContext(ctx, target, header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: dial edge endpoint: %v (status %d)", ErrEngineUnavailable, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial edge endpoint: %v", ErrEngineUnavailable, err)
	}

	s := &edgeSession{ctx: ctx, conn: conn, logger: e.logger.With(slog.String("connection_id", connID))}
	s.stop = context.AfterFunc(ctx, func() { _ = s.closeConn() })

	now := e.now().UTC()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(speechConfigMessage(now, e.opts.OutputFormat))); err != nil {
		_ = s.Close()
		return nil, s.wrapErr(fmt.Errorf("send speech config: %w", err))
	}
	ssml := buildSSML(req.Voice, req.Language, e.opts.Rate, e.opts.Pitch, e.opts.Volume, req.Text)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlMessage(connectionID(), now, ssml))); err != nil {
		_ = s.Close()
		return nil, s.wrapErr(fmt.Errorf("send ssml: %w", err))
	}
	return s, nil
}

func (e *edgeEngine) endpointURL(connID string) (string, error) {
	u, err := url.Parse(e.opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse edge endpoint: %w", err)
	}
	q := u.Query()
	q.Set("TrustedClientToken", e.opts.TrustedClientToken)
	q.Set("ConnectionId", connID)
	q.Set("Sec-MS-GEC", secMSGEC(e.now(), e.opts.TrustedClientToken))
	if e.opts.SecMSGECVersion != "" {
		q.Set("Sec-MS-GEC-Version", e.opts.SecMSGECVersion)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// secMSGEC derives the DRM token the read-aloud endpoint expects: the
// Windows file time rounded down to five minutes, concatenated with the
// client token, hashed with SHA-256.
func secMSGEC(now time.Time, token string) string {
	ticks := now.Unix() + windowsEpochOffset
	ticks -= ticks % 300
	ticks *= 10_000_000
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s", ticks, token)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func connectionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func edgeTimestamp(t time.Time) string {
	return t.UTC().Format(edgeDateLayout)
}

func speechConfigMessage(now time.Time, outputFormat string) string {
	return "X-Timestamp:" + edgeTimestamp(now) + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{` +
		`"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"true"},` +
		`"outputFormat":"` + outputFormat + `"}}}}` + "\r\n"
}

func ssmlMessage(requestID string, now time.Time, ssml string) string {
	return "X-RequestId:" + requestID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + edgeTimestamp(now) + "Z\r\n" +
		"Path:ssml\r\n\r\n" + ssml
}

func buildSSML(voiceName, language, rate, pitch, volume, text string) string {
	if language == "" {
		language = "en-US"
	}
	return "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='" + escapeXML(language) + "'>" +
		"<voice name='" + escapeXML(voiceName) + "'>" +
		"<prosody pitch='" + escapeXML(pitch) + "' rate='" + escapeXML(rate) + "' volume='" + escapeXML(volume) + "'>" +
		escapeXML(sanitizeText(text)) +
		"</prosody></voice></speak>"
}

// escapeXML escapes s for use as element text or a quoted attribute value.
func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// sanitizeText replaces control characters the service rejects with spaces.
func sanitizeText(text string) string {
	return strings.Map(func(r rune) rune {
		if r <= 8 || r == 11 || r == 12 || (r >= 14 && r <= 31) {
			return ' '
		}
		return r
	}, text)
}

type edgeSession struct {
	ctx    context.Context
	conn   *websocket.Conn
	stop   func() bool
	logger *slog.Logger

	queue     []Chunk
	done      bool
	closeOnce sync.Once
	closeErr  error
}

func (s *edgeSession) Next() (Chunk, error) {
	for {
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			return c, nil
		}
		if s.done {
			return nil, io.EOF
		}

		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.done = true
			_ = s.closeConn()
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("edge stream ended before turn.end: %w", err)
		}

		switch kind {
		case websocket.BinaryMessage:
			audio, err := decodeAudioFrame(data)
			if err != nil {
				s.done = true
				_ = s.closeConn()
				return nil, err
			}
			if len(audio) == 0 {
				continue
			}
			return Audio{Data: audio}, nil
		case websocket.TextMessage:
			headers, body := splitTextFrame(data)
			switch path := headers["Path"]; path {
			case "audio.metadata":
				bounds, err := decodeMetadata(body)
				if err != nil {
					s.done = true
					_ = s.closeConn()
					return nil, err
				}
				for _, b := range bounds {
					s.queue = append(s.queue, b)
				}
			case "turn.end":
				s.logger.Debug("edge turn ended")
				s.done = true
				_ = s.closeConn()
				return nil, io.EOF
			default:
				return Other{Path: path}, nil
			}
		}
	}
}

func (s *edgeSession) Close() error {
	s.done = true
	s.queue = nil
	return s.closeConn()
}

func (s *edgeSession) closeConn() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *edgeSession) wrapErr(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// decodeAudioFrame splits a binary frame into its header block and audio
// payload. The first two bytes hold the big-endian header length.
func decodeAudioFrame(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errors.New("edge audio frame too short")
	}
	headerLen := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+headerLen {
		return nil, errors.New("edge audio frame header length exceeds frame")
	}
	headers := parseHeaders(data[2 : 2+headerLen])
	if path := headers["Path"]; path != "audio" {
		return nil, fmt.Errorf("unexpected binary frame path %q", path)
	}
	return data[2+headerLen:], nil
}

func splitTextFrame(data []byte) (map[string]string, []byte) {
	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		return parseHeaders(data), nil
	}
	return parseHeaders(head), body
}

func parseHeaders(block []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(block), "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}

type edgeMetadata struct {
	Metadata []struct {
		Type string `json:"Type"`
		Data struct {
			Offset   int64 `json:"Offset"`
			Duration int64 `json:"Duration"`
			Text     struct {
				Text string `json:"Text"`
			} `json:"text"`
		} `json:"Data"`
	} `json:"Metadata"`
}

// decodeMetadata converts word boundary entries. Offsets are in 100ns ticks.
func decodeMetadata(body []byte) ([]WordBoundary, error) {
	var meta edgeMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode edge metadata: %w", err)
	}
	var out []WordBoundary
	for _, m := range meta.Metadata {
		if m.Type != "WordBoundary" {
			continue
		}
		out = append(out, WordBoundary{
			Offset:   time.Duration(m.Data.Offset) * 100,
			Duration: time.Duration(m.Data.Duration) * 100,
			Text:     m.Data.Text.Text,
		})
	}
	return out, nil
}
