package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type fakeEdge struct {
	mu       sync.Mutex
	query    map[string]string
	origin   string
	messages []string
}

// newFakeEdge serves the read-aloud handshake and replies with script once
// the ssml message arrives.
func newFakeEdge(t *testing.T, script func(conn *websocket.Conn)) (*httptest.Server, *fakeEdge) {
	t.Helper()
	state := &fakeEdge{query: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		for key := range r.URL.Query() {
			state.query[key] = r.URL.Query().Get(key)
		}
		state.origin = r.Header.Get("Origin")
		state.mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			state.mu.Lock()
			state.messages = append(state.messages, string(data))
			state.mu.Unlock()
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, state
}

func audioFrame(payload []byte) []byte {
	header := []byte("X-RequestId:abc\r\nContent-Type:audio/mpeg\r\nPath:audio\r\n")
	frame := make([]byte, 2, 2+len(header)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	return append(frame, payload...)
}

func textFrame(path, body string) []byte {
	return []byte("X-RequestId:abc\r\nContent-Type:application/json; charset=utf-8\r\nPath:" + path + "\r\n\r\n" + body)
}

func newTestEdge(t *testing.T, srv *httptest.Server) Engine {
	t.Helper()
	engine, err := NewEdgeEngine(EdgeOptions{
		Endpoint:           "ws" + strings.TrimPrefix(srv.URL, "http") + "/edge/v1",
		TrustedClientToken: "token",
		SecMSGECVersion:    "1-130.0.2849.68",
		OutputFormat:       "audio-24khz-48kbitrate-mono-mp3",
		Rate:               "+0%",
		Pitch:              "+0Hz",
		Volume:             "+0%",
	}, nil)
	if err != nil {
		t.Fatalf("new edge engine: %v", err)
	}
	return engine
}

func TestEdgeSessionDecodesFrames(t *testing.T) {
	srv, state := newFakeEdge(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, textFrame("turn.start", "{}"))
		conn.WriteMessage(websocket.BinaryMessage, audioFrame([]byte("abc")))
		conn.WriteMessage(websocket.TextMessage, textFrame("audio.metadata",
			`{"Metadata":[{"Type":"WordBoundary","Data":{"Offset":1000000,"Duration":2000000,"text":{"Text":"Hello"}}}]}`))
		conn.WriteMessage(websocket.BinaryMessage, audioFrame(nil))
		conn.WriteMessage(websocket.BinaryMessage, audioFrame([]byte("def")))
		conn.WriteMessage(websocket.TextMessage, textFrame("turn.end", "{}"))
	})

	session, err := newTestEdge(t, srv).Open(context.Background(), Request{Text: "Hello & <world>", Voice: "en-US-GuyNeural"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	var audio bytes.Buffer
	var words []WordBoundary
	var others []string
	for {
		chunk, err := session.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		switch c := chunk.(type) {
		case Audio:
			audio.Write(c.Data)
		case WordBoundary:
			words = append(words, c)
		case Other:
			others = append(others, c.Path)
		}
	}
	if _, err := session.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after exhaustion, got %v", err)
	}

	if audio.String() != "abcdef" {
		t.Fatalf("unexpected audio %q", audio.String())
	}
	if len(words) != 1 || words[0].Text != "Hello" || words[0].Offset != 100*time.Millisecond || words[0].Duration != 200*time.Millisecond {
		t.Fatalf("unexpected word boundaries %+v", words)
	}
	if len(others) != 1 || others[0] != "turn.start" {
		t.Fatalf("unexpected other chunks %v", others)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.query["TrustedClientToken"] != "token" || len(state.query["ConnectionId"]) != 32 {
		t.Fatalf("unexpected query %v", state.query)
	}
	if state.query["Sec-MS-GEC"] == "" || state.query["Sec-MS-GEC-Version"] != "1-130.0.2849.68" {
		t.Fatalf("missing drm parameters %v", state.query)
	}
	if state.origin != edgeOrigin {
		t.Fatalf("unexpected origin %q", state.origin)
	}
	if len(state.messages) != 2 || !strings.Contains(state.messages[0], "Path:speech.config") {
		t.Fatalf("expected speech.config first, got %v", state.messages)
	}
	ssml := state.messages[1]
	if !strings.Contains(ssml, "Path:ssml") || !strings.Contains(ssml, "<voice name='en-US-GuyNeural'>") {
		t.Fatalf("unexpected ssml message %q", ssml)
	}
	if !strings.Contains(ssml, "Hello &amp; &lt;world&gt;") {
		t.Fatalf("text not escaped: %q", ssml)
	}
}

func TestEdgeSessionFailsOnEarlyClose(t *testing.T) {
	srv, _ := newFakeEdge(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, audioFrame([]byte("abc")))
	})

	session, err := newTestEdge(t, srv).Open(context.Background(), Request{Text: "hi", Voice: "en-US-AriaNeural"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	if chunk, err := session.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	} else if _, ok := chunk.(Audio); !ok {
		t.Fatalf("expected audio chunk, got %T", chunk)
	}
	if _, err := session.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected error after unexpected close, got %v", err)
	}
}

func TestEdgeSessionCancelledByContext(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newFakeEdge(t, func(conn *websocket.Conn) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	session, err := newTestEdge(t, srv).Open(ctx, Request{Text: "hi", Voice: "en-US-AriaNeural"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	time.AfterFunc(50*time.Millisecond, cancel)
	if _, err := session.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEdgeOpenFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	engine := newTestEdge(t, srv)
	srv.Close()

	if _, err := engine.Open(context.Background(), Request{Text: "hi"}); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestSecMSGECIsStableWithinWindow(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := secMSGEC(base, "token")
	b := secMSGEC(base.Add(299*time.Second), "token")
	c := secMSGEC(base.Add(300*time.Second), "token")
	if a != b {
		t.Fatal("expected identical token inside a five minute window")
	}
	if a == c {
		t.Fatal("expected new token in the next window")
	}
	if len(a) != 64 || strings.ToUpper(a) != a {
		t.Fatalf("expected upper-case sha256 hex, got %q", a)
	}
}

func TestDecodeAudioFrameRejectsBadHeaders(t *testing.T) {
	if _, err := decodeAudioFrame([]byte{0x00}); err == nil {
		t.Fatal("expected short frame error")
	}
	if _, err := decodeAudioFrame([]byte{0x00, 0x10, 'x'}); err == nil {
		t.Fatal("expected header overflow error")
	}
	frame := []byte{0x00, 0x0a}
	frame = append(frame, []byte("Path:other")...)
	if _, err := decodeAudioFrame(frame); err == nil {
		t.Fatal("expected path error")
	}
}

func TestSanitizeText(t *testing.T) {
	if got := sanitizeText("a\x01b\tc\x0bd"); got != "a b\tc d" {
		t.Fatalf("unexpected sanitized text %q", got)
	}
}

func TestBuildSSMLEscapesAttributes(t *testing.T) {
	ssml := buildSSML("en-US-AriaNeural", "en'><voice name='evil'>pwned</voice><x y='", "+0%", "+0Hz", "+0%'/>", "a < b & c")
	if strings.Count(ssml, "<voice ") != 1 {
		t.Fatalf("injected voice element survived: %s", ssml)
	}
	if strings.Contains(ssml, "name='evil'") || strings.Contains(ssml, "'/>") {
		t.Fatalf("attribute values must be escaped: %s", ssml)
	}
	if !strings.Contains(ssml, "a &lt; b &amp; c") {
		t.Fatalf("text must be escaped: %s", ssml)
	}
	if !strings.Contains(buildSSML("en-US-GuyNeural", "", "+0%", "+0Hz", "+0%", "hi"), "xml:lang='en-US'") {
		t.Fatal("expected default language")
	}
}
