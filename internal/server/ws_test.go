package server

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg map[string]any) wsResponse {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp wsResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestWS_ChatRoundTrip(t *testing.T) {
	env := newTestEnv(Options{})
	conn := dialWS(t, env)

	resp := roundTrip(t, conn, map[string]any{
		"op":       "chat",
		"id":       "turn-1",
		"messages": []any{map[string]any{"role": "user", "content": "Hi"}},
	})
	if resp.Error != "" {
		t.Fatalf("error: %s", resp.Error)
	}
	if resp.Op != "chat" || resp.ID != "turn-1" || resp.Reply != "hello there" || resp.AudioBase64 != "" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Timing == nil || len(resp.Timing.Steps) != 1 || resp.Timing.Steps[0].Name != "chat" {
		t.Errorf("timing = %+v", resp.Timing)
	}

	resp = roundTrip(t, conn, map[string]any{
		"op":       "chat",
		"format":   "both",
		"messages": []any{map[string]any{"role": "user", "content": "again"}},
	})
	if resp.AudioBase64 != "SUQzLWF1ZGlv" || resp.AudioMime != "audio/mpeg" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWS_TTSAndSTT(t *testing.T) {
	env := newTestEnv(Options{})
	conn := dialWS(t, env)

	resp := roundTrip(t, conn, map[string]any{"op": "tts", "text": "speak"})
	if resp.AudioBase64 != "SUQzLWF1ZGlv" || resp.Timing == nil {
		t.Errorf("tts resp = %+v", resp)
	}

	resp = roundTrip(t, conn, map[string]any{
		"op":          "stt",
		"audioBase64": base64.StdEncoding.EncodeToString([]byte("clip")),
	})
	if resp.Text != "안녕하세요" {
		t.Errorf("stt resp = %+v", resp)
	}
}

func TestWS_ErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(Options{})
	conn := dialWS(t, env)

	resp := roundTrip(t, conn, map[string]any{"op": "dance"})
	if resp.Status != 400 || !strings.Contains(resp.Error, "unknown op") {
		t.Errorf("resp = %+v", resp)
	}

	resp = roundTrip(t, conn, map[string]any{"op": "chat"})
	if resp.Status != 400 || resp.Error != "messages or text is required" {
		t.Errorf("resp = %+v", resp)
	}

	resp = roundTrip(t, conn, map[string]any{"op": "tts", "text": "still here"})
	if resp.Error != "" {
		t.Errorf("connection should survive errors: %+v", resp)
	}
}

func TestWS_OversizedMessageClosesSocket(t *testing.T) {
	env := newTestEnv(Options{})
	conn := dialWS(t, env)

	huge := `{"op":"chat","messages":[{"role":"user","content":"` + strings.Repeat("a", maxJSONBody) + `"}]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(huge)); err != nil {
		t.Logf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected the socket to close, got reply %s", data)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseMessageTooBig {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseMessageTooBig)
	}

	env.chat.mu.Lock()
	defer env.chat.mu.Unlock()
	if env.chat.calls != 0 {
		t.Errorf("chat called %d times for an oversized message", env.chat.calls)
	}
}
