package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"VoiceRelay/internal/relay"
)

func TestElevenLabs_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "mp3_44100_128" {
			t.Errorf("output_format = %s", r.URL.Query().Get("output_format"))
		}
		if r.Header.Get("xi-api-key") != "el-key" {
			t.Errorf("missing api key header")
		}
		var req ElevenLabsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "hello" || req.ModelID != "eleven_multilingual_v2" {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3eleven"))
	}))
	defer srv.Close()

	e := NewElevenLabs("el-key", srv.URL, srv.Client(), nil, nil, nil)
	audio, err := e.Synthesize(context.Background(), "hello", relay.SpeechOptions{
		Voice:        "voice123",
		Model:        "eleven_multilingual_v2",
		OutputFormat: "mp3_44100_128",
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3eleven" {
		t.Errorf("audio = %q", audio)
	}
}

func TestElevenLabs_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail": "voice not found"}`))
	}))
	defer srv.Close()

	e := NewElevenLabs("el-key", srv.URL, nil, nil, nil, nil)
	_, err := e.Synthesize(context.Background(), "hello", relay.SpeechOptions{Voice: "missing"})

	var upstreamErr *relay.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Status != http.StatusUnprocessableEntity || upstreamErr.Body != `{"detail": "voice not found"}` {
		t.Errorf("upstream = %d %q", upstreamErr.Status, upstreamErr.Body)
	}
}
