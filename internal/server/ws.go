package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"VoiceRelay/internal/relay"
	"VoiceRelay/internal/timing"

	"github.com/gorilla/websocket"
)

// WebSocket operations.
const (
	opChat = "chat"
	opTTS  = "tts"
	opSTT  = "stt"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 10 * time.Second
)

// wsResponse answers one WebSocket message. ID echoes the client's id so
// replies can be matched to requests.
type wsResponse struct {
	Op          string          `json:"op"`
	ID          any             `json:"id,omitempty"`
	Reply       string          `json:"reply,omitempty"`
	Text        string          `json:"text,omitempty"`
	AudioBase64 string          `json:"audioBase64,omitempty"`
	AudioMime   string          `json:"audioMime,omitempty"`
	Timing      *timing.Summary `json:"timing,omitempty"`
	Error       string          `json:"error,omitempty"`
	Status      int             `json:"status,omitempty"`
}

// handleWS runs a JSON message loop. Each message names an op and carries
// the same fields as the matching HTTP endpoint; failures are reported on
// the socket and the loop continues. A message larger than the JSON body
// limit closes the socket with CloseMessageTooBig, and a peer that stops
// answering pings is dropped after wsPongWait.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxJSONBody)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	ctx := r.Context()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.logger.Warn("websocket message too large", "limit", maxJSONBody)
			} else {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		body := relay.Body(msg)
		if body == nil {
			body = relay.Body{}
		}
		op := body.String("op")
		resp := wsResponse{Op: op, ID: body["id"]}

		var (
			summary timing.Summary
			opErr   error
		)
		switch op {
		case opChat:
			var reply *relay.Reply
			reply, opErr = s.relay.Converse(ctx, relay.ChatInput{
				Body:        body,
				QueryDebug:  body.String("debug"),
				DefaultMode: relay.ModeText,
			})
			if opErr == nil {
				resp.Reply = reply.Text
				if len(reply.Audio) > 0 && reply.Mode != relay.ModeText {
					resp.AudioBase64 = base64.StdEncoding.EncodeToString(reply.Audio)
					resp.AudioMime = reply.AudioMime
				}
				summary = reply.Timer.Summary()
			}
		case opTTS:
			var reply *relay.Reply
			reply, opErr = s.relay.Speak(ctx, speechInput(body))
			if opErr == nil {
				resp.AudioBase64 = base64.StdEncoding.EncodeToString(reply.Audio)
				resp.AudioMime = reply.AudioMime
				summary = reply.Timer.Summary()
			}
		case opSTT:
			var in relay.TranscriptionInput
			in, opErr = jsonTranscription(body)
			if opErr == nil {
				var out *relay.Transcript
				out, opErr = s.relay.Transcribe(ctx, in)
				if opErr == nil {
					resp.Text = out.Text
					summary = out.Timer.Summary()
				}
			}
		default:
			opErr = relay.InputError("unknown op %q (expected chat, tts or stt)", op)
		}

		if opErr != nil {
			resp.Status = statusFor(opErr)
			resp.Error = s.errorBody(opErr, resp.Status).Error
			if resp.Status >= 500 {
				s.logger.Error("websocket op failed", "op", op, "error", opErr)
			}
		} else {
			resp.Timing = &summary
		}

		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// pingLoop keeps the read deadline moving for live peers until done closes.
func (s *Server) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
