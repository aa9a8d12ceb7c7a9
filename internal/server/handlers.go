package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"VoiceRelay/internal/journal"
	"VoiceRelay/internal/relay"
	"VoiceRelay/internal/timing"
)

const (
	maxJSONBody      = 1 << 20
	maxMultipartBody = 25 << 20
)

func (s *Server) handleChat(defaultMode relay.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		reply, err := s.relay.Converse(r.Context(), relay.ChatInput{
			Body:        body,
			QueryFormat: r.URL.Query().Get("format"),
			QueryDebug:  r.URL.Query().Get("debug"),
			Accept:      r.Header.Get("Accept"),
			DefaultMode: defaultMode,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}

		writeReply(w, reply, "reply")
		s.remember(r, http.StatusOK, reply.Mode, reply.Fingerprint, reply.Timer)
	}
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	reply, err := s.relay.Speak(r.Context(), speechInput(body))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeReply(w, reply, "speech")
	s.remember(r, http.StatusOK, reply.Mode, "", reply.Timer)
}

func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	in, err := transcriptionInput(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out, err := s.relay.Transcribe(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Server-Timing", out.Timer.Header())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"text": out.Text})
	s.remember(r, http.StatusOK, "", "", out.Timer)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, errorPayload{Error: "journal is not enabled"})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, relay.InputError("limit must be a positive integer"))
			return
		}
		limit = min(n, 200)
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to read journal: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// writeReply sends raw audio for audio mode and JSON otherwise. name is the
// base of the suggested file name.
func writeReply(w http.ResponseWriter, reply *relay.Reply, name string) {
	h := w.Header()
	h.Set("Server-Timing", reply.Timer.Header())

	if reply.Binary() {
		h.Set("Content-Type", reply.AudioMime)
		h.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.%s"`, name, reply.AudioExt))
		h.Set("Content-Length", strconv.Itoa(len(reply.Audio)))
		h.Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply.Audio)
		return
	}

	if reply.Mode == relay.ModeBoth {
		h.Set("Cache-Control", "no-store")
	}
	writeJSON(w, http.StatusOK, reply.Payload())
}

// remember journals the request once the response has been written.
func (s *Server) remember(r *http.Request, status int, mode relay.Mode, fingerprint string, timer *timing.Timer) {
	if s.journal == nil {
		return
	}
	info := requestInfoFrom(r.Context())
	e := journal.Entry{
		ID:          info.id,
		Endpoint:    r.URL.Path,
		Mode:        string(mode),
		Status:      status,
		Fingerprint: fingerprint,
		StartedAt:   info.start,
		TotalMs:     float64(time.Since(info.start).Microseconds()) / 1000,
		Stages:      []timing.Step{},
	}
	if timer != nil {
		e.Stages = timer.Summary().Steps
	}
	s.journal.RecordAsync(e)
}

// decodeBody reads a JSON object or urlencoded form body. An empty body or
// a JSON value that is not an object yields an empty Body. Form fields are
// kept as strings, using the first value of repeated keys.
func decodeBody(r *http.Request) (relay.Body, error) {
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/x-www-form-urlencoded" {
		return decodeForm(r)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return relay.Body{}, nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, relay.InputError("invalid JSON body: %v", err)
	}
	if m, ok := v.(map[string]any); ok {
		return relay.Body(m), nil
	}
	return relay.Body{}, nil
}

func decodeForm(r *http.Request) (relay.Body, error) {
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, relay.InputError("invalid form body: %v", err)
	}
	body := relay.Body{}
	for key, values := range r.PostForm {
		if len(values) > 0 {
			body[key] = values[0]
		}
	}
	return body, nil
}

func speechInput(body relay.Body) relay.SpeechInput {
	return relay.SpeechInput{
		Text: body.String("text"),
		SpeechOptions: relay.SpeechOptions{
			Voice:        body.String("voiceId"),
			Model:        body.String("ttsModelId"),
			OutputFormat: body.String("outputFormat"),
		},
	}
}

// transcriptionInput reads audio from a multipart upload or a JSON body.
// A request without audio yields an empty input; the relay rejects it.
func transcriptionInput(r *http.Request) (relay.TranscriptionInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return multipartTranscription(r)
	}

	body, err := decodeBody(r)
	if err != nil {
		return relay.TranscriptionInput{}, err
	}
	return jsonTranscription(body)
}

func jsonTranscription(body relay.Body) (relay.TranscriptionInput, error) {
	in := relay.TranscriptionInput{
		TranscriptionOptions: relay.TranscriptionOptions{
			MimeType:       body.String("mimeType"),
			Model:          body.String("model"),
			Language:       body.String("language"),
			Prompt:         body.String("prompt"),
			Temperature:    body.Float("temperature"),
			ResponseFormat: body.String("responseFormat"),
		},
	}
	if b64 := body.String("audioBase64"); strings.TrimSpace(b64) != "" {
		audio, err := relay.DecodeAudioBase64(b64)
		if err != nil {
			return relay.TranscriptionInput{}, err
		}
		in.Audio = audio
	}
	return in, nil
}

func multipartTranscription(r *http.Request) (relay.TranscriptionInput, error) {
	var in relay.TranscriptionInput
	if err := r.ParseMultipartForm(maxMultipartBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, err
		}
		return in, relay.InputError("invalid multipart body: %v", err)
	}

	form := r.MultipartForm
	in.Model = formValue(form, "model")
	in.Language = formValue(form, "language")
	in.Prompt = formValue(form, "prompt")
	in.ResponseFormat = formValue(form, "responseFormat")
	if v := formValue(form, "temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return in, relay.InputError("temperature must be a number")
		}
		in.Temperature = &t
	}

	fh := pickUpload(form)
	if fh == nil || fh.Size == 0 {
		return in, nil
	}
	f, err := fh.Open()
	if err != nil {
		return in, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	audio, err := io.ReadAll(f)
	if err != nil {
		return in, fmt.Errorf("failed to read upload: %w", err)
	}
	in.Audio = audio
	if ct := fh.Header.Get("Content-Type"); ct != "application/octet-stream" {
		in.MimeType = ct
	}
	return in, nil
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// pickUpload prefers the "audio" field, then "file", then the first file
// of any other field.
func pickUpload(form *multipart.Form) *multipart.FileHeader {
	for _, field := range []string{"audio", "file"} {
		if files := form.File[field]; len(files) > 0 {
			return files[0]
		}
	}
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if files := form.File[field]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}
