package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"VoiceRelay/internal/conversation"
)

type fakeChat struct {
	calls    int
	messages []conversation.Message
	opts     ChatOptions
	reply    string
	err      error
}

func (f *fakeChat) Complete(_ context.Context, messages []conversation.Message, opts ChatOptions) (string, error) {
	f.calls++
	f.messages = messages
	f.opts = opts
	return f.reply, f.err
}

type fakeSpeech struct {
	calls int
	text  string
	opts  SpeechOptions
	audio []byte
	err   error
}

func (f *fakeSpeech) Synthesize(_ context.Context, text string, opts SpeechOptions) ([]byte, error) {
	f.calls++
	f.text = text
	f.opts = opts
	return f.audio, f.err
}

type fakeSTT struct {
	calls int
	audio []byte
	opts  TranscriptionOptions
	text  string
	err   error
}

func (f *fakeSTT) Transcribe(_ context.Context, audio []byte, opts TranscriptionOptions) (string, error) {
	f.calls++
	f.audio = audio
	f.opts = opts
	return f.text, f.err
}

var testDefaults = Defaults{
	ChatModel:             "gpt-4o-mini",
	SpeechVoice:           "alloy",
	SpeechModel:           "gpt-4o-mini-tts",
	SpeechFormat:          "mp3",
	TranscriptionModel:    "whisper-1",
	TranscriptionLanguage: "ko",
	HasCredentials:        true,
}

func newTestRelay() (*Relay, *fakeChat, *fakeSpeech, *fakeSTT) {
	chat := &fakeChat{reply: "hello there"}
	speech := &fakeSpeech{audio: []byte("ID3-audio")}
	stt := &fakeSTT{text: "transcribed"}
	return New(chat, speech, stt, testDefaults), chat, speech, stt
}

func userTurn(content string) Body {
	return Body{"messages": []any{map[string]any{"role": "user", "content": content}}}
}

func TestConverse_TextFastPath(t *testing.T) {
	r, chat, speech, _ := newTestRelay()

	reply, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi")})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}

	if chat.calls != 1 {
		t.Errorf("chat calls = %d, want 1", chat.calls)
	}
	if speech.calls != 0 {
		t.Errorf("speech calls = %d, want 0", speech.calls)
	}
	if reply.Binary() || reply.Text != "hello there" {
		t.Errorf("reply = %+v", reply)
	}
	p := reply.Payload()
	if p.Reply != "hello there" || p.AudioBase64 != "" || p.Timings != nil {
		t.Errorf("payload = %+v, want reply only", p)
	}
	if !strings.Contains(reply.Timer.Header(), "chat;dur=") {
		t.Errorf("header = %q, want chat entry", reply.Timer.Header())
	}
	if reply.Fingerprint == "" {
		t.Error("expected conversation fingerprint")
	}
}

func TestConverse_DirectTextAudio(t *testing.T) {
	r, chat, speech, _ := newTestRelay()

	reply, err := r.Converse(context.Background(), ChatInput{Body: Body{"text": "hello", "format": "audio"}})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}

	if chat.calls != 0 {
		t.Errorf("chat calls = %d, want 0", chat.calls)
	}
	if speech.calls != 1 || speech.text != "hello" {
		t.Errorf("speech calls = %d text = %q, want 1/hello", speech.calls, speech.text)
	}
	if !reply.Binary() || reply.AudioMime != "audio/mpeg" || string(reply.Audio) != "ID3-audio" {
		t.Errorf("reply = %+v", reply)
	}
	h := reply.Timer.Header()
	if !strings.Contains(h, "speech;dur=") || !strings.Contains(h, "total;dur=") {
		t.Errorf("header = %q", h)
	}
}

func TestConverse_BothMode(t *testing.T) {
	r, _, speech, _ := newTestRelay()

	reply, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi"), QueryFormat: "both"})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if speech.calls != 1 || speech.text != "hello there" {
		t.Errorf("speech should receive the chat reply, got %q", speech.text)
	}

	p := reply.Payload()
	if p.AudioBase64 != "SUQzLWF1ZGlv" || p.AudioMime != "audio/mpeg" || p.Reply != "hello there" {
		t.Errorf("payload = %+v", p)
	}
}

func TestConverse_DebugText(t *testing.T) {
	r, _, speech, _ := newTestRelay()

	reply, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi"), QueryDebug: "1"})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if speech.calls != 1 {
		t.Errorf("debug text should time the speech stage, calls = %d", speech.calls)
	}

	p := reply.Payload()
	if p.Timings == nil || len(p.Timings.Steps) != 2 {
		t.Fatalf("timings = %+v, want chat and speech steps", p.Timings)
	}
	if p.Timings.Steps[0].Name != StageChat || p.Timings.Steps[1].Name != StageSpeech {
		t.Errorf("steps = %+v", p.Timings.Steps)
	}
	if p.AudioBase64 != "" {
		t.Error("debug text payload must not carry audio")
	}
}

func TestConverse_MissingInput(t *testing.T) {
	r, chat, speech, _ := newTestRelay()

	_, err := r.Converse(context.Background(), ChatInput{Body: Body{"gptModel": "x"}})
	var inputErr *ClientInputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected ClientInputError, got %v", err)
	}
	if chat.calls != 0 || speech.calls != 0 {
		t.Error("no collaborator may be called")
	}
}

func TestConverse_MissingCredentials(t *testing.T) {
	chat := &fakeChat{reply: "x"}
	r := New(chat, &fakeSpeech{}, &fakeSTT{}, Defaults{})

	_, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi")})
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if chat.calls != 0 {
		t.Error("chat must not be called without credentials")
	}
}

func TestConverse_MalformedMessages(t *testing.T) {
	r, chat, _, _ := newTestRelay()

	_, err := r.Converse(context.Background(), ChatInput{Body: Body{"messages": []any{"hi"}}})
	if StatusCode(err) != 400 {
		t.Fatalf("expected 400, got %v", err)
	}
	if chat.calls != 0 {
		t.Error("chat must not be called with malformed messages")
	}
}

func TestConverse_ChatFailure(t *testing.T) {
	r, chat, speech, _ := newTestRelay()
	chat.err = errors.New("connection reset")

	_, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi"), QueryFormat: "audio"})
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Service != StageChat {
		t.Errorf("Service = %q, want chat", upstreamErr.Service)
	}
	if speech.calls != 0 {
		t.Error("speech must not run after a chat failure")
	}
}

func TestConverse_SpeechFailureDiscardsReply(t *testing.T) {
	r, _, speech, _ := newTestRelay()
	speech.err = NewUpstreamError("openai tts", 429, "rate limited", nil)

	reply, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi"), QueryFormat: "both"})
	if reply != nil {
		t.Errorf("expected no partial reply, got %+v", reply)
	}
	if StatusCode(err) != 502 {
		t.Errorf("status = %d, want 502", StatusCode(err))
	}
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) || upstreamErr.Status != 429 {
		t.Errorf("upstream status should be preserved, got %v", err)
	}
}

func TestConverse_SpeechFailureKeepsTiming(t *testing.T) {
	r, _, speech, _ := newTestRelay()
	speech.err = NewUpstreamError("openai tts", 500, "", nil)

	_, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi"), QueryFormat: "audio"})
	timer := Timing(err)
	if timer == nil {
		t.Fatal("expected the timer of the completed chat stage")
	}
	marks := timer.Marks()
	if len(marks) != 1 || marks[0].Name != StageChat {
		t.Errorf("marks = %+v", marks)
	}
	if StatusCode(err) != 502 {
		t.Errorf("status = %d, want 502", StatusCode(err))
	}
}

func TestConverse_ChatFailureHasNoTiming(t *testing.T) {
	r, chat, _, _ := newTestRelay()
	chat.err = errors.New("boom")

	_, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi")})
	if Timing(err) != nil {
		t.Error("no stage completed, so no timer should be attached")
	}
}

func TestConverse_PassesOverrides(t *testing.T) {
	r, chat, speech, _ := newTestRelay()
	body := userTurn("hi")
	body["systemPrompt"] = "be terse"
	body["ttsModelId"] = "tts-1"
	body["outputFormat"] = "wav"

	reply, err := r.Converse(context.Background(), ChatInput{Body: body, Accept: "audio/mpeg"})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if chat.opts.SystemPrompt != "be terse" || chat.opts.Model != "gpt-4o-mini" {
		t.Errorf("chat opts = %+v", chat.opts)
	}
	if speech.opts.Model != "tts-1" || speech.opts.Voice != "alloy" {
		t.Errorf("speech opts = %+v", speech.opts)
	}
	if reply.AudioMime != "audio/wav" || reply.AudioExt != "wav" {
		t.Errorf("mime = %q ext = %q", reply.AudioMime, reply.AudioExt)
	}
}

func TestConverse_DefaultModeAudio(t *testing.T) {
	r, _, speech, _ := newTestRelay()

	reply, err := r.Converse(context.Background(), ChatInput{Body: userTurn("hi"), DefaultMode: ModeAudio})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if !reply.Binary() || speech.calls != 1 {
		t.Errorf("expected audio reply, got mode %s", reply.Mode)
	}
}

func TestSpeak(t *testing.T) {
	r, chat, speech, _ := newTestRelay()

	reply, err := r.Speak(context.Background(), SpeechInput{Text: "read this", SpeechOptions: SpeechOptions{Voice: "nova"}})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if chat.calls != 0 {
		t.Error("speech-only requests never chat")
	}
	if speech.opts.Voice != "nova" || speech.opts.OutputFormat != "mp3" {
		t.Errorf("speech opts = %+v", speech.opts)
	}
	if !reply.Binary() {
		t.Error("speech-only replies are always audio")
	}

	if _, err := r.Speak(context.Background(), SpeechInput{}); StatusCode(err) != 400 {
		t.Errorf("empty text: expected 400, got %v", err)
	}
}

func TestTranscribe(t *testing.T) {
	r, _, _, stt := newTestRelay()

	out, err := r.Transcribe(context.Background(), TranscriptionInput{
		Audio:                []byte{1, 2, 3},
		TranscriptionOptions: TranscriptionOptions{Prompt: "verbatim"},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if out.Text != "transcribed" {
		t.Errorf("Text = %q", out.Text)
	}
	if stt.opts.Model != "whisper-1" || stt.opts.Language != "ko" || stt.opts.MimeType != "audio/mpeg" {
		t.Errorf("opts = %+v", stt.opts)
	}
	if stt.opts.Temperature == nil || *stt.opts.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", stt.opts.Temperature)
	}
	if !strings.HasPrefix(out.Timer.Header(), "transcription;dur=") {
		t.Errorf("header = %q", out.Timer.Header())
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	r, _, _, stt := newTestRelay()

	_, err := r.Transcribe(context.Background(), TranscriptionInput{Audio: []byte{}})
	var inputErr *ClientInputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected ClientInputError, got %v", err)
	}
	if stt.calls != 0 {
		t.Error("transcriber must not be called for empty audio")
	}
}

func TestDecodeAudioBase64(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"aGVsbG8=", "hello", false},
		{"data:audio/webm;base64,aGVsbG8=", "hello", false},
		{"aGVsbG8", "hello", false},
		{"!!!", "", true},
	}

	for _, tt := range tests {
		got, err := DecodeAudioBase64(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("DecodeAudioBase64(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("DecodeAudioBase64(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAudioMime(t *testing.T) {
	tests := map[string]string{
		"":              "audio/mpeg",
		"mp3":           "audio/mpeg",
		"mp3_44100_128": "audio/mpeg",
		"wav":           "audio/wav",
		"opus":          "audio/ogg",
		"pcm_16000":     "audio/pcm",
		"flac":          "audio/flac",
	}
	for in, want := range tests {
		if got := AudioMime(in); got != want {
			t.Errorf("AudioMime(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InputError("bad"), 400},
		{ConfigError("no key"), 500},
		{NewUpstreamError("chat", 401, "denied", nil), 502},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	if StackTrace(InputError("bad")) == "" {
		t.Error("relay errors should carry a stack")
	}
	if Details(NewUpstreamError("chat", 401, "denied", nil)) == nil {
		t.Error("upstream errors should carry details")
	}
}
