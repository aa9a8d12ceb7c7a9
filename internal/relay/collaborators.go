package relay

import (
	"context"

	"VoiceRelay/internal/conversation"
)

// ChatOptions are per-request overrides for a chat completion. Empty fields
// have already been filled from Defaults when a collaborator sees them,
// except Temperature, which is only sent when the client provided one.
type ChatOptions struct {
	Model        string
	SystemPrompt string
	Temperature  *float64
}

// SpeechOptions are per-request overrides for speech synthesis.
type SpeechOptions struct {
	Voice        string
	Model        string
	OutputFormat string
}

// TranscriptionOptions are per-request hints for transcription.
type TranscriptionOptions struct {
	MimeType       string
	Model          string
	Language       string
	Prompt         string
	Temperature    *float64
	ResponseFormat string
}

// ChatCompleter produces the assistant reply to a conversation.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []conversation.Message, opts ChatOptions) (string, error)
}

// SpeechSynthesizer turns text into encoded audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, opts SpeechOptions) ([]byte, error)
}

// Transcriber turns encoded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts TranscriptionOptions) (string, error)
}

// Defaults is the read-only configuration the relay falls back to when a
// request leaves an option unset.
type Defaults struct {
	ChatModel    string
	SystemPrompt string

	SpeechVoice  string
	SpeechModel  string
	SpeechFormat string

	TranscriptionModel    string
	TranscriptionLanguage string

	// HasCredentials is false when the upstream API key is missing.
	HasCredentials bool
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
