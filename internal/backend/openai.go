package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"VoiceRelay/internal/conversation"
	"VoiceRelay/internal/relay"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OpenAI implements the chat, speech and transcription collaborators on
// top of the official OpenAI Go SDK. Any OpenAI-compatible endpoint can be
// targeted with WithBaseURL.
type OpenAI struct {
	client    openai.Client
	logger    *slog.Logger
	tracer    trace.Tracer
	histogram metric.Float64Histogram
}

// OpenAIOption configures an OpenAI backend.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	inst    instruments
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openaiConfig) { c.apiKey = key }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithTimeout sets a per-request timeout. Zero leaves requests bounded only
// by the caller's context.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) { c.timeout = d }
}

// WithInstrumentation attaches a logger, tracer and meter.
func WithInstrumentation(logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) OpenAIOption {
	return func(c *openaiConfig) { c.inst = instruments{logger: logger, tracer: tracer, meter: meter} }
}

// NewOpenAI creates an OpenAI backend. The SDK's automatic retries are
// disabled: a failed call fails the request.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	var cfg openaiConfig
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.timeout))
	}

	logger, tracer, histogram := cfg.inst.resolve()
	return &OpenAI{
		client:    openai.NewClient(clientOpts...),
		logger:    logger,
		tracer:    tracer,
		histogram: histogram,
	}
}

// Complete requests a chat completion. A system message built from
// opts.SystemPrompt is prepended when the conversation has none.
func (p *OpenAI) Complete(ctx context.Context, messages []conversation.Message, opts relay.ChatOptions) (string, error) {
	ctx, span := p.tracer.Start(ctx, "openai_chat_completion")
	defer span.End()
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Model:    opts.Model,
		Messages: toOpenAIMessages(conversation.WithSystemPrompt(messages, opts.SystemPrompt)),
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	p.record(ctx, "chat", start, err)
	if err != nil {
		return "", upstreamError("OpenAI", err)
	}

	if len(completion.Choices) == 0 {
		return "", nil
	}
	p.logger.Debug("chat completion",
		"model", completion.Model,
		"prompt_tokens", completion.Usage.PromptTokens,
		"completion_tokens", completion.Usage.CompletionTokens,
	)
	return completion.Choices[0].Message.Content, nil
}

// Synthesize requests text-to-speech audio.
func (p *OpenAI) Synthesize(ctx context.Context, text string, opts relay.SpeechOptions) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "openai_speech")
	defer span.End()
	start := time.Now()

	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(opts.Model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(opts.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(opts.OutputFormat),
	})
	if err != nil {
		p.record(ctx, "speech", start, err)
		return nil, upstreamError("OpenAI TTS", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	p.record(ctx, "speech", start, err)
	if err != nil {
		return nil, relay.NewUpstreamError("OpenAI TTS", resp.StatusCode, "", fmt.Errorf("failed to read audio: %w", err))
	}
	return audio, nil
}

// Transcribe uploads audio for transcription and returns the text.
func (p *OpenAI) Transcribe(ctx context.Context, audio []byte, opts relay.TranscriptionOptions) (string, error) {
	ctx, span := p.tracer.Start(ctx, "openai_transcription")
	defer span.End()
	start := time.Now()

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "audio."+GuessExtension(opts.MimeType), opts.MimeType),
		Model: openai.AudioModel(opts.Model),
	}
	if opts.Language != "" {
		params.Language = openai.String(opts.Language)
	}
	if opts.Prompt != "" {
		params.Prompt = openai.String(opts.Prompt)
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	// Only JSON formats decode into a Transcription.
	switch rf := strings.ToLower(opts.ResponseFormat); rf {
	case "json", "verbose_json":
		params.ResponseFormat = openai.AudioResponseFormat(rf)
	case "":
	default:
		p.logger.Debug("ignoring transcription response format", "response_format", rf)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	p.record(ctx, "transcription", start, err)
	if err != nil {
		return "", upstreamError("OpenAI STT", err)
	}
	return res.Text, nil
}

func (p *OpenAI) record(ctx context.Context, op string, start time.Time, err error) {
	p.histogram.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("upstream", "openai"),
			attribute.String("operation", op),
			attribute.Bool("error", err != nil),
		))
}

// toOpenAIMessages converts conversation messages to the SDK union type.
func toOpenAIMessages(msgs []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			out[i] = openai.SystemMessage(m.Content)
		case conversation.RoleAssistant:
			out[i] = openai.AssistantMessage(m.Content)
		default:
			out[i] = openai.UserMessage(m.Content)
		}
	}
	return out
}

// upstreamError converts an SDK error into a relay.UpstreamError carrying
// the HTTP status and message returned by the API.
func upstreamError(service string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return relay.NewUpstreamError(service, apiErr.StatusCode, apiErr.Message, err)
	}
	return relay.NewUpstreamError(service, 0, "", err)
}

// GuessExtension maps an audio MIME type to a file extension the
// transcription API accepts.
func GuessExtension(mime string) string {
	m := strings.ToLower(mime)
	switch {
	case m == "":
		return "mp3"
	case strings.Contains(m, "wav"):
		return "wav"
	case strings.Contains(m, "webm"):
		return "webm"
	case strings.Contains(m, "ogg"), strings.Contains(m, "oga"):
		return "ogg"
	case strings.Contains(m, "m4a"):
		return "m4a"
	case strings.Contains(m, "mp4"):
		return "mp4"
	case strings.Contains(m, "mpga"):
		return "mpga"
	default:
		return "mp3"
	}
}
