package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"VoiceRelay/internal/relay"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsRequest represents the request body for the ElevenLabs
// text-to-speech API
type ElevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// ElevenLabs implements relay.SpeechSynthesizer against the ElevenLabs
// text-to-speech API.
type ElevenLabs struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	histogram  metric.Float64Histogram
}

// NewElevenLabs creates an ElevenLabs synthesizer. An empty baseURL selects
// the public API; a nil client uses http.DefaultClient.
func NewElevenLabs(apiKey, baseURL string, client *http.Client, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *ElevenLabs {
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	l, t, h := instruments{logger: logger, tracer: tracer, meter: meter}.resolve()
	return &ElevenLabs{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: client,
		logger:     l,
		tracer:     t,
		histogram:  h,
	}
}

// Synthesize calls the ElevenLabs API. opts.Voice is the voice id and
// opts.OutputFormat an ElevenLabs format such as "mp3_44100_128".
func (e *ElevenLabs) Synthesize(ctx context.Context, text string, opts relay.SpeechOptions) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "elevenlabs_api_call")
	defer span.End()

	start := time.Now()

	jsonData, err := json.Marshal(ElevenLabsRequest{Text: text, ModelID: opts.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, url.PathEscape(opts.Voice))
	if opts.OutputFormat != "" {
		endpoint += "?output_format=" + url.QueryEscape(opts.OutputFormat)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", relay.AudioMime(opts.OutputFormat))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, relay.NewUpstreamError("ElevenLabs TTS", 0, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relay.NewUpstreamError("ElevenLabs TTS", resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err))
	}

	e.histogram.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("upstream", "elevenlabs"),
			attribute.String("operation", "speech"),
			attribute.Bool("error", resp.StatusCode != http.StatusOK),
		))

	if resp.StatusCode != http.StatusOK {
		return nil, relay.NewUpstreamError("ElevenLabs TTS", resp.StatusCode, string(body), nil)
	}

	e.logger.Debug("elevenlabs speech", "voice", opts.Voice, "bytes", len(body))
	return body, nil
}
