// Package relay sequences the chat, speech and transcription stages of a
// request and times each of them.
package relay

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"VoiceRelay/internal/conversation"
	"VoiceRelay/internal/timing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Checkpoint names recorded on the request timer.
const (
	StageChat          = "chat"
	StageSpeech        = "speech"
	StageTranscription = "transcription"
)

// Relay runs requests against its collaborators. It holds no per-request
// state and is safe for concurrent use.
type Relay struct {
	chat     ChatCompleter
	speech   SpeechSynthesizer
	stt      Transcriber
	defaults Defaults

	logger        *slog.Logger
	tracer        trace.Tracer
	stageDuration metric.Float64Histogram
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) { r.tracer = t }
}

// WithMeter records stage durations on m.
func WithMeter(m metric.Meter) Option {
	return func(r *Relay) {
		h, err := m.Float64Histogram(
			"relay.stage.duration",
			metric.WithDescription("Duration of relay stages in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err == nil {
			r.stageDuration = h
		}
	}
}

// New creates a Relay.
func New(chat ChatCompleter, speech SpeechSynthesizer, stt Transcriber, defaults Defaults, opts ...Option) *Relay {
	r := &Relay{
		chat:     chat,
		speech:   speech,
		stt:      stt,
		defaults: defaults,
		logger:   slog.Default(),
		tracer:   tracenoop.NewTracerProvider().Tracer("relay"),
	}
	r.stageDuration, _ = metricnoop.NewMeterProvider().Meter("relay").Float64Histogram("relay.stage.duration")
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reply is the outcome of a chat turn or a speech-only request.
type Reply struct {
	Mode  Mode
	Debug bool

	Text      string
	Audio     []byte
	AudioMime string
	// AudioExt is the file extension matching AudioMime.
	AudioExt string

	// Fingerprint identifies the conversation that produced Text; it is
	// empty when the text came directly from the client.
	Fingerprint string

	Timer *timing.Timer
}

// ReplyPayload is the JSON body of a non-audio reply.
type ReplyPayload struct {
	Reply       string          `json:"reply"`
	AudioBase64 string          `json:"audioBase64,omitempty"`
	AudioMime   string          `json:"audioMime,omitempty"`
	Timings     *timing.Summary `json:"timings,omitempty"`
}

// Binary reports whether the reply is sent as raw audio.
func (r *Reply) Binary() bool {
	return r.Mode == ModeAudio
}

// Payload assembles the JSON body for text and both modes.
func (r *Reply) Payload() ReplyPayload {
	p := ReplyPayload{Reply: r.Text}
	switch {
	case r.Mode == ModeBoth:
		p.AudioBase64 = base64.StdEncoding.EncodeToString(r.Audio)
		p.AudioMime = r.AudioMime
	case r.Debug:
		s := r.Timer.Summary()
		p.Timings = &s
	}
	return p
}

// Converse runs one chat turn: it obtains the reply (from the chat
// collaborator unless the client sent text directly), synthesizes speech
// when the resolved mode or the debug flag calls for it, and returns the
// assembled reply. A failure at any stage fails the whole turn.
func (r *Relay) Converse(ctx context.Context, in ChatInput) (*Reply, error) {
	timer := timing.New()

	req, err := Resolve(in, r.defaults)
	if err != nil {
		return nil, err
	}
	if !r.defaults.HasCredentials {
		return nil, ConfigError("missing upstream API key")
	}

	out := &Reply{Mode: req.Mode, Debug: req.Debug, Timer: timer}

	if req.HasDirectText {
		out.Text = req.DirectText
		timer.Mark(StageChat)
	} else {
		messages, err := conversation.Decode(req.Conversation)
		if err != nil {
			return nil, InputError("invalid messages: %v", err)
		}
		out.Fingerprint = conversation.Fingerprint(messages)

		err = r.stage(ctx, timer, StageChat, func(ctx context.Context) error {
			var err error
			out.Text, err = r.chat.Complete(ctx, messages, req.Chat)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if req.Mode == ModeText && !req.Debug {
		return out, nil
	}

	if err := r.synthesize(ctx, timer, out, req.Speech); err != nil {
		return nil, withTiming(err, timer)
	}
	return out, nil
}

// SpeechInput is a speech-only request.
type SpeechInput struct {
	Text string
	SpeechOptions
}

// Speak synthesizes in.Text without a chat stage; the reply is always audio.
func (r *Relay) Speak(ctx context.Context, in SpeechInput) (*Reply, error) {
	timer := timing.New()

	if in.Text == "" {
		return nil, InputError("text is required")
	}
	if !r.defaults.HasCredentials {
		return nil, ConfigError("missing upstream API key")
	}

	opts := SpeechOptions{
		Voice:        firstNonEmpty(in.Voice, r.defaults.SpeechVoice),
		Model:        firstNonEmpty(in.Model, r.defaults.SpeechModel),
		OutputFormat: firstNonEmpty(in.OutputFormat, r.defaults.SpeechFormat),
	}
	out := &Reply{Mode: ModeAudio, Text: in.Text, Timer: timer}
	if err := r.synthesize(ctx, timer, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Relay) synthesize(ctx context.Context, timer *timing.Timer, out *Reply, opts SpeechOptions) error {
	err := r.stage(ctx, timer, StageSpeech, func(ctx context.Context) error {
		var err error
		out.Audio, err = r.speech.Synthesize(ctx, out.Text, opts)
		return err
	})
	if err != nil {
		return err
	}
	out.AudioMime = AudioMime(opts.OutputFormat)
	out.AudioExt = AudioExtension(opts.OutputFormat)
	return nil
}

// TranscriptionInput is a transcription request. Audio must be non-empty.
type TranscriptionInput struct {
	Audio []byte
	TranscriptionOptions
}

// Transcript is the outcome of a transcription request.
type Transcript struct {
	Text  string
	Timer *timing.Timer
}

// Transcribe forwards in.Audio to the transcription collaborator.
func (r *Relay) Transcribe(ctx context.Context, in TranscriptionInput) (*Transcript, error) {
	timer := timing.New()

	if len(in.Audio) == 0 {
		return nil, InputError(`audio is required (multipart file field "audio" or "file", or JSON audioBase64)`)
	}
	if !r.defaults.HasCredentials {
		return nil, ConfigError("missing upstream API key")
	}

	opts := in.TranscriptionOptions
	opts.Model = firstNonEmpty(opts.Model, r.defaults.TranscriptionModel)
	opts.Language = firstNonEmpty(opts.Language, r.defaults.TranscriptionLanguage)
	opts.MimeType = firstNonEmpty(opts.MimeType, "audio/mpeg")
	if opts.Temperature == nil {
		zero := 0.0
		opts.Temperature = &zero
	}

	out := &Transcript{Timer: timer}
	err := r.stage(ctx, timer, StageTranscription, func(ctx context.Context) error {
		var err error
		out.Text, err = r.stt.Transcribe(ctx, in.Audio, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stage runs fn inside a span, marks the checkpoint on success and records
// its duration. Collaborator errors that are not already relay errors are
// reported as upstream failures.
func (r *Relay) stage(ctx context.Context, timer *timing.Timer, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "relay."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("stage failed", "stage", name, "error", err)
		if !isRelayError(err) {
			err = NewUpstreamError(name, 0, "", err)
		}
		return err
	}

	d := timer.Mark(name)
	r.stageDuration.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("stage", name)))
	r.logger.Debug("stage complete", "stage", name, "duration", d)
	return nil
}
