package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"VoiceRelay/internal/relay"

	"gopkg.in/yaml.v3"
)

// Speech backends.
const (
	BackendOpenAI     = "openai"
	BackendElevenLabs = "elevenlabs"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds application configuration. It is read once at startup and
// never modified afterwards.
type Config struct {
	Env         string   `yaml:"env"`
	Port        int      `yaml:"port"`
	Debug       bool     `yaml:"debug"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogDir      string   `yaml:"log_dir"`

	// SpeechBackend selects the speech synthesizer (openai|elevenlabs).
	SpeechBackend string `yaml:"speech_provider"`

	OpenAI     OpenAIConfig     `yaml:"openai"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Journal    JournalConfig    `yaml:"journal"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// OpenAIConfig configures the OpenAI chat, speech and transcription calls.
type OpenAIConfig struct {
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	Timeout          string `yaml:"timeout"` // e.g. "30s"; empty means no timeout
	Model            string `yaml:"model"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`
	TTSModel         string `yaml:"tts_model"`
	TTSVoice         string `yaml:"tts_voice"`
	TTSFormat        string `yaml:"tts_format"`
	STTModel         string `yaml:"stt_model"`
	STTLanguage      string `yaml:"stt_language"`
}

// ElevenLabsConfig configures the ElevenLabs speech backend.
type ElevenLabsConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	VoiceID      string `yaml:"voice_id"`
	TTSModel     string `yaml:"tts_model"`
	OutputFormat string `yaml:"output_format"`
}

// JournalConfig enables the SQLite request journal when Path is set.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig limits requests per client address. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// TelemetryConfig controls the OpenTelemetry file exporters.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Env:           EnvDevelopment,
		Port:          3000,
		CORSOrigins:   []string{"*"},
		LogDir:        "logs",
		SpeechBackend: BackendOpenAI,
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			TTSModel:    "gpt-4o-mini-tts",
			TTSVoice:    "alloy",
			TTSFormat:   "mp3",
			STTModel:    "whisper-1",
			STTLanguage: "ko",
		},
		ElevenLabs: ElevenLabsConfig{
			VoiceID:      "JBFqnCBsd6RMkjVDRZzb",
			TTSModel:     "eleven_multilingual_v2",
			OutputFormat: "mp3_44100_128",
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// Load reads the YAML file at path on top of Default and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.OpenAI.SystemPrompt = resolveSystemPrompt(cfg.OpenAI.SystemPromptFile, cfg.OpenAI.SystemPrompt)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("NODE_ENV", &c.Env)
	str("APP_ENV", &c.Env)
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v, ok := lookup("CORS_ORIGIN"); ok && v != "" {
		c.CORSOrigins = SplitOrigins(v)
	}
	str("LOG_DIR", &c.LogDir)
	str("SPEECH_PROVIDER", &c.SpeechBackend)
	str("JOURNAL_PATH", &c.Journal.Path)

	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("OPENAI_TIMEOUT", &c.OpenAI.Timeout)
	str("GPT_MODEL", &c.OpenAI.Model)
	str("GPT_SYSTEM_PROMPT", &c.OpenAI.SystemPrompt)
	str("GPT_SYSTEM_PROMPT_FILE", &c.OpenAI.SystemPromptFile)
	str("OPENAI_TTS_MODEL", &c.OpenAI.TTSModel)
	str("OPENAI_TTS_VOICE", &c.OpenAI.TTSVoice)
	str("OPENAI_TTS_FORMAT", &c.OpenAI.TTSFormat)
	str("OPENAI_STT_MODEL", &c.OpenAI.STTModel)
	str("OPENAI_STT_LANGUAGE", &c.OpenAI.STTLanguage)

	str("ELEVENLABS_API_KEY", &c.ElevenLabs.APIKey)
	str("ELEVENLABS_BASE_URL", &c.ElevenLabs.BaseURL)
	str("ELEVENLABS_VOICE_ID", &c.ElevenLabs.VoiceID)
	str("ELEVENLABS_TTS_MODEL", &c.ElevenLabs.TTSModel)
	str("ELEVENLABS_OUTPUT_FORMAT", &c.ElevenLabs.OutputFormat)
	return nil
}

// resolveSystemPrompt prefers the contents of file. Otherwise it returns
// prompt with literal "\n" sequences turned into newlines.
func resolveSystemPrompt(file, prompt string) string {
	if file != "" {
		abs := file
		if !filepath.IsAbs(abs) {
			if wd, err := os.Getwd(); err == nil {
				abs = filepath.Join(wd, file)
			}
		}
		data, err := os.ReadFile(abs)
		if err == nil {
			return string(data)
		}
		slog.Warn("failed to read system prompt file", "path", abs, "error", err)
	}
	return strings.ReplaceAll(prompt, `\n`, "\n")
}

// SplitOrigins parses a comma separated origin list.
func SplitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IsProduction reports whether error responses must hide diagnostics.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// RequestTimeout parses OpenAI.Timeout.
func (c *Config) RequestTimeout() (time.Duration, error) {
	if c.OpenAI.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.OpenAI.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid openai timeout %q: %w", c.OpenAI.Timeout, err)
	}
	return d, nil
}

// Validate checks that the configuration can serve requests. Missing
// credentials are reported as a relay.ConfigurationError.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := c.RequestTimeout(); err != nil {
		return err
	}
	if c.OpenAI.APIKey == "" {
		return relay.ConfigError("missing OPENAI_API_KEY")
	}
	switch c.SpeechBackend {
	case BackendOpenAI:
	case BackendElevenLabs:
		if c.ElevenLabs.APIKey == "" {
			return relay.ConfigError("missing ELEVENLABS_API_KEY")
		}
	default:
		return fmt.Errorf("unknown speech backend: %s", c.SpeechBackend)
	}
	return nil
}

// Defaults derives the relay defaults for the active speech backend.
func (c *Config) Defaults() relay.Defaults {
	d := relay.Defaults{
		ChatModel:             c.OpenAI.Model,
		SystemPrompt:          c.OpenAI.SystemPrompt,
		SpeechVoice:           c.OpenAI.TTSVoice,
		SpeechModel:           c.OpenAI.TTSModel,
		SpeechFormat:          c.OpenAI.TTSFormat,
		TranscriptionModel:    c.OpenAI.STTModel,
		TranscriptionLanguage: c.OpenAI.STTLanguage,
		HasCredentials:        c.OpenAI.APIKey != "",
	}
	if c.SpeechBackend == BackendElevenLabs {
		d.SpeechVoice = c.ElevenLabs.VoiceID
		d.SpeechModel = c.ElevenLabs.TTSModel
		d.SpeechFormat = c.ElevenLabs.OutputFormat
		d.HasCredentials = d.HasCredentials && c.ElevenLabs.APIKey != ""
	}
	return d
}
