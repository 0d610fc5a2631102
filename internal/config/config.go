// Package config provides the configuration schema and loader for the
// voxgate gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Limits     LimitsConfig     `yaml:"limits"`
	Moderation ModerationConfig `yaml:"moderation"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Flags      FlagsConfig      `yaml:"flags"`
	Dialog     DialogConfig     `yaml:"dialog"`
	Fallback   FallbackConfig   `yaml:"fallback"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowUnauthenticatedTest enables the development-only signature
	// bypass for request paths carrying the test marker. Must stay false
	// in production.
	AllowUnauthenticatedTest bool `yaml:"allow_unauthenticated_test"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig selects and authenticates the voice-AI backend.
type UpstreamConfig struct {
	// APIKey is the bearer credential for the backend connection.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint. Leave empty to use
	// the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model (e.g., "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Voice selects the synthesised voice.
	Voice string `yaml:"voice"`

	// Temperature is the sampling temperature. Zero uses the backend default.
	Temperature float64 `yaml:"temperature"`

	// TranscriptionModel selects the input transcription model, if any.
	TranscriptionModel string `yaml:"transcription_model"`

	// InputFormat and OutputFormat name the audio encodings exchanged with
	// the backend: "g711_ulaw" or "pcm16". With "pcm16", caller audio is
	// resampled between the telephony rate and the backend rate.
	InputFormat  string `yaml:"input_format"`
	OutputFormat string `yaml:"output_format"`

	// TurnDetection tunes the backend voice-activity detection.
	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig tunes the backend VAD.
type TurnDetectionConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// LimitsConfig bounds call lifetime and turn-taking timers.
type LimitsConfig struct {
	// MaxCallDuration is the total call ceiling.
	MaxCallDuration Duration `yaml:"max_call_duration"`

	// InactivityTimeout ends calls with no audio or backend activity.
	InactivityTimeout Duration `yaml:"inactivity_timeout"`

	// CommitDebounce is the quiet period after speech stops before the
	// buffered caller audio is committed as a turn.
	CommitDebounce Duration `yaml:"commit_debounce"`

	// BargeInWindow is how recently the caller must have spoken for
	// incoming audio to cancel an in-flight response.
	BargeInWindow Duration `yaml:"barge_in_window"`

	// HandoverGrace delays termination after a handover completes so
	// trailing audio can flush.
	HandoverGrace Duration `yaml:"handover_grace"`
}

// ModerationConfig gates caller transcripts through a content-safety check.
type ModerationConfig struct {
	Enabled bool `yaml:"enabled"`

	// APIKey authenticates the moderation API. Empty falls back to
	// upstream.api_key.
	APIKey string `yaml:"api_key"`

	// Model selects the moderation model. Empty uses the provider default.
	Model string `yaml:"model"`
}

// SecretsConfig selects the API-key secret store used for signed-request
// verification.
type SecretsConfig struct {
	// Static maps API key identifiers to secrets directly in configuration.
	Static map[string]string `yaml:"static"`

	// PostgresDSN, when set, resolves secrets from a PostgreSQL table
	// instead of the static map.
	PostgresDSN string `yaml:"postgres_dsn"`

	// CacheTTL is the freshness window for database-resolved secrets.
	CacheTTL Duration `yaml:"cache_ttl"`
}

// FlagsConfig configures the feature-flag cache.
type FlagsConfig struct {
	// URL is the flag endpoint polled by the cache. Empty makes the cache
	// static, serving Defaults only.
	URL string `yaml:"url"`

	// RefreshInterval is the polling period.
	RefreshInterval Duration `yaml:"refresh_interval"`

	// Defaults seed the cache before the first successful refresh.
	Defaults map[string]bool `yaml:"defaults"`
}

// DialogConfig holds the instruction text for each conversation mode and the
// task catalog.
type DialogConfig struct {
	GreetingInstructions string `yaml:"greeting_instructions"`
	IntentInstructions   string `yaml:"intent_instructions"`
	HandoverInstructions string `yaml:"handover_instructions"`

	// RejectionUtterance is spoken when moderation flags a transcript.
	RejectionUtterance string `yaml:"rejection_utterance"`

	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig is one routable task.
type TaskConfig struct {
	// ID is the intent identifier reported by the routing tool.
	ID string `yaml:"id"`

	// Instructions is the system prompt active while this task runs.
	Instructions string `yaml:"instructions"`
}

// FallbackConfig configures the local fallback path used when the backend
// is unreachable.
type FallbackConfig struct {
	// PromptAudioPath is a μ-law audio file played to the caller before an
	// error disconnect. Empty disables the apology prompt.
	PromptAudioPath string `yaml:"prompt_audio_path"`
}
