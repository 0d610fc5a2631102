package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
upstream:
  api_key: sk-test
secrets:
  static:
    key-1: s3cret
`

func TestLoadFromReader_MinimalConfigGetsDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Upstream.InputFormat != FormatULaw || cfg.Upstream.OutputFormat != FormatULaw {
		t.Errorf("formats = %q/%q, want %s defaults", cfg.Upstream.InputFormat, cfg.Upstream.OutputFormat, FormatULaw)
	}
	if cfg.Limits.MaxCallDuration.Std() != DefaultMaxCallDuration {
		t.Errorf("MaxCallDuration = %v, want %v", cfg.Limits.MaxCallDuration.Std(), DefaultMaxCallDuration)
	}
	if cfg.Limits.CommitDebounce.Std() != DefaultCommitDebounce {
		t.Errorf("CommitDebounce = %v, want %v", cfg.Limits.CommitDebounce.Std(), DefaultCommitDebounce)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  allow_unauthenticated_test: true
upstream:
  api_key: sk-test
  model: gpt-4o-realtime-preview
  voice: alloy
  temperature: 0.7
  transcription_model: whisper-1
  input_format: pcm16
  output_format: pcm16
  turn_detection:
    threshold: 0.6
    prefix_padding_ms: 200
    silence_duration_ms: 500
limits:
  max_call_duration: 10m
  inactivity_timeout: 45s
  commit_debounce: 250ms
  barge_in_window: 800ms
  handover_grace: 2s
moderation:
  enabled: true
secrets:
  static:
    key-1: s3cret
flags:
  refresh_interval: 30s
  defaults:
    barge_in: true
dialog:
  greeting_instructions: "greet"
  intent_instructions: "classify"
  handover_instructions: "transfer"
  rejection_utterance: "I can't help with that."
  tasks:
    - id: billing
      instructions: "handle billing"
fallback:
  prompt_audio_path: /etc/voxgate/apology.ulaw
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Limits.MaxCallDuration.Std() != 10*time.Minute {
		t.Errorf("MaxCallDuration = %v, want 10m", cfg.Limits.MaxCallDuration.Std())
	}
	if cfg.Limits.CommitDebounce.Std() != 250*time.Millisecond {
		t.Errorf("CommitDebounce = %v, want 250ms", cfg.Limits.CommitDebounce.Std())
	}
	// Moderation falls back to the upstream credential.
	if cfg.Moderation.APIKey != "sk-test" {
		t.Errorf("Moderation.APIKey = %q, want upstream key", cfg.Moderation.APIKey)
	}
	if len(cfg.Dialog.Tasks) != 1 || cfg.Dialog.Tasks[0].ID != "billing" {
		t.Errorf("Tasks = %+v", cfg.Dialog.Tasks)
	}
	if !cfg.Flags.Defaults["barge_in"] {
		t.Error("Flags.Defaults missing barge_in")
	}
}

func TestLoadFromReader_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("VOXGATE_TEST_API_KEY", "sk-from-env")
	yaml := `
upstream:
  api_key: ${VOXGATE_TEST_API_KEY}
secrets:
  static:
    key-1: s3cret
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Upstream.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want the environment value", cfg.Upstream.APIKey)
	}
}

func TestLoadFromReader_UnsetEnvReferenceFailsValidation(t *testing.T) {
	yaml := `
upstream:
  api_key: ${VOXGATE_TEST_UNSET_KEY}
secrets:
  static:
    key-1: s3cret
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "upstream.api_key") {
		t.Fatalf("LoadFromReader() = %v, want the placeholder rejected as a missing key", err)
	}
}

func TestLoadFromReader_BareDollarLeftAlone(t *testing.T) {
	yaml := minimalYAML + `
dialog:
  greeting_instructions: "Plans start at $5 a month."
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if got := cfg.Dialog.GreetingInstructions; got != "Plans start at $5 a month." {
		t.Errorf("GreetingInstructions = %q, dollar sign must survive expansion", got)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := minimalYAML + `
bogus_section:
  x: 1
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing upstream key",
			mutate:  func(c *Config) { c.Upstream.APIKey = "" },
			wantSub: "upstream.api_key",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantSub: "server.log_level",
		},
		{
			name:    "bad input format",
			mutate:  func(c *Config) { c.Upstream.InputFormat = "mp3" },
			wantSub: "upstream.input_format",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Upstream.TurnDetection.Threshold = 1.5 },
			wantSub: "turn_detection.threshold",
		},
		{
			name: "no secret store",
			mutate: func(c *Config) {
				c.Secrets.Static = nil
				c.Secrets.PostgresDSN = ""
			},
			wantSub: "no secret store",
		},
		{
			name: "duplicate task id",
			mutate: func(c *Config) {
				c.Dialog.Tasks = []TaskConfig{
					{ID: "billing", Instructions: "a"},
					{ID: "billing", Instructions: "b"},
				}
			},
			wantSub: "duplicate",
		},
		{
			name: "task missing instructions",
			mutate: func(c *Config) {
				c.Dialog.Tasks = []TaskConfig{{ID: "billing"}}
			},
			wantSub: "instructions is required",
		},
		{
			name: "tls missing key file",
			mutate: func(c *Config) {
				c.Server.TLS = &TLSConfig{CertFile: "cert.pem"}
			},
			wantSub: "server.tls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
			if err != nil {
				t.Fatalf("base config: %v", err)
			}
			tt.mutate(cfg)

			err = Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_TestBypassAllowsNoSecretStore(t *testing.T) {
	yaml := `
server:
  allow_unauthenticated_test: true
upstream:
  api_key: sk-test
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
}

func TestDuration_InvalidString(t *testing.T) {
	yaml := minimalYAML + `
limits:
  inactivity_timeout: soon
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}
