package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Audio format names accepted for upstream.input_format / output_format.
const (
	FormatULaw  = "g711_ulaw"
	FormatPCM16 = "pcm16"
)

// Defaults applied by [ApplyDefaults] for unset fields.
const (
	DefaultListenAddr        = ":8080"
	DefaultMaxCallDuration   = 5 * time.Minute
	DefaultInactivityTimeout = 30 * time.Second
	DefaultCommitDebounce    = 300 * time.Millisecond
	DefaultBargeInWindow     = time.Second
	DefaultHandoverGrace     = time.Second
	DefaultFlagRefresh       = time.Minute
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// envRef matches ${VAR} references in the raw configuration text. The bare
// $VAR form is deliberately not expanded so prose fields can contain dollar
// signs.
var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
//
// ${VAR} references anywhere in the document are replaced with the value of
// that environment variable before decoding, so credentials stay out of the
// file (`api_key: ${OPENAI_API_KEY}`). An unset variable expands to the empty
// string and is caught by validation instead of becoming a literal
// placeholder credential.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// ApplyDefaults fills unset fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Upstream.InputFormat == "" {
		cfg.Upstream.InputFormat = FormatULaw
	}
	if cfg.Upstream.OutputFormat == "" {
		cfg.Upstream.OutputFormat = FormatULaw
	}
	if cfg.Limits.MaxCallDuration == 0 {
		cfg.Limits.MaxCallDuration = Duration(DefaultMaxCallDuration)
	}
	if cfg.Limits.InactivityTimeout == 0 {
		cfg.Limits.InactivityTimeout = Duration(DefaultInactivityTimeout)
	}
	if cfg.Limits.CommitDebounce == 0 {
		cfg.Limits.CommitDebounce = Duration(DefaultCommitDebounce)
	}
	if cfg.Limits.BargeInWindow == 0 {
		cfg.Limits.BargeInWindow = Duration(DefaultBargeInWindow)
	}
	if cfg.Limits.HandoverGrace == 0 {
		cfg.Limits.HandoverGrace = Duration(DefaultHandoverGrace)
	}
	if cfg.Flags.RefreshInterval == 0 {
		cfg.Flags.RefreshInterval = Duration(DefaultFlagRefresh)
	}
	if cfg.Moderation.Enabled && cfg.Moderation.APIKey == "" {
		cfg.Moderation.APIKey = cfg.Upstream.APIKey
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required"))
	}
	if !validFormat(cfg.Upstream.InputFormat) {
		errs = append(errs, fmt.Errorf("upstream.input_format %q is invalid; valid values: %s, %s", cfg.Upstream.InputFormat, FormatULaw, FormatPCM16))
	}
	if !validFormat(cfg.Upstream.OutputFormat) {
		errs = append(errs, fmt.Errorf("upstream.output_format %q is invalid; valid values: %s, %s", cfg.Upstream.OutputFormat, FormatULaw, FormatPCM16))
	}
	if t := cfg.Upstream.TurnDetection.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("upstream.turn_detection.threshold %.2f is out of range [0, 1]", t))
	}

	if len(cfg.Secrets.Static) == 0 && cfg.Secrets.PostgresDSN == "" && !cfg.Server.AllowUnauthenticatedTest {
		errs = append(errs, errors.New("no secret store configured: set secrets.static or secrets.postgres_dsn"))
	}

	taskIDsSeen := make(map[string]int, len(cfg.Dialog.Tasks))
	for i, task := range cfg.Dialog.Tasks {
		prefix := fmt.Sprintf("dialog.tasks[%d]", i)
		if task.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := taskIDsSeen[task.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of dialog.tasks[%d]", prefix, task.ID, prev))
		}
		taskIDsSeen[task.ID] = i
		if task.Instructions == "" {
			errs = append(errs, fmt.Errorf("%s.instructions is required", prefix))
		}
	}

	return errors.Join(errs...)
}

func validFormat(f string) bool {
	return f == FormatULaw || f == FormatPCM16
}
