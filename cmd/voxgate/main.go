// Command voxgate is the telephony voice gateway: it terminates signed
// telephony WebSocket connections and bridges each call to a realtime
// voice-AI backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/dialog"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/gateway/auth"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/provider/flags"
	"github.com/voxgate/voxgate/pkg/provider/moderation"
	modopenai "github.com/voxgate/voxgate/pkg/provider/moderation/openai"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
	rtopenai "github.com/voxgate/voxgate/pkg/provider/realtime/openai"
	"github.com/voxgate/voxgate/pkg/provider/secrets"
	secretspg "github.com/voxgate/voxgate/pkg/provider/secrets/postgres"
)

// flagDisableModeration is the feature-flag kill switch that skips the
// moderation API without a redeploy.
const flagDisableModeration = "disable_moderation"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxgate"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Secret store ──────────────────────────────────────────────────────────
	var resolver secrets.Resolver
	var readiness []health.Checker

	if dsn := cfg.Secrets.PostgresDSN; dsn != "" {
		var opts []secretspg.Option
		if ttl := cfg.Secrets.CacheTTL.Std(); ttl > 0 {
			opts = append(opts, secretspg.WithTTL(ttl))
		}
		store, err := secretspg.New(ctx, dsn, opts...)
		if err != nil {
			slog.Error("failed to open secret store", "err", err)
			return 1
		}
		defer store.Close()
		resolver = store
		readiness = append(readiness, health.Checker{Name: "secrets", Check: store.Ping})
		slog.Info("secret store ready", "backend", "postgres")
	} else {
		resolver = secrets.NewStatic(cfg.Secrets.Static)
		slog.Info("secret store ready", "backend", "static", "keys", len(cfg.Secrets.Static))
	}

	verifier := auth.New(resolver, auth.WithTestBypass(cfg.Server.AllowUnauthenticatedTest))
	if cfg.Server.AllowUnauthenticatedTest {
		slog.Warn("unauthenticated test bypass is ENABLED — do not run this in production")
	}

	// ── Feature flags ─────────────────────────────────────────────────────────
	var flagSource flags.Source
	if cfg.Flags.URL != "" {
		flagSource = &flags.HTTPSource{URL: cfg.Flags.URL}
	}
	flagCache := flags.NewCache(flagSource, cfg.Flags.Defaults, cfg.Flags.RefreshInterval.Std())

	// ── Moderation ────────────────────────────────────────────────────────────
	checker := moderation.Disabled
	if cfg.Moderation.Enabled {
		modKey := cfg.Moderation.APIKey
		if modKey == "" {
			modKey = cfg.Upstream.APIKey
		}
		base, err := modopenai.New(modKey, cfg.Moderation.Model)
		if err != nil {
			slog.Error("failed to build moderation checker", "err", err)
			return 1
		}
		// The flag cache acts as a runtime kill switch for the external call.
		checker = moderation.CheckerFunc(func(ctx context.Context, text string) (bool, error) {
			if flagCache.Enabled(flagDisableModeration) {
				return false, nil
			}
			return base.Check(ctx, text)
		})
		slog.Info("moderation enabled", "model", cfg.Moderation.Model)
	}

	// ── Voice backend ─────────────────────────────────────────────────────────
	var rtOpts []rtopenai.Option
	if cfg.Upstream.Model != "" {
		rtOpts = append(rtOpts, rtopenai.WithModel(cfg.Upstream.Model))
	}
	if cfg.Upstream.BaseURL != "" {
		rtOpts = append(rtOpts, rtopenai.WithBaseURL(cfg.Upstream.BaseURL))
	}
	provider := resilience.NewUpstream(
		rtopenai.New(cfg.Upstream.APIKey, rtOpts...),
		resilience.Config{Name: "upstream", Logger: logger},
	)
	readiness = append(readiness, health.Checker{Name: "upstream", Check: func(context.Context) error {
		if provider.State() == resilience.StateOpen {
			return errors.New("backend circuit breaker is open")
		}
		return nil
	}})

	// ── Fallback prompt ───────────────────────────────────────────────────────
	var fallbackAudio []byte
	if path := cfg.Fallback.PromptAudioPath; path != "" {
		fallbackAudio, err = os.ReadFile(path)
		if err != nil {
			slog.Error("failed to read fallback prompt audio", "path", path, "err", err)
			return 1
		}
		slog.Info("fallback prompt loaded", "path", path, "bytes", len(fallbackAudio))
	}

	// ── Gateway server ────────────────────────────────────────────────────────
	server := gateway.New(gateway.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		TLSCertFile: tlsCert(cfg),
		TLSKeyFile:  tlsKey(cfg),
		Verifier:    verifier,
		Session: session.Config{
			Provider:           provider,
			Backend:            backendConfig(cfg),
			Instructions:       instructionSet(cfg),
			Moderation:         checker,
			RejectionUtterance: cfg.Dialog.RejectionUtterance,
			FallbackAudio:      fallbackAudio,
			MaxDuration:        cfg.Limits.MaxCallDuration.Std(),
			InactivityTimeout:  cfg.Limits.InactivityTimeout.Std(),
			CommitDebounce:     cfg.Limits.CommitDebounce.Std(),
			BargeInWindow:      cfg.Limits.BargeInWindow.Std(),
			HandoverGrace:      cfg.Limits.HandoverGrace.Std(),
		},
		Readiness: readiness,
		Metrics:   metrics,
		Logger:    logger,
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		flagCache.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Config mapping ─────────────────────────────────────────────────────────────

func backendConfig(cfg *config.Config) realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:              cfg.Upstream.Voice,
		InputFormat:        cfg.Upstream.InputFormat,
		OutputFormat:       cfg.Upstream.OutputFormat,
		TranscriptionModel: cfg.Upstream.TranscriptionModel,
		Temperature:        cfg.Upstream.Temperature,
		TurnDetection: realtime.TurnDetection{
			Threshold:         cfg.Upstream.TurnDetection.Threshold,
			PrefixPaddingMs:   cfg.Upstream.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: cfg.Upstream.TurnDetection.SilenceDurationMs,
		},
	}
}

func instructionSet(cfg *config.Config) dialog.InstructionSet {
	tasks := make(map[string]dialog.Task, len(cfg.Dialog.Tasks))
	for _, t := range cfg.Dialog.Tasks {
		tasks[t.ID] = dialog.Task{ID: t.ID, Instructions: t.Instructions}
	}
	return dialog.InstructionSet{
		Greeting: cfg.Dialog.GreetingInstructions,
		Intent:   cfg.Dialog.IntentInstructions,
		Handover: cfg.Dialog.HandoverInstructions,
		Tasks:    tasks,
	}
}

func tlsCert(cfg *config.Config) string {
	if cfg.Server.TLS == nil {
		return ""
	}
	return cfg.Server.TLS.CertFile
}

func tlsKey(cfg *config.Config) string {
	if cfg.Server.TLS == nil {
		return ""
	}
	return cfg.Server.TLS.KeyFile
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
