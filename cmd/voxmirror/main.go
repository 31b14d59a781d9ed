// Command voxmirror is the main entry point for the voxmirror conversation
// gateway.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxmirror/voxmirror/internal/config"
	"github.com/voxmirror/voxmirror/internal/gateway"
	"github.com/voxmirror/voxmirror/internal/health"
	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/orchestrator"
	"github.com/voxmirror/voxmirror/internal/resilience"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/archive"
	"github.com/voxmirror/voxmirror/pkg/archive/postgres"
	"github.com/voxmirror/voxmirror/pkg/auth"
	asrstream "github.com/voxmirror/voxmirror/pkg/provider/asr/stream"
	lipsyncremote "github.com/voxmirror/voxmirror/pkg/provider/lipsync/remote"
	"github.com/voxmirror/voxmirror/pkg/provider/llm/anyllm"
	openaillm "github.com/voxmirror/voxmirror/pkg/provider/llm/openai"
	ragremote "github.com/voxmirror/voxmirror/pkg/provider/rag/remote"
	"github.com/voxmirror/voxmirror/pkg/provider/tts"
	ttsremote "github.com/voxmirror/voxmirror/pkg/provider/tts/remote"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxmirror: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxmirror: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxmirror starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxmirror",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Turn archive (optional) ───────────────────────────────────────────────
	var arch archive.Store
	if cfg.Archive.PostgresDSN != "" {
		arch, err = postgres.NewStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect turn archive", "err", err)
			return 1
		}
		defer arch.Close()
		slog.Info("turn archive connected")
	}

	// ── Token verifier ────────────────────────────────────────────────────────
	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		// A random per-process secret keeps guest tokens working; bearer
		// tokens cannot verify until auth.jwt_secret is set.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			slog.Error("failed to generate ephemeral secret", "err", err)
			return 1
		}
	}
	verifier, err := auth.NewVerifier(secret)
	if err != nil {
		slog.Error("failed to create token verifier", "err", err)
		return 1
	}

	// ── Session store ─────────────────────────────────────────────────────────
	var storeOpts []session.StoreOption
	if cfg.Session.TTL > 0 {
		storeOpts = append(storeOpts, session.WithTTL(cfg.Session.TTL))
	}
	if arch != nil {
		storeOpts = append(storeOpts, session.WithArchive(arch))
	}
	store := session.NewStore(storeOpts...)
	store.StartSweeper(ctx, cfg.Session.SweepInterval)

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, providerNames, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Gateway and pipeline ──────────────────────────────────────────────────
	registry := gateway.NewRegistry(metrics)
	connStats := gateway.NewConnMetrics()

	orch := orchestrator.New(registry, store, providers, metrics, orchestrator.Config{
		SystemPrompt:       cfg.Pipeline.SystemPrompt,
		Voice:              tts.Voice{ID: cfg.Pipeline.VoiceID},
		AvatarID:           cfg.Pipeline.AvatarID,
		RetrievalTopK:      cfg.Pipeline.RetrievalTopK,
		RetrievalThreshold: cfg.Pipeline.RetrievalThreshold,
		HistoryWindow:      cfg.Pipeline.HistoryWindow,
		LLMCostPer1KTokens: cfg.Pipeline.LLMCostPer1KTokens,
		ProviderNames:      providerNames,
	})

	router := gateway.NewRouter(store, registry, orch, metrics)

	var checkers []health.Checker
	if arch != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: arch.Ping})
	}
	healthHandler := health.New(checkers...)

	server := gateway.NewServer(gateway.ServerConfig{
		Verifier:          verifier,
		Store:             store,
		Registry:          registry,
		Router:            router,
		ConnStats:         connStats,
		Metrics:           metrics,
		Health:            healthHandler,
		ListenAddr:        cfg.Server.ListenAddr,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
	})

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	serverErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serverErr <- server.StartTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serverErr <- server.Start()
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	exit := 0
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "err", err)
		exit = 1
	}
	if err := orch.Close(); err != nil {
		slog.Warn("pipeline shutdown error", "err", err)
	}
	if err := store.Close(); err != nil {
		slog.Warn("session store close error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the configured upstream clients for each
// pipeline stage and returns them alongside the stage→name map used for
// metrics attribution.
func buildProviders(cfg *config.Config) (orchestrator.Providers, map[string]string, error) {
	var ps orchestrator.Providers
	names := make(map[string]string)

	// ── ASR ───────────────────────────────────────────────────────────────────
	{
		entry := cfg.Providers.ASR
		var opts []asrstream.Option
		if entry.Model != "" {
			opts = append(opts, asrstream.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, asrstream.WithLanguage(lang))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, asrstream.WithSampleRate(rate))
		}
		p, err := asrstream.New(entry.Endpoint, entry.APIKey, opts...)
		if err != nil {
			return ps, nil, fmt.Errorf("create asr provider %q: %w", entry.Name, err)
		}
		ps.ASR = p
		names["asr"] = entry.Name
		slog.Info("provider created", "kind", "asr", "name", entry.Name)
	}

	// ── RAG (optional) ────────────────────────────────────────────────────────
	if entry := cfg.Providers.RAG; entry.Configured() {
		var opts []ragremote.Option
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ragremote.WithTimeout(d))
		}
		p, err := ragremote.New(entry.Endpoint, entry.APIKey, opts...)
		if err != nil {
			return ps, nil, fmt.Errorf("create rag provider %q: %w", entry.Name, err)
		}
		ps.RAG = p
		names["rag"] = entry.Name
		slog.Info("provider created", "kind", "rag", "name", entry.Name)
	}

	// ── LLM with failover ─────────────────────────────────────────────────────
	{
		entry := cfg.Providers.LLM
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		primary, err := openaillm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return ps, nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		group := resilience.NewLLMFallback(primary, entry.Name, resilience.BreakerConfig{Name: "llm"})
		names["llm"] = entry.Name
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

		if fb := cfg.Providers.LLMFallback; fb.Configured() {
			var fbOpts []anyllmlib.Option
			if fb.APIKey != "" {
				fbOpts = append(fbOpts, anyllmlib.WithAPIKey(fb.APIKey))
			}
			if fb.BaseURL != "" {
				fbOpts = append(fbOpts, anyllmlib.WithBaseURL(fb.BaseURL))
			}
			fallback, err := anyllm.New(fb.Name, fb.Model, fbOpts...)
			if err != nil {
				return ps, nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
			}
			group.AddFallback(fb.Name, fallback)
			slog.Info("provider created", "kind", "llm_fallback", "name", fb.Name, "model", fb.Model)
		}
		ps.LLM = group
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	{
		entry := cfg.Providers.TTS
		var opts []ttsremote.Option
		if entry.Model != "" {
			opts = append(opts, ttsremote.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, ttsremote.WithOutputFormat(format))
		}
		p, err := ttsremote.New(entry.Endpoint, entry.APIKey, opts...)
		if err != nil {
			return ps, nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = p
		names["tts"] = entry.Name
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}

	// ── Lipsync (optional) ────────────────────────────────────────────────────
	if entry := cfg.Providers.Lipsync; entry.Configured() {
		var opts []lipsyncremote.Option
		if format := optString(entry.Options, "format"); format != "" {
			opts = append(opts, lipsyncremote.WithFormat(format))
		}
		p, err := lipsyncremote.New(entry.Endpoint, entry.APIKey, opts...)
		if err != nil {
			return ps, nil, fmt.Errorf("create lipsync provider %q: %w", entry.Name, err)
		}
		ps.Lipsync = p
		names["lipsync"] = entry.Name
		slog.Info("provider created", "kind", "lipsync", "name", entry.Name)
	}

	return ps, names, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxmirror — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("RAG", cfg.Providers.RAG.Name, "")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("LLM fallback", cfg.Providers.LLMFallback.Name, cfg.Providers.LLMFallback.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Lipsync", cfg.Providers.Lipsync.Name, "")
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// unmarked integers as int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}

// optDuration extracts a duration from a provider Options map, accepting
// Go duration strings like "5s".
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed duration option", "key", key, "value", s)
		return 0
	}
	return d
}
