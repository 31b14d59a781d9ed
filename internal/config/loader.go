package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":          {"remote"},
	"rag":          {"remote"},
	"llm":          {"openai"},
	"llm_fallback": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"tts":          {"remote"},
	"lipsync":      {"remote"},
}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_interval must not be negative"))
	}
	if cfg.Server.HeartbeatTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_timeout must not be negative"))
	}
	if cfg.Server.HeartbeatInterval > 0 && cfg.Server.HeartbeatTimeout > 0 &&
		cfg.Server.HeartbeatTimeout <= cfg.Server.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("server.heartbeat_timeout (%v) must exceed server.heartbeat_interval (%v)",
			cfg.Server.HeartbeatTimeout, cfg.Server.HeartbeatInterval))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is empty; only guest tokens will verify")
	}

	// Session
	if cfg.Session.TTL < 0 {
		errs = append(errs, fmt.Errorf("session.ttl must not be negative"))
	}
	if cfg.Session.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval must not be negative"))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("rag", cfg.Providers.RAG.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm_fallback", cfg.Providers.LLMFallback.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("lipsync", cfg.Providers.Lipsync.Name)

	// Required stages. RAG and lipsync are optional; a turn can run without
	// retrieval or video.
	if !cfg.Providers.ASR.Configured() {
		errs = append(errs, fmt.Errorf("providers.asr is required"))
	}
	if !cfg.Providers.LLM.Configured() {
		errs = append(errs, fmt.Errorf("providers.llm is required"))
	}
	if !cfg.Providers.TTS.Configured() {
		errs = append(errs, fmt.Errorf("providers.tts is required"))
	}
	if cfg.Providers.Lipsync.Configured() && cfg.Pipeline.AvatarID == "" {
		slog.Warn("providers.lipsync is configured but pipeline.avatar_id is empty; video will be disabled")
	}
	if !cfg.Providers.RAG.Configured() {
		slog.Warn("providers.rag is not configured; turns will run without knowledge retrieval")
	}

	// Pipeline
	if cfg.Pipeline.RetrievalTopK < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retrieval_top_k must not be negative"))
	}
	if cfg.Pipeline.RetrievalThreshold < 0 || cfg.Pipeline.RetrievalThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.retrieval_threshold %.2f is out of range [0, 1]", cfg.Pipeline.RetrievalThreshold))
	}
	if cfg.Pipeline.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_window must not be negative"))
	}
	if cfg.Pipeline.LLMCostPer1KTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.llm_cost_per_1k_tokens must not be negative"))
	}
	if cfg.Providers.TTS.Configured() && cfg.Pipeline.VoiceID == "" {
		errs = append(errs, fmt.Errorf("pipeline.voice_id is required when providers.tts is configured"))
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; turns will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given stage.
func validateProviderName(stage, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[stage]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"stage", stage,
		"name", name,
		"known", known,
	)
}
