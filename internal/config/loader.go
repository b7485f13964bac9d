package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":        {"stream", "mock"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "mock"},
	"tts":        {"stream", "mock"},
	"lipsync":    {"stream", "mock"},
	"embeddings": {"openai", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, validates the result, and
// applies defaults. Useful in tests where configs are built from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowGuests {
		errs = append(errs, errors.New("auth: either jwt_secret or allow_guests must be set"))
	}

	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("lipsync", cfg.Providers.LipSync.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Knowledge.MinScore < 0 || cfg.Knowledge.MinScore > 1 {
		errs = append(errs, fmt.Errorf("knowledge.min_score %v is outside [0,1]", cfg.Knowledge.MinScore))
	}
	if cfg.Knowledge.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("knowledge.embedding_dimensions %d is negative", cfg.Knowledge.EmbeddingDimensions))
	}
	if cfg.Conversation.TTSParallelism < 0 {
		errs = append(errs, fmt.Errorf("conversation.tts_parallelism %d is negative", cfg.Conversation.TTSParallelism))
	}
	if cfg.Alerts.MinSuccessRate < 0 || cfg.Alerts.MinSuccessRate > 1 {
		errs = append(errs, fmt.Errorf("alerts.min_success_rate %v is outside [0,1]", cfg.Alerts.MinSuccessRate))
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills zero-valued tuning fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Auth.GuestTokenMaxAge <= 0 {
		cfg.Auth.GuestTokenMaxAge = time.Hour
	}
	if cfg.Session.MaxSessions <= 0 {
		cfg.Session.MaxSessions = 256
	}
	if cfg.Session.ReconnectGrace <= 0 {
		cfg.Session.ReconnectGrace = 30 * time.Second
	}
	if cfg.Session.IdleEviction <= 0 {
		cfg.Session.IdleEviction = 5 * time.Minute
	}
	if cfg.Session.BindTimeout <= 0 {
		cfg.Session.BindTimeout = 3 * time.Second
	}
	if cfg.Conversation.Persona == "" {
		cfg.Conversation.Persona = "You are the user's digital twin. Speak naturally in the first person."
	}
	if cfg.Conversation.VADSilence <= 0 {
		cfg.Conversation.VADSilence = 500 * time.Millisecond
	}
	if cfg.Conversation.InterimCadence <= 0 {
		cfg.Conversation.InterimCadence = 300 * time.Millisecond
	}
	if cfg.Conversation.MinPrefetchChars <= 0 {
		cfg.Conversation.MinPrefetchChars = 60
	}
	if cfg.Conversation.TTSParallelism == 0 {
		cfg.Conversation.TTSParallelism = 2
	}
	if cfg.Conversation.ReorderStall <= 0 {
		cfg.Conversation.ReorderStall = 750 * time.Millisecond
	}
	if cfg.Conversation.OutboundQueue <= 0 {
		cfg.Conversation.OutboundQueue = 64
	}
	if cfg.Conversation.RAGBudget <= 0 {
		cfg.Conversation.RAGBudget = 200 * time.Millisecond
	}
	if cfg.Conversation.HistoryTurns <= 0 {
		cfg.Conversation.HistoryTurns = 5
	}
	if cfg.Knowledge.TopK <= 0 {
		cfg.Knowledge.TopK = 5
	}
	if cfg.Knowledge.MinScore == 0 {
		cfg.Knowledge.MinScore = 0.7
	}
	if cfg.Knowledge.CacheSize <= 0 {
		cfg.Knowledge.CacheSize = 1024
	}
	if cfg.Knowledge.CacheTTL <= 0 {
		cfg.Knowledge.CacheTTL = 10 * time.Minute
	}
	if cfg.Alerts.MinSuccessRate == 0 {
		cfg.Alerts.MinSuccessRate = 0.95
	}
	if cfg.Alerts.MaxAvgConnectTime <= 0 {
		cfg.Alerts.MaxAvgConnectTime = 3 * time.Second
	}
	if cfg.Alerts.MaxTimeoutRate == 0 {
		cfg.Alerts.MaxTimeoutRate = 0.05
	}
}

// validateProviderName logs a warning when name is set but not recognised
// for the given provider kind. Unknown names are warnings rather than errors
// so that out-of-tree providers remain usable.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	valid, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if !slices.Contains(valid, name) {
		slog.Warn("unrecognised provider name",
			"kind", kind,
			"name", name,
			"known", valid,
		)
	}
}
