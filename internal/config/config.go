// Package config provides the configuration schema and loader for the
// mirrortalk conversation service.
package config

import "time"

// LogLevel controls log verbosity for the mirrortalk server.
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

// Config is the root configuration structure for mirrortalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Session      SessionConfig      `yaml:"session"`
	Conversation ConversationConfig `yaml:"conversation"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Alerts       AlertConfig        `yaml:"alerts"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists origin patterns accepted on the websocket
	// endpoint. Empty restricts to same-origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig configures connection authentication.
type AuthConfig struct {
	// JWTSecret is the HMAC secret used to verify account-service tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer is the required "iss" claim value.
	Issuer string `yaml:"issuer"`

	// Audience is the required "aud" claim value.
	Audience string `yaml:"audience"`

	// AllowGuests enables guest_<uuid>_<millis> tokens for anonymous use.
	AllowGuests bool `yaml:"allow_guests"`

	// GuestTokenMaxAge is how old a guest token may be before it is rejected.
	// Defaults to 1h.
	GuestTokenMaxAge time.Duration `yaml:"guest_token_max_age"`
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	// MaxSessions is the process-wide cap on concurrent sessions.
	// Binds beyond the cap are rejected with QUEUE_FULL. Defaults to 256.
	MaxSessions int `yaml:"max_sessions"`

	// ReconnectGrace is how long a session survives after its connection
	// drops, allowing transparent reconnection. Defaults to 30s.
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`

	// IdleEviction closes sessions with no activity for this long.
	// Defaults to 5m.
	IdleEviction time.Duration `yaml:"idle_eviction"`

	// BindTimeout bounds how long a connection may wait for its session.
	// Defaults to 3s.
	BindTimeout time.Duration `yaml:"bind_timeout"`
}

// ConversationConfig tunes the per-turn pipeline.
type ConversationConfig struct {
	// Persona is the system prompt framing every reply. Defaults to a
	// neutral digital-twin persona.
	Persona string `yaml:"persona"`

	// Vocabulary lists names and terms the speech recognizer tends to
	// mishear; final transcripts are phonetically aligned against it.
	Vocabulary []string `yaml:"vocabulary"`

	// VADSilence is the silence duration that ends an utterance when the
	// client has not sent an explicit end_utterance. Defaults to 500ms.
	VADSilence time.Duration `yaml:"vad_silence"`

	// BargeIn enables interruption on inbound audio energy while the twin is
	// speaking, in addition to explicit interruption frames.
	BargeIn bool `yaml:"barge_in"`

	// InterimCadence throttles interim transcript delivery to the client.
	// Defaults to 300ms.
	InterimCadence time.Duration `yaml:"interim_cadence"`

	// MinPrefetchChars is the minimum accumulated text before a sentence
	// boundary may close a synthesis unit. Defaults to 60.
	MinPrefetchChars int `yaml:"min_prefetch_chars"`

	// TTSParallelism is the number of synthesis units in flight at once.
	// Defaults to 2.
	TTSParallelism int `yaml:"tts_parallelism"`

	// ReorderStall is how long the reorder buffer may wait on a gap before
	// warning; the turn aborts at twice this value. Defaults to 750ms.
	ReorderStall time.Duration `yaml:"reorder_stall"`

	// OutboundQueue is the bounded per-session outbound frame queue depth.
	// Defaults to 64 (about one second at target frame rates).
	OutboundQueue int `yaml:"outbound_queue"`

	// RAGBudget is the hard retrieval deadline; on expiry the turn proceeds
	// with empty context. Defaults to 200ms.
	RAGBudget time.Duration `yaml:"rag_budget"`

	// HistoryTurns is how many prior turn summaries feed the prompt.
	// Defaults to 5.
	HistoryTurns int `yaml:"history_turns"`
}

// ProvidersConfig declares which provider implementation serves each
// pipeline stage.
type ProvidersConfig struct {
	ASR        ProviderEntry `yaml:"asr"`
	LLM        ProviderEntry `yaml:"llm"`
	TTS        ProviderEntry `yaml:"tts"`
	LipSync    ProviderEntry `yaml:"lipsync"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. For streaming
	// adapters this is the websocket URL of the upstream service.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// KnowledgeConfig holds settings for the per-user retrieval layer.
type KnowledgeConfig struct {
	// PostgresDSN is the connection string for the pgvector store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions must match the configured embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// TopK is the maximum number of chunks per search. Defaults to 5.
	TopK int `yaml:"top_k"`

	// MinScore is the relevance floor in [0,1]. Defaults to 0.7.
	MinScore float64 `yaml:"min_score"`

	// CacheSize is the embed-cache entry cap. Defaults to 1024.
	CacheSize int `yaml:"cache_size"`

	// CacheTTL is the embed-cache entry lifetime. Defaults to 10m.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// AlertConfig sets thresholds for the stats aggregation endpoint.
type AlertConfig struct {
	// MinSuccessRate is the connection success-rate floor. Defaults to 0.95.
	MinSuccessRate float64 `yaml:"min_success_rate"`

	// MaxAvgConnectTime is the average connection-establishment ceiling.
	// Defaults to 3s.
	MaxAvgConnectTime time.Duration `yaml:"max_avg_connect_time"`

	// MaxTimeoutRate is the timeout-rate ceiling. Defaults to 0.05.
	MaxTimeoutRate float64 `yaml:"max_timeout_rate"`
}
