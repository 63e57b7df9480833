package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Gmail      GmailConfig      `yaml:"gmail" mapstructure:"gmail"`
	AI         AIConfig         `yaml:"ai" mapstructure:"ai"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Encryption EncryptionConfig `yaml:"encryption" mapstructure:"encryption"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GmailConfig holds the OAuth client and API throttle settings for the
// mailbox collaborator.
type GmailConfig struct {
	ClientID       string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret   string  `yaml:"client_secret" mapstructure:"client_secret"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxPageSize    int     `yaml:"max_page_size" mapstructure:"max_page_size"`
}

// ProviderConfig describes one AI provider. BatchSize and BatchDelay are the
// two throughput knobs the orchestrator must honor: a free-tier provider runs
// one parse at a time with a multi-second pause between batches, a paid one
// runs wide open.
type ProviderConfig struct {
	Label        string `yaml:"label" mapstructure:"label"`
	Kind         string `yaml:"kind" mapstructure:"kind"` // "openai" or "anthropic"
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	Model        string `yaml:"model" mapstructure:"model"`
	BatchSize    int    `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelayMs int    `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
}

// BatchDelay returns the inter-batch throttle as a duration.
func (p ProviderConfig) BatchDelay() time.Duration {
	return time.Duration(p.BatchDelayMs) * time.Millisecond
}

// AIConfig holds the provider registry and the default provider id.
type AIConfig struct {
	DefaultProvider string                    `yaml:"default_provider" mapstructure:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// SyncConfig bounds the receipt-sync pipeline.
type SyncConfig struct {
	MaxHeaders      int     `yaml:"max_headers" mapstructure:"max_headers"`
	MaxReceipts     int     `yaml:"max_receipts" mapstructure:"max_receipts"`
	MaxBodyChars    int     `yaml:"max_body_chars" mapstructure:"max_body_chars"`
	MaxAmount       float64 `yaml:"max_amount" mapstructure:"max_amount"`
	DefaultCurrency string  `yaml:"default_currency" mapstructure:"default_currency"`
	ProgressTTLSecs int     `yaml:"progress_ttl_secs" mapstructure:"progress_ttl_secs"`
	StaleAfterSecs  int     `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// ProgressTTL returns the sync-state record lifetime.
func (s SyncConfig) ProgressTTL() time.Duration {
	return time.Duration(s.ProgressTTLSecs) * time.Second
}

// StaleAfter returns the age past which a running job may be restarted.
func (s SyncConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterSecs) * time.Second
}

// RetryConfig configures the remote-call retry wrapper.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// SchedulerConfig configures the daily auto-sync trigger.
type SchedulerConfig struct {
	Enabled  bool `yaml:"enabled" mapstructure:"enabled"`
	SyncHour int  `yaml:"sync_hour" mapstructure:"sync_hour"`
}

// EncryptionConfig holds the hex-encoded AES-256 key used to decrypt
// user-supplied API keys.
type EncryptionConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("gmail.base_url", "https://gmail.googleapis.com/gmail/v1")
	v.SetDefault("gmail.requests_per_sec", 10)
	v.SetDefault("gmail.timeout_secs", 30)
	v.SetDefault("gmail.max_page_size", 500)

	v.SetDefault("sync.max_headers", 200)
	v.SetDefault("sync.max_receipts", 100)
	v.SetDefault("sync.max_body_chars", 3000)
	v.SetDefault("sync.max_amount", 1_000_000)
	v.SetDefault("sync.default_currency", "MYR")
	v.SetDefault("sync.progress_ttl_secs", 3600)
	v.SetDefault("sync.stale_after_secs", 600)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 5000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.sync_hour", 8)

	v.SetDefault("ai.default_provider", "groq")
	v.SetDefault("ai.providers.groq.label", "Groq (Free)")
	v.SetDefault("ai.providers.groq.kind", "openai")
	v.SetDefault("ai.providers.groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("ai.providers.groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("ai.providers.groq.batch_size", 1)
	v.SetDefault("ai.providers.groq.batch_delay_ms", 3000)
	v.SetDefault("ai.providers.gemini.label", "Gemini (Paid)")
	v.SetDefault("ai.providers.gemini.kind", "openai")
	v.SetDefault("ai.providers.gemini.base_url", "https://generativelanguage.googleapis.com/v1beta/openai")
	v.SetDefault("ai.providers.gemini.model", "gemini-2.0-flash")
	v.SetDefault("ai.providers.gemini.batch_size", 100)
	v.SetDefault("ai.providers.gemini.batch_delay_ms", 0)
	v.SetDefault("ai.providers.anthropic.label", "Anthropic (Paid)")
	v.SetDefault("ai.providers.anthropic.kind", "anthropic")
	v.SetDefault("ai.providers.anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("ai.providers.anthropic.batch_size", 10)
	v.SetDefault("ai.providers.anthropic.batch_delay_ms", 0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
