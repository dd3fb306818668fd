package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txscope/service/metadata"
	"github.com/brojonat/txscope/service/query"
	"github.com/brojonat/txscope/service/txn"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Helius configuration. The API key enables the enhanced transactions
	// fetcher and token metadata lookups.
	HeliusAPIKey string
	HeliusAPIURL string
	HeliusRPCURL string

	// Plain JSON-RPC endpoint, used for history when no Helius key is set.
	SolanaRPCURL string

	// NATS configuration. Empty disables page events.
	NATSURL string

	// Natural-language query analysis. Empty key disables it.
	AnthropicAPIKey string
	AnthropicModel  string

	// Query configuration
	AliasTablePath string
	NoiseTypes     []string

	// Upstream behaviour
	FetchTimeout         time.Duration
	PageLimit            int
	MetadataMaxAttempts  int
	MetadataRetryBackoff time.Duration
	MetadataConcurrency  int

	// Sessions idle longer than this are dropped. Zero keeps them forever.
	SessionIdleTimeout time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	// Upstream configuration
	cfg.HeliusAPIKey = os.Getenv("HELIUS_API_KEY")
	cfg.HeliusAPIURL = getEnvOrDefault("HELIUS_API_URL", "https://api.helius.xyz")
	cfg.HeliusRPCURL = getEnvOrDefault("HELIUS_RPC_URL", "https://mainnet.helius-rpc.com")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.HeliusAPIKey == "" && cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("HELIUS_API_KEY or SOLANA_RPC_URL is required"))
	}

	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.AnthropicModel = getEnvOrDefault("ANTHROPIC_MODEL", "claude-3-haiku-20240307")

	// Query configuration
	cfg.AliasTablePath = os.Getenv("ALIAS_TABLE_PATH")
	cfg.NoiseTypes = splitList(getEnvOrDefault("NOISE_TYPES", strings.Join(txn.DefaultNoiseTypes, ",")))

	// Durations and limits
	var err error
	if cfg.FetchTimeout, err = parseDuration("FETCH_TIMEOUT", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MetadataRetryBackoff, err = parseDuration("METADATA_RETRY_BACKOFF", "5s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SessionIdleTimeout, err = parseDuration("SESSION_IDLE_TIMEOUT", "30m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.PageLimit, err = parseInt("PAGE_LIMIT", 100); err != nil {
		errs = append(errs, err)
	}
	if cfg.MetadataMaxAttempts, err = parseInt("METADATA_MAX_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.MetadataConcurrency, err = parseInt("METADATA_CONCURRENCY", 8); err != nil {
		errs = append(errs, err)
	}

	// Range checks only make sense once every value parsed.
	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.HeliusAPIKey == "" && c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("HeliusAPIKey or SolanaRPCURL is required"))
	}

	if c.FetchTimeout < time.Second {
		errs = append(errs, fmt.Errorf("FetchTimeout must be at least 1 second"))
	}

	if c.PageLimit < 1 || c.PageLimit > 1000 {
		errs = append(errs, fmt.Errorf("PageLimit must be between 1 and 1000, got %d", c.PageLimit))
	}

	if c.MetadataMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MetadataMaxAttempts must be at least 1"))
	}

	if c.MetadataRetryBackoff <= 0 {
		errs = append(errs, fmt.Errorf("MetadataRetryBackoff must be positive"))
	}

	if c.MetadataConcurrency < 1 {
		errs = append(errs, fmt.Errorf("MetadataConcurrency must be at least 1"))
	}

	if c.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("SessionIdleTimeout must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// UseHelius reports whether history pages come from the Helius indexer.
func (c *Config) UseHelius() bool {
	return c.HeliusAPIKey != ""
}

// Noise returns the configured noise set.
func (c *Config) Noise() txn.NoiseSet {
	return txn.NewNoiseSet(c.NoiseTypes...)
}

// MetadataOptions returns the metadata cache options.
func (c *Config) MetadataOptions() metadata.Options {
	opts := metadata.DefaultOptions()
	opts.MaxAttempts = c.MetadataMaxAttempts
	opts.RetryBackoff = c.MetadataRetryBackoff
	opts.Concurrency = c.MetadataConcurrency
	return opts
}

// LoadAliases reads the alias table from AliasTablePath, or returns the
// built-in table when no path is configured.
func (c *Config) LoadAliases() (*query.AliasTable, error) {
	if c.AliasTablePath == "" {
		return query.NewAliasTable(query.DefaultAliases())
	}

	f, err := os.Open(c.AliasTablePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open alias table: %w", err)
	}
	defer f.Close()

	aliases, err := query.ReadAliases(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias table %s: %w", c.AliasTablePath, err)
	}
	table, err := query.NewAliasTable(aliases)
	if err != nil {
		return nil, fmt.Errorf("invalid alias table %s: %w", c.AliasTablePath, err)
	}
	return table, nil
}

// ParseLogLevel maps LOG_LEVEL values to slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: unknown level %q", level)
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
