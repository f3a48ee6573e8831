package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Anthropic     AnthropicConfig     `mapstructure:"anthropic"`
	Search        SearchConfig        `mapstructure:"search"`
	Fetcher       FetcherConfig       `mapstructure:"fetcher"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Matching      MatchingConfig      `mapstructure:"matching"`
	Cache         CacheConfig         `mapstructure:"cache"`
	KnowledgeBase KnowledgeBaseConfig `mapstructure:"knowledge_base"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Log           LogConfig           `mapstructure:"log"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	Environment    string        `mapstructure:"environment"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	APIKey         string        `mapstructure:"api_key"` // empty disables bearer auth
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AnthropicConfig holds model API configuration
type AnthropicConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// SearchConfig holds web search tool configuration
type SearchConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// FetcherConfig holds product page fetching configuration
type FetcherConfig struct {
	Timeout                time.Duration `mapstructure:"timeout"`
	UserAgent              string        `mapstructure:"user_agent"`
	LowConfidenceThreshold float64       `mapstructure:"low_confidence_threshold"`
	Renderer               string        `mapstructure:"renderer"` // "http" or "browser"
	BrowserControlURL      string        `mapstructure:"browser_control_url"`
	MaxBodyBytes           int64         `mapstructure:"max_body_bytes"`
}

// AgentConfig bounds the detector loop
type AgentConfig struct {
	MaxIterations           int     `mapstructure:"max_iterations"`
	TokenBudget             int     `mapstructure:"token_budget"`
	CostBudgetUSD           float64 `mapstructure:"cost_budget_usd"`
	ProceedOnBudgetExceeded bool    `mapstructure:"proceed_on_budget_exceeded"`
}

// MatchingConfig holds knowledge base matching configuration
type MatchingConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// CacheConfig holds cache-related configuration
type CacheConfig struct {
	Type     string        `mapstructure:"type"` // "memory", "redis" or "sqlite"
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"` // 0 keeps entries until overwritten
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KnowledgeBaseConfig holds the substance database location
type KnowledgeBaseConfig struct {
	Path        string `mapstructure:"path"`
	SeedOnStart bool   `mapstructure:"seed_on_start"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	PerIP int `mapstructure:"per_ip"` // requests per minute
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/harmlens/")

	// HARMLENS_SERVER_PORT -> server.port
	v.SetEnvPrefix("HARMLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads KEY=VALUE pairs from path without overriding variables
// already present in the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return gotenv.Load(path)
}

// setDefaults sets default configuration values. Every key gets a default so
// that AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"chrome-extension://*"})
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "120s")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.timeout", "60s")
	v.SetDefault("anthropic.requests_per_minute", 50)
	v.SetDefault("anthropic.max_retries", 3)

	v.SetDefault("search.base_url", "https://api.search.brave.com/res/v1")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout", "15s")

	v.SetDefault("fetcher.timeout", "15s")
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (compatible; HarmLens/1.0)")
	v.SetDefault("fetcher.low_confidence_threshold", 0.3)
	v.SetDefault("fetcher.renderer", "http")
	v.SetDefault("fetcher.browser_control_url", "")
	v.SetDefault("fetcher.max_body_bytes", 5<<20)

	v.SetDefault("agent.max_iterations", 5)
	v.SetDefault("agent.token_budget", 60000)
	v.SetDefault("agent.cost_budget_usd", 0.50)
	v.SetDefault("agent.proceed_on_budget_exceeded", true)

	v.SetDefault("matching.similarity_threshold", 0.75)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("cache.timeout", "2s")

	v.SetDefault("knowledge_base.path", "./data/harmlens.db")
	v.SetDefault("knowledge_base.seed_on_start", true)

	v.SetDefault("ratelimit.per_ip", 30)

	v.SetDefault("log.level", "info")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic API key is required (set HARMLENS_ANTHROPIC_API_KEY)")
	}

	switch config.Cache.Type {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("cache type must be 'memory', 'redis' or 'sqlite', got: %s", config.Cache.Type)
	}

	if config.Cache.Type == "redis" && config.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required when cache type is 'redis'")
	}

	if config.Matching.SimilarityThreshold <= 0 || config.Matching.SimilarityThreshold > 1 {
		return fmt.Errorf("matching similarity threshold must be in (0, 1], got: %v", config.Matching.SimilarityThreshold)
	}

	if !(config.Fetcher.LowConfidenceThreshold > 0 && config.Fetcher.LowConfidenceThreshold <= 1) {
		return fmt.Errorf("fetcher low confidence threshold must be in (0, 1], got: %v", config.Fetcher.LowConfidenceThreshold)
	}

	if config.Fetcher.Renderer != "http" && config.Fetcher.Renderer != "browser" {
		return fmt.Errorf("fetcher renderer must be 'http' or 'browser', got: %s", config.Fetcher.Renderer)
	}

	if config.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent max iterations must be at least 1, got: %d", config.Agent.MaxIterations)
	}

	return nil
}
