// Package config loads service configuration from file, defaults and
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Search   SearchConfig   `mapstructure:"search"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Research ResearchConfig `mapstructure:"research"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Manager  ManagerConfig  `mapstructure:"manager"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LLMConfig contains the model backend settings.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SearchConfig selects and keys the web search provider.
type SearchConfig struct {
	Provider     string `mapstructure:"provider"`
	SerperAPIKey string `mapstructure:"serper_api_key"`
	BraveAPIKey  string `mapstructure:"brave_api_key"`
}

// FetchConfig controls source content extraction.
type FetchConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

// ResearchConfig bounds engine runs.
type ResearchConfig struct {
	StageTimeout  time.Duration `mapstructure:"stage_timeout"`
	MaxRunTime    time.Duration `mapstructure:"max_run_time"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// StorageConfig contains Postgres and Redis settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig describes the session database.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds the connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// RedisConfig describes the event log backend. Enabled selects Redis
// streams over the Postgres event log.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StreamConfig controls the SSE bridge.
type StreamConfig struct {
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Buffer       int           `mapstructure:"buffer"`
}

// ManagerConfig controls lifecycle policies.
type ManagerConfig struct {
	ResumePolicy    string        `mapstructure:"resume_policy"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	Retention       time.Duration `mapstructure:"retention"`
}

// LoadConfig reads deepresearch.json (optional), applies defaults and
// environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("deepresearch")
	viper.SetConfigType("json")
	if path != "" {
		viper.AddConfigPath(path)
	}
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("DEEPRESEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.token_ttl", "24h")

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout", "90s")

	viper.SetDefault("search.provider", "serper")

	viper.SetDefault("fetch.timeout", "20s")
	viper.SetDefault("fetch.max_chars", 8000)

	viper.SetDefault("research.stage_timeout", "2m")
	viper.SetDefault("research.max_run_time", "10m")
	viper.SetDefault("research.max_concurrent", 8)

	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.user", "deepresearch")
	viper.SetDefault("storage.postgres.password", "deepresearch")
	viper.SetDefault("storage.postgres.dbname", "deepresearch")
	viper.SetDefault("storage.postgres.sslmode", "disable")

	viper.SetDefault("storage.redis.enabled", false)
	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)

	viper.SetDefault("stream.heartbeat", "15s")
	viper.SetDefault("stream.poll_interval", "250ms")
	viper.SetDefault("stream.buffer", 64)

	viper.SetDefault("manager.resume_policy", "mark_error")
	viper.SetDefault("manager.cleanup_schedule", "@hourly")
	viper.SetDefault("manager.retention", "168h")
}

// overrideFromEnv overrides configuration with environment variables for
// sensitive values and deployment wiring.
func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.api_key", apiKey)
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		viper.Set("llm.base_url", baseURL)
	}
	if apiKey := os.Getenv("SERPER_API_KEY"); apiKey != "" {
		viper.Set("search.serper_api_key", apiKey)
	}
	if apiKey := os.Getenv("BRAVE_SEARCH_KEY"); apiKey != "" {
		viper.Set("search.brave_api_key", apiKey)
	}
	if secret := os.Getenv("DEEPRESEARCH_JWT_SECRET"); secret != "" {
		viper.Set("server.jwt_secret", secret)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.postgres.port", p)
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("storage.postgres.dbname", db)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.enabled", true)
		viper.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("storage.redis.password", password)
	}
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", config.Server.Port)
	}
	switch config.Search.Provider {
	case "serper", "brave":
	default:
		return fmt.Errorf("unknown search provider %q", config.Search.Provider)
	}
	switch config.Manager.ResumePolicy {
	case "mark_error", "mark_stopped":
	default:
		return fmt.Errorf("unknown resume policy %q", config.Manager.ResumePolicy)
	}
	if config.Research.MaxConcurrent <= 0 {
		return fmt.Errorf("research.max_concurrent must be positive")
	}
	return nil
}
