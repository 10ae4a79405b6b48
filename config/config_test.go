package config

import (
	"testing"

	"github.com/spf13/viper"
)

func loadFromDefaults(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadFromDefaults(t)
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Search.Provider != "serper" {
		t.Errorf("search.provider = %s", cfg.Search.Provider)
	}
	if cfg.Manager.ResumePolicy != "mark_error" {
		t.Errorf("manager.resume_policy = %s", cfg.Manager.ResumePolicy)
	}
	if cfg.Research.MaxConcurrent != 8 {
		t.Errorf("research.max_concurrent = %d", cfg.Research.MaxConcurrent)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x?sslmode=disable")
	t.Setenv("REDIS_HOST", "cache")

	cfg := loadFromDefaults(t)
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("llm.api_key = %q", cfg.LLM.APIKey)
	}
	if cfg.Storage.Postgres.DSN() != "postgres://u:p@db:5432/x?sslmode=disable" {
		t.Errorf("postgres dsn = %q", cfg.Storage.Postgres.DSN())
	}
	if !cfg.Storage.Redis.Enabled || cfg.Storage.Redis.Addr() != "cache:6379" {
		t.Errorf("redis = %+v", cfg.Storage.Redis)
	}
}

func TestPostgresDSNFromParts(t *testing.T) {
	p := PostgresConfig{Host: "h", Port: 5433, User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	want := "postgres://u:p@h:5433/d?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad provider", func(c *Config) { c.Search.Provider = "bing" }},
		{"bad resume policy", func(c *Config) { c.Manager.ResumePolicy = "retry" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad concurrency", func(c *Config) { c.Research.MaxConcurrent = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadFromDefaults(t)
			tc.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
