// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	DBURL          string `mapstructure:"DB_URL"`
	GithubTokens   []string
	GithubAPIURL   string `mapstructure:"GITHUB_API_URL"`
	ReposCSV       string `mapstructure:"REPOS_CSV"`
	FailureLogFile string `mapstructure:"FAILURE_LOG_FILE"`
	ListenAddr     string `mapstructure:"LISTEN_ADDR"`

	MaxAttempts       int           `mapstructure:"MAX_ATTEMPTS"`
	BaseBackoff       time.Duration `mapstructure:"BASE_BACKOFF"`
	MaxCredentialWait time.Duration `mapstructure:"MAX_CREDENTIAL_WAIT"`
	DefaultRetryAfter time.Duration `mapstructure:"DEFAULT_RETRY_AFTER"`
	FetchTimeout      time.Duration `mapstructure:"FETCH_TIMEOUT"`

	BatchSize    int           `mapstructure:"BATCH_SIZE"`
	FlushRetries int           `mapstructure:"FLUSH_RETRIES"`
	FlushBackoff time.Duration `mapstructure:"FLUSH_BACKOFF"`

	Concurrency       int     `mapstructure:"CONCURRENCY"`
	RequestsPerSecond float64 `mapstructure:"REQUESTS_PER_SECOND"`

	// Comma-separated raw value, split into GithubTokens after unmarshal.
	GithubTokensRaw string `mapstructure:"GITHUB_TOKENS"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("GITHUB_API_URL", "https://api.github.com/graphql")
	viper.SetDefault("REPOS_CSV", "repos.csv")
	viper.SetDefault("FAILURE_LOG_FILE", "pipeline_failures.log")
	viper.SetDefault("MAX_ATTEMPTS", 5)
	viper.SetDefault("BASE_BACKOFF", "1s")
	viper.SetDefault("MAX_CREDENTIAL_WAIT", "15m")
	viper.SetDefault("DEFAULT_RETRY_AFTER", "30s")
	viper.SetDefault("FETCH_TIMEOUT", "30s")
	viper.SetDefault("BATCH_SIZE", 100)
	viper.SetDefault("FLUSH_RETRIES", 3)
	viper.SetDefault("FLUSH_BACKOFF", "2s")
	viper.SetDefault("CONCURRENCY", 5)
	viper.SetDefault("REQUESTS_PER_SECOND", 1.2)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.GithubTokens = splitTokens(cfg.GithubTokensRaw)

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if len(cfg.GithubTokens) == 0 {
		return nil, errors.New("GITHUB_TOKENS must contain at least one token")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("MAX_ATTEMPTS must be at least 1")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("BATCH_SIZE must be at least 1")
	}

	return &cfg, nil
}

func splitTokens(raw string) []string {
	var tokens []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}
