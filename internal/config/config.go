// Package config loads the darwin configuration from environment variables
// and an optional YAML file named by DARWIN_CONFIG_FILE. Environment wins
// over file values; defaults cover local development.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the pipeline reads. Thresholds and limits
// default to the documented operating values.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	StoreURL   string `mapstructure:"store_url"`

	EmbeddingDim       int    `mapstructure:"embedding_dim"`
	EmbeddingProvider  string `mapstructure:"embedding_provider"`
	EmbeddingModel     string `mapstructure:"embedding_model"`
	EmbeddingBaseURL   string `mapstructure:"embedding_base_url"`
	EmbeddingAPIKey    string `mapstructure:"embedding_api_key"`
	EmbeddingCacheSize int    `mapstructure:"embedding_cache_size"`

	LLMProvider string `mapstructure:"llm_provider"`
	LLMModel    string `mapstructure:"llm_model"`
	LLMBaseURL  string `mapstructure:"llm_base_url"`
	LLMAPIKey   string `mapstructure:"llm_api_key"`

	ClusterThresholdHigh  float64 `mapstructure:"cluster_threshold_high"`
	ClusterThresholdLow   float64 `mapstructure:"cluster_threshold_low"`
	ClassifyConfidenceMin float64 `mapstructure:"classify_confidence_min"`
	ClassifyAutoFix       bool    `mapstructure:"classify_auto_fix"`
	FixAutoIterMax        int     `mapstructure:"fix_auto_iter_max"`

	WebhookSecret string `mapstructure:"webhook_secret"`

	ProductRepos map[string]string `mapstructure:"-"`

	AgentURL     string `mapstructure:"agent_url"`
	ForgeToken   string `mapstructure:"forge_token"`
	ForgeBaseURL string `mapstructure:"forge_base_url"`

	IngestBackpressure int64         `mapstructure:"ingest_backpressure"`
	WorkerPollInterval time.Duration `mapstructure:"worker_poll_interval"`
	WorkerDrainTimeout time.Duration `mapstructure:"worker_drain_timeout"`
	EmbedTimeout       time.Duration `mapstructure:"embed_timeout"`
	ClassifyTimeout    time.Duration `mapstructure:"classify_timeout"`
	AgentTimeout       time.Duration `mapstructure:"agent_timeout"`

	EnableWorkers bool `mapstructure:"enable_workers"`
}

// Load loads configuration, applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if file := os.Getenv("DARWIN_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", file, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	repos, err := loadProductRepos(v)
	if err != nil {
		return nil, err
	}
	cfg.ProductRepos = repos

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("store_url", "mem://")

	v.SetDefault("embedding_dim", 384)
	v.SetDefault("embedding_provider", "local")
	v.SetDefault("embedding_model", "text-embedding-3-small")
	v.SetDefault("embedding_base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding_api_key", "")
	v.SetDefault("embedding_cache_size", 2048)

	v.SetDefault("llm_provider", "openai")
	v.SetDefault("llm_model", "gpt-4o-mini")
	v.SetDefault("llm_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm_api_key", "")

	v.SetDefault("cluster_threshold_high", 0.75)
	v.SetDefault("cluster_threshold_low", 0.60)
	v.SetDefault("classify_confidence_min", 0.5)
	v.SetDefault("classify_auto_fix", false)
	v.SetDefault("fix_auto_iter_max", 3)

	v.SetDefault("webhook_secret", "")
	v.SetDefault("product_repos", "")

	v.SetDefault("agent_url", "")
	v.SetDefault("forge_token", "")
	v.SetDefault("forge_base_url", "https://api.github.com")

	v.SetDefault("ingest_backpressure", 10000)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_drain_timeout", 30*time.Second)
	v.SetDefault("embed_timeout", 30*time.Second)
	v.SetDefault("classify_timeout", 60*time.Second)
	v.SetDefault("agent_timeout", 15*time.Minute)

	v.SetDefault("enable_workers", true)
}

// loadProductRepos accepts a JSON object from the environment
// (PRODUCT_REPOS={"joplin":"acme/joplin"}) or a plain map from the YAML file.
func loadProductRepos(v *viper.Viper) (map[string]string, error) {
	if m := v.GetStringMapString("product_repos"); len(m) > 0 {
		return m, nil
	}
	raw := strings.TrimSpace(v.GetString("product_repos"))
	if raw == "" {
		return map[string]string{}, nil
	}
	repos := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &repos); err != nil {
		return nil, fmt.Errorf("parse PRODUCT_REPOS: %w", err)
	}
	return repos, nil
}

// Validate enforces invariants between settings. Changing embedding_dim
// against an existing deployment requires dropping and rebuilding the vector
// indices; there is no automatic migration.
func (c *Config) Validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("store_url must be set")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.ClusterThresholdHigh <= 0 || c.ClusterThresholdHigh > 1 {
		return fmt.Errorf("cluster_threshold_high must be in (0, 1], got %v", c.ClusterThresholdHigh)
	}
	if c.ClusterThresholdLow <= 0 || c.ClusterThresholdLow > 1 {
		return fmt.Errorf("cluster_threshold_low must be in (0, 1], got %v", c.ClusterThresholdLow)
	}
	if c.ClusterThresholdHigh <= c.ClusterThresholdLow {
		return fmt.Errorf("cluster_threshold_high (%v) must exceed cluster_threshold_low (%v)",
			c.ClusterThresholdHigh, c.ClusterThresholdLow)
	}
	if c.ClassifyConfidenceMin < 0 || c.ClassifyConfidenceMin > 1 {
		return fmt.Errorf("classify_confidence_min must be in [0, 1], got %v", c.ClassifyConfidenceMin)
	}
	if c.FixAutoIterMax < 1 {
		return fmt.Errorf("fix_auto_iter_max must be at least 1, got %d", c.FixAutoIterMax)
	}
	if c.IngestBackpressure < 1 {
		return fmt.Errorf("ingest_backpressure must be positive, got %d", c.IngestBackpressure)
	}
	if c.WorkerPollInterval <= 0 {
		return fmt.Errorf("worker_poll_interval must be positive, got %v", c.WorkerPollInterval)
	}
	return nil
}

// RepoFor resolves the forge repository for a product.
func (c *Config) RepoFor(product string) (string, bool) {
	repo, ok := c.ProductRepos[product]
	return repo, ok
}
