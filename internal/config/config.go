package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Catalog   CatalogConfig   `yaml:"catalog" mapstructure:"catalog"`
	Flow      FlowConfig      `yaml:"flow" mapstructure:"flow"`
	Media     MediaConfig     `yaml:"media" mapstructure:"media"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds chat-model API settings.
type AnthropicConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	Model           string `yaml:"model" mapstructure:"model"`
	SupervisorModel string `yaml:"supervisor_model" mapstructure:"supervisor_model"`
	MaxTokens       int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SearchConfig holds web-search provider settings.
type SearchConfig struct {
	Key              string  `yaml:"key" mapstructure:"key"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Model            string  `yaml:"model" mapstructure:"model"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	MinStartGapMS    int     `yaml:"min_start_gap_ms" mapstructure:"min_start_gap_ms"`
	PrimaryResultCap int     `yaml:"primary_result_cap" mapstructure:"primary_result_cap"`
	FollowupCap      int     `yaml:"followup_result_cap" mapstructure:"followup_result_cap"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetSecs        int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// CatalogConfig holds product-catalog lookup settings. An empty base URL
// disables the shortcut path entirely.
type CatalogConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	AccessKey   string `yaml:"access_key" mapstructure:"access_key"`
	SearchLimit int    `yaml:"search_limit" mapstructure:"search_limit"`
}

// FlowConfig configures the extraction attempt loop.
type FlowConfig struct {
	MaxAttempts        int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	SearchRequestLimit int    `yaml:"search_request_limit" mapstructure:"search_request_limit"`
	PricingPrompt      string `yaml:"pricing_prompt" mapstructure:"pricing_prompt"`
	TaxonomyPath       string `yaml:"taxonomy_path" mapstructure:"taxonomy_path"`
	ResultEndpoint     string `yaml:"result_endpoint" mapstructure:"result_endpoint"`
	ResultSecret       string `yaml:"result_secret" mapstructure:"result_secret"`
}

// MediaConfig configures the transcript side-channel.
type MediaConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ITEMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "item-flow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.supervisor_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("search.base_url", "https://api.perplexity.ai")
	v.SetDefault("search.model", "sonar-pro")
	v.SetDefault("search.requests_per_sec", 2.0)
	v.SetDefault("search.min_start_gap_ms", 750)
	v.SetDefault("search.primary_result_cap", 10)
	v.SetDefault("search.followup_result_cap", 5)
	v.SetDefault("search.breaker_failure_threshold", 5)
	v.SetDefault("search.breaker_reset_secs", 30)
	v.SetDefault("catalog.search_limit", 5)
	v.SetDefault("flow.max_attempts", 3)
	v.SetDefault("flow.search_request_limit", 3)
	v.SetDefault("flow.taxonomy_path", "taxonomy.yaml")
	v.SetDefault("media.dir", "media")

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
