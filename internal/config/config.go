package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/comigor/chatgw/internal/llm"
	"github.com/comigor/chatgw/internal/logger"
)

// Config holds the application configuration
type Config struct {
	Server ServerConfig
	LLM    LLMConfig
	Audit  AuditConfig
	Log    LogConfig

	v *viper.Viper
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LLMConfig holds the provider selection and generation defaults
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BaseURLs    BaseURLs      `mapstructure:"base_urls"`
	Custom      CustomConfig  `mapstructure:"custom"`
}

// BaseURLs overrides vendor endpoints, e.g. to go through a proxy
type BaseURLs struct {
	Groq      string `mapstructure:"groq"`
	OpenAI    string `mapstructure:"openai"`
	Anthropic string `mapstructure:"anthropic"`
}

// CustomConfig describes the optional OpenAI-compatible custom provider
type CustomConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	Model     string `mapstructure:"model"`
}

// AuditConfig holds the audit log configuration; an empty path keeps it in memory
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	def := llm.DefaultConfig()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", llm.DefaultTimeout+15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("llm.provider", string(def.Provider))
	v.SetDefault("llm.model", def.Model)
	v.SetDefault("llm.max_tokens", def.MaxTokens)
	v.SetDefault("llm.temperature", def.Temperature)
	v.SetDefault("llm.timeout", llm.DefaultTimeout)
	v.SetDefault("llm.base_urls.groq", "")
	v.SetDefault("llm.base_urls.openai", "")
	v.SetDefault("llm.base_urls.anthropic", "")
	v.SetDefault("llm.custom.base_url", "")
	v.SetDefault("llm.custom.api_key_env", llm.DefaultCustomAPIKeyEnv)
	v.SetDefault("llm.custom.model", "")

	v.SetDefault("audit.path", "")
	v.SetDefault("log.level", "info")
}

// Load loads the configuration. The file is path, else $CONFIG_PATH, else
// ./config.yaml when present. Every key can be overridden by a CHATGW_
// prefixed environment variable (llm.model -> CHATGW_LLM_MODEL). A .env
// file in the working directory is loaded first so vendor credentials can
// live there.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.L.Warn("failed to load .env file", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHATGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.v = v

	return &config, nil
}

// ProviderConfig returns the gateway's starting configuration.
func (c LLMConfig) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:    llm.ProviderName(c.Provider),
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	}
}

// GatewayOptions translates transport-level settings into gateway options.
func (c LLMConfig) GatewayOptions() []llm.Option {
	return []llm.Option{
		llm.WithTimeout(c.Timeout),
		llm.WithBaseURL(llm.ProviderGroq, c.BaseURLs.Groq),
		llm.WithBaseURL(llm.ProviderOpenAI, c.BaseURLs.OpenAI),
		llm.WithBaseURL(llm.ProviderAnthropic, c.BaseURLs.Anthropic),
		llm.WithCustomEndpoint(llm.CustomEndpoint{
			BaseURL:   c.Custom.BaseURL,
			APIKeyEnv: c.Custom.APIKeyEnv,
			Model:     c.Custom.Model,
		}),
	}
}

// LLMUpdate returns the llm fields explicitly set in the config file as a
// partial update. Keys only present as defaults are left out.
func (c *Config) LLMUpdate() llm.ConfigUpdate {
	var u llm.ConfigUpdate
	if c.v == nil {
		return u
	}
	if c.v.InConfig("llm.provider") {
		p := llm.ProviderName(c.v.GetString("llm.provider"))
		u.Provider = &p
	}
	if c.v.InConfig("llm.model") {
		m := c.v.GetString("llm.model")
		u.Model = &m
	}
	if c.v.InConfig("llm.max_tokens") {
		n := c.v.GetInt("llm.max_tokens")
		u.MaxTokens = &n
	}
	if c.v.InConfig("llm.temperature") {
		t := c.v.GetFloat64("llm.temperature")
		u.Temperature = &t
	}
	return u
}

// WatchLLM calls fn with LLMUpdate every time the config file changes. It
// returns false when no config file is in use.
func (c *Config) WatchLLM(fn func(llm.ConfigUpdate)) bool {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return false
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		logger.L.Info("config file changed", "file", e.Name, "op", e.Op.String())
		fn(c.LLMUpdate())
	})
	c.v.WatchConfig()
	return true
}
