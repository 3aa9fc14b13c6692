package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Gate      GateConfig      `mapstructure:"gate"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string        `mapstructure:"address"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Env       string        `mapstructure:"env"` // "dev" or "prod"
}

// ProvidersConfig lists the model backends in no particular order;
// priority is fixed by Order (or the built-in default).
type ProvidersConfig struct {
	Order     []string       `mapstructure:"order"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Gemini    ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig is the per-backend credential/model block.
type ProviderConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"` // Azure deployments set this for the openai block
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RetrievalConfig configures the remote search index and local fallback.
type RetrievalConfig struct {
	Endpoint string        `mapstructure:"endpoint"` // remote index base URL
	APIKey   string        `mapstructure:"api_key"`
	Index    string        `mapstructure:"index"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// GateConfig configures the external compliance gate and the rate gate.
type GateConfig struct {
	Endpoint   string        `mapstructure:"endpoint"` // empty = static pass
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"` // requests per window, 0 = unlimited
	RateWindow time.Duration `mapstructure:"rate_window"`
}

// MonitorConfig controls the session liveness monitor.
type MonitorConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	ExpiryThreshold time.Duration `mapstructure:"expiry_threshold"`
}

// StorageConfig contains Postgres and Redis settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RetentionConfig schedules the audit log sweeper.
type RetentionConfig struct {
	Cron   string        `mapstructure:"cron"`    // 5-field cron or "@daily"/"@hourly"
	MaxAge time.Duration `mapstructure:"max_age"` // rows older than this are removed
}

// DSN builds a postgres connection string from the config.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return host + ":" + port
}

func (m MonitorConfig) Validate() error {
	if m.CheckInterval <= 0 {
		return fmt.Errorf("monitor.check_interval must be > 0")
	}
	if m.ExpiryThreshold <= 0 {
		return fmt.Errorf("monitor.expiry_threshold must be > 0")
	}
	return nil
}

func (s ServerConfig) Validate() error {
	if s.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	if s.TokenTTL <= 0 {
		return fmt.Errorf("server.token_ttl must be > 0")
	}
	return nil
}

// LoadConfig reads configuration from file and environment (GATEWAY_*).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("server.token_ttl", "168h") // 7 days, same claim lifetime as the web tier
	viper.SetDefault("server.env", "dev")
	viper.SetDefault("providers.order", []string{"anthropic", "openai", "gemini"})
	viper.SetDefault("providers.anthropic.model", "claude-3-5-sonnet-20241022")
	viper.SetDefault("providers.anthropic.max_tokens", 4096)
	viper.SetDefault("providers.anthropic.timeout", "120s")
	viper.SetDefault("providers.openai.model", "gpt-4-turbo-preview")
	viper.SetDefault("providers.openai.timeout", "120s")
	viper.SetDefault("providers.gemini.model", "gemini-pro")
	viper.SetDefault("providers.gemini.timeout", "120s")
	viper.SetDefault("retrieval.timeout", "5s")
	viper.SetDefault("retrieval.index", "gateway-knowledge")
	viper.SetDefault("gate.timeout", "3s")
	viper.SetDefault("gate.rate_window", "1m")
	viper.SetDefault("monitor.check_interval", "30s")
	viper.SetDefault("monitor.expiry_threshold", "5m")
	viper.SetDefault("retention.cron", "@daily")
	viper.SetDefault("retention.max_age", "2160h") // 90 days

	// register credential keys so env-only deployments resolve them
	for _, key := range []string{
		"server.jwt_secret",
		"providers.anthropic.api_key",
		"providers.openai.api_key",
		"providers.openai.base_url",
		"providers.gemini.api_key",
		"retrieval.endpoint",
		"retrieval.api_key",
		"gate.endpoint",
		"storage.postgres.url",
		"storage.postgres.host",
		"storage.postgres.port",
		"storage.postgres.user",
		"storage.postgres.password",
		"storage.postgres.dbname",
		"storage.postgres.sslmode",
		"storage.redis.host",
		"storage.redis.port",
		"storage.redis.password",
	} {
		viper.SetDefault(key, "")
	}

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional when everything comes from the environment
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Monitor.Validate(); err != nil {
		panic(err)
	}
	return &config
}
