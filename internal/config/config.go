package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"amm-sandbox/internal/logging"
	"amm-sandbox/internal/model"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       logging.Config  `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	NATS      NATSConfig      `mapstructure:"nats"`

	MarketsFile string `mapstructure:"markets_file"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	OperatorPassword string        `mapstructure:"operator_password"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

type EngineConfig struct {
	CommandBuffer int    `mapstructure:"command_buffer"`
	NotifyBuffer  int    `mapstructure:"notify_buffer"`
	Seed          uint64 `mapstructure:"seed"`
}

type GeneratorConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RunRetention time.Duration `mapstructure:"run_retention"`
	MaxRuns      int           `mapstructure:"max_runs"`
}

// ArchiveConfig enables the Postgres order archive when DSN is set.
type ArchiveConfig struct {
	DSN        string `mapstructure:"dsn"`
	Migrations string `mapstructure:"migrations"`
}

// NATSConfig enables the JetStream sink when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Stream        string `mapstructure:"stream"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":5001")
	v.SetDefault("http.request_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.operator_password", "")
	v.SetDefault("auth.token_ttl", 72*time.Hour)

	v.SetDefault("engine.command_buffer", 64)
	v.SetDefault("engine.notify_buffer", 1024)
	v.SetDefault("engine.seed", 0)

	v.SetDefault("generator.max_attempts", 10000)
	v.SetDefault("generator.run_retention", time.Hour)
	v.SetDefault("generator.max_runs", 1000)

	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.migrations", "migrations")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "amm.orders")
	v.SetDefault("nats.stream", "AMM_ORDERS")

	v.SetDefault("markets_file", "")
}

// Load reads defaults, then the optional config file, then AMM_* environment
// variables. A .env file in the working directory is loaded into the
// environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("AMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.HTTP.RequestTimeout <= 0 {
		return errors.New("http.request_timeout must be positive")
	}
	if c.Auth.OperatorPassword != "" && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth.operator_password is set")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Engine.CommandBuffer <= 0 || c.Engine.NotifyBuffer <= 0 {
		return errors.New("engine buffers must be positive")
	}
	if c.Generator.MaxAttempts <= 0 {
		return errors.New("generator.max_attempts must be positive")
	}
	if c.Generator.RunRetention <= 0 || c.Generator.MaxRuns <= 0 {
		return errors.New("generator.run_retention and generator.max_runs must be positive")
	}
	if c.NATS.URL != "" && (c.NATS.SubjectPrefix == "" || c.NATS.Stream == "") {
		return errors.New("nats.subject_prefix and nats.stream are required with nats.url")
	}
	return nil
}

// ── Markets file ─────────────────────────────────────

type marketsFile struct {
	Markets []model.MarketParams `yaml:"markets"`
}

// LoadMarkets parses the YAML seed file. An empty path yields the single
// default market.
func LoadMarkets(path string) ([]model.MarketParams, error) {
	if path == "" {
		return []model.MarketParams{DefaultMarket()}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var f marketsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse markets file %s: %w", path, err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s lists no markets", path)
	}
	return f.Markets, nil
}

func DefaultMarket() model.MarketParams {
	return model.MarketParams{
		Key:         "default",
		TokenSupply: 1_000_000,
		PooledQuote: 100,
		Decimals:    9,
		Fee:         0.0001,
	}
}
