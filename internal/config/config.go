package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-attestor/internal/attestation"
	"price-attestor/internal/logging"
	"price-attestor/internal/signer"
)

// Feed types understood by the app.
const (
	FeedCryptoCompare = "cryptocompare"
	FeedChainlink     = "chainlink"
	FeedStatic        = "static"
)

// ConfigurationError reports missing or malformed settings detected before any round runs.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func configErr(key, format string, args ...any) error {
	return &ConfigurationError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Market    MarketConfig    `mapstructure:"market"`
	Feeds     []FeedConfig    `mapstructure:"feeds"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SignerConfig locates the attestation key. Exactly one source is used;
// private_key wins over private_key_file.
type SignerConfig struct {
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	Workers        int    `mapstructure:"workers"`
}

// MarketConfig identifies the oracle market. Prices are always scaled to
// fixedpoint.OracleDecimals, the precision the oracle contract stores.
type MarketConfig struct {
	ID string `mapstructure:"id"`
}

// FeedConfig describes one price source. Order in the list is batch order.
type FeedConfig struct {
	Name       string        `mapstructure:"name"`
	Type       string        `mapstructure:"type"`
	BaseURL    string        `mapstructure:"base_url"`
	FromSym    string        `mapstructure:"fsym"`
	ToSym      string        `mapstructure:"tsym"`
	APIKey     string        `mapstructure:"api_key"`
	Aggregator string        `mapstructure:"aggregator"`
	Price      string        `mapstructure:"price"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// ChainConfig covers on-chain access and oracle submission.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	OracleAddress  string        `mapstructure:"oracle_address"`
	Submit         bool          `mapstructure:"submit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Retention of stored rounds; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs attestation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig routes failed-round notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace  string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ATTESTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "price-attestor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	// AutomaticEnv only sees keys viper already knows about.
	v.SetDefault("signer.private_key", "")
	v.SetDefault("signer.private_key_file", "")
	v.SetDefault("signer.workers", 1)

	v.SetDefault("market.id", "")

	v.SetDefault("feeds", []map[string]any{{
		"name":     "cryptocompare",
		"type":     FeedCryptoCompare,
		"base_url": "https://min-api.cryptocompare.com",
		"fsym":     "USDC",
		"tsym":     "USD",
		"timeout":  "10s",
	}})

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.oracle_address", "")
	v.SetDefault("chain.submit", false)
	v.SetDefault("chain.request_timeout", "15s")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x61747374))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "15m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")
	v.SetDefault("metrics.namespace", "attestor")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks that do not touch key material.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Database.Retention < 0 {
		return configErr("database.retention", "cannot be negative")
	}
	if c.Signer.Workers < 0 {
		return configErr("signer.workers", "cannot be negative")
	}
	for i, f := range c.Feeds {
		key := fmt.Sprintf("feeds[%d]", i)
		switch f.Type {
		case FeedCryptoCompare:
			if f.FromSym == "" || f.ToSym == "" {
				return configErr(key, "cryptocompare feed needs fsym and tsym")
			}
		case FeedChainlink:
			if f.Aggregator == "" {
				return configErr(key, "chainlink feed needs aggregator")
			}
			if c.Chain.RPCURL == "" {
				return configErr("chain.rpc_url", "required by chainlink feed %s", f.Name)
			}
		case FeedStatic:
			if f.Price == "" {
				return configErr(key, "static feed needs price")
			}
		default:
			return configErr(key, "unknown feed type %q", f.Type)
		}
	}
	if c.Chain.Submit {
		if c.Chain.RPCURL == "" {
			return configErr("chain.rpc_url", "required when chain.submit is enabled")
		}
		if c.Chain.OracleAddress == "" {
			return configErr("chain.oracle_address", "required when chain.submit is enabled")
		}
		if c.Chain.ChainID <= 0 {
			return configErr("chain.chain_id", "must be positive")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return configErr("alerting.telegram.bot_token", "required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return configErr("alerting.telegram.chat_id", "required when telegram is enabled")
		}
	}
	return nil
}

// MarketID parses market.id.
func (c *Config) MarketID() (attestation.MarketID, error) {
	if strings.TrimSpace(c.Market.ID) == "" {
		return attestation.MarketID{}, configErr("market.id", "not set")
	}
	id, err := attestation.ParseMarketID(c.Market.ID)
	if err != nil {
		return attestation.MarketID{}, configErr("market.id", "%v", err)
	}
	if id.IsZero() {
		return attestation.MarketID{}, configErr("market.id", "must not be all zero")
	}
	return id, nil
}

// LoadSigner reads the signing key once. The key value never appears in errors.
func (c *Config) LoadSigner() (*signer.Signer, error) {
	raw := strings.TrimSpace(c.Signer.PrivateKey)
	source := "signer.private_key"
	if raw == "" && c.Signer.PrivateKeyFile != "" {
		source = "signer.private_key_file"
		content, err := os.ReadFile(c.Signer.PrivateKeyFile)
		if err != nil {
			return nil, configErr(source, "read key file: %v", err)
		}
		raw = strings.TrimSpace(string(content))
	}
	if raw == "" {
		return nil, configErr("signer.private_key", "not set")
	}

	s, err := signer.FromHex(raw)
	if err != nil {
		return nil, configErr(source, "malformed private key")
	}
	return s, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
