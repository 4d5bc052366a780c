package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"stable-ledger/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the keeper poke cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RetryAttempts   uint          `mapstructure:"retry_attempts"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
}

// FeedConfig describes one push price source. Static feeds serve a fixed
// value and are meant for indices configured rather than quoted.
type FeedConfig struct {
	Address  string `mapstructure:"address"`
	Decimals uint8  `mapstructure:"decimals"`
	Static   string `mapstructure:"static"`
}

// PairConfig describes one tracked liquidity-pool pair.
type PairConfig struct {
	Name      string `mapstructure:"name"`
	Address   string `mapstructure:"address"`
	Decimals0 uint8  `mapstructure:"decimals0"`
	Decimals1 uint8  `mapstructure:"decimals1"`
}

// AssetSourceConfig binds an asset to its price sources.
type AssetSourceConfig struct {
	Symbol string       `mapstructure:"symbol"`
	Pair   string       `mapstructure:"pair"`
	Scalar string       `mapstructure:"scalar"`
	Feeds  []FeedConfig `mapstructure:"feeds"`
}

// OracleConfig tunes the price-discovery subsystem.
type OracleConfig struct {
	Period     time.Duration     `mapstructure:"period"`
	MaxFeedAge time.Duration     `mapstructure:"max_feed_age"`
	Pairs      []PairConfig      `mapstructure:"pairs"`
	Reserve    AssetSourceConfig `mapstructure:"reserve"`
	Unit       AssetSourceConfig `mapstructure:"unit"`
	Bond       AssetSourceConfig `mapstructure:"bond"`
	Backstop   AssetSourceConfig `mapstructure:"backstop"`
}

// EngineConfig carries the governed protocol parameters and role
// addresses. Parameter writes arrive through configuration reloads
// driven by the external governance workflow.
type EngineConfig struct {
	MintFeeBps            uint64 `mapstructure:"mint_fee_bps"`
	RedeemFeeBps          uint64 `mapstructure:"redeem_fee_bps"`
	BondFloorPrice        string `mapstructure:"bond_floor_price"`
	MaxBondRate           string `mapstructure:"max_bond_rate"`
	DeviationToleranceBps uint64 `mapstructure:"deviation_tolerance_bps"`
	EngineAddress         string `mapstructure:"engine_address"`
	VaultAddress          string `mapstructure:"vault_address"`
	AdminAddress          string `mapstructure:"admin_address"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	MinRatio float64        `mapstructure:"min_ratio"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STABLED")
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
	v.SetDefault("app.name", "stabled")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73746264))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.retry_attempts", uint(3))

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.rate_limit_per_sec", 5.0)

	v.SetDefault("oracle.period", "30m")
	v.SetDefault("oracle.max_feed_age", "1h")
	v.SetDefault("oracle.reserve.symbol", "WBTC")
	v.SetDefault("oracle.unit.symbol", "USDU")
	v.SetDefault("oracle.unit.scalar", "1")
	v.SetDefault("oracle.unit.feeds", []map[string]any{{"static": "1"}})
	v.SetDefault("oracle.bond.symbol", "BOND")
	v.SetDefault("oracle.backstop.symbol", "BSTP")

	v.SetDefault("engine.mint_fee_bps", uint64(10))
	v.SetDefault("engine.redeem_fee_bps", uint64(10))
	v.SetDefault("engine.bond_floor_price", "0.5")
	v.SetDefault("engine.max_bond_rate", "1")
	v.SetDefault("engine.deviation_tolerance_bps", uint64(500))
	v.SetDefault("engine.engine_address", "0x0000000000000000000000000000000000000e01")
	v.SetDefault("engine.vault_address", "0x0000000000000000000000000000000000000e02")
	v.SetDefault("engine.admin_address", "0x0000000000000000000000000000000000000e03")

	v.SetDefault("server.listen_addr", ":8480")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_ratio", 1.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Oracle.Period <= 0 {
		return fmt.Errorf("oracle.period must be greater than zero")
	}
	if c.Oracle.MaxFeedAge <= 0 {
		return fmt.Errorf("oracle.max_feed_age must be greater than zero")
	}
	if c.Engine.MintFeeBps > 10_000 {
		return fmt.Errorf("engine.mint_fee_bps out of range")
	}
	if c.Engine.RedeemFeeBps > 10_000 {
		return fmt.Errorf("engine.redeem_fee_bps out of range")
	}
	if c.Engine.DeviationToleranceBps > 10_000 {
		return fmt.Errorf("engine.deviation_tolerance_bps out of range")
	}
	if c.Alerting.MinRatio < 0 {
		return fmt.Errorf("alerting.min_ratio cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
