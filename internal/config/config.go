// Package config provides configuration management for the order management system.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	apperrors "zerodha-oms/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig  `mapstructure:"trading"`
	OMS         OMSConfig      `mapstructure:"oms"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Market      MarketConfig   `mapstructure:"market"`
	API         APIConfig      `mapstructure:"api"`
	Security    SecurityConfig `mapstructure:"security"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Notify      NotifyConfig   `mapstructure:"notifications"`
	Credentials Credentials    `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode            string `mapstructure:"mode"`             // "live", "paper"
	DefaultProduct  string `mapstructure:"default_product"`  // MIS, CNC, NRML
	DefaultExchange string `mapstructure:"default_exchange"` // NSE, NFO
}

// OMSConfig controls the pollers and the order store.
type OMSConfig struct {
	DBPath            string        `mapstructure:"db_path"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	IntentPoll        time.Duration `mapstructure:"intent_poll_interval"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout"`
	ReconcileOnStart  bool          `mapstructure:"reconcile_on_start"`
	RuleExits         bool          `mapstructure:"rule_exits"`
	BrokerTimeout     time.Duration `mapstructure:"broker_timeout"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerResetAfter time.Duration `mapstructure:"breaker_reset_after"`
}

// RiskConfig holds the limits evaluated by the risk gate.
type RiskConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	DailyLossLimit    float64       `mapstructure:"daily_loss_limit"`
	MaxOpenPositions  int           `mapstructure:"max_open_positions"`
	ForceExitOnBreach bool          `mapstructure:"force_exit_on_breach"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	ExitProduct       string        `mapstructure:"exit_product"`
}

// MarketConfig selects the market snapshot provider.
type MarketConfig struct {
	Provider  string        `mapstructure:"provider"` // "store", "ticker"
	MaxAge    time.Duration `mapstructure:"max_age"`
	Watchlist []string      `mapstructure:"watchlist"`
}

// APIConfig holds intake API configuration.
type APIConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Listen    string  `mapstructure:"listen"`
	JWTSecret string  `mapstructure:"jwt_secret"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second per client
	RateBurst int     `mapstructure:"rate_burst"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	ReadOnlyMode bool   `mapstructure:"read_only_mode"`
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditPath    string `mapstructure:"audit_path"`
}

// LoggingConfig mirrors logging.LogConfig.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// ZerodhaCredentials holds Zerodha API credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
}

// NotifyConfig holds alert delivery configuration.
type NotifyConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/zerodha-oms"
	}
	return filepath.Join(home, ".config", "zerodha-oms")
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults places the database and logs under dir.
func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.default_product", "MIS")
	v.SetDefault("trading.default_exchange", "NFO")

	v.SetDefault("oms.db_path", filepath.Join(dir, "oms.db"))
	v.SetDefault("oms.poll_interval", time.Second)
	v.SetDefault("oms.intent_poll_interval", time.Second)
	v.SetDefault("oms.settle_timeout", 30*time.Second)
	v.SetDefault("oms.reconcile_on_start", true)
	v.SetDefault("oms.rule_exits", true)
	v.SetDefault("oms.broker_timeout", 10*time.Second)
	v.SetDefault("oms.breaker_threshold", 5)
	v.SetDefault("oms.breaker_reset_after", 30*time.Second)

	v.SetDefault("risk.enabled", true)
	v.SetDefault("risk.daily_loss_limit", 5000.0)
	v.SetDefault("risk.max_open_positions", 10)
	v.SetDefault("risk.force_exit_on_breach", true)
	v.SetDefault("risk.check_interval", 5*time.Second)
	v.SetDefault("risk.exit_product", "")

	v.SetDefault("market.provider", "store")
	v.SetDefault("market.max_age", time.Minute)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8088")
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_burst", 10)

	v.SetDefault("security.read_only_mode", false)
	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.audit_path", filepath.Join(dir, "logs", "audit.log"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file_path", filepath.Join(dir, "logs", "oms.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.console", true)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Zerodha credentials
	if v := os.Getenv("ZERODHA_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("ZERODHA_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("ZERODHA_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}
	if v := os.Getenv("ZERODHA_USER_ID"); v != "" {
		cfg.Credentials.Zerodha.UserID = v
	}

	if v := os.Getenv("OMS_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("OMS_DB_PATH"); v != "" {
		cfg.OMS.DBPath = v
	}
	if v := os.Getenv("OMS_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
	if v := os.Getenv("OMS_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv("OMS_READ_ONLY"); v == "true" || v == "1" {
		cfg.Security.ReadOnlyMode = true
	}
}

// Validate validates the configuration. All problems are reported at once.
func (c *Config) Validate() error {
	var err error

	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		err = multierr.Append(err, fmt.Errorf("invalid trading mode: %q (must be 'live' or 'paper')", c.Trading.Mode))
	}
	switch c.Trading.DefaultProduct {
	case "", "MIS", "CNC", "NRML":
	default:
		err = multierr.Append(err, fmt.Errorf("invalid default_product: %q", c.Trading.DefaultProduct))
	}

	if c.OMS.DBPath == "" {
		err = multierr.Append(err, errors.New("oms.db_path must not be empty"))
	}
	if c.OMS.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("oms.poll_interval must be positive"))
	}
	if c.OMS.IntentPoll <= 0 {
		err = multierr.Append(err, errors.New("oms.intent_poll_interval must be positive"))
	}
	if c.OMS.SettleTimeout < 0 {
		err = multierr.Append(err, errors.New("oms.settle_timeout must not be negative"))
	}
	if c.OMS.BreakerThreshold <= 0 {
		err = multierr.Append(err, errors.New("oms.breaker_threshold must be positive"))
	}

	if c.Risk.DailyLossLimit < 0 {
		err = multierr.Append(err, errors.New("risk.daily_loss_limit must be non-negative"))
	}
	if c.Risk.MaxOpenPositions < 0 {
		err = multierr.Append(err, errors.New("risk.max_open_positions must be non-negative"))
	}
	if c.Risk.Enabled && c.Risk.CheckInterval <= 0 {
		err = multierr.Append(err, errors.New("risk.check_interval must be positive"))
	}

	switch c.Market.Provider {
	case "store", "ticker":
	default:
		err = multierr.Append(err, fmt.Errorf("invalid market.provider: %q (must be 'store' or 'ticker')", c.Market.Provider))
	}
	if c.Market.Provider == "ticker" && !c.IsPaperMode() && c.Credentials.Zerodha.APIKey == "" {
		err = multierr.Append(err, errors.New("market.provider 'ticker' requires zerodha credentials"))
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			err = multierr.Append(err, errors.New("api.listen must not be empty"))
		}
		if c.API.RateLimit <= 0 || c.API.RateBurst <= 0 {
			err = multierr.Append(err, errors.New("api.rate_limit and api.rate_burst must be positive"))
		}
	}

	if c.Notify.Enabled {
		switch c.Notify.Level {
		case "", "all", "errors_only":
		default:
			err = multierr.Append(err, fmt.Errorf("invalid notifications.level: %q (must be 'all' or 'errors_only')", c.Notify.Level))
		}
		if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
			err = multierr.Append(err, errors.New("notifications.webhook.url must be set when the webhook is enabled"))
		}
		if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
			err = multierr.Append(err, errors.New("notifications.telegram needs bot_token and chat_id"))
		}
	}

	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}
