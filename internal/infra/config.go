package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"trade_guard/pkg/quant"
)

// Config holds all application settings. Secrets may be overridden through
// environment variables after the file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Exchange struct {
		RestURL    string `yaml:"rest_url"`
		WSURL      string `yaml:"ws_url"`
		AccessKey  string `yaml:"access_key"`
		SecretKey  string `yaml:"secret_key"`
		TimeoutSec int    `yaml:"timeout_sec"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"exchange"`

	Storage struct {
		Driver string `yaml:"driver"` // "sqlite" or "postgres"
		Path   string `yaml:"path"`   // sqlite file
		DSN    string `yaml:"dsn"`    // postgres url
	} `yaml:"storage"`

	Trading struct {
		MarginUSD         float64   `yaml:"margin_usd"`
		Leverage          int64     `yaml:"leverage"`
		SameDirection     string    `yaml:"same_direction"`     // ignore | track_confirmations
		OppositeDirection string    `yaml:"opposite_direction"` // market_reversal | defensive_close
		EmergencyOverride string    `yaml:"emergency_override"` // never | only_profit | profit_above_x | always
		OverrideProfitPct float64   `yaml:"override_profit_pct"`
		SLRiskPct         float64   `yaml:"sl_risk_pct"`
		TPRewardPcts      []float64 `yaml:"tp_reward_pcts"`
		TPPortionPcts     []float64 `yaml:"tp_portion_pcts"`
	} `yaml:"trading"`

	Verify struct {
		QtyTolerancePct   float64 `yaml:"qty_tolerance_pct"`
		PriceTolerancePct float64 `yaml:"price_tolerance_pct"`
		SoftEntryDriftPct float64 `yaml:"soft_entry_drift_pct"`
	} `yaml:"verify"`

	Guard struct {
		SLBreachPct           float64 `yaml:"sl_breach_pct"`
		PnlEmergencyPct       float64 `yaml:"pnl_emergency_pct"` // negative
		DrawdownPct           float64 `yaml:"drawdown_pct"`      // negative
		TimeExitHours         int     `yaml:"time_exit_hours"`   // 0 disables
		Confirmations         int     `yaml:"confirmations"`
		ConfirmationWindowSec int     `yaml:"confirmation_window_sec"`
		CapitulationThreshold int     `yaml:"capitulation_threshold"`
		CapitulationBanMin    int     `yaml:"capitulation_ban_minutes"`
	} `yaml:"guard"`

	Monitor struct {
		IntervalSec int     `yaml:"interval_sec"`
		SLPolicy    string  `yaml:"sl_policy"` // none | breakeven | trailing
		TrailingPct float64 `yaml:"trailing_pct"`
	} `yaml:"monitor"`

	Lock struct {
		StaleAfterSec int `yaml:"stale_after_sec"`
	} `yaml:"lock"`

	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment overrides
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a config pre-filled with the engine's starting
// thresholds. File values overwrite these on load.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Exchange.TimeoutSec = 10
	cfg.Exchange.MaxRetries = 3
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = "trade_guard.db"
	cfg.Trading.MarginUSD = 100
	cfg.Trading.Leverage = 10
	cfg.Trading.SameDirection = "ignore"
	cfg.Trading.OppositeDirection = "market_reversal"
	cfg.Trading.EmergencyOverride = "never"
	cfg.Trading.OverrideProfitPct = 1.0
	cfg.Trading.SLRiskPct = 1.0
	cfg.Trading.TPRewardPcts = []float64{1.0, 2.0, 3.0}
	cfg.Trading.TPPortionPcts = []float64{40, 30, 100}
	cfg.Verify.QtyTolerancePct = 3.0
	cfg.Verify.PriceTolerancePct = 1.0
	cfg.Verify.SoftEntryDriftPct = 1.5
	cfg.Guard.SLBreachPct = 2.0
	cfg.Guard.PnlEmergencyPct = -30.0
	cfg.Guard.DrawdownPct = -50.0
	cfg.Guard.Confirmations = 3
	cfg.Guard.ConfirmationWindowSec = 120
	cfg.Guard.CapitulationThreshold = 3
	cfg.Guard.CapitulationBanMin = 240
	cfg.Monitor.IntervalSec = 30
	cfg.Monitor.SLPolicy = "breakeven"
	cfg.Monitor.TrailingPct = 1.0
	cfg.Lock.StaleAfterSec = 60
	cfg.Logging.Level = "info"
	return cfg
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Exchange.RestURL == "" {
		return fmt.Errorf("exchange rest_url is required")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.Trading.MarginUSD <= 0 {
		return fmt.Errorf("margin_usd must be positive")
	}
	if c.Trading.Leverage < 1 {
		return fmt.Errorf("leverage must be at least 1")
	}
	switch c.Trading.SameDirection {
	case "ignore", "track_confirmations":
	default:
		return fmt.Errorf("unknown same_direction strategy: %s", c.Trading.SameDirection)
	}
	switch c.Trading.OppositeDirection {
	case "market_reversal", "defensive_close":
	default:
		return fmt.Errorf("unknown opposite_direction strategy: %s", c.Trading.OppositeDirection)
	}
	switch c.Trading.EmergencyOverride {
	case "never", "only_profit", "profit_above_x", "always":
	default:
		return fmt.Errorf("unknown emergency_override rule: %s", c.Trading.EmergencyOverride)
	}
	if len(c.Trading.TPRewardPcts) == 0 || len(c.Trading.TPRewardPcts) > 3 {
		return fmt.Errorf("tp_reward_pcts must have 1 to 3 levels")
	}
	if len(c.Trading.TPPortionPcts) != len(c.Trading.TPRewardPcts) {
		return fmt.Errorf("tp_portion_pcts must match tp_reward_pcts length")
	}
	if c.Guard.PnlEmergencyPct >= 0 || c.Guard.DrawdownPct >= 0 {
		return fmt.Errorf("guard pnl thresholds must be negative")
	}
	if c.Guard.Confirmations < 1 {
		return fmt.Errorf("guard confirmations must be at least 1")
	}
	if c.Guard.Confirmations > 1 {
		// Quorum observations arrive one per monitor tick; a window shorter
		// than the span of the required ticks can never accumulate them.
		minWindow := c.Monitor.IntervalSec * (c.Guard.Confirmations - 1)
		if c.Guard.ConfirmationWindowSec < minWindow {
			return fmt.Errorf("confirmation_window_sec %d cannot hold %d confirmations at a %ds monitor interval (need at least %d)",
				c.Guard.ConfirmationWindowSec, c.Guard.Confirmations, c.Monitor.IntervalSec, minWindow)
		}
	}
	switch c.Monitor.SLPolicy {
	case "none", "breakeven", "trailing":
	default:
		return fmt.Errorf("unknown sl_policy: %s", c.Monitor.SLPolicy)
	}
	if c.Monitor.IntervalSec <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	return nil
}

// Basis-point accessors. Thresholds live in the file as human percentages and
// in the engine as int64 basis points.

func (c *Config) QtyToleranceBps() int64   { return quant.PctToBps(c.Verify.QtyTolerancePct) }
func (c *Config) PriceToleranceBps() int64 { return quant.PctToBps(c.Verify.PriceTolerancePct) }
func (c *Config) SoftEntryDriftBps() int64 { return quant.PctToBps(c.Verify.SoftEntryDriftPct) }
func (c *Config) SLBreachBps() int64       { return quant.PctToBps(c.Guard.SLBreachPct) }
func (c *Config) PnlEmergencyBps() int64   { return quant.PctToBps(c.Guard.PnlEmergencyPct) }
func (c *Config) DrawdownBps() int64       { return quant.PctToBps(c.Guard.DrawdownPct) }
func (c *Config) OverrideProfitBps() int64 { return quant.PctToBps(c.Trading.OverrideProfitPct) }
func (c *Config) SLRiskBps() int64         { return quant.PctToBps(c.Trading.SLRiskPct) }
func (c *Config) TrailingBps() int64       { return quant.PctToBps(c.Monitor.TrailingPct) }

// overrideWithEnv applies environment variables over file values. Environment
// always wins for secrets.
func overrideWithEnv(cfg *Config) {
	if cfg.Exchange.SecretKey != "" {
		fmt.Println("⚠️  SECURITY WARNING: exchange secret found in config file.")
		fmt.Println("   Recommendation: use TG_EXCHANGE_KEY / TG_EXCHANGE_SECRET instead.")
	}

	if v := strings.TrimSpace(os.Getenv("TG_EXCHANGE_KEY")); v != "" {
		cfg.Exchange.AccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TG_EXCHANGE_SECRET")); v != "" {
		cfg.Exchange.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TG_DB_DSN")); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TG_WEBHOOK_URL")); v != "" {
		cfg.Notify.WebhookURL = v
	}
}
