package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	VenueA    VenueConfig     `yaml:"venue_a"`
	VenueB    VenueConfig     `yaml:"venue_b"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Retry     RetryConfig     `yaml:"retry"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type VenueConfig struct {
	Name           string        `yaml:"name"`
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MakerFeeBps    float64       `yaml:"maker_fee_bps"`
	TakerFeeBps    float64       `yaml:"taker_fee_bps"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type StrategyConfig struct {
	Symbol            string        `yaml:"symbol"`
	EntryGapUSD       float64       `yaml:"entry_gap_usd"`
	ExitGapUSD        float64       `yaml:"exit_gap_usd"`
	PositionSizeBTC   float64       `yaml:"position_size_btc"`
	MinHoldDuration   time.Duration `yaml:"min_hold_duration"`
	MaxHoldDuration   time.Duration `yaml:"max_hold_duration"`
	EntryTimeout      time.Duration `yaml:"entry_timeout"`
	ExitTimeout       time.Duration `yaml:"exit_timeout"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	StatusInterval    time.Duration `yaml:"status_interval"`
	FundingInterval   time.Duration `yaml:"funding_interval"`
	MinFundingPerHour float64       `yaml:"min_funding_per_hour"`
	ExitOnFundingRisk bool          `yaml:"exit_on_funding_risk"`
}

type RiskConfig struct {
	MaxLeverage     float64 `yaml:"max_leverage"`
	MinMarginBuffer float64 `yaml:"min_margin_buffer"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type AuditConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.VenueA.Name == "" {
		cfg.VenueA.Name = "venue_a"
	}
	if cfg.VenueB.Name == "" {
		cfg.VenueB.Name = "venue_b"
	}
	for _, venue := range []*VenueConfig{&cfg.VenueA, &cfg.VenueB} {
		if venue.Timeout == 0 {
			venue.Timeout = 10 * time.Second
		}
		if venue.ReconnectDelay == 0 {
			venue.ReconnectDelay = 3 * time.Second
		}
		if venue.PingInterval == 0 {
			venue.PingInterval = 30 * time.Second
		}
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/spread-hedge-bot.db"
	}
	if cfg.Strategy.MinHoldDuration == 0 {
		cfg.Strategy.MinHoldDuration = 60 * time.Second
	}
	if cfg.Strategy.EntryTimeout == 0 {
		cfg.Strategy.EntryTimeout = 10 * time.Second
	}
	if cfg.Strategy.ExitTimeout == 0 {
		cfg.Strategy.ExitTimeout = 15 * time.Second
	}
	if cfg.Strategy.TickInterval == 0 {
		cfg.Strategy.TickInterval = 5 * time.Second
	}
	if cfg.Strategy.StatusInterval == 0 {
		cfg.Strategy.StatusInterval = 60 * time.Second
	}
	if cfg.Strategy.FundingInterval == 0 {
		cfg.Strategy.FundingInterval = 5 * time.Minute
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 3
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 200 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "data/tradelog"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if cfg.Strategy.EntryGapUSD <= 0 {
		return fmt.Errorf("strategy.entry_gap_usd must be > 0, got %v", cfg.Strategy.EntryGapUSD)
	}
	if cfg.Strategy.ExitGapUSD < 0 {
		return fmt.Errorf("strategy.exit_gap_usd must be >= 0, got %v", cfg.Strategy.ExitGapUSD)
	}
	if cfg.Strategy.ExitGapUSD >= cfg.Strategy.EntryGapUSD {
		return fmt.Errorf("strategy.exit_gap_usd %v must be below strategy.entry_gap_usd %v",
			cfg.Strategy.ExitGapUSD, cfg.Strategy.EntryGapUSD)
	}
	if cfg.Strategy.PositionSizeBTC <= 0 {
		return fmt.Errorf("strategy.position_size_btc must be > 0, got %v", cfg.Strategy.PositionSizeBTC)
	}
	if cfg.Strategy.MaxHoldDuration < 0 {
		return errors.New("strategy.max_hold_duration must be >= 0")
	}
	if cfg.Strategy.MaxHoldDuration > 0 && cfg.Strategy.MaxHoldDuration < cfg.Strategy.MinHoldDuration {
		return errors.New("strategy.max_hold_duration must be >= strategy.min_hold_duration")
	}
	if cfg.VenueA.Name == cfg.VenueB.Name {
		return fmt.Errorf("venue_a.name and venue_b.name must differ, both are %q", cfg.VenueA.Name)
	}
	for _, venue := range []struct {
		key string
		cfg VenueConfig
	}{{"venue_a", cfg.VenueA}, {"venue_b", cfg.VenueB}} {
		if venue.cfg.MakerFeeBps < 0 {
			return fmt.Errorf("%s.maker_fee_bps must be >= 0, got %v", venue.key, venue.cfg.MakerFeeBps)
		}
		if venue.cfg.TakerFeeBps < 0 {
			return fmt.Errorf("%s.taker_fee_bps must be >= 0, got %v", venue.key, venue.cfg.TakerFeeBps)
		}
	}
	if cfg.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0, got %v", cfg.Risk.MaxLeverage)
	}
	if cfg.Risk.MinMarginBuffer < 0 {
		return fmt.Errorf("risk.min_margin_buffer must be >= 0, got %v", cfg.Risk.MinMarginBuffer)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", cfg.Retry.Multiplier)
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale.enabled")
	}
	return nil
}
