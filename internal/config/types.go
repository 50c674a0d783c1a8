package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Trade     TradeConfig     `mapstructure:"trade"`
	Pending   PendingConfig   `mapstructure:"pending"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Live        bool   `mapstructure:"live"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// UniverseConfig 控制每轮参与决策的标的筛选。
type UniverseConfig struct {
	Limit          int           `mapstructure:"limit"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	BlacklistBases []string      `mapstructure:"blacklist_bases"`
	MarketCapURL   string        `mapstructure:"market_cap_url"`
	MarketCapTTL   time.Duration `mapstructure:"market_cap_ttl"`
}

// SnapshotConfig 控制行情快照采集。
type SnapshotConfig struct {
	Timeframe         string        `mapstructure:"timeframe"`
	CandleLimit       int           `mapstructure:"candle_limit"`
	TailRows          int           `mapstructure:"tail_rows"`
	OrderBookDepth    int           `mapstructure:"order_book_depth"`
	Workers           int           `mapstructure:"workers"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	WithFunding       bool          `mapstructure:"with_funding"`
	WithOpenInterest  bool          `mapstructure:"with_open_interest"`
	WithLiquidations  bool          `mapstructure:"with_liquidations"`
	SignificantDigits int           `mapstructure:"significant_digits"`
}

// TradeConfig 控制下单与仓位生命周期。
type TradeConfig struct {
	DefaultRiskFraction float64       `mapstructure:"default_risk_fraction"`
	MaxOpenPositions    int           `mapstructure:"max_open_positions"`
	EntryExpiry         time.Duration `mapstructure:"entry_expiry"`
	StaleOrderAge       time.Duration `mapstructure:"stale_order_age"`
	TakeProfitSplits    []float64     `mapstructure:"take_profit_splits"`
	BreakEvenFraction   float64       `mapstructure:"break_even_fraction"`
	BreakEvenTolerance  float64       `mapstructure:"break_even_tolerance"`
}

// PendingConfig 控制挂单意图的本地存储。
type PendingConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制各周期任务的节奏。
type SchedulerConfig struct {
	CycleInterval       time.Duration `mapstructure:"cycle_interval"`
	ProtectionInterval  time.Duration `mapstructure:"protection_interval"`
	ExpiryInterval      time.Duration `mapstructure:"expiry_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	MonitorAddr         string        `mapstructure:"monitor_addr"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.OpenAI.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("openai.max_attempts 必须大于0"))
	}
	if c.Universe.Limit <= 0 {
		err = multierr.Append(err, errors.New("universe.limit 必须大于0"))
	}
	if c.Universe.QuoteAsset == "" {
		err = multierr.Append(err, errors.New("universe.quote_asset 不能为空"))
	}
	if c.Snapshot.Timeframe == "" {
		err = multierr.Append(err, errors.New("snapshot.timeframe 不能为空"))
	}
	if c.Snapshot.CandleLimit <= 0 {
		err = multierr.Append(err, errors.New("snapshot.candle_limit 必须大于0"))
	}
	if c.Snapshot.Workers <= 0 {
		err = multierr.Append(err, errors.New("snapshot.workers 必须大于0"))
	}
	if c.Snapshot.SignificantDigits <= 0 || c.Snapshot.SignificantDigits > 15 {
		err = multierr.Append(err, errors.New("snapshot.significant_digits 必须位于(0,15]"))
	}
	if c.Trade.DefaultRiskFraction <= 0 || c.Trade.DefaultRiskFraction >= 1 {
		err = multierr.Append(err, errors.New("trade.default_risk_fraction 必须位于(0,1)"))
	}
	if c.Trade.MaxOpenPositions <= 0 {
		err = multierr.Append(err, errors.New("trade.max_open_positions 必须大于0"))
	}
	if c.Trade.EntryExpiry <= 0 {
		err = multierr.Append(err, errors.New("trade.entry_expiry 必须大于0"))
	}
	if c.Trade.StaleOrderAge <= 0 {
		err = multierr.Append(err, errors.New("trade.stale_order_age 必须大于0"))
	}
	if splitErr := validateSplits(c.Trade.TakeProfitSplits); splitErr != nil {
		err = multierr.Append(err, splitErr)
	}
	if c.Trade.BreakEvenFraction < 0 || c.Trade.BreakEvenFraction >= 1 {
		err = multierr.Append(err, errors.New("trade.break_even_fraction 必须位于[0,1)"))
	}
	if c.Trade.BreakEvenTolerance <= 0 {
		err = multierr.Append(err, errors.New("trade.break_even_tolerance 必须大于0"))
	}
	if c.Pending.Dir == "" {
		err = multierr.Append(err, errors.New("pending.dir 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.Scheduler.CycleInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cycle_interval 必须大于0"))
	}
	if c.Scheduler.ProtectionInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.protection_interval 必须大于0"))
	}
	if c.Scheduler.ExpiryInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.expiry_interval 必须大于0"))
	}
	if c.Scheduler.MaintenanceInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.maintenance_interval 必须大于0"))
	}
	if c.Scheduler.CycleInterval < c.Scheduler.ProtectionInterval {
		err = multierr.Append(err, errors.New("scheduler.cycle_interval 不应小于 protection_interval"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func validateSplits(splits []float64) error {
	if len(splits) == 0 {
		return nil
	}
	if len(splits) > 3 {
		return errors.New("trade.take_profit_splits 最多3档")
	}
	sum := 0.0
	for _, s := range splits {
		if s <= 0 {
			return errors.New("trade.take_profit_splits 每档必须大于0")
		}
		sum += s
	}
	if sum < 0.999 || sum > 1.001 {
		return errors.New("trade.take_profit_splits 各档之和必须为1")
	}
	return nil
}
