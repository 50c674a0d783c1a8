package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.live", false)

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-5-mini")
	v.SetDefault("openai.timeout", "60s")
	v.SetDefault("openai.max_attempts", 3)

	v.SetDefault("universe.limit", 30)
	v.SetDefault("universe.quote_asset", "USDT")
	v.SetDefault("universe.blacklist_bases", []string{
		"BTC", "BNB", "USDT", "USDC", "BUSD", "TUSD", "FDUSD", "USDP", "SUSD", "USTC", "DAI",
	})
	v.SetDefault("universe.market_cap_url", "https://api.coingecko.com/api/v3/coins/markets")
	v.SetDefault("universe.market_cap_ttl", "1h")

	v.SetDefault("snapshot.timeframe", "15m")
	v.SetDefault("snapshot.candle_limit", 300)
	v.SetDefault("snapshot.tail_rows", 20)
	v.SetDefault("snapshot.order_book_depth", 10)
	v.SetDefault("snapshot.workers", 8)
	v.SetDefault("snapshot.cache_ttl", "10m")
	v.SetDefault("snapshot.with_funding", true)
	v.SetDefault("snapshot.with_open_interest", true)
	v.SetDefault("snapshot.with_liquidations", false)
	v.SetDefault("snapshot.significant_digits", 8)

	v.SetDefault("trade.default_risk_fraction", 0.005)
	v.SetDefault("trade.max_open_positions", 10)
	v.SetDefault("trade.entry_expiry", "30m")
	v.SetDefault("trade.stale_order_age", "30m")
	v.SetDefault("trade.take_profit_splits", []float64{0.2, 0.3, 0.5})
	v.SetDefault("trade.break_even_fraction", 0.2)
	v.SetDefault("trade.break_even_tolerance", 0.0005)

	v.SetDefault("pending.dir", "data/pending_entries")

	v.SetDefault("database.path", "data/futures_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.busy_timeout", "5s")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.cycle_interval", "15m")
	v.SetDefault("scheduler.protection_interval", "1m")
	v.SetDefault("scheduler.expiry_interval", "1m")
	v.SetDefault("scheduler.maintenance_interval", "10m")
	v.SetDefault("scheduler.monitor_addr", "")
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
