// Package config defines all configuration for the simulation engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// operational fields overridable via SIM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Tick     TickConfig     `mapstructure:"tick"`
	Matching MatchingConfig `mapstructure:"matching"`
	Price    PriceConfig    `mapstructure:"price"`
	Events   EventsConfig   `mapstructure:"events"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Actions  ActionsConfig  `mapstructure:"actions"`
	Live     LiveConfig     `mapstructure:"live"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TickConfig drives the scheduler cadence and market hours.
// A tick day is TicksPerDay long; the market is open for ticks whose
// day-offset falls in [MarketOpenTick, MarketCloseTick). TicksPerDay = 0
// means the market never closes.
type TickConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	TicksPerDay     int64         `mapstructure:"ticks_per_day"`
	MarketOpenTick  int64         `mapstructure:"market_open_tick"`
	MarketCloseTick int64         `mapstructure:"market_close_tick"`
	AutoRecovery    bool          `mapstructure:"auto_recovery"` // restore books from open orders on boot
}

// MatchingConfig bounds what the books accept.
type MatchingConfig struct {
	AllowSelfTrade bool   `mapstructure:"allow_self_trade"`
	MaxQuantity    int64  `mapstructure:"max_quantity"`
	MaxPrice       string `mapstructure:"max_price"` // decimal string, e.g. "1000000"
	SeedLiquidity  bool   `mapstructure:"seed_liquidity"`
	SeedDepth      int    `mapstructure:"seed_depth"` // ladder levels per side when seeding
}

// PriceConfig tunes the per-tick price model.
//
//   - MaxTickMove: cap on |log(new/old)| per tick.
//   - Floor: minimum price (decimal string).
//   - PressureWeight: how strongly net signed trade volume moves price.
//   - SectorWeight: how strongly the shared sector factor propagates.
//   - SentimentWeight: weight of the decayed news sentiment aggregate.
type PriceConfig struct {
	MaxTickMove     float64 `mapstructure:"max_tick_move"`
	Floor           string  `mapstructure:"floor"`
	PressureWeight  float64 `mapstructure:"pressure_weight"`
	SectorWeight    float64 `mapstructure:"sector_weight"`
	SentimentWeight float64 `mapstructure:"sentiment_weight"`
	SentimentDecay  float64 `mapstructure:"sentiment_decay"` // per-tick multiplier in (0,1]
	Seed            int64   `mapstructure:"seed"`            // 0 = time-seeded
}

// EventsConfig controls tick-scoped market event generation.
type EventsConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Chance  float64 `mapstructure:"chance"` // per-tick probability of a new event
}

// WebhookConfig tunes the outbound dispatcher.
//
//   - Timeout: per-attempt HTTP timeout.
//   - MaxRetries: retries after the first attempt (3 means up to 4 attempts).
//   - BackoffBase / BackoffMax / BackoffJitter: exponential backoff shape.
//   - CircuitThreshold: consecutive failures before the breaker opens.
//   - CircuitRecovery: how long an open breaker waits before half-open.
//   - CircuitHalfOpenSuccesses: successes needed in half-open to close.
type WebhookConfig struct {
	Timeout                  time.Duration `mapstructure:"timeout"`
	MaxRetries               int           `mapstructure:"max_retries"`
	BackoffBase              time.Duration `mapstructure:"backoff_base"`
	BackoffMax               time.Duration `mapstructure:"backoff_max"`
	BackoffJitter            float64       `mapstructure:"backoff_jitter"`
	CircuitThreshold         int           `mapstructure:"circuit_threshold"`
	CircuitRecovery          time.Duration `mapstructure:"circuit_recovery"`
	CircuitHalfOpenSuccesses int           `mapstructure:"circuit_half_open_successes"`
}

// ActionsConfig bounds what the action processor accepts per tick.
type ActionsConfig struct {
	MaxPerTick     int    `mapstructure:"max_per_tick"`
	RumorCost      int    `mapstructure:"rumor_cost"`      // reputation deducted per rumor
	BribeMinimum   string `mapstructure:"bribe_minimum"`   // decimal string
	FleeSentence   int64  `mapstructure:"flee_sentence"`   // ticks served on failed flee
	WhistleblowRep int    `mapstructure:"whistleblow_rep"` // reputation adjustment
}

// LiveConfig controls the websocket broadcast server.
type LiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PubSubConfig selects the bus backing the live broadcast fan-out.
// When Redis is disabled the engine and broadcast hub share an in-process bus.
type PubSubConfig struct {
	RedisEnabled bool   `mapstructure:"redis_enabled"`
	RedisMode    string `mapstructure:"redis_mode"` // "standalone" or "cluster"
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisAddrs   string `mapstructure:"redis_addrs"` // comma-separated, cluster mode
}

// StoreConfig sets where world snapshots are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with SIM_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults + env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tick.interval", "5s")
	v.SetDefault("tick.ticks_per_day", 0)
	v.SetDefault("tick.market_open_tick", 0)
	v.SetDefault("tick.market_close_tick", 0)
	v.SetDefault("tick.auto_recovery", true)

	v.SetDefault("matching.allow_self_trade", true)
	v.SetDefault("matching.max_quantity", 1_000_000)
	v.SetDefault("matching.max_price", "1000000")
	v.SetDefault("matching.seed_liquidity", false)
	v.SetDefault("matching.seed_depth", 5)

	v.SetDefault("price.max_tick_move", 0.10)
	v.SetDefault("price.floor", "0.01")
	v.SetDefault("price.pressure_weight", 0.002)
	v.SetDefault("price.sector_weight", 0.5)
	v.SetDefault("price.sentiment_weight", 0.01)
	v.SetDefault("price.sentiment_decay", 0.9)
	v.SetDefault("price.seed", 0)

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.chance", 0.05)

	v.SetDefault("webhook.timeout", "5s")
	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.backoff_base", "500ms")
	v.SetDefault("webhook.backoff_max", "10s")
	v.SetDefault("webhook.backoff_jitter", 0.2)
	v.SetDefault("webhook.circuit_threshold", 5)
	v.SetDefault("webhook.circuit_recovery", "60s")
	v.SetDefault("webhook.circuit_half_open_successes", 2)

	v.SetDefault("actions.max_per_tick", 10)
	v.SetDefault("actions.rumor_cost", 5)
	v.SetDefault("actions.bribe_minimum", "1000")
	v.SetDefault("actions.flee_sentence", 100)
	v.SetDefault("actions.whistleblow_rep", 3)

	v.SetDefault("live.enabled", true)
	v.SetDefault("live.port", 8080)

	v.SetDefault("pubsub.redis_enabled", false)
	v.SetDefault("pubsub.redis_mode", "standalone")
	v.SetDefault("pubsub.redis_addr", "localhost:6379")
	v.SetDefault("pubsub.redis_addrs", "")

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Tick.Interval <= 0 {
		return fmt.Errorf("tick.interval must be > 0")
	}
	if c.Tick.TicksPerDay > 0 {
		if c.Tick.MarketOpenTick < 0 || c.Tick.MarketCloseTick > c.Tick.TicksPerDay {
			return fmt.Errorf("market hours must fall within the tick day")
		}
		if c.Tick.MarketOpenTick >= c.Tick.MarketCloseTick {
			return fmt.Errorf("tick.market_open_tick must be < tick.market_close_tick")
		}
	}
	if c.Matching.MaxQuantity <= 0 {
		return fmt.Errorf("matching.max_quantity must be > 0")
	}
	if c.Price.MaxTickMove <= 0 {
		return fmt.Errorf("price.max_tick_move must be > 0")
	}
	if c.Price.SentimentDecay <= 0 || c.Price.SentimentDecay > 1 {
		return fmt.Errorf("price.sentiment_decay must be in (0, 1]")
	}
	if c.Events.Chance < 0 || c.Events.Chance > 1 {
		return fmt.Errorf("events.chance must be in [0, 1]")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook.timeout must be > 0")
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("webhook.max_retries must be >= 0")
	}
	if c.Webhook.CircuitThreshold <= 0 {
		return fmt.Errorf("webhook.circuit_threshold must be > 0")
	}
	if c.Webhook.CircuitHalfOpenSuccesses <= 0 {
		return fmt.Errorf("webhook.circuit_half_open_successes must be > 0")
	}
	if c.Actions.MaxPerTick <= 0 {
		return fmt.Errorf("actions.max_per_tick must be > 0")
	}
	if c.Live.Enabled && (c.Live.Port <= 0 || c.Live.Port > 65535) {
		return fmt.Errorf("live.port must be a valid port")
	}
	return nil
}
