// Package config loads service configuration from defaults, an optional
// config file, AMM_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atmx/options-amm/internal/engine"
	"github.com/atmx/options-amm/internal/fixedpoint"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

// ErrInvalidConfig is returned when a loaded value fails validation.
var ErrInvalidConfig = errors.New("config: invalid value")

// rawPrefix marks a seed maturity given as a raw scaled integer.
const rawPrefix = "raw:"

// DefaultSeedMaturities seeds 1.0 and 1.1, the latter also at its float64
// key.
var DefaultSeedMaturities = []string{"1.0", "1.1", rawPrefix + engine.Float64Maturity}

// AddEngineFlags registers the pool baseline flags shared by the server and
// ammctl.
func AddEngineFlags(fs *pflag.FlagSet) {
	fs.String("pool-baseline", "12345", "reserve added to each option kind by init")
	fs.String("volatility-baseline", "100", "volatility written at each seed maturity by init")
	fs.StringSlice("seed-maturities", DefaultSeedMaturities, "maturities seeded by init (decimal, or raw:<scaled integer>)")
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Port               string
	Store              string
	DatabaseURL        string
	RedisURL           string
	RedisTTL           time.Duration
	PebblePath         string
	LogLevel           string
	PoolBaseline       string
	VolatilityBaseline string
	SeedMaturities     []string
}

// Load merges config file, environment variables, and flags into Config.
// With no cfgFile, ./amm.yaml (or any extension viper reads) is used if
// present.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AMM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("store", StoreMemory)
	v.SetDefault("redis-ttl", 30*time.Second)
	v.SetDefault("pebble-path", "./data/amm")
	v.SetDefault("log-level", "info")
	v.SetDefault("pool-baseline", "12345")
	v.SetDefault("volatility-baseline", "100")
	v.SetDefault("seed-maturities", DefaultSeedMaturities)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("amm")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Port:               v.GetString("port"),
		Store:              strings.ToLower(v.GetString("store")),
		DatabaseURL:        v.GetString("database-url"),
		RedisURL:           v.GetString("redis-url"),
		RedisTTL:           v.GetDuration("redis-ttl"),
		PebblePath:         v.GetString("pebble-path"),
		LogLevel:           v.GetString("log-level"),
		PoolBaseline:       v.GetString("pool-baseline"),
		VolatilityBaseline: v.GetString("volatility-baseline"),
		SeedMaturities:     getStringSlice(v, "seed-maturities"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the store selection and its required settings.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: store %q requires database-url", ErrInvalidConfig, c.Store)
		}
	case StorePebble:
		if c.PebblePath == "" {
			return fmt.Errorf("%w: store %q requires pebble-path", ErrInvalidConfig, c.Store)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if c.RedisURL != "" && c.RedisTTL <= 0 {
		return fmt.Errorf("%w: redis-ttl must be positive", ErrInvalidConfig)
	}
	if _, err := c.Engine(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Engine converts the pool baselines into an engine.Config.
func (c Config) Engine() (engine.Config, error) {
	pool, err := fixedpoint.Parse(c.PoolBaseline)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%w: pool-baseline: %v", ErrInvalidConfig, err)
	}
	vol, err := fixedpoint.Parse(c.VolatilityBaseline)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%w: volatility-baseline: %v", ErrInvalidConfig, err)
	}
	maturities := make([]fixedpoint.Value, 0, len(c.SeedMaturities))
	for _, s := range c.SeedMaturities {
		m, err := parseMaturity(s)
		if err != nil {
			return engine.Config{}, fmt.Errorf("%w: seed maturity %q: %v", ErrInvalidConfig, s, err)
		}
		maturities = append(maturities, m)
	}
	return engine.Config{
		PoolBaseline:       pool,
		VolatilityBaseline: vol,
		SeedMaturities:     maturities,
	}, nil
}

func parseMaturity(s string) (fixedpoint.Value, error) {
	if raw, ok := strings.CutPrefix(s, rawPrefix); ok {
		return fixedpoint.ParseRaw(raw)
	}
	return fixedpoint.Parse(s)
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("%w: log-level %q", ErrInvalidConfig, level)
	}
	return l, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	return cleanStrings(strings.Split(input, ","))
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
