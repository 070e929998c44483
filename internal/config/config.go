package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL     string
	PrivateKey string

	PoolAddress            string
	PositionManagerAddress string
	RouterAddress          string
	FarmAddress            string
	Token0Address          string
	Token1Address          string
	RewardTokenAddress     string
	Token0Decimals         int
	Token1Decimals         int
	PoolFee                uint32
	SwapFee                uint32
	RewardSwapFee          uint32

	NumPositions     int
	PositionWidth    int
	PartialThreshold float64
	FullThreshold    float64
	SwapSlippage     float64
	SwapDeadband     float64
	CapitalPerSlot   float64
	MaxPriceJump     float64

	PollInterval   time.Duration
	GasBumpPercent int64
	ConfirmTimeout time.Duration

	StatePath     string
	SchedulePath  string
	PGDSN         string
	TelemetryPath string

	TelegramToken   string
	TelegramChatIDs []int64

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANGEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("token0-decimals", 18)
	v.SetDefault("token1-decimals", 18)
	v.SetDefault("pool-fee", uint32(500))
	v.SetDefault("swap-fee", uint32(100))
	v.SetDefault("reward-swap-fee", uint32(2500))
	v.SetDefault("positions", 3)
	v.SetDefault("width", 4)
	v.SetDefault("partial-threshold", 0.001)
	v.SetDefault("full-threshold", 0.0019)
	v.SetDefault("swap-slippage", 0.005)
	v.SetDefault("swap-deadband", 0.05)
	v.SetDefault("capital-per-slot", 0.0)
	v.SetDefault("max-price-jump", 0.5)
	v.SetDefault("poll-interval", 10*time.Second)
	v.SetDefault("gas-bump", int64(5))
	v.SetDefault("confirm-timeout", 90*time.Second)
	v.SetDefault("state", "./data/state.json")
	v.SetDefault("telemetry-out", "./data/periods.jsonl")
	v.SetDefault("log-level", "info")

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
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:                 v.GetString("rpc"),
		PrivateKey:             v.GetString("private-key"),
		PoolAddress:            v.GetString("pool"),
		PositionManagerAddress: v.GetString("position-manager"),
		RouterAddress:          v.GetString("router"),
		FarmAddress:            v.GetString("farm"),
		Token0Address:          v.GetString("token0"),
		Token1Address:          v.GetString("token1"),
		RewardTokenAddress:     v.GetString("reward-token"),
		Token0Decimals:         v.GetInt("token0-decimals"),
		Token1Decimals:         v.GetInt("token1-decimals"),
		PoolFee:                uint32(v.GetUint("pool-fee")),
		SwapFee:                uint32(v.GetUint("swap-fee")),
		RewardSwapFee:          uint32(v.GetUint("reward-swap-fee")),
		NumPositions:           v.GetInt("positions"),
		PositionWidth:          v.GetInt("width"),
		PartialThreshold:       v.GetFloat64("partial-threshold"),
		FullThreshold:          v.GetFloat64("full-threshold"),
		SwapSlippage:           v.GetFloat64("swap-slippage"),
		SwapDeadband:           v.GetFloat64("swap-deadband"),
		CapitalPerSlot:         v.GetFloat64("capital-per-slot"),
		MaxPriceJump:           v.GetFloat64("max-price-jump"),
		PollInterval:           v.GetDuration("poll-interval"),
		GasBumpPercent:         v.GetInt64("gas-bump"),
		ConfirmTimeout:         v.GetDuration("confirm-timeout"),
		StatePath:              v.GetString("state"),
		SchedulePath:           v.GetString("schedule"),
		PGDSN:                  v.GetString("pg-dsn"),
		TelemetryPath:          v.GetString("telemetry-out"),
		TelegramToken:          v.GetString("telegram-token"),
		TelegramChatIDs:        getInt64Slice(v, "telegram-chat-id"),
		LogLevel:               v.GetString("log-level"),
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.NumPositions < 2 {
		return fmt.Errorf("at least two managed positions are required")
	}
	if c.PositionWidth <= 0 {
		return fmt.Errorf("position width must be positive")
	}
	if c.PartialThreshold <= 0 || c.FullThreshold <= c.PartialThreshold {
		return fmt.Errorf("thresholds must satisfy 0 < partial < full")
	}
	if c.SwapSlippage < 0 || c.SwapSlippage >= 1 {
		return fmt.Errorf("swap slippage must be in [0, 1)")
	}
	if c.CapitalPerSlot < 0 {
		return fmt.Errorf("capital per slot must not be negative")
	}
	return nil
}

func getInt64Slice(v *viper.Viper, key string) []int64 {
	if !v.IsSet(key) {
		return nil
	}
	raw := v.GetStringSlice(key)
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(item, "%d", &id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
