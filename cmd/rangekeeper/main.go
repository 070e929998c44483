package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rangekeeper/internal/chain"
	"rangekeeper/internal/config"
	"rangekeeper/internal/control"
	"rangekeeper/internal/dex"
	"rangekeeper/internal/engine"
	"rangekeeper/internal/executor"
	"rangekeeper/internal/ledger"
	"rangekeeper/internal/loop"
	"rangekeeper/internal/schedule"
	"rangekeeper/internal/telemetry"
)

func main() {
	root := &cobra.Command{
		Use:          "rangekeeper",
		Short:        "Concentrated liquidity position keeper",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the keeper",
		RunE:  runKeeper,
	}
	addCommonFlags(runCmd)
	runCmd.Flags().Int("positions", 3, "number of managed positions")
	runCmd.Flags().Int("width", 4, "ticks per position, multiple of the pool tick spacing")
	runCmd.Flags().Float64("partial-threshold", 0.001, "relative price deviation triggering a partial rebalance")
	runCmd.Flags().Float64("full-threshold", 0.0019, "relative price deviation triggering a full rebalance")
	runCmd.Flags().Float64("swap-slippage", 0.005, "swap slippage tolerance")
	runCmd.Flags().Float64("swap-deadband", 0.05, "relative imbalance below which no swap is made")
	runCmd.Flags().Float64("capital-per-slot", 0, "token1 value deployed per position, 0 deploys the full balance")
	runCmd.Flags().Float64("max-price-jump", 0.5, "relative single-poll move treated as an outlier")
	runCmd.Flags().Duration("poll-interval", 10*time.Second, "price poll interval")
	runCmd.Flags().String("schedule", "", "weekly UTC schedule JSON path (empty means always on)")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for period records (empty means JSONL only)")
	runCmd.Flags().String("telemetry-out", "./data/periods.jsonl", "period records JSONL path")
	runCmd.Flags().String("telegram-token", "", "Telegram bot token (empty disables remote control)")
	runCmd.Flags().StringSlice("telegram-chat-id", nil, "allowed Telegram chat IDs (comma-separated)")
	runCmd.Flags().Bool("enabled", true, "start with automation enabled")
	root.AddCommand(runCmd)

	closeCmd := &cobra.Command{
		Use:   "close-all",
		Short: "Close every owned position and clear local state",
		RunE:  runCloseAll,
	}
	addCommonFlags(closeCmd)
	root.AddCommand(closeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "chain RPC URL")
	cmd.Flags().String("private-key", "", "hex private key of the operating wallet")
	cmd.Flags().String("pool", "", "V3 pool address")
	cmd.Flags().String("position-manager", "", "nonfungible position manager address")
	cmd.Flags().String("router", "", "swap router address")
	cmd.Flags().String("farm", "", "farm (masterchef) address, empty disables staking")
	cmd.Flags().String("token0", "", "token0 address")
	cmd.Flags().String("token1", "", "token1 address")
	cmd.Flags().String("reward-token", "", "farm reward token address")
	cmd.Flags().Int("token0-decimals", 18, "token0 decimals")
	cmd.Flags().Int("token1-decimals", 18, "token1 decimals")
	cmd.Flags().Uint("pool-fee", 500, "pool fee tier")
	cmd.Flags().Uint("swap-fee", 100, "fee tier for balancing swaps")
	cmd.Flags().Uint("reward-swap-fee", 2500, "fee tier for reward conversion swaps")
	cmd.Flags().Int64("gas-bump", 5, "percent added to the suggested gas price")
	cmd.Flags().Duration("confirm-timeout", 90*time.Second, "transaction confirmation timeout")
	cmd.Flags().String("state", "./data/state.json", "persisted state path")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func runKeeper(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, manager, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	sched, err := schedule.Load(cfg.SchedulePath)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}

	var sink telemetry.Sink
	if cfg.PGDSN != "" {
		pgSink, err := telemetry.NewPostgresSink(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect telemetry db: %w", err)
		}
		defer pgSink.Close()
		sink = pgSink
	} else if cfg.TelemetryPath != "" {
		sink = telemetry.NewJsonlSink(cfg.TelemetryPath)
	}

	led := ledger.New(cfg.StatePath, cfg.Token0Decimals, cfg.Token1Decimals, logger)

	exec := executor.New(manager, led, executor.Config{
		Slippage:       decimal.NewFromFloat(cfg.SwapSlippage),
		Deadband:       decimal.NewFromFloat(cfg.SwapDeadband),
		CapitalPerSlot: decimal.NewFromFloat(cfg.CapitalPerSlot),
		Decimals0:      cfg.Token0Decimals,
		Decimals1:      cfg.Token1Decimals,
	}, logger)

	commands := make(chan control.Command, 8)
	var notifier loop.Notifier
	if cfg.TelegramToken != "" {
		telegram := control.NewClient(cfg.TelegramToken, cfg.TelegramChatIDs, logger)
		notifier = telegram
		go telegram.Run(ctx, commands)
	}

	startEnabled, _ := cmd.Flags().GetBool("enabled")

	runner := loop.New(loop.Deps{
		Pool:     manager,
		Ops:      manager,
		Executor: exec,
		Ledger:   led,
		Schedule: sched,
		Sink:     sink,
		Notifier: notifier,
		Commands: commands,
		Engine: engine.Config{
			NumPositions:     cfg.NumPositions,
			Width:            cfg.PositionWidth,
			PartialThreshold: decimal.NewFromFloat(cfg.PartialThreshold),
			FullThreshold:    decimal.NewFromFloat(cfg.FullThreshold),
			Decimals0:        cfg.Token0Decimals,
			Decimals1:        cfg.Token1Decimals,
		},
	}, loop.Config{
		Wallet:       chainClient.From().Hex(),
		PollInterval: cfg.PollInterval,
		MaxPriceJump: decimal.NewFromFloat(cfg.MaxPriceJump),
		Decimals0:    cfg.Token0Decimals,
		Decimals1:    cfg.Token1Decimals,
		StartEnabled: startEnabled,
	}, logger)

	logger.Info("keeper start",
		zap.String("wallet", chainClient.From().Hex()),
		zap.String("pool", cfg.PoolAddress),
		zap.Int("positions", cfg.NumPositions),
		zap.Int("width", cfg.PositionWidth),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Bool("farm", cfg.FarmAddress != ""),
		zap.Bool("telegram", cfg.TelegramToken != ""),
	)

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runCloseAll(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, manager, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	led := ledger.New(cfg.StatePath, cfg.Token0Decimals, cfg.Token1Decimals, logger)
	exec := executor.New(manager, led, executor.Config{
		Slippage:  decimal.NewFromFloat(cfg.SwapSlippage),
		Deadband:  decimal.NewFromFloat(cfg.SwapDeadband),
		Decimals0: cfg.Token0Decimals,
		Decimals1: cfg.Token1Decimals,
	}, logger)

	state, err := led.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if _, err := exec.CloseAll(ctx, state); err != nil {
		return err
	}
	logger.Info("close-all done")
	return nil
}

func connect(ctx context.Context, cfg config.Config, logger *zap.Logger) (*chain.Client, *dex.Manager, error) {
	if cfg.RPCURL == "" {
		return nil, nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKey == "" {
		return nil, nil, fmt.Errorf("private key is required")
	}
	for name, addr := range map[string]string{
		"pool":             cfg.PoolAddress,
		"position-manager": cfg.PositionManagerAddress,
		"router":           cfg.RouterAddress,
		"token0":           cfg.Token0Address,
		"token1":           cfg.Token1Address,
	} {
		if !common.IsHexAddress(addr) {
			return nil, nil, fmt.Errorf("%s address is required", name)
		}
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.PrivateKey, chain.Options{
		GasBumpPercent: cfg.GasBumpPercent,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect rpc: %w", err)
	}

	contracts := dex.Contracts{
		Pool:            common.HexToAddress(cfg.PoolAddress),
		PositionManager: common.HexToAddress(cfg.PositionManagerAddress),
		Router:          common.HexToAddress(cfg.RouterAddress),
		Token0:          common.HexToAddress(cfg.Token0Address),
		Token1:          common.HexToAddress(cfg.Token1Address),
		PoolFee:         cfg.PoolFee,
		SwapFee:         cfg.SwapFee,
		RewardSwapFee:   cfg.RewardSwapFee,
	}
	if common.IsHexAddress(cfg.FarmAddress) {
		contracts.Farm = common.HexToAddress(cfg.FarmAddress)
	}
	if common.IsHexAddress(cfg.RewardTokenAddress) {
		contracts.RewardToken = common.HexToAddress(cfg.RewardTokenAddress)
	}

	manager := dex.NewManager(chainClient, contracts, logger)

	// Position width must tile the pool's tick grid.
	spacing, err := manager.TickSpacing(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cfg.PositionWidth%spacing != 0 {
		return nil, nil, fmt.Errorf("width %d is not a multiple of pool tick spacing %d", cfg.PositionWidth, spacing)
	}

	return chainClient, manager, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
