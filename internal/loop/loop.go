// Package loop runs the poll-decide-execute cycle. One goroutine owns all
// mutable state; price ticks and remote commands are serialized onto it, so
// no step of a rebalance ever interleaves with a command.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rangekeeper/internal/control"
	"rangekeeper/internal/dex"
	"rangekeeper/internal/engine"
	"rangekeeper/internal/executor"
	"rangekeeper/internal/ledger"
	"rangekeeper/internal/model"
	"rangekeeper/internal/schedule"
	"rangekeeper/internal/telemetry"
)

// Accept this many consecutive outlier rejections before trusting the
// sample anyway; a real large move looks like an outlier on every poll.
const maxOutlierStreak = 3

// PoolReader supplies the raw pool price. *dex.Manager satisfies it.
type PoolReader interface {
	Slot0(ctx context.Context) (*big.Int, int, error)
}

// Notifier delivers alerts and command replies. May be nil.
type Notifier interface {
	SendTo(ctx context.Context, chatID int64, text string) error
	Broadcast(ctx context.Context, text string) error
}

// Config tunes the loop.
type Config struct {
	Wallet       string
	PollInterval time.Duration
	// MaxPriceJump is the relative move versus the previous sample above
	// which a sample is treated as an outlier and discarded.
	MaxPriceJump decimal.Decimal
	Decimals0    int
	Decimals1    int
	StartEnabled bool
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Pool     PoolReader
	Ops      executor.ChainOps
	Engine   engine.Config
	Executor *executor.Executor
	Ledger   *ledger.Ledger
	Schedule *schedule.Schedule
	Sink     telemetry.Sink
	Notifier Notifier
	Commands <-chan control.Command
}

// Loop owns the bot's runtime state.
type Loop struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	state         ledger.PersistedState
	enabled       bool
	inPeriod      bool
	halted        bool
	lastPrice     model.PricePoint
	outlierStreak int
}

// New builds a Loop.
func New(deps Deps, cfg Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Loop{deps: deps, cfg: cfg, logger: logger, enabled: cfg.StartEnabled}
}

// Run loads and reconciles state, then polls until the context ends.
func (l *Loop) Run(ctx context.Context) error {
	state, err := l.deps.Ledger.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	l.state = state
	l.inPeriod = !state.PeriodStartAt.IsZero()

	if err := l.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	l.logger.Info("control loop started",
		zap.Bool("enabled", l.enabled),
		zap.Int("positions", len(l.state.Cluster.Positions)),
		zap.Duration("poll_interval", l.cfg.PollInterval),
	)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.deps.Commands:
			l.handleCommand(ctx, cmd)
		case <-ticker.C:
			l.tick(ctx, time.Now().UTC())
		}
	}
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	price, err := l.currentPrice(ctx)
	if err != nil {
		l.logger.Warn("price read failed, retrying next tick", zap.Error(err))
		return
	}
	if !l.acceptSample(price) {
		return
	}

	working := l.deps.Schedule.IsWorkTime(now)
	if working && !l.inPeriod {
		l.openPeriod(ctx, now, price)
	}
	if !working && l.inPeriod {
		l.closePeriod(ctx, now, price)
		return
	}

	if !working || !l.enabled || l.halted {
		return
	}

	// A failed pipeline left the ledger mid-transition. Reconcile against
	// the chain this tick; decide on the clean state next tick.
	if l.state.FailedStep != "" {
		l.logger.Warn("recovering from failed rebalance", zap.String("step", l.state.FailedStep))
		if err := l.reconcile(ctx); err != nil {
			l.logger.Warn("reconcile failed", zap.Error(err))
		}
		return
	}

	decision := engine.Decide(price, l.state.Cluster, l.deps.Engine)
	if decision.Kind == model.DecisionNoAction {
		return
	}
	l.execute(ctx, decision, price)
}

func (l *Loop) execute(ctx context.Context, decision model.RebalanceDecision, price model.PricePoint) {
	state, err := l.deps.Executor.Execute(ctx, l.state, decision, price)
	l.state = state
	if err != nil {
		l.logger.Error("rebalance failed", zap.Error(err))
		switch {
		case errors.Is(err, model.ErrInsufficientBalance):
			l.alert(ctx, fmt.Sprintf("rebalance halted, wallet balance insufficient: %v", err))
		default:
			l.alert(ctx, fmt.Sprintf("rebalance failed at step %s: %v", state.FailedStep, err))
		}
		return
	}
	l.alert(ctx, fmt.Sprintf("%s rebalance done, center %s, %d positions",
		decision.Kind, state.Cluster.CenterPrice.StringFixed(6), len(state.Cluster.Positions)))
}

// currentPrice reads slot0 and converts it to a decimals-adjusted price.
func (l *Loop) currentPrice(ctx context.Context) (model.PricePoint, error) {
	sqrtPrice, tick, err := l.deps.Pool.Slot0(ctx)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("%w: %v", model.ErrOracleUnavailable, err)
	}
	return model.PricePoint{
		Tick:      tick,
		Price:     dex.PriceFromSqrtX96(sqrtPrice, l.cfg.Decimals0, l.cfg.Decimals1),
		Timestamp: time.Now().UTC(),
	}, nil
}

// acceptSample filters non-positive prices and single-sample jumps larger
// than MaxPriceJump. A sustained move passes after maxOutlierStreak
// consecutive rejections.
func (l *Loop) acceptSample(price model.PricePoint) bool {
	if !price.Price.IsPositive() {
		l.logger.Warn("discarding non-positive price sample", zap.String("price", price.Price.String()))
		return false
	}
	if !l.lastPrice.Price.IsZero() && l.cfg.MaxPriceJump.IsPositive() {
		jump := price.Price.Sub(l.lastPrice.Price).Abs().Div(l.lastPrice.Price)
		if jump.Cmp(l.cfg.MaxPriceJump) > 0 && l.outlierStreak < maxOutlierStreak {
			l.outlierStreak++
			l.logger.Warn("discarding price outlier",
				zap.String("price", price.Price.String()),
				zap.String("previous", l.lastPrice.Price.String()),
				zap.Int("streak", l.outlierStreak),
			)
			return false
		}
	}
	l.outlierStreak = 0
	l.lastPrice = price
	return true
}

// reconcile replaces the persisted cluster with what the chain reports.
func (l *Loop) reconcile(ctx context.Context) error {
	onChain, err := l.deps.Ops.OwnedPositions(ctx)
	if err != nil {
		return err
	}
	l.state = l.deps.Ledger.Reconcile(l.state, onChain)
	return l.commit()
}

func (l *Loop) openPeriod(ctx context.Context, now time.Time, price model.PricePoint) {
	value, err := l.portfolioValue(ctx, price)
	if err != nil {
		l.logger.Warn("portfolio valuation failed, period start deferred", zap.Error(err))
		return
	}
	l.state.PeriodStartAt = now
	l.state.PeriodStartPrice = price.Price
	l.state.PeriodStartValue = value
	if err := l.commit(); err != nil {
		return
	}
	l.inPeriod = true
	l.logger.Info("working period opened",
		zap.String("price", price.Price.String()),
		zap.String("value", value.String()),
	)
	l.alert(ctx, fmt.Sprintf("work window opened at price %s, portfolio %s",
		price.Price.StringFixed(6), value.StringFixed(4)))
}

// closePeriod closes every position at the window boundary and records the
// period's P&L. A close failure leaves the period open for retry next tick.
func (l *Loop) closePeriod(ctx context.Context, now time.Time, price model.PricePoint) {
	state, err := l.deps.Executor.CloseAll(ctx, l.state)
	l.state = state
	if err != nil {
		l.logger.Error("period close failed", zap.Error(err))
		l.alert(ctx, fmt.Sprintf("closing positions at window end failed: %v", err))
		return
	}

	value, err := l.portfolioValue(ctx, price)
	if err != nil {
		l.logger.Warn("portfolio valuation failed", zap.Error(err))
		value = l.state.PeriodStartValue
	}

	record := telemetry.BuildRecord(l.cfg.Wallet,
		l.state.PeriodStartAt, now,
		l.state.PeriodStartPrice, price.Price,
		l.state.PeriodStartValue, value)
	if l.deps.Sink != nil {
		if err := l.deps.Sink.RecordPeriod(ctx, record); err != nil {
			l.logger.Warn("period record failed", zap.Error(err))
		}
	}

	l.state.TotalPnL = l.state.TotalPnL.Add(record.PnL)
	l.state.PeriodStartAt = time.Time{}
	l.state.PeriodStartPrice = decimal.Zero
	l.state.PeriodStartValue = decimal.Zero
	if err := l.commit(); err != nil {
		return
	}
	l.inPeriod = false
	l.logger.Info("working period closed",
		zap.String("hours", record.Hours.String()),
		zap.String("pnl", record.PnL.String()),
	)
	l.alert(ctx, fmt.Sprintf("work window closed after %sh, P&L %s (%s%%), total %s",
		record.Hours.StringFixed(1), record.PnL.StringFixed(4), record.PnLPercent.StringFixed(2),
		l.state.TotalPnL.StringFixed(4)))
}

// portfolioValue is wallet balances plus in-range position amounts, all in
// token1 terms at the given price.
func (l *Loop) portfolioValue(ctx context.Context, price model.PricePoint) (decimal.Decimal, error) {
	balance0, balance1, err := l.deps.Ops.Balances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	amount0 := new(big.Int).Set(balance0)
	amount1 := new(big.Int).Set(balance1)

	for _, pos := range l.state.Cluster.Positions {
		liquidity, ok := new(big.Int).SetString(pos.Liquidity, 10)
		if !ok || liquidity.Sign() == 0 {
			continue
		}
		a0, a1 := dex.AmountsForLiquidity(liquidity, pos.TickLower, pos.TickUpper, price.Tick)
		amount0.Add(amount0, a0)
		amount1.Add(amount1, a1)
	}

	human0 := decimal.NewFromBigInt(amount0, -int32(l.cfg.Decimals0))
	human1 := decimal.NewFromBigInt(amount1, -int32(l.cfg.Decimals1))
	return human0.Mul(price.Price).Add(human1), nil
}

// commit persists state; a persistence failure halts automation because a
// rebalance without a durable ledger cannot be recovered.
func (l *Loop) commit() error {
	if err := l.deps.Ledger.Commit(l.state); err != nil {
		l.halted = true
		l.logger.Error("state persistence failed, automation halted", zap.Error(err))
		return err
	}
	return nil
}

func (l *Loop) handleCommand(ctx context.Context, cmd control.Command) {
	l.logger.Info("command received", zap.String("command", cmd.Name), zap.Int64("chat_id", cmd.ChatID))
	switch cmd.Name {
	case control.CmdStart:
		l.enabled = true
		l.reply(ctx, cmd, "automation enabled")
	case control.CmdStop:
		l.enabled = false
		l.reply(ctx, cmd, "automation suspended, open positions are kept")
	case control.CmdRebalance:
		price, err := l.currentPrice(ctx)
		if err != nil {
			l.reply(ctx, cmd, fmt.Sprintf("price unavailable: %v", err))
			return
		}
		l.reply(ctx, cmd, "running full rebalance")
		l.execute(ctx, engine.ForceFull(price, l.deps.Engine), price)
	case control.CmdReset:
		state, err := l.deps.Executor.CloseAll(ctx, l.state)
		l.state = state
		if err != nil {
			l.reply(ctx, cmd, fmt.Sprintf("reset failed: %v", err))
			return
		}
		l.reply(ctx, cmd, "all positions closed, state cleared")
	case control.CmdStatus:
		l.reply(ctx, cmd, l.statusText(ctx))
	}
}

func (l *Loop) statusText(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "enabled: %v\n", l.enabled)
	fmt.Fprintf(&b, "work time: %v\n", l.deps.Schedule.IsWorkTime(time.Now().UTC()))
	if l.halted {
		b.WriteString("HALTED: state persistence failed\n")
	}
	if l.state.FailedStep != "" {
		fmt.Fprintf(&b, "recovering from failed step: %s\n", l.state.FailedStep)
	}

	price, priceErr := l.currentPrice(ctx)
	if priceErr != nil {
		fmt.Fprintf(&b, "price: unavailable (%v)\n", priceErr)
	} else {
		fmt.Fprintf(&b, "price: %s (tick %d)\n", price.Price.StringFixed(6), price.Tick)
		if value, err := l.portfolioValue(ctx, price); err == nil {
			fmt.Fprintf(&b, "portfolio: %s\n", value.StringFixed(4))
		}
	}

	fmt.Fprintf(&b, "positions: %d (%d active)\n",
		len(l.state.Cluster.Positions), l.state.Cluster.ActiveCount())
	for _, pos := range l.state.Cluster.Positions {
		fmt.Fprintf(&b, "  #%d ticks [%d, %d) liquidity %s",
			pos.TokenID, pos.TickLower, pos.TickUpper, pos.Liquidity)
		if priceErr == nil && pos.Contains(price.Tick) {
			b.WriteString(" <- in range")
		}
		b.WriteString("\n")
	}
	if !l.state.Cluster.CenterPrice.IsZero() {
		fmt.Fprintf(&b, "center price: %s\n", l.state.Cluster.CenterPrice.StringFixed(6))
	}
	if l.inPeriod {
		fmt.Fprintf(&b, "period since: %s\n", l.state.PeriodStartAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "total P&L: %s", l.state.TotalPnL.StringFixed(4))
	return b.String()
}

func (l *Loop) reply(ctx context.Context, cmd control.Command, text string) {
	if l.deps.Notifier == nil {
		return
	}
	if err := l.deps.Notifier.SendTo(ctx, cmd.ChatID, text); err != nil {
		l.logger.Warn("reply failed", zap.Error(err))
	}
}

func (l *Loop) alert(ctx context.Context, text string) {
	if l.deps.Notifier == nil {
		return
	}
	if err := l.deps.Notifier.Broadcast(ctx, text); err != nil {
		l.logger.Warn("alert failed", zap.Error(err))
	}
}
