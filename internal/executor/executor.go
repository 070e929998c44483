// Package executor drives the ordered close, collect, swap, mint sequence
// that carries a rebalance decision out against the chain. Every step
// boundary persists progress so a crash or revert is recovered by
// reconciliation on the next tick instead of a blind retry.
package executor

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rangekeeper/internal/balancer"
	"rangekeeper/internal/dex"
	"rangekeeper/internal/ledger"
	"rangekeeper/internal/model"
)

// Step names a pipeline stage for the persisted failure marker.
type Step string

const (
	StepIdle       Step = "idle"
	StepClosing    Step = "closing"
	StepCollecting Step = "collecting"
	StepSwapping   Step = "swapping"
	StepMinting    Step = "minting"
	StepCommitted  Step = "committed"
)

// ChainOps is the contract surface the executor drives. *dex.Manager
// satisfies it; tests substitute a fake.
type ChainOps interface {
	OwnedPositions(ctx context.Context) ([]dex.ChainPosition, error)
	ClosePositions(ctx context.Context, positions []dex.ChainPosition) error
	Balances(ctx context.Context) (*big.Int, *big.Int, error)
	ExecuteSwap(ctx context.Context, zeroForOne bool, amountIn, minOut *big.Int) error
	Mint(ctx context.Context, req dex.MintRequest) (uint64, *big.Int, error)
	HasFarm() bool
	StakeInFarm(ctx context.Context, tokenID uint64) error
	WithdrawFromFarm(ctx context.Context, tokenID uint64) error
	RewardBalance(ctx context.Context) (*big.Int, error)
	SwapReward(ctx context.Context, amountIn, minOut *big.Int) error
}

// Config tunes execution behavior.
type Config struct {
	Slippage  decimal.Decimal
	Deadband  decimal.Decimal
	Decimals0 int
	Decimals1 int
	// MintUtilization keeps a sliver of balance unminted to absorb
	// rounding between planning and execution.
	MintUtilization decimal.Decimal
	// CapitalPerSlot fixes the token1 value deployed per position.
	// Zero deploys the full balance.
	CapitalPerSlot decimal.Decimal
}

// Executor runs at most one rebalance pipeline at a time.
type Executor struct {
	ops    ChainOps
	ledger *ledger.Ledger
	cfg    Config
	logger *zap.Logger

	step Step
}

// New builds an Executor.
func New(ops ChainOps, led *ledger.Ledger, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MintUtilization.IsZero() {
		cfg.MintUtilization = decimal.NewFromFloat(0.995)
	}
	return &Executor{ops: ops, ledger: led, cfg: cfg, logger: logger, step: StepIdle}
}

// Busy reports whether a pipeline is in flight.
func (e *Executor) Busy() bool {
	return e.step != StepIdle && e.step != StepCommitted
}

// Execute carries a decision out and returns the committed state. On any
// failure the furthest-completed step is persisted in FailedStep and the
// error returned; the caller reconciles before deciding again.
func (e *Executor) Execute(ctx context.Context, state ledger.PersistedState, decision model.RebalanceDecision, price model.PricePoint) (ledger.PersistedState, error) {
	if decision.Kind == model.DecisionNoAction {
		return state, nil
	}
	if e.Busy() {
		return state, fmt.Errorf("rebalance already in flight at step %s", e.step)
	}
	defer func() { e.step = StepIdle }()

	e.logger.Info("rebalance start",
		zap.String("kind", string(decision.Kind)),
		zap.Ints("affected", decision.Affected),
		zap.String("price", price.Price.String()),
	)

	// Closing: remove liquidity from every affected active position, all
	// in one multicall. The collect leg rides in the same transaction.
	e.step = StepClosing
	closing := e.closingSet(state.Cluster, decision)
	if err := e.closePositions(ctx, closing); err != nil {
		return e.fail(state, StepClosing, err)
	}
	state.Cluster.Positions = removeSlots(state.Cluster.Positions, decision.Affected)
	if err := e.ledger.Commit(state); err != nil {
		return e.fail(state, StepClosing, err)
	}

	// Collecting: on a full rebalance, harvested farm rewards are
	// converted back into token0 before balances are measured.
	e.step = StepCollecting
	if decision.Kind == model.DecisionFull && e.ops.HasFarm() {
		if err := e.convertRewards(ctx); err != nil {
			return e.fail(state, StepCollecting, err)
		}
	}

	// Swapping: rebalance holdings toward the split the new ranges need.
	e.step = StepSwapping
	balance0, balance1, err := e.ops.Balances(ctx)
	if err != nil {
		return e.fail(state, StepSwapping, err)
	}
	plan, err := balancer.PlanSwap(
		balancer.Holdings{Amount0: balance0, Amount1: balance1},
		decision.Targets, price,
		balancer.Config{
			Slippage:       e.cfg.Slippage,
			Deadband:       e.cfg.Deadband,
			CapitalPerSlot: e.cfg.CapitalPerSlot,
			Decimals0:      e.cfg.Decimals0,
			Decimals1:      e.cfg.Decimals1,
		},
	)
	if err != nil {
		return e.fail(state, StepSwapping, err)
	}
	if plan != nil {
		if err := e.ops.ExecuteSwap(ctx, plan.ZeroForOne, plan.AmountIn, plan.MinAmountOut); err != nil {
			return e.fail(state, StepSwapping, err)
		}
		e.logger.Info("swap executed",
			zap.Bool("zero_for_one", plan.ZeroForOne),
			zap.String("amount_in", plan.AmountIn.String()),
		)
	}

	// Minting: open the target ranges, staking each new position when a
	// farm is configured.
	e.step = StepMinting
	minted, err := e.mintTargets(ctx, decision, price)
	if err != nil {
		// Positions minted before the failure are already on chain;
		// record them so reconciliation has less to adopt.
		state.Cluster.Positions = append(state.Cluster.Positions, minted...)
		state.Cluster.Normalize()
		return e.fail(state, StepMinting, err)
	}

	e.step = StepCommitted
	state.Cluster.Positions = append(state.Cluster.Positions, minted...)
	state.Cluster.Normalize()
	state.Cluster.CenterPrice = decision.NewCenter
	state.LastDecisionAt = time.Now().UTC()
	state.FailedStep = ""
	if err := e.ledger.Commit(state); err != nil {
		return e.fail(state, StepCommitted, err)
	}

	e.logger.Info("rebalance committed",
		zap.String("kind", string(decision.Kind)),
		zap.Int("positions", len(state.Cluster.Positions)),
		zap.String("center_price", state.Cluster.CenterPrice.String()),
	)
	return state, nil
}

// CloseAll closes every owned position, including ones the ledger does not
// track, and resets the cluster to empty. Used by the reset command and at
// the end of a working period.
func (e *Executor) CloseAll(ctx context.Context, state ledger.PersistedState) (ledger.PersistedState, error) {
	if e.Busy() {
		return state, fmt.Errorf("rebalance already in flight at step %s", e.step)
	}
	e.step = StepClosing
	defer func() { e.step = StepIdle }()

	positions, err := e.ops.OwnedPositions(ctx)
	if err != nil {
		return e.fail(state, StepClosing, err)
	}
	if err := e.closePositions(ctx, positions); err != nil {
		return e.fail(state, StepClosing, err)
	}

	if e.ops.HasFarm() {
		if err := e.convertRewards(ctx); err != nil {
			return e.fail(state, StepCollecting, err)
		}
	}

	state, err = e.ledger.ResetAll(state)
	if err != nil {
		return state, err
	}
	e.logger.Info("all positions closed", zap.Int("count", len(positions)))
	return state, nil
}

func (e *Executor) closingSet(cluster model.PositionCluster, decision model.RebalanceDecision) []dex.ChainPosition {
	affected := make(map[int]bool, len(decision.Affected))
	for _, slot := range decision.Affected {
		affected[slot] = true
	}

	var out []dex.ChainPosition
	for _, pos := range cluster.Positions {
		if !affected[pos.Slot] || pos.State != model.StateActive || pos.TokenID == 0 {
			continue
		}
		liquidity, ok := new(big.Int).SetString(pos.Liquidity, 10)
		if !ok {
			liquidity = new(big.Int)
		}
		out = append(out, dex.ChainPosition{
			TokenID:   pos.TokenID,
			TickLower: pos.TickLower,
			TickUpper: pos.TickUpper,
			Liquidity: liquidity,
			Staked:    pos.Staked,
		})
	}
	return out
}

func (e *Executor) closePositions(ctx context.Context, positions []dex.ChainPosition) error {
	if len(positions) == 0 {
		return nil
	}
	for _, pos := range positions {
		if !pos.Staked {
			continue
		}
		if err := e.ops.WithdrawFromFarm(ctx, pos.TokenID); err != nil {
			return err
		}
	}
	return e.ops.ClosePositions(ctx, positions)
}

func (e *Executor) convertRewards(ctx context.Context) error {
	reward, err := e.ops.RewardBalance(ctx)
	if err != nil {
		return err
	}
	if reward.Sign() == 0 {
		return nil
	}
	if err := e.ops.SwapReward(ctx, reward, new(big.Int)); err != nil {
		return err
	}
	e.logger.Info("rewards converted", zap.String("amount", reward.String()))
	return nil
}

func (e *Executor) mintTargets(ctx context.Context, decision model.RebalanceDecision, price model.PricePoint) ([]model.Position, error) {
	slots := make([]int, 0, len(decision.Targets))
	for slot := range decision.Targets {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	scale0 := decimal.New(1, int32(e.cfg.Decimals0))
	scale1 := decimal.New(1, int32(e.cfg.Decimals1))
	one := decimal.NewFromInt(1)

	balance0, balance1, err := e.ops.Balances(ctx)
	if err != nil {
		return nil, err
	}
	held0 := decimal.NewFromBigInt(balance0, 0).Div(scale0)
	held1 := decimal.NewFromBigInt(balance1, 0).Div(scale1)
	// Per-slot capital in token0 terms; price is token1 per token0.
	capital := held0.Add(held1.Div(price.Price)).
		Mul(e.cfg.MintUtilization).
		Div(decimal.NewFromInt(int64(len(slots))))
	if e.cfg.CapitalPerSlot.IsPositive() {
		requested := e.cfg.CapitalPerSlot.Div(price.Price)
		if requested.Cmp(capital) < 0 {
			capital = requested
		}
	}

	minted := make([]model.Position, 0, len(slots))
	for _, slot := range slots {
		target := decision.Targets[slot]
		fraction := dex.Token0ValueFraction(target.Lower, target.Upper, price.Tick)

		want0 := capital.Mul(fraction)
		want1 := capital.Sub(want0).Mul(price.Price)

		req := dex.MintRequest{
			TickLower:  target.Lower,
			TickUpper:  target.Upper,
			Amount0:    want0.Mul(scale0).BigInt(),
			Amount1:    want1.Mul(scale1).BigInt(),
			Amount0Min: want0.Mul(one.Sub(e.cfg.Slippage)).Mul(scale0).BigInt(),
			Amount1Min: want1.Mul(one.Sub(e.cfg.Slippage)).Mul(scale1).BigInt(),
		}

		tokenID, liquidity, err := e.ops.Mint(ctx, req)
		if err != nil {
			return minted, fmt.Errorf("mint slot %d: %w", slot, err)
		}

		pos := model.Position{
			Slot:      slot,
			TickLower: target.Lower,
			TickUpper: target.Upper,
			Liquidity: liquidity.String(),
			TokenID:   tokenID,
			State:     model.StateActive,
		}

		if e.ops.HasFarm() {
			if err := e.ops.StakeInFarm(ctx, tokenID); err != nil {
				minted = append(minted, pos)
				return minted, fmt.Errorf("stake slot %d: %w", slot, err)
			}
			pos.Staked = true
		}
		minted = append(minted, pos)
	}
	return minted, nil
}

func (e *Executor) fail(state ledger.PersistedState, step Step, cause error) (ledger.PersistedState, error) {
	state.FailedStep = string(step)
	if err := e.ledger.Commit(state); err != nil {
		e.logger.Error("failure marker commit failed", zap.Error(err))
	}
	e.logger.Error("rebalance step failed", zap.String("step", string(step)), zap.Error(cause))
	return state, fmt.Errorf("%s: %w", step, cause)
}

func removeSlots(positions []model.Position, slots []int) []model.Position {
	drop := make(map[int]bool, len(slots))
	for _, slot := range slots {
		drop[slot] = true
	}
	kept := positions[:0]
	for _, pos := range positions {
		if !drop[pos.Slot] {
			kept = append(kept, pos)
		}
	}
	return append([]model.Position(nil), kept...)
}
