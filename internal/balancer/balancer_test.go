package balancer

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"rangekeeper/internal/model"
)

func testConfig() Config {
	return Config{
		Slippage:  decimal.NewFromFloat(0.005),
		Deadband:  decimal.NewFromFloat(0.05),
		Decimals0: 18,
		Decimals1: 18,
	}
}

func tokens(n int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

func TestPlanSwapNoTargets(t *testing.T) {
	plan, err := PlanSwap(Holdings{Amount0: tokens(10), Amount1: tokens(10)}, nil,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan != nil {
		t.Fatalf("expected no plan, got %+v", plan)
	}
}

func TestPlanSwapAlreadyBalanced(t *testing.T) {
	// Targets above the price want token0 only, and that is all we hold.
	targets := map[int]model.TickRange{0: {Lower: 10, Upper: 20}}
	plan, err := PlanSwap(Holdings{Amount0: tokens(100), Amount1: new(big.Int)}, targets,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan != nil {
		t.Fatalf("expected no plan, got %+v", plan)
	}
}

func TestPlanSwapSellsToken1ForToken0(t *testing.T) {
	targets := map[int]model.TickRange{0: {Lower: 10, Upper: 20}}
	plan, err := PlanSwap(Holdings{Amount0: new(big.Int), Amount1: tokens(100)}, targets,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan == nil || plan.ZeroForOne {
		t.Fatalf("expected token1 -> token0 swap, got %+v", plan)
	}
	if plan.AmountIn.Cmp(tokens(100)) != 0 {
		t.Fatalf("amount in = %s, want %s", plan.AmountIn, tokens(100))
	}
	wantMin := decimal.NewFromInt(100).
		Mul(decimal.NewFromFloat(0.995)).
		Mul(decimal.New(1, 18)).BigInt()
	if plan.MinAmountOut.Cmp(wantMin) != 0 {
		t.Fatalf("min out = %s, want %s", plan.MinAmountOut, wantMin)
	}
}

func TestPlanSwapSellsToken0ForToken1(t *testing.T) {
	// Targets below the price want token1 only.
	targets := map[int]model.TickRange{0: {Lower: -20, Upper: -10}}
	plan, err := PlanSwap(Holdings{Amount0: tokens(50), Amount1: new(big.Int)}, targets,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan == nil || !plan.ZeroForOne {
		t.Fatalf("expected token0 -> token1 swap, got %+v", plan)
	}
	if plan.AmountIn.Cmp(tokens(50)) != 0 {
		t.Fatalf("amount in = %s, want %s", plan.AmountIn, tokens(50))
	}
}

func TestPlanSwapStraddlingRange(t *testing.T) {
	// A range straddling the price splits capital roughly in half, so
	// holding only token1 means selling about half of it.
	targets := map[int]model.TickRange{0: {Lower: -10, Upper: 10}}
	plan, err := PlanSwap(Holdings{Amount0: new(big.Int), Amount1: tokens(100)}, targets,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan == nil || plan.ZeroForOne {
		t.Fatalf("expected token1 -> token0 swap, got %+v", plan)
	}
	if plan.AmountIn.Cmp(tokens(45)) < 0 || plan.AmountIn.Cmp(tokens(55)) > 0 {
		t.Fatalf("amount in = %s, want roughly half of holdings", plan.AmountIn)
	}
}

func TestPlanSwapFixedCapital(t *testing.T) {
	// A configured per-slot capital below the holdings bounds the swap:
	// only 20 token1 of value is converted, the rest stays in the wallet.
	cfg := testConfig()
	cfg.CapitalPerSlot = decimal.NewFromInt(20)
	targets := map[int]model.TickRange{0: {Lower: 10, Upper: 20}}
	plan, err := PlanSwap(Holdings{Amount0: new(big.Int), Amount1: tokens(100)}, targets,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan == nil || plan.ZeroForOne {
		t.Fatalf("expected token1 -> token0 swap, got %+v", plan)
	}
	if plan.AmountIn.Cmp(tokens(20)) != 0 {
		t.Fatalf("amount in = %s, want %s", plan.AmountIn, tokens(20))
	}
}

func TestPlanSwapInsufficientBalance(t *testing.T) {
	// Deploying 40 token1 of value into a range above the price needs a
	// 40 token1 swap input, but the wallet holds only 10.
	cfg := testConfig()
	cfg.CapitalPerSlot = decimal.NewFromInt(40)
	targets := map[int]model.TickRange{0: {Lower: 10, Upper: 20}}
	plan, err := PlanSwap(Holdings{Amount0: new(big.Int), Amount1: tokens(10)}, targets,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, cfg)
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if plan != nil {
		t.Fatalf("expected no plan, got %+v", plan)
	}
}

func TestPlanSwapDeadband(t *testing.T) {
	// 4% off the desired split sits inside the 5% deadband.
	targets := map[int]model.TickRange{0: {Lower: 10, Upper: 20}}
	plan, err := PlanSwap(Holdings{Amount0: tokens(96), Amount1: tokens(4)}, targets,
		model.PricePoint{Tick: 0, Price: decimal.NewFromInt(1)}, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan != nil {
		t.Fatalf("expected no plan inside deadband, got %+v", plan)
	}
}
