// Package balancer computes the single swap that brings token holdings to
// the value split the target ranges need before minting. Planning is pure;
// execution belongs to the rebalance pipeline.
package balancer

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"rangekeeper/internal/dex"
	"rangekeeper/internal/model"
)

// Config tunes swap planning.
type Config struct {
	// Slippage bounds the accepted output shortfall, e.g. 0.005 for 0.5%.
	Slippage decimal.Decimal
	// Deadband is the relative imbalance below which no swap is planned,
	// e.g. 0.05 to ignore deficits under 5% of the desired amount.
	Deadband decimal.Decimal
	// CapitalPerSlot fixes the token1 value deployed per target range.
	// Zero deploys the full holdings.
	CapitalPerSlot decimal.Decimal
	Decimals0      int
	Decimals1      int
}

// Holdings are the wallet's raw token amounts.
type Holdings struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// SwapPlan is a single swap direction and size. ZeroForOne sells token0.
type SwapPlan struct {
	ZeroForOne   bool
	AmountIn     *big.Int
	MinAmountOut *big.Int
}

// PlanSwap returns the swap that minimizes leftover imbalance for the
// target ranges, or (nil, nil) when the holdings are already close enough.
// It fails with ErrInsufficientBalance when the input side cannot cover
// the computed swap amount.
func PlanSwap(holdings Holdings, targets map[int]model.TickRange, price model.PricePoint, cfg Config) (*SwapPlan, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	if price.Price.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive price %s", price.Price)
	}

	scale0 := decimal.New(1, int32(cfg.Decimals0))
	scale1 := decimal.New(1, int32(cfg.Decimals1))
	held0 := decimal.NewFromBigInt(holdings.Amount0, 0).Div(scale0)
	held1 := decimal.NewFromBigInt(holdings.Amount1, 0).Div(scale1)

	// Total value in token1 terms; price is token1 per token0.
	totalValue := held0.Mul(price.Price).Add(held1)
	if totalValue.Sign() <= 0 {
		return nil, nil
	}

	deploy := totalValue
	if cfg.CapitalPerSlot.IsPositive() {
		deploy = cfg.CapitalPerSlot.Mul(decimal.NewFromInt(int64(len(targets))))
	}

	// Equal capital per range; each range dictates its own token0 share.
	fraction := decimal.Zero
	for _, r := range targets {
		fraction = fraction.Add(dex.Token0ValueFraction(r.Lower, r.Upper, price.Tick))
	}
	fraction = fraction.Div(decimal.NewFromInt(int64(len(targets))))

	want0 := deploy.Mul(fraction).Div(price.Price)
	diff := held0.Sub(want0)

	denom := want0
	if denom.Sign() == 0 {
		denom = deploy.Div(price.Price)
	}
	if diff.Abs().Div(denom).Cmp(cfg.Deadband) <= 0 {
		return nil, nil
	}

	one := decimal.NewFromInt(1)
	if diff.Sign() > 0 {
		// Excess token0: sell it for token1.
		expectedOut := diff.Mul(price.Price)
		return &SwapPlan{
			ZeroForOne:   true,
			AmountIn:     diff.Mul(scale0).BigInt(),
			MinAmountOut: expectedOut.Mul(one.Sub(cfg.Slippage)).Mul(scale1).BigInt(),
		}, nil
	}

	// Deficit of token0: sell token1.
	need0 := diff.Neg()
	amountIn1 := need0.Mul(price.Price)
	if amountIn1.Cmp(held1) > 0 {
		return nil, fmt.Errorf("need %s token1 for swap, hold %s: %w",
			amountIn1.StringFixed(8), held1.StringFixed(8), model.ErrInsufficientBalance)
	}
	return &SwapPlan{
		ZeroForOne:   false,
		AmountIn:     amountIn1.Mul(scale1).BigInt(),
		MinAmountOut: need0.Mul(one.Sub(cfg.Slippage)).Mul(scale0).BigInt(),
	}, nil
}
