package dex

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const tickBase = 1.0001

var q96 = new(big.Float).SetFloat64(math.Pow(2, 96))

// PriceAtTick converts a tick into a token1/token0 price, adjusted for
// token decimals.
func PriceAtTick(tick int, decimals0, decimals1 int) decimal.Decimal {
	price := math.Pow(tickBase, float64(tick)) * math.Pow(10, float64(decimals0-decimals1))
	return decimal.NewFromFloat(price)
}

// TickAtPrice converts a price back into the tick whose range contains it.
func TickAtPrice(price decimal.Decimal, decimals0, decimals1 int) int {
	p, _ := price.Float64()
	raw := p * math.Pow(10, float64(decimals1-decimals0))
	return int(math.Floor(math.Log(raw) / math.Log(tickBase)))
}

// PriceFromSqrtX96 converts a pool sqrtPriceX96 into a decimal price.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int, decimals0, decimals1 int) decimal.Decimal {
	ratio := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96)
	ratio.Mul(ratio, ratio)
	value, _ := ratio.Float64()
	value *= math.Pow(10, float64(decimals0-decimals1))
	return decimal.NewFromFloat(value)
}

func sqrtRatioAtTick(tick int) float64 {
	return math.Pow(tickBase, float64(tick)/2)
}

// Token0ValueFraction returns the share of a range's value that must be
// held as token0 when minting at the given tick. Ranges entirely above the
// price are all token0, ranges entirely below are all token1.
func Token0ValueFraction(lower, upper, tick int) decimal.Decimal {
	if tick < lower {
		return decimal.NewFromInt(1)
	}
	if tick >= upper {
		return decimal.Zero
	}

	sa := sqrtRatioAtTick(lower)
	sb := sqrtRatioAtTick(upper)
	sp := sqrtRatioAtTick(tick)

	// Unit liquidity amounts from the standard V3 formulas.
	amount0 := (sb - sp) / (sp * sb)
	amount1 := sp - sa

	value0 := amount0 * sp * sp
	total := value0 + amount1
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(value0 / total)
}

// AmountsForLiquidity returns the token amounts backing a position of the
// given liquidity at the current tick.
func AmountsForLiquidity(liquidity *big.Int, lower, upper, tick int) (*big.Int, *big.Int) {
	if liquidity == nil || liquidity.Sign() == 0 {
		return new(big.Int), new(big.Int)
	}

	sa := sqrtRatioAtTick(lower)
	sb := sqrtRatioAtTick(upper)
	sp := sqrtRatioAtTick(tick)
	if sp < sa {
		sp = sa
	}
	if sp > sb {
		sp = sb
	}

	liq := new(big.Float).SetInt(liquidity)

	amount0 := new(big.Float).Mul(liq, big.NewFloat((sb-sp)/(sp*sb)))
	amount1 := new(big.Float).Mul(liq, big.NewFloat(sp-sa))

	out0, _ := amount0.Int(nil)
	out1, _ := amount1.Int(nil)
	return out0, out1
}

// AlignTick rounds a tick down to a multiple of the pool tick spacing.
func AlignTick(tick, spacing int) int {
	if spacing <= 0 {
		return tick
	}
	aligned := (tick / spacing) * spacing
	if tick < 0 && tick%spacing != 0 {
		aligned -= spacing
	}
	return aligned
}
