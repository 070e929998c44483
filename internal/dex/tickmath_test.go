package dex

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPriceAtTickZero(t *testing.T) {
	got := PriceAtTick(0, 18, 18)
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("price at tick 0 = %s, want 1", got)
	}
}

func TestPriceAtTickMonotonic(t *testing.T) {
	prev := PriceAtTick(-100, 18, 18)
	for tick := -99; tick <= 100; tick++ {
		cur := PriceAtTick(tick, 18, 18)
		if cur.Cmp(prev) <= 0 {
			t.Fatalf("price not increasing at tick %d: %s <= %s", tick, cur, prev)
		}
		prev = cur
	}
}

func TestTickAtPrice(t *testing.T) {
	// 1.0001^2 = 1.00020001, so 1.0002 still falls in tick 1.
	if got := TickAtPrice(decimal.NewFromFloat(1.0002), 18, 18); got != 1 {
		t.Fatalf("tick = %d, want 1", got)
	}
	if got := TickAtPrice(decimal.NewFromFloat(0.9999), 18, 18); got != -2 {
		t.Fatalf("tick = %d, want -2", got)
	}
}

func TestPriceFromSqrtX96Unit(t *testing.T) {
	// sqrtPriceX96 == 2^96 encodes a raw price of exactly 1.
	unit := new(big.Int).Lsh(big.NewInt(1), 96)
	got := PriceFromSqrtX96(unit, 18, 18)
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("price = %s, want 1", got)
	}
}

func TestToken0ValueFractionBounds(t *testing.T) {
	if got := Token0ValueFraction(0, 10, -50); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("below-range fraction = %s, want 1", got)
	}
	if got := Token0ValueFraction(0, 10, 10); !got.IsZero() {
		t.Fatalf("above-range fraction = %s, want 0", got)
	}

	mid, _ := Token0ValueFraction(-10, 10, 0).Float64()
	if mid < 0.49 || mid > 0.51 {
		t.Fatalf("centered fraction = %f, want ~0.5", mid)
	}
}

func TestAmountsForLiquidity(t *testing.T) {
	liquidity := big.NewInt(1_000_000_000)

	a0, a1 := AmountsForLiquidity(liquidity, 0, 100, -50)
	if a0.Sign() <= 0 || a1.Sign() != 0 {
		t.Fatalf("below range: amount0 %s amount1 %s, want token0 only", a0, a1)
	}

	a0, a1 = AmountsForLiquidity(liquidity, 0, 100, 200)
	if a0.Sign() != 0 || a1.Sign() <= 0 {
		t.Fatalf("above range: amount0 %s amount1 %s, want token1 only", a0, a1)
	}

	a0, a1 = AmountsForLiquidity(liquidity, 0, 100, 50)
	if a0.Sign() <= 0 || a1.Sign() <= 0 {
		t.Fatalf("in range: amount0 %s amount1 %s, want both", a0, a1)
	}

	a0, a1 = AmountsForLiquidity(new(big.Int), 0, 100, 50)
	if a0.Sign() != 0 || a1.Sign() != 0 {
		t.Fatalf("zero liquidity yielded amounts %s %s", a0, a1)
	}
}

func TestAlignTick(t *testing.T) {
	cases := [][3]int{
		{10, 4, 8},
		{8, 4, 8},
		{-10, 4, -12},
		{-8, 4, -8},
		{0, 4, 0},
	}
	for _, c := range cases {
		if got := AlignTick(c[0], c[1]); got != c[2] {
			t.Fatalf("AlignTick(%d, %d) = %d, want %d", c[0], c[1], got, c[2])
		}
	}
}
