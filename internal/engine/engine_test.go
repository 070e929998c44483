package engine

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"rangekeeper/internal/dex"
	"rangekeeper/internal/model"
)

func testConfig(width int) Config {
	return Config{
		NumPositions:     3,
		Width:            width,
		PartialThreshold: decimal.NewFromFloat(0.001),
		FullThreshold:    decimal.NewFromFloat(0.0019),
		Decimals0:        18,
		Decimals1:        18,
	}
}

func clusterAt(targets map[int]model.TickRange, center decimal.Decimal) model.PositionCluster {
	cluster := model.PositionCluster{CenterPrice: center}
	for slot := 0; slot < len(targets); slot++ {
		r := targets[slot]
		cluster.Positions = append(cluster.Positions, model.Position{
			Slot:      slot,
			TickLower: r.Lower,
			TickUpper: r.Upper,
			Liquidity: "1000",
			TokenID:   uint64(slot + 1),
			State:     model.StateActive,
		})
	}
	return cluster
}

func TestDecideEmptyClusterTilesAroundPrice(t *testing.T) {
	price := model.PricePoint{Tick: 1000, Price: dex.PriceAtTick(1000, 18, 18)}

	got := Decide(price, model.PositionCluster{}, testConfig(4))

	if got.Kind != model.DecisionFull {
		t.Fatalf("kind = %s, want full", got.Kind)
	}
	want := map[int]model.TickRange{
		0: {Lower: 992, Upper: 996},
		1: {Lower: 996, Upper: 1000},
		2: {Lower: 1000, Upper: 1004},
	}
	if !reflect.DeepEqual(got.Targets, want) {
		t.Fatalf("targets mismatch: %+v != %+v", got.Targets, want)
	}
	if !reflect.DeepEqual(got.Affected, []int{0, 1, 2}) {
		t.Fatalf("affected mismatch: %v", got.Affected)
	}
	if !got.NewCenter.Equal(price.Price) {
		t.Fatalf("new center = %s, want %s", got.NewCenter, price.Price)
	}
}

func TestDecideNoActionBelowPartialThreshold(t *testing.T) {
	cfg := testConfig(4)
	cluster := clusterAt(TargetRanges(0, 3, 4), decimal.NewFromInt(1))
	price := model.PricePoint{Tick: 8, Price: decimal.NewFromFloat(1.0008)}

	got := Decide(price, cluster, cfg)
	if got.Kind != model.DecisionNoAction {
		t.Fatalf("kind = %s, want no_action", got.Kind)
	}
}

func TestDecideFullAtOrAboveFullThreshold(t *testing.T) {
	cfg := testConfig(4)
	cluster := clusterAt(TargetRanges(0, 3, 4), decimal.NewFromInt(1))

	// Exactly on the boundary takes the higher-severity action.
	boundary := model.PricePoint{Tick: 18, Price: decimal.NewFromFloat(1.0019)}
	if got := Decide(boundary, cluster, cfg); got.Kind != model.DecisionFull {
		t.Fatalf("boundary kind = %s, want full", got.Kind)
	}

	beyond := model.PricePoint{Tick: 24, Price: decimal.NewFromFloat(1.0025)}
	if got := Decide(beyond, cluster, cfg); got.Kind != model.DecisionFull {
		t.Fatalf("kind = %s, want full", got.Kind)
	}
}

func TestDecidePartialUpDrift(t *testing.T) {
	cfg := testConfig(20)
	// Slots [-40,-20) [-20,0) [0,20), center price 1.
	cluster := clusterAt(TargetRanges(0, 3, 20), decimal.NewFromInt(1))
	price := model.PricePoint{Tick: 11, Price: decimal.NewFromFloat(1.0012)}

	got := Decide(price, cluster, cfg)

	if got.Kind != model.DecisionPartial {
		t.Fatalf("kind = %s, want partial", got.Kind)
	}
	if !reflect.DeepEqual(got.Affected, []int{0, 1}) {
		t.Fatalf("affected = %v, want [0 1]", got.Affected)
	}
	want := map[int]model.TickRange{
		0: {Lower: 20, Upper: 40},
		1: {Lower: 40, Upper: 60},
	}
	if !reflect.DeepEqual(got.Targets, want) {
		t.Fatalf("targets mismatch: %+v != %+v", got.Targets, want)
	}
	// Cluster midpoint -10 shifted by two moved widths.
	if wantCenter := dex.PriceAtTick(30, 18, 18); !got.NewCenter.Equal(wantCenter) {
		t.Fatalf("new center = %s, want %s", got.NewCenter, wantCenter)
	}
}

func TestDecidePartialDownDrift(t *testing.T) {
	cfg := testConfig(20)
	cluster := clusterAt(TargetRanges(0, 3, 20), decimal.NewFromInt(1))
	price := model.PricePoint{Tick: -13, Price: decimal.NewFromFloat(0.9988)}

	got := Decide(price, cluster, cfg)

	if got.Kind != model.DecisionPartial {
		t.Fatalf("kind = %s, want partial", got.Kind)
	}
	if !reflect.DeepEqual(got.Affected, []int{2}) {
		t.Fatalf("affected = %v, want [2]", got.Affected)
	}
	want := map[int]model.TickRange{2: {Lower: -60, Upper: -40}}
	if !reflect.DeepEqual(got.Targets, want) {
		t.Fatalf("targets mismatch: %+v != %+v", got.Targets, want)
	}
	if wantCenter := dex.PriceAtTick(-30, 18, 18); !got.NewCenter.Equal(wantCenter) {
		t.Fatalf("new center = %s, want %s", got.NewCenter, wantCenter)
	}
}

func TestDecidePartialAtThresholdBoundary(t *testing.T) {
	cfg := testConfig(20)
	cluster := clusterAt(TargetRanges(0, 3, 20), decimal.NewFromInt(1))
	// Exactly 0.1% deviation is already partial, not no-action.
	price := model.PricePoint{Tick: 9, Price: decimal.NewFromFloat(1.001)}

	got := Decide(price, cluster, cfg)

	if got.Kind != model.DecisionPartial {
		t.Fatalf("kind = %s, want partial", got.Kind)
	}
	if !reflect.DeepEqual(got.Affected, []int{0, 1}) {
		t.Fatalf("affected = %v, want [0 1]", got.Affected)
	}
}

func TestDecidePartialTrailingSlotFallback(t *testing.T) {
	cfg := testConfig(20)
	// Center at the cluster's low edge: a 14-tick climb clears the
	// partial threshold while the price is still inside the bottom slot,
	// so no range has fully passed. The trailing slot rotates ahead.
	cluster := clusterAt(TargetRanges(0, 3, 20), dex.PriceAtTick(-39, 18, 18))
	price := model.PricePoint{Tick: -25, Price: dex.PriceAtTick(-25, 18, 18)}

	got := Decide(price, cluster, cfg)

	if got.Kind != model.DecisionPartial {
		t.Fatalf("kind = %s, want partial", got.Kind)
	}
	if !reflect.DeepEqual(got.Affected, []int{0}) {
		t.Fatalf("affected = %v, want [0]", got.Affected)
	}
	want := map[int]model.TickRange{0: {Lower: 20, Upper: 40}}
	if !reflect.DeepEqual(got.Targets, want) {
		t.Fatalf("targets mismatch: %+v != %+v", got.Targets, want)
	}
	if wantCenter := dex.PriceAtTick(10, 18, 18); !got.NewCenter.Equal(wantCenter) {
		t.Fatalf("new center = %s, want %s", got.NewCenter, wantCenter)
	}
}

func TestDecidePriceBeyondClusterEscalatesToFull(t *testing.T) {
	cfg := testConfig(20)
	// Cluster far below the price: local state disagrees with the chain.
	cluster := clusterAt(TargetRanges(-100, 3, 20), decimal.NewFromInt(1))
	price := model.PricePoint{Tick: -13, Price: decimal.NewFromFloat(0.9988)}

	got := Decide(price, cluster, cfg)
	if got.Kind != model.DecisionFull {
		t.Fatalf("kind = %s, want full", got.Kind)
	}
	if len(got.Targets) != cfg.NumPositions {
		t.Fatalf("targets = %d, want %d", len(got.Targets), cfg.NumPositions)
	}
}

func TestDecideAllSlotsOutEscalatesToFull(t *testing.T) {
	cfg := testConfig(4)
	cluster := clusterAt(TargetRanges(0, 3, 4), decimal.NewFromInt(1))
	// 0.12% up is partial territory, but every 4-tick slot is below tick 11.
	price := model.PricePoint{Tick: 11, Price: decimal.NewFromFloat(1.0012)}

	got := Decide(price, cluster, cfg)
	if got.Kind != model.DecisionFull {
		t.Fatalf("kind = %s, want full", got.Kind)
	}
}

func TestDecideDeterministic(t *testing.T) {
	cfg := testConfig(20)
	cluster := clusterAt(TargetRanges(0, 3, 20), decimal.NewFromInt(1))
	price := model.PricePoint{Tick: 11, Price: decimal.NewFromFloat(1.0012)}

	first := Decide(price, cluster, cfg)
	second := Decide(price, cluster, cfg)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("decisions differ: %+v != %+v", first, second)
	}
}

func TestTargetRangesContiguous(t *testing.T) {
	for _, tick := range []int{-1003, -1, 0, 57, 1000} {
		targets := TargetRanges(tick, 5, 10)
		for slot := 1; slot < 5; slot++ {
			if targets[slot].Lower != targets[slot-1].Upper {
				t.Fatalf("tick %d: slot %d not adjacent: %+v", tick, slot, targets)
			}
		}
		if tick < targets[0].Lower || tick >= targets[4].Upper {
			t.Fatalf("tick %d outside tiled span %+v", tick, targets)
		}
	}
}
