// Package engine decides whether and how to reposition the managed
// position cluster. Decisions are a pure function of the price sample, the
// cluster, and the strategy config, so the engine is testable without a
// chain connection.
package engine

import (
	"github.com/shopspring/decimal"

	"rangekeeper/internal/dex"
	"rangekeeper/internal/model"
)

// Config holds the strategy parameters the engine decides with.
type Config struct {
	NumPositions     int
	Width            int
	PartialThreshold decimal.Decimal
	FullThreshold    decimal.Decimal
	Decimals0        int
	Decimals1        int
}

// Decide classifies the situation into no-action, partial, or full and
// computes target tick ranges for the affected slots.
//
// An empty cluster always yields a full decision centered on the current
// price. Otherwise the price deviation from the recorded center price is
// compared against the thresholds; a deviation landing exactly on a
// boundary takes the higher-severity action.
func Decide(price model.PricePoint, cluster model.PositionCluster, cfg Config) model.RebalanceDecision {
	if cluster.IsEmpty() {
		return fullDecision(price, cfg)
	}

	deviation := price.Price.Sub(cluster.CenterPrice).Abs().Div(cluster.CenterPrice)
	if deviation.Cmp(cfg.FullThreshold) >= 0 {
		return fullDecision(price, cfg)
	}
	if deviation.Cmp(cfg.PartialThreshold) < 0 {
		return model.RebalanceDecision{Kind: model.DecisionNoAction}
	}

	return partialDecision(price, cluster, cfg)
}

// TargetRanges computes the contiguous range stack centered on the given
// tick: slot floor(N/2) straddles the price, remaining slots tile outward.
func TargetRanges(tick, numPositions, width int) map[int]model.TickRange {
	center := numPositions / 2
	centralLower := floorDiv(tick-width/2, width) * width

	targets := make(map[int]model.TickRange, numPositions)
	for slot := 0; slot < numPositions; slot++ {
		lower := centralLower + (slot-center)*width
		targets[slot] = model.TickRange{Lower: lower, Upper: lower + width}
	}
	return targets
}

// ForceFull builds a full-rebalance decision centered on the given price
// regardless of thresholds. Backs the manual rebalance command.
func ForceFull(price model.PricePoint, cfg Config) model.RebalanceDecision {
	return fullDecision(price, cfg)
}

func fullDecision(price model.PricePoint, cfg Config) model.RebalanceDecision {
	affected := make([]int, cfg.NumPositions)
	for i := range affected {
		affected[i] = i
	}
	return model.RebalanceDecision{
		Kind:      model.DecisionFull,
		Affected:  affected,
		Targets:   TargetRanges(price.Tick, cfg.NumPositions, cfg.Width),
		NewCenter: price.Price,
	}
}

func partialDecision(price model.PricePoint, cluster model.PositionCluster, cfg Config) model.RebalanceDecision {
	up := price.Price.Cmp(cluster.CenterPrice) > 0
	n := len(cluster.Positions)

	// A price on the wrong side of the whole cluster means local state and
	// chain price disagree too much for an incremental move.
	if up && price.Tick < cluster.LowerTick() {
		return fullDecision(price, cfg)
	}
	if !up && price.Tick >= cluster.UpperTick() {
		return fullDecision(price, cfg)
	}

	var affected []int
	if up {
		for _, pos := range cluster.Positions {
			if pos.TickUpper <= price.Tick {
				affected = append(affected, pos.Slot)
			}
		}
		if len(affected) == 0 {
			affected = []int{cluster.Positions[0].Slot}
		}
	} else {
		for _, pos := range cluster.Positions {
			if pos.TickLower > price.Tick {
				affected = append(affected, pos.Slot)
			}
		}
		if len(affected) == 0 {
			affected = []int{cluster.Positions[n-1].Slot}
		}
	}

	if len(affected) >= n {
		return fullDecision(price, cfg)
	}

	moved := len(affected)
	targets := make(map[int]model.TickRange, moved)
	if up {
		top := cluster.UpperTick()
		for k, slot := range affected {
			lower := top + k*cfg.Width
			targets[slot] = model.TickRange{Lower: lower, Upper: lower + cfg.Width}
		}
	} else {
		bottom := cluster.LowerTick()
		for k := 0; k < moved; k++ {
			slot := affected[moved-1-k]
			upper := bottom - k*cfg.Width
			targets[slot] = model.TickRange{Lower: upper - cfg.Width, Upper: upper}
		}
	}

	// The center tracks the reshaped cluster midpoint so repeated partial
	// moves in a trend do not retrigger on the same deviation.
	shift := moved * cfg.Width
	if !up {
		shift = -shift
	}
	mid := (cluster.LowerTick() + cluster.UpperTick()) / 2
	newCenter := dex.PriceAtTick(mid+shift, cfg.Decimals0, cfg.Decimals1)

	return model.RebalanceDecision{
		Kind:      model.DecisionPartial,
		Affected:  affected,
		Targets:   targets,
		NewCenter: newCenter,
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
