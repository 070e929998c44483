package model

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// PositionCluster is the ordered stack of managed positions plus the
// center price recorded at the last full rebalance. The cluster is either
// fully empty or holds exactly N contiguous, non-overlapping ranges.
type PositionCluster struct {
	Positions   []Position      `json:"positions"`
	CenterPrice decimal.Decimal `json:"center_price"`
}

// IsEmpty reports whether no positions are held.
func (c PositionCluster) IsEmpty() bool {
	return len(c.Positions) == 0
}

// ActiveCount returns the number of minted positions.
func (c PositionCluster) ActiveCount() int {
	n := 0
	for _, p := range c.Positions {
		if p.State == StateActive {
			n++
		}
	}
	return n
}

// LowerTick returns the bottom tick of the cluster.
func (c PositionCluster) LowerTick() int {
	return c.Positions[0].TickLower
}

// UpperTick returns the top tick of the cluster.
func (c PositionCluster) UpperTick() int {
	return c.Positions[len(c.Positions)-1].TickUpper
}

// Validate checks the contiguity invariant: equal widths, adjacent ranges
// sharing a boundary, slot indices in positional order.
func (c PositionCluster) Validate(width int) error {
	for i, p := range c.Positions {
		if p.Slot != i {
			return fmt.Errorf("slot index %d at position %d", p.Slot, i)
		}
		if p.Width() != width {
			return fmt.Errorf("slot %d width %d, want %d", i, p.Width(), width)
		}
		if i > 0 && p.TickLower != c.Positions[i-1].TickUpper {
			return fmt.Errorf("slot %d lower tick %d not adjacent to slot %d upper tick %d",
				i, p.TickLower, i-1, c.Positions[i-1].TickUpper)
		}
	}
	return nil
}

// Normalize sorts positions by tick range and reassigns slot indices so the
// contiguity invariant holds positionally after a partial reshuffle.
func (c *PositionCluster) Normalize() {
	sort.Slice(c.Positions, func(i, j int) bool {
		return c.Positions[i].TickLower < c.Positions[j].TickLower
	})
	for i := range c.Positions {
		c.Positions[i].Slot = i
	}
}
