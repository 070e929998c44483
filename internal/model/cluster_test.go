package model

import (
	"testing"
)

func TestClusterValidate(t *testing.T) {
	cluster := PositionCluster{Positions: []Position{
		{Slot: 0, TickLower: 992, TickUpper: 996},
		{Slot: 1, TickLower: 996, TickUpper: 1000},
		{Slot: 2, TickLower: 1000, TickUpper: 1004},
	}}
	if err := cluster.Validate(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClusterValidateGap(t *testing.T) {
	cluster := PositionCluster{Positions: []Position{
		{Slot: 0, TickLower: 992, TickUpper: 996},
		{Slot: 1, TickLower: 1000, TickUpper: 1004},
	}}
	if err := cluster.Validate(4); err == nil {
		t.Fatalf("expected error for non-adjacent ranges")
	}
}

func TestClusterValidateWidth(t *testing.T) {
	cluster := PositionCluster{Positions: []Position{
		{Slot: 0, TickLower: 992, TickUpper: 1000},
	}}
	if err := cluster.Validate(4); err == nil {
		t.Fatalf("expected error for wrong width")
	}
}

func TestClusterNormalize(t *testing.T) {
	cluster := PositionCluster{Positions: []Position{
		{Slot: 0, TickLower: 1000, TickUpper: 1004, TokenID: 3},
		{Slot: 2, TickLower: 992, TickUpper: 996, TokenID: 1},
		{Slot: 1, TickLower: 996, TickUpper: 1000, TokenID: 2},
	}}

	cluster.Normalize()

	if err := cluster.Validate(4); err != nil {
		t.Fatalf("normalized cluster invalid: %v", err)
	}
	for i, pos := range cluster.Positions {
		if pos.TokenID != uint64(i+1) {
			t.Fatalf("position %d has token %d, want %d", i, pos.TokenID, i+1)
		}
	}
}

func TestPositionContains(t *testing.T) {
	pos := Position{TickLower: 0, TickUpper: 4}
	for _, tick := range []int{0, 3} {
		if !pos.Contains(tick) {
			t.Fatalf("tick %d should be inside [0, 4)", tick)
		}
	}
	// Upper bound is exclusive.
	for _, tick := range []int{-1, 4, 5} {
		if pos.Contains(tick) {
			t.Fatalf("tick %d should be outside [0, 4)", tick)
		}
	}
}

func TestClusterActiveCount(t *testing.T) {
	cluster := PositionCluster{Positions: []Position{
		{Slot: 0, State: StateActive},
		{Slot: 1, State: StatePending},
		{Slot: 2, State: StateActive},
	}}
	if got := cluster.ActiveCount(); got != 2 {
		t.Fatalf("active count = %d, want 2", got)
	}
}

func TestClusterBounds(t *testing.T) {
	cluster := PositionCluster{Positions: []Position{
		{Slot: 0, TickLower: -8, TickUpper: -4},
		{Slot: 1, TickLower: -4, TickUpper: 0},
	}}
	if cluster.LowerTick() != -8 || cluster.UpperTick() != 0 {
		t.Fatalf("bounds = [%d, %d), want [-8, 0)", cluster.LowerTick(), cluster.UpperTick())
	}
	if cluster.IsEmpty() {
		t.Fatalf("cluster should not be empty")
	}
}
