package ledger

import (
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"rangekeeper/internal/dex"
	"rangekeeper/internal/model"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state.json"), 18, 18, nil)
}

func TestLoadMissingFile(t *testing.T) {
	led := testLedger(t)
	state, err := led.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.Cluster.IsEmpty() {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestCommitLoadRoundTrip(t *testing.T) {
	led := testLedger(t)
	state := PersistedState{
		Cluster: model.PositionCluster{
			CenterPrice: decimal.NewFromFloat(1.1052),
			Positions: []model.Position{
				{Slot: 0, TickLower: 992, TickUpper: 996, Liquidity: "123456", TokenID: 7, State: model.StateActive},
				{Slot: 1, TickLower: 996, TickUpper: 1000, Liquidity: "654321", TokenID: 8, Staked: true, State: model.StateActive},
			},
		},
		FailedStep: "minting",
	}

	if err := led.Commit(state); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loaded, err := led.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !reflect.DeepEqual(loaded.Cluster.Positions, state.Cluster.Positions) {
		t.Fatalf("positions mismatch: %+v != %+v", loaded.Cluster.Positions, state.Cluster.Positions)
	}
	if !loaded.Cluster.CenterPrice.Equal(state.Cluster.CenterPrice) {
		t.Fatalf("center price = %s, want %s", loaded.Cluster.CenterPrice, state.Cluster.CenterPrice)
	}
	if loaded.FailedStep != "minting" {
		t.Fatalf("failed step = %q, want minting", loaded.FailedStep)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	led := New(path, 18, 18, nil)
	if _, err := led.Load(); err == nil {
		t.Fatalf("expected error for corrupt state file")
	}
}

func TestReconcileDropsAndAdopts(t *testing.T) {
	led := testLedger(t)
	state := PersistedState{
		Cluster: model.PositionCluster{
			CenterPrice: decimal.NewFromInt(1),
			Positions: []model.Position{
				// Token 1 no longer exists on chain.
				{Slot: 0, TickLower: 992, TickUpper: 996, Liquidity: "100", TokenID: 1, State: model.StateActive},
				{Slot: 1, TickLower: 996, TickUpper: 1000, Liquidity: "100", TokenID: 2, State: model.StateActive},
			},
		},
		FailedStep: "closing",
	}
	onChain := []dex.ChainPosition{
		{TokenID: 2, TickLower: 996, TickUpper: 1000, Liquidity: big.NewInt(250), Staked: true},
		// Token 9 was minted but never recorded.
		{TokenID: 9, TickLower: 1000, TickUpper: 1004, Liquidity: big.NewInt(300)},
	}

	got := led.Reconcile(state, onChain)

	if len(got.Cluster.Positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(got.Cluster.Positions))
	}
	first := got.Cluster.Positions[0]
	if first.TokenID != 2 || first.Liquidity != "250" || !first.Staked {
		t.Fatalf("kept position not updated from chain: %+v", first)
	}
	second := got.Cluster.Positions[1]
	if second.TokenID != 9 || second.Slot != 1 {
		t.Fatalf("adopted position wrong: %+v", second)
	}
	if got.FailedStep != "" {
		t.Fatalf("failed step not cleared: %q", got.FailedStep)
	}
}

func TestReconcileRebuildsCenterPrice(t *testing.T) {
	led := testLedger(t)
	onChain := []dex.ChainPosition{
		{TokenID: 4, TickLower: 0, TickUpper: 4, Liquidity: big.NewInt(100)},
	}

	got := led.Reconcile(PersistedState{}, onChain)

	want := dex.PriceAtTick(2, 18, 18)
	if !got.Cluster.CenterPrice.Equal(want) {
		t.Fatalf("center price = %s, want %s", got.Cluster.CenterPrice, want)
	}
}

func TestResetAll(t *testing.T) {
	led := testLedger(t)
	state := PersistedState{
		Cluster: model.PositionCluster{
			Positions: []model.Position{{Slot: 0, TickLower: 0, TickUpper: 4, TokenID: 1}},
		},
		FailedStep: "swapping",
		TotalPnL:   decimal.NewFromFloat(1.5),
	}

	got, err := led.ResetAll(state)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !got.Cluster.IsEmpty() || got.FailedStep != "" {
		t.Fatalf("state not cleared: %+v", got)
	}
	if !got.TotalPnL.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("total pnl should survive reset, got %s", got.TotalPnL)
	}

	loaded, err := led.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Cluster.IsEmpty() {
		t.Fatalf("persisted state not cleared: %+v", loaded)
	}
}
