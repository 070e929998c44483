package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rangekeeper/internal/dex"
	"rangekeeper/internal/model"
)

// PersistedState is the durable snapshot owned by the ledger. It is
// rewritten after every state-changing step and read once at startup.
type PersistedState struct {
	Cluster        model.PositionCluster `json:"cluster"`
	LastDecisionAt time.Time             `json:"last_decision_at,omitempty"`

	// FailedStep records the pipeline step an executor run died in, so the
	// next tick reconciles before anything is retried.
	FailedStep string `json:"failed_step,omitempty"`

	// Running P&L accumulators for the current working period.
	PeriodStartAt    time.Time       `json:"period_start_at,omitempty"`
	PeriodStartPrice decimal.Decimal `json:"period_start_price,omitempty"`
	PeriodStartValue decimal.Decimal `json:"period_start_value,omitempty"`
	TotalPnL         decimal.Decimal `json:"total_pnl,omitempty"`

	UpdatedAt string `json:"updated_at,omitempty"`
}

// Ledger owns the persisted cluster snapshot.
type Ledger struct {
	path      string
	decimals0 int
	decimals1 int
	logger    *zap.Logger
}

// New builds a Ledger persisting to path.
func New(path string, decimals0, decimals1 int, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{path: path, decimals0: decimals0, decimals1: decimals1, logger: logger}
}

// Load reads the persisted snapshot. A missing file yields an empty state.
func (l *Ledger) Load() (PersistedState, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return PersistedState{}, nil
		}
		return PersistedState{}, fmt.Errorf("read state: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, fmt.Errorf("parse state %s: %w", l.path, err)
	}
	return state, nil
}

// Commit atomically overwrites the snapshot: write to a temp file, then
// rename, so a reader never observes a half-written state.
func (l *Ledger) Commit(state PersistedState) error {
	state.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	dir := filepath.Dir(l.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpPath := l.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// ResetAll clears the cluster and failure marker and commits the empty
// snapshot.
func (l *Ledger) ResetAll(state PersistedState) (PersistedState, error) {
	state.Cluster = model.PositionCluster{}
	state.FailedStep = ""
	if err := l.Commit(state); err != nil {
		return state, err
	}
	l.logger.Info("ledger reset", zap.String("path", l.path))
	return state, nil
}

// Reconcile resolves the persisted cluster against chain truth. Positions
// persisted but absent on-chain are dropped; positions found on-chain but
// not persisted are adopted. Any correction is logged; the chain wins.
func (l *Ledger) Reconcile(state PersistedState, onChain []dex.ChainPosition) PersistedState {
	chainByID := make(map[uint64]dex.ChainPosition, len(onChain))
	for _, pos := range onChain {
		chainByID[pos.TokenID] = pos
	}

	kept := make([]model.Position, 0, len(onChain))
	seen := make(map[uint64]bool, len(onChain))
	for _, pos := range state.Cluster.Positions {
		chainPos, ok := chainByID[pos.TokenID]
		if pos.TokenID == 0 || !ok {
			l.logger.Warn("reconciliation: persisted position missing on chain, dropping",
				zap.Uint64("token_id", pos.TokenID),
				zap.Int("slot", pos.Slot),
				zap.Error(model.ErrReconciliationMismatch),
			)
			continue
		}
		pos.TickLower = chainPos.TickLower
		pos.TickUpper = chainPos.TickUpper
		pos.Liquidity = chainPos.Liquidity.String()
		pos.Staked = chainPos.Staked
		pos.State = model.StateActive
		kept = append(kept, pos)
		seen[pos.TokenID] = true
	}

	for _, chainPos := range onChain {
		if seen[chainPos.TokenID] {
			continue
		}
		l.logger.Warn("reconciliation: untracked on-chain position adopted",
			zap.Uint64("token_id", chainPos.TokenID),
			zap.Int("tick_lower", chainPos.TickLower),
			zap.Int("tick_upper", chainPos.TickUpper),
			zap.Error(model.ErrReconciliationMismatch),
		)
		kept = append(kept, model.Position{
			TokenID:   chainPos.TokenID,
			TickLower: chainPos.TickLower,
			TickUpper: chainPos.TickUpper,
			Liquidity: chainPos.Liquidity.String(),
			Staked:    chainPos.Staked,
			State:     model.StateActive,
		})
	}

	state.Cluster.Positions = kept
	state.Cluster.Normalize()
	state.FailedStep = ""

	if !state.Cluster.IsEmpty() && state.Cluster.CenterPrice.IsZero() {
		mid := (state.Cluster.LowerTick() + state.Cluster.UpperTick()) / 2
		state.Cluster.CenterPrice = dex.PriceAtTick(mid, l.decimals0, l.decimals1)
		l.logger.Info("reconciliation: center price rebuilt from cluster midpoint",
			zap.Int("mid_tick", mid),
			zap.String("center_price", state.Cluster.CenterPrice.String()),
		)
	}
	return state
}
