package model

// LifecycleState tracks a managed position through mint and close.
type LifecycleState string

const (
	StatePending LifecycleState = "pending"
	StateActive  LifecycleState = "active"
	StateClosing LifecycleState = "closing"
)

// Position is one managed tick range. TokenID is zero until the mint
// transaction confirms and the position NFT is assigned.
type Position struct {
	Slot      int            `json:"slot"`
	TickLower int            `json:"tick_lower"`
	TickUpper int            `json:"tick_upper"`
	Liquidity string         `json:"liquidity,omitempty"`
	TokenID   uint64         `json:"token_id,omitempty"`
	Staked    bool           `json:"staked,omitempty"`
	State     LifecycleState `json:"state"`
}

// Width returns the tick width of the position range.
func (p Position) Width() int {
	return p.TickUpper - p.TickLower
}

// Contains reports whether the tick falls inside [TickLower, TickUpper).
func (p Position) Contains(tick int) bool {
	return tick >= p.TickLower && tick < p.TickUpper
}
