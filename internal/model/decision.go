package model

import "github.com/shopspring/decimal"

// DecisionKind classifies a rebalance decision.
type DecisionKind string

const (
	DecisionNoAction DecisionKind = "no_action"
	DecisionPartial  DecisionKind = "partial"
	DecisionFull     DecisionKind = "full"
)

// TickRange is a half-open [Lower, Upper) tick interval.
type TickRange struct {
	Lower int `json:"lower"`
	Upper int `json:"upper"`
}

// RebalanceDecision is the pure output of the decision engine: which slots
// to reposition and where. Targets holds the new range for every affected
// slot; NewCenter is the center price to record after execution.
type RebalanceDecision struct {
	Kind      DecisionKind
	Affected  []int
	Targets   map[int]TickRange
	NewCenter decimal.Decimal
}
