package model

import "errors"

var (
	// ErrOracleUnavailable marks a failed pool price read. The loop skips
	// the tick and retries on the next one.
	ErrOracleUnavailable = errors.New("price oracle unavailable")

	// ErrTransactionReverted marks an on-chain revert of a pipeline step.
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrTransactionTimeout marks a transaction whose outcome is unknown;
	// reconciliation must determine the true on-chain state before retrying.
	ErrTransactionTimeout = errors.New("transaction confirmation timeout")

	// ErrInsufficientBalance means neither token can cover the planned
	// swap input.
	ErrInsufficientBalance = errors.New("insufficient token balance for swap")

	// ErrReconciliationMismatch is logged when persisted state disagrees
	// with on-chain positions; chain truth wins.
	ErrReconciliationMismatch = errors.New("persisted state does not match chain")
)
