package escrow

import "errors"

// The full error taxonomy surfaced by the escrow entry points. Callers match
// with errors.Is; the rpc layer maps each sentinel to a JSON-RPC error code.
var (
	// Initialization errors.
	ErrAlreadyInitialized = errors.New("escrow: already initialized")
	ErrNotInitialized     = errors.New("escrow: not initialized")

	// Existence errors.
	ErrBountyExists   = errors.New("escrow: bounty already exists")
	ErrBountyNotFound = errors.New("escrow: bounty not found")

	// State-validity errors.
	ErrFundsNotLocked = errors.New("escrow: funds not locked")

	// Temporal errors.
	ErrInvalidDeadline   = errors.New("escrow: invalid deadline")
	ErrDeadlineNotPassed = errors.New("escrow: deadline not passed")

	// Amount errors.
	ErrInvalidAmount     = errors.New("escrow: invalid amount")
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")

	// Authorization errors.
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrRefundNotApproved = errors.New("escrow: refund not approved")

	// Batch errors.
	ErrInvalidBatchSize  = errors.New("escrow: invalid batch size")
	ErrDuplicateBountyID = errors.New("escrow: duplicate bounty id in batch")

	// Operational errors.
	ErrPaused         = errors.New("escrow: contract paused")
	ErrInvalidFeeRate = errors.New("escrow: invalid fee rate")

	// ErrReentrancy aborts a nested call into a mutating entry point before
	// the outer invocation has finished updating its own state.
	ErrReentrancy = errors.New("escrow: reentrancy detected")
)
