package escrow

import (
	"math/big"
)

// RefundEligibility summarises whether a refund can proceed right now and
// under which conditions.
type RefundEligibility struct {
	CanRefund      bool
	DeadlinePassed bool
	Remaining      *big.Int
	Approval       *RefundApproval
}

// EscrowInfo returns a copy of the escrow record for the bounty.
func (e *Engine) EscrowInfo(bountyID uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(bountyID)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// RefundHistory returns the ordered refund records for the bounty. A bounty
// with no refunds yields an empty slice.
func (e *Engine) RefundHistory(bountyID uint64) ([]RefundRecord, error) {
	esc, err := e.loadEscrow(bountyID)
	if err != nil {
		return nil, err
	}
	history := make([]RefundRecord, 0, len(esc.RefundHistory))
	for _, rec := range esc.RefundHistory {
		history = append(history, rec.Clone())
	}
	return history, nil
}

// CheckRefundEligibility reports whether the bounty can be refunded at the
// current time, alongside the remaining balance and any pending approval.
func (e *Engine) CheckRefundEligibility(bountyID uint64) (*RefundEligibility, error) {
	esc, err := e.loadEscrow(bountyID)
	if err != nil {
		return nil, err
	}
	eligibility := &RefundEligibility{
		Remaining: cloneBigInt(esc.Remaining),
	}
	refundable := esc.Status == StatusLocked || esc.Status == StatusPartiallyRefunded
	if !refundable {
		return eligibility, nil
	}
	eligibility.DeadlinePassed = e.now() >= esc.Deadline
	approval, err := e.loadApproval(bountyID)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		eligibility.Approval = approval.Clone()
	}
	eligibility.CanRefund = eligibility.DeadlinePassed || approval != nil
	return eligibility, nil
}

// PendingApproval returns the active refund approval for the bounty, or nil
// when none exists.
func (e *Engine) PendingApproval(bountyID uint64) (*RefundApproval, error) {
	approval, err := e.loadApproval(bountyID)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, nil
	}
	return approval.Clone(), nil
}

// Balance returns the vault balance backing all active escrows.
func (e *Engine) Balance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.vaultBalance()
}

// Paused reports the module pause flag.
func (e *Engine) Paused() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.IsPaused(), nil
}

// Admin returns the configured admin address.
func (e *Engine) Admin() ([20]byte, error) {
	return e.loadAdmin()
}

// Token returns the escrowed token symbol.
func (e *Engine) Token() (string, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	var token string
	ok, err := e.state.KVGet(tokenKey, &token)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return token, nil
}
