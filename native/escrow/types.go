package escrow

import (
	"fmt"
	"math/big"
)

// EscrowStatus represents the lifecycle states of a bounty escrow. Released
// and Refunded are terminal; PartiallyRefunded may transition to itself or to
// Refunded as the remaining balance drains.
type EscrowStatus uint8

const (
	StatusLocked EscrowStatus = iota
	StatusReleased
	StatusRefunded
	StatusPartiallyRefunded
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case StatusLocked, StatusReleased, StatusRefunded, StatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s EscrowStatus) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// String renders the canonical lowercase status label used in events and RPC
// responses.
func (s EscrowStatus) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusPartiallyRefunded:
		return "partially_refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// RefundMode selects how a refund determines its amount and recipient.
type RefundMode uint8

const (
	// RefundFull returns the entire remaining balance to the depositor.
	RefundFull RefundMode = iota
	// RefundPartial returns a caller-specified amount to the depositor.
	RefundPartial
	// RefundCustom returns a caller-specified amount to a caller-specified
	// recipient; before the deadline it requires a matching approval.
	RefundCustom
)

// Valid reports whether the mode value is within the supported range.
func (m RefundMode) Valid() bool {
	switch m {
	case RefundFull, RefundPartial, RefundCustom:
		return true
	default:
		return false
	}
}

// String renders the canonical lowercase mode label.
func (m RefundMode) String() string {
	switch m {
	case RefundFull:
		return "full"
	case RefundPartial:
		return "partial"
	case RefundCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// RefundRecord is an immutable entry in an escrow's refund history.
type RefundRecord struct {
	Amount    *big.Int
	Recipient [20]byte
	Mode      RefundMode
	Timestamp int64
}

// Clone returns a deep copy of the record.
func (r RefundRecord) Clone() RefundRecord {
	clone := r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return clone
}

// RefundApproval is an admin-issued, single-use pre-authorization for a
// custom refund ahead of the deadline. At most one live instance exists per
// bounty; a newer approval overwrites the prior one.
type RefundApproval struct {
	BountyID   uint64
	Amount     *big.Int
	Recipient  [20]byte
	Mode       RefundMode
	ApprovedBy [20]byte
	ApprovedAt int64
}

// Clone returns a deep copy of the approval.
func (a *RefundApproval) Clone() *RefundApproval {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Amount != nil {
		clone.Amount = new(big.Int).Set(a.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Escrow is the custody record for a single bounty. Amount holds the net
// value custodied after the lock fee; Remaining is seeded from the gross
// locked value and only ever decreases through refunds.
type Escrow struct {
	BountyID      uint64
	Depositor     [20]byte
	Amount        *big.Int
	Remaining     *big.Int
	Status        EscrowStatus
	Deadline      int64
	CreatedAt     int64
	RefundHistory []RefundRecord
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if e.Remaining != nil {
		clone.Remaining = new(big.Int).Set(e.Remaining)
	} else {
		clone.Remaining = big.NewInt(0)
	}
	clone.RefundHistory = make([]RefundRecord, 0, len(e.RefundHistory))
	for _, rec := range e.RefundHistory {
		clone.RefundHistory = append(clone.RefundHistory, rec.Clone())
	}
	return &clone
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with non-nil amount fields. The function does
// not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amount must be non-negative")
	}
	if clone.Remaining.Sign() < 0 {
		return nil, fmt.Errorf("escrow: remaining amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status: %d", clone.Status)
	}
	for _, rec := range clone.RefundHistory {
		if rec.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("escrow: refund record amount must be positive")
		}
		if !rec.Mode.Valid() {
			return nil, fmt.Errorf("escrow: invalid refund mode: %d", rec.Mode)
		}
	}
	return clone, nil
}

// LockFundsItem is one entry of a batch lock request. Items are transient
// inputs and never persisted.
type LockFundsItem struct {
	BountyID  uint64
	Depositor [20]byte
	Amount    *big.Int
	Deadline  int64
}

// ReleaseFundsItem is one entry of a batch release request.
type ReleaseFundsItem struct {
	BountyID    uint64
	Contributor [20]byte
}

// MaxBatchSize bounds batch operations so one call cannot monopolise a ledger
// close.
const MaxBatchSize = 100
