package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"bountyescrow/core/types"
	"bountyescrow/native/fees"
)

// Event type identifiers emitted by the engine.
const (
	EventTypeInitialized         = "escrow.initialized"
	EventTypeFundsLocked         = "escrow.funds_locked"
	EventTypeFundsReleased       = "escrow.funds_released"
	EventTypeFundsRefunded       = "escrow.funds_refunded"
	EventTypeRefundApproved      = "escrow.refund_approved"
	EventTypeFeeCollected        = "escrow.fee_collected"
	EventTypeFeeConfigUpdated    = "escrow.fee_config_updated"
	EventTypeBatchLocked         = "escrow.batch_locked"
	EventTypeBatchReleased       = "escrow.batch_released"
	EventTypePaused              = "escrow.paused"
	EventTypeUnpaused            = "escrow.unpaused"
	EventTypeEmergencyWithdrawal = "escrow.emergency_withdrawal"
)

const (
	feeOperationLock    = "lock"
	feeOperationRelease = "release"
)

func attrAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func attrAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func attrInt(v int64) string { return strconv.FormatInt(v, 10) }

func attrUint(v uint64) string { return strconv.FormatUint(v, 10) }

func NewInitializedEvent(admin [20]byte, token string, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeInitialized,
		Attributes: map[string]string{
			"admin":     attrAddress(admin),
			"token":     token,
			"timestamp": attrInt(ts),
		},
	}
}

func NewFundsLockedEvent(esc *Escrow) *types.Event {
	return &types.Event{
		Type: EventTypeFundsLocked,
		Attributes: map[string]string{
			"bountyId":  attrUint(esc.BountyID),
			"depositor": attrAddress(esc.Depositor),
			"amount":    attrAmount(esc.Amount),
			"remaining": attrAmount(esc.Remaining),
			"deadline":  attrInt(esc.Deadline),
			"timestamp": attrInt(esc.CreatedAt),
		},
	}
}

func NewFundsReleasedEvent(esc *Escrow, contributor [20]byte, amount *big.Int, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeFundsReleased,
		Attributes: map[string]string{
			"bountyId":    attrUint(esc.BountyID),
			"contributor": attrAddress(contributor),
			"amount":      attrAmount(amount),
			"timestamp":   attrInt(ts),
		},
	}
}

func NewFundsRefundedEvent(esc *Escrow, record RefundRecord) *types.Event {
	return &types.Event{
		Type: EventTypeFundsRefunded,
		Attributes: map[string]string{
			"bountyId":  attrUint(esc.BountyID),
			"recipient": attrAddress(record.Recipient),
			"amount":    attrAmount(record.Amount),
			"mode":      record.Mode.String(),
			"remaining": attrAmount(esc.Remaining),
			"status":    esc.Status.String(),
			"timestamp": attrInt(record.Timestamp),
		},
	}
}

func NewRefundApprovedEvent(approval *RefundApproval) *types.Event {
	return &types.Event{
		Type: EventTypeRefundApproved,
		Attributes: map[string]string{
			"bountyId":   attrUint(approval.BountyID),
			"amount":     attrAmount(approval.Amount),
			"recipient":  attrAddress(approval.Recipient),
			"mode":       approval.Mode.String(),
			"approvedBy": attrAddress(approval.ApprovedBy),
			"timestamp":  attrInt(approval.ApprovedAt),
		},
	}
}

func NewFeeCollectedEvent(operation string, fee *big.Int, rateBps uint32, recipient [20]byte, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeFeeCollected,
		Attributes: map[string]string{
			"operation": operation,
			"fee":       attrAmount(fee),
			"rateBps":   strconv.FormatUint(uint64(rateBps), 10),
			"recipient": attrAddress(recipient),
			"timestamp": attrInt(ts),
		},
	}
}

func NewFeeConfigUpdatedEvent(cfg fees.Config, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeFeeConfigUpdated,
		Attributes: map[string]string{
			"lockFeeRateBps":    strconv.FormatUint(uint64(cfg.LockFeeRateBps), 10),
			"releaseFeeRateBps": strconv.FormatUint(uint64(cfg.ReleaseFeeRateBps), 10),
			"recipient":         attrAddress(cfg.Recipient),
			"enabled":           strconv.FormatBool(cfg.Enabled),
			"timestamp":         attrInt(ts),
		},
	}
}

func NewBatchLockedEvent(count int, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeBatchLocked,
		Attributes: map[string]string{
			"count":     strconv.Itoa(count),
			"timestamp": attrInt(ts),
		},
	}
}

func NewBatchReleasedEvent(count int, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeBatchReleased,
		Attributes: map[string]string{
			"count":     strconv.Itoa(count),
			"timestamp": attrInt(ts),
		},
	}
}

func NewPausedEvent(caller [20]byte, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypePaused,
		Attributes: map[string]string{
			"caller":    attrAddress(caller),
			"timestamp": attrInt(ts),
		},
	}
}

func NewUnpausedEvent(caller [20]byte, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeUnpaused,
		Attributes: map[string]string{
			"caller":    attrAddress(caller),
			"timestamp": attrInt(ts),
		},
	}
}

func NewEmergencyWithdrawalEvent(caller, recipient [20]byte, amount *big.Int, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeEmergencyWithdrawal,
		Attributes: map[string]string{
			"caller":    attrAddress(caller),
			"recipient": attrAddress(recipient),
			"amount":    attrAmount(amount),
			"timestamp": attrInt(ts),
		},
	}
}
