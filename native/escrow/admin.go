package escrow

import (
	"bountyescrow/native/fees"
)

// FeeConfigUpdate carries the optional fields of an UpdateFeeConfig call.
// Nil fields leave the stored value untouched.
type FeeConfigUpdate struct {
	LockFeeRateBps    *uint32
	ReleaseFeeRateBps *uint32
	Recipient         *[20]byte
	Enabled           *bool
}

// UpdateFeeConfig applies a partial fee configuration update. Rates above the
// cap are rejected before anything is written.
func (e *Engine) UpdateFeeConfig(caller [20]byte, update FeeConfigUpdate) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	return e.run(func() error {
		if _, err := e.requireAdmin(caller); err != nil {
			return err
		}
		cfg, err := e.feeConfig()
		if err != nil {
			return err
		}
		if update.LockFeeRateBps != nil {
			cfg.LockFeeRateBps = *update.LockFeeRateBps
		}
		if update.ReleaseFeeRateBps != nil {
			cfg.ReleaseFeeRateBps = *update.ReleaseFeeRateBps
		}
		if update.Recipient != nil {
			cfg.Recipient = *update.Recipient
		}
		if update.Enabled != nil {
			cfg.Enabled = *update.Enabled
		}
		if err := cfg.Validate(); err != nil {
			return ErrInvalidFeeRate
		}
		if err := e.storeFeeConfig(cfg); err != nil {
			return err
		}
		e.emit(NewFeeConfigUpdatedEvent(cfg, e.now()))
		return nil
	})
}

// Pause halts every mutating escrow operation except the admin controls.
// Pausing an already paused module is a no-op and emits nothing.
func (e *Engine) Pause(caller [20]byte) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	return e.run(func() error {
		if _, err := e.requireAdmin(caller); err != nil {
			return err
		}
		if e.IsPaused() {
			return nil
		}
		if err := e.state.KVPut(pausedKey, true); err != nil {
			return err
		}
		e.emit(NewPausedEvent(caller, e.now()))
		return nil
	})
}

// Unpause resumes normal operation. Unpausing a running module is a no-op.
func (e *Engine) Unpause(caller [20]byte) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	return e.run(func() error {
		if _, err := e.requireAdmin(caller); err != nil {
			return err
		}
		if !e.IsPaused() {
			return nil
		}
		if err := e.state.KVPut(pausedKey, false); err != nil {
			return err
		}
		e.emit(NewUnpausedEvent(caller, e.now()))
		return nil
	})
}

// EmergencyWithdraw drains the entire vault to a recovery address. Only
// available while the module is paused; escrow records are left as they are,
// so this is strictly an incident-response escape hatch. An empty vault is a
// no-op success.
func (e *Engine) EmergencyWithdraw(caller [20]byte, recipient [20]byte) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	return e.run(func() error {
		if _, err := e.requireAdmin(caller); err != nil {
			return err
		}
		if !e.IsPaused() {
			return ErrUnauthorized
		}
		balance, err := e.vaultBalance()
		if err != nil {
			return err
		}
		if balance.Sign() == 0 {
			return nil
		}
		vault := VaultAddress()
		if err := e.transferToken(vault, recipient, balance); err != nil {
			return err
		}
		e.emit(NewEmergencyWithdrawalEvent(caller, recipient, balance, e.now()))
		return nil
	})
}

// FeeConfig returns the active fee configuration.
func (e *Engine) FeeConfig() (fees.Config, error) {
	if e == nil || e.state == nil {
		return fees.Config{}, errNilState
	}
	ok, err := e.initialized()
	if err != nil {
		return fees.Config{}, err
	}
	if !ok {
		return fees.Config{}, ErrNotInitialized
	}
	return e.feeConfig()
}
