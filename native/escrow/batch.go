package escrow

import (
	"fmt"
)

// BatchLockFunds locks every item or none of them. Validation runs over the
// whole batch first, then execution proceeds under a single snapshot so a
// failure mid-way (an insufficient balance, typically) unwinds the completed
// items too.
func (e *Engine) BatchLockFunds(items []LockFundsItem) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	if len(items) == 0 || len(items) > MaxBatchSize {
		return ErrInvalidBatchSize
	}

	// One limiter charge per distinct depositor, not per item.
	seenDepositors := make(map[[20]byte]struct{}, len(items))
	for _, item := range items {
		if _, ok := seenDepositors[item.Depositor]; ok {
			continue
		}
		seenDepositors[item.Depositor] = struct{}{}
		if err := e.checkRate(item.Depositor); err != nil {
			return err
		}
	}

	return e.run(func() error {
		seen := make(map[uint64]struct{}, len(items))
		for i, item := range items {
			if _, dup := seen[item.BountyID]; dup {
				return fmt.Errorf("%w: bounty %d at index %d", ErrDuplicateBountyID, item.BountyID, i)
			}
			seen[item.BountyID] = struct{}{}
			if err := e.validateLock(item.Depositor, item.BountyID, item.Amount, item.Deadline); err != nil {
				return fmt.Errorf("batch lock item %d: %w", i, err)
			}
		}
		for i, item := range items {
			if err := e.executeLock(item.Depositor, item.BountyID, item.Amount, item.Deadline); err != nil {
				return fmt.Errorf("batch lock item %d: %w", i, err)
			}
		}
		e.emit(NewBatchLockedEvent(len(items), e.now()))
		return nil
	})
}

// BatchReleaseFunds releases every item or none of them. Admin only.
func (e *Engine) BatchReleaseFunds(caller [20]byte, items []ReleaseFundsItem) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	if len(items) == 0 || len(items) > MaxBatchSize {
		return ErrInvalidBatchSize
	}
	if err := e.checkRate(caller); err != nil {
		return err
	}

	return e.run(func() error {
		if _, err := e.requireAdmin(caller); err != nil {
			return err
		}
		if err := e.guardPaused(); err != nil {
			return err
		}
		seen := make(map[uint64]struct{}, len(items))
		for i, item := range items {
			if _, dup := seen[item.BountyID]; dup {
				return fmt.Errorf("%w: bounty %d at index %d", ErrDuplicateBountyID, item.BountyID, i)
			}
			seen[item.BountyID] = struct{}{}
			esc, err := e.loadEscrow(item.BountyID)
			if err != nil {
				return fmt.Errorf("batch release item %d: %w", i, err)
			}
			if esc.Status != StatusLocked {
				return fmt.Errorf("batch release item %d: %w", i, ErrFundsNotLocked)
			}
		}
		for i, item := range items {
			esc, err := e.loadEscrow(item.BountyID)
			if err != nil {
				return fmt.Errorf("batch release item %d: %w", i, err)
			}
			if err := e.executeRelease(esc, item.Contributor); err != nil {
				return fmt.Errorf("batch release item %d: %w", i, err)
			}
		}
		e.emit(NewBatchReleasedEvent(len(items), e.now()))
		return nil
	})
}
