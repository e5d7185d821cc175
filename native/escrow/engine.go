package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"bountyescrow/core/events"
	"bountyescrow/core/types"
	"bountyescrow/native/common"
	"bountyescrow/native/fees"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVHas(key []byte) (bool, error)
	KVDelete(key []byte) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	Snapshot() int
	RevertToSnapshot(rev int) error
	Release(rev int)
}

// RateLimiter gates mutating calls per caller address. A nil limiter admits
// every call.
type RateLimiter interface {
	Check(addr [20]byte) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow custody state machine with external state, the fee
// engine, the rate limiter, and event emission. All value movement runs
// through the module vault account; all record state lives behind the
// injected state interface so the machine stays testable without a ledger.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	limiter    RateLimiter
	nowFn      func() int64
	reentrancy bool
}

// NewEngine creates an escrow engine with a no-op emitter and no rate
// limiter. Callers override both via SetEmitter and SetRateLimiter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRateLimiter configures the per-address limiter consulted before
// mutating calls. Passing nil disables rate limiting.
func (e *Engine) SetRateLimiter(limiter RateLimiter) { e.limiter = limiter }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) checkRate(addr [20]byte) error {
	if e == nil || e.limiter == nil {
		return nil
	}
	return e.limiter.Check(addr)
}

// acquireGuard sets the transient reentrancy flag for the duration of a
// mutating entry point. The returned release function must run on every exit
// path.
func (e *Engine) acquireGuard() (func(), error) {
	if e == nil {
		return nil, errNilState
	}
	if e.reentrancy {
		return nil, ErrReentrancy
	}
	e.reentrancy = true
	return func() { e.reentrancy = false }, nil
}

// run wraps a mutating operation in a state snapshot so a failed call leaves
// all escrow and fee state unchanged.
func (e *Engine) run(op func() error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	rev := e.state.Snapshot()
	if err := op(); err != nil {
		if revertErr := e.state.RevertToSnapshot(rev); revertErr != nil {
			return fmt.Errorf("escrow: revert failed after %w: %v", err, revertErr)
		}
		return err
	}
	e.state.Release(rev)
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// --- stored record codec ---

// RLP has no signed integer support, so timestamps are persisted as uint64
// mirrors of the in-memory records.
type storedRefundRecord struct {
	Amount    *big.Int
	Recipient [20]byte
	Mode      uint8
	Timestamp uint64
}

type storedEscrow struct {
	BountyID  uint64
	Depositor [20]byte
	Amount    *big.Int
	Remaining *big.Int
	Status    uint8
	Deadline  uint64
	CreatedAt uint64
	History   []storedRefundRecord
}

type storedApproval struct {
	BountyID   uint64
	Amount     *big.Int
	Recipient  [20]byte
	Mode       uint8
	ApprovedBy [20]byte
	ApprovedAt uint64
}

func toUnsignedTime(ts int64) (uint64, error) {
	if ts < 0 {
		return 0, fmt.Errorf("escrow: negative timestamp %d", ts)
	}
	return uint64(ts), nil
}

func escrowToStored(e *Escrow) (*storedEscrow, error) {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return nil, err
	}
	deadline, err := toUnsignedTime(sanitized.Deadline)
	if err != nil {
		return nil, err
	}
	createdAt, err := toUnsignedTime(sanitized.CreatedAt)
	if err != nil {
		return nil, err
	}
	stored := &storedEscrow{
		BountyID:  sanitized.BountyID,
		Depositor: sanitized.Depositor,
		Amount:    sanitized.Amount,
		Remaining: sanitized.Remaining,
		Status:    uint8(sanitized.Status),
		Deadline:  deadline,
		CreatedAt: createdAt,
		History:   make([]storedRefundRecord, 0, len(sanitized.RefundHistory)),
	}
	for _, rec := range sanitized.RefundHistory {
		ts, err := toUnsignedTime(rec.Timestamp)
		if err != nil {
			return nil, err
		}
		stored.History = append(stored.History, storedRefundRecord{
			Amount:    rec.Amount,
			Recipient: rec.Recipient,
			Mode:      uint8(rec.Mode),
			Timestamp: ts,
		})
	}
	return stored, nil
}

func (s *storedEscrow) toEscrow() *Escrow {
	esc := &Escrow{
		BountyID:      s.BountyID,
		Depositor:     s.Depositor,
		Amount:        cloneBigInt(s.Amount),
		Remaining:     cloneBigInt(s.Remaining),
		Status:        EscrowStatus(s.Status),
		Deadline:      int64(s.Deadline),
		CreatedAt:     int64(s.CreatedAt),
		RefundHistory: make([]RefundRecord, 0, len(s.History)),
	}
	for _, rec := range s.History {
		esc.RefundHistory = append(esc.RefundHistory, RefundRecord{
			Amount:    cloneBigInt(rec.Amount),
			Recipient: rec.Recipient,
			Mode:      RefundMode(rec.Mode),
			Timestamp: int64(rec.Timestamp),
		})
	}
	return esc
}

func (e *Engine) hasEscrow(bountyID uint64) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.KVHas(escrowKey(bountyID))
}

func (e *Engine) loadEscrow(bountyID uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored storedEscrow
	ok, err := e.state.KVGet(escrowKey(bountyID), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBountyNotFound
	}
	return stored.toEscrow(), nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	stored, err := escrowToStored(esc)
	if err != nil {
		return err
	}
	return e.state.KVPut(escrowKey(esc.BountyID), stored)
}

func (e *Engine) loadApproval(bountyID uint64) (*RefundApproval, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored storedApproval
	ok, err := e.state.KVGet(approvalKey(bountyID), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &RefundApproval{
		BountyID:   stored.BountyID,
		Amount:     cloneBigInt(stored.Amount),
		Recipient:  stored.Recipient,
		Mode:       RefundMode(stored.Mode),
		ApprovedBy: stored.ApprovedBy,
		ApprovedAt: int64(stored.ApprovedAt),
	}, nil
}

func (e *Engine) storeApproval(approval *RefundApproval) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	approvedAt, err := toUnsignedTime(approval.ApprovedAt)
	if err != nil {
		return err
	}
	stored := &storedApproval{
		BountyID:   approval.BountyID,
		Amount:     cloneBigInt(approval.Amount),
		Recipient:  approval.Recipient,
		Mode:       uint8(approval.Mode),
		ApprovedBy: approval.ApprovedBy,
		ApprovedAt: approvedAt,
	}
	return e.state.KVPut(approvalKey(approval.BountyID), stored)
}

// --- module identity helpers ---

func (e *Engine) initialized() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.KVHas(adminKey)
}

func (e *Engine) loadAdmin() ([20]byte, error) {
	var admin [20]byte
	if e == nil || e.state == nil {
		return admin, errNilState
	}
	ok, err := e.state.KVGet(adminKey, &admin)
	if err != nil {
		return admin, err
	}
	if !ok {
		return admin, ErrNotInitialized
	}
	return admin, nil
}

func (e *Engine) requireAdmin(caller [20]byte) ([20]byte, error) {
	admin, err := e.loadAdmin()
	if err != nil {
		return admin, err
	}
	if caller != admin {
		return admin, ErrUnauthorized
	}
	return admin, nil
}

// IsPaused satisfies common.PauseView. Read errors resolve to false so the
// pause gate stays best-effort, matching the callers' expectations.
func (e *Engine) IsPaused() bool {
	if e == nil || e.state == nil {
		return false
	}
	var paused bool
	ok, err := e.state.KVGet(pausedKey, &paused)
	if err != nil || !ok {
		return false
	}
	return paused
}

func (e *Engine) guardPaused() error {
	if err := common.Guard(e); err != nil {
		return ErrPaused
	}
	return nil
}

func (e *Engine) feeConfig() (fees.Config, error) {
	if e == nil || e.state == nil {
		return fees.Config{}, errNilState
	}
	var stored storedFeeConfig
	ok, err := e.state.KVGet(feeConfigKey, &stored)
	if err != nil {
		return fees.Config{}, err
	}
	if !ok {
		admin, err := e.loadAdmin()
		if err != nil {
			return fees.Config{}, err
		}
		return fees.Config{Recipient: admin}, nil
	}
	return fees.Config{
		LockFeeRateBps:    stored.LockFeeRateBps,
		ReleaseFeeRateBps: stored.ReleaseFeeRateBps,
		Recipient:         stored.Recipient,
		Enabled:           stored.Enabled,
	}, nil
}

type storedFeeConfig struct {
	LockFeeRateBps    uint32
	ReleaseFeeRateBps uint32
	Recipient         [20]byte
	Enabled           bool
}

func (e *Engine) storeFeeConfig(cfg fees.Config) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	stored := &storedFeeConfig{
		LockFeeRateBps:    cfg.LockFeeRateBps,
		ReleaseFeeRateBps: cfg.ReleaseFeeRateBps,
		Recipient:         cfg.Recipient,
		Enabled:           cfg.Enabled,
	}
	return e.state.KVPut(feeConfigKey, stored)
}

// --- value movement ---

func (e *Engine) transferToken(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func (e *Engine) vaultBalance() (*big.Int, error) {
	vault := VaultAddress()
	acc, err := e.state.GetAccount(vault[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(acc.Balance), nil
}

// --- entry points ---

// Initialize performs the one-time setup binding the admin identity and the
// escrowed token symbol. The fee configuration starts disabled with the admin
// as recipient.
func (e *Engine) Initialize(admin [20]byte, token string) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	if err := e.checkRate(admin); err != nil {
		return err
	}
	return e.run(func() error {
		ok, err := e.initialized()
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyInitialized
		}
		trimmed := strings.ToUpper(strings.TrimSpace(token))
		if trimmed == "" {
			return fmt.Errorf("escrow: token symbol must not be empty")
		}
		if err := e.state.KVPut(adminKey, &admin); err != nil {
			return err
		}
		if err := e.state.KVPut(tokenKey, trimmed); err != nil {
			return err
		}
		if err := e.storeFeeConfig(fees.Config{Recipient: admin}); err != nil {
			return err
		}
		e.emit(NewInitializedEvent(admin, trimmed, e.now()))
		return nil
	})
}

// LockFunds locks value against the bounty id until it is released to a
// contributor or refunded. The lock fee, when enabled, is deducted from the
// gross amount and forwarded to the fee recipient in the same call.
func (e *Engine) LockFunds(depositor [20]byte, bountyID uint64, amount *big.Int, deadline int64) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	if err := e.checkRate(depositor); err != nil {
		return err
	}
	return e.run(func() error {
		if err := e.validateLock(depositor, bountyID, amount, deadline); err != nil {
			return err
		}
		return e.executeLock(depositor, bountyID, amount, deadline)
	})
}

func (e *Engine) validateLock(depositor [20]byte, bountyID uint64, amount *big.Int, deadline int64) error {
	ok, err := e.initialized()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	if err := e.guardPaused(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if deadline <= e.now() {
		return ErrInvalidDeadline
	}
	exists, err := e.hasEscrow(bountyID)
	if err != nil {
		return err
	}
	if exists {
		return ErrBountyExists
	}
	return nil
}

// executeLock moves funds and creates the escrow record. Preconditions are
// the caller's responsibility; both the single and batch paths route here so
// fee semantics stay identical.
func (e *Engine) executeLock(depositor [20]byte, bountyID uint64, amount *big.Int, deadline int64) error {
	cfg, err := e.feeConfig()
	if err != nil {
		return err
	}
	gross := cloneBigInt(amount)
	fee := big.NewInt(0)
	net := gross
	if cfg.Enabled && cfg.LockFeeRateBps > 0 {
		fee, net = fees.Split(gross, cfg.LockFeeRateBps)
	}
	vault := VaultAddress()
	if err := e.transferToken(depositor, vault, net); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := e.transferToken(depositor, cfg.Recipient, fee); err != nil {
			return err
		}
	}
	now := e.now()
	esc := &Escrow{
		BountyID:      bountyID,
		Depositor:     depositor,
		Amount:        net,
		Remaining:     gross,
		Status:        StatusLocked,
		Deadline:      deadline,
		CreatedAt:     now,
		RefundHistory: []RefundRecord{},
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		e.emit(NewFeeCollectedEvent(feeOperationLock, fee, cfg.LockFeeRateBps, cfg.Recipient, now))
	}
	e.emit(NewFundsLockedEvent(esc))
	return nil
}

// ReleaseFunds settles the escrow in favour of the contributor. Admin only;
// terminal for the bounty id.
func (e *Engine) ReleaseFunds(caller [20]byte, bountyID uint64, contributor [20]byte) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
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
		esc, err := e.loadEscrow(bountyID)
		if err != nil {
			return err
		}
		if esc.Status != StatusLocked {
			return ErrFundsNotLocked
		}
		return e.executeRelease(esc, contributor)
	})
}

// executeRelease pays out a Locked escrow and marks it Released.
func (e *Engine) executeRelease(esc *Escrow, contributor [20]byte) error {
	cfg, err := e.feeConfig()
	if err != nil {
		return err
	}
	total := cloneBigInt(esc.Amount)
	if total.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fee := big.NewInt(0)
	net := total
	if cfg.Enabled && cfg.ReleaseFeeRateBps > 0 {
		fee, net = fees.Split(total, cfg.ReleaseFeeRateBps)
	}
	vault := VaultAddress()
	if err := e.transferToken(vault, contributor, net); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := e.transferToken(vault, cfg.Recipient, fee); err != nil {
			return err
		}
	}
	now := e.now()
	esc.Status = StatusReleased
	esc.Remaining = big.NewInt(0)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		e.emit(NewFeeCollectedEvent(feeOperationRelease, fee, cfg.ReleaseFeeRateBps, cfg.Recipient, now))
	}
	e.emit(NewFundsReleasedEvent(esc, contributor, net, now))
	return nil
}

// ApproveRefund issues a single-use pre-authorization for a custom refund
// ahead of the deadline. A newer approval for the same bounty overwrites any
// prior one.
func (e *Engine) ApproveRefund(caller [20]byte, bountyID uint64, amount *big.Int, recipient [20]byte, mode RefundMode) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	return e.run(func() error {
		admin, err := e.requireAdmin(caller)
		if err != nil {
			return err
		}
		esc, err := e.loadEscrow(bountyID)
		if err != nil {
			return err
		}
		if esc.Status != StatusLocked && esc.Status != StatusPartiallyRefunded {
			return ErrFundsNotLocked
		}
		if amount == nil || amount.Sign() <= 0 || amount.Cmp(esc.Remaining) > 0 {
			return ErrInvalidAmount
		}
		if !mode.Valid() {
			return fmt.Errorf("escrow: invalid refund mode: %d", mode)
		}
		approval := &RefundApproval{
			BountyID:   bountyID,
			Amount:     cloneBigInt(amount),
			Recipient:  recipient,
			Mode:       mode,
			ApprovedBy: admin,
			ApprovedAt: e.now(),
		}
		if err := e.storeApproval(approval); err != nil {
			return err
		}
		e.emit(NewRefundApprovedEvent(approval))
		return nil
	})
}

// Refund returns remaining escrowed value according to the requested mode.
// Full and Partial refunds go to the depositor and require the deadline to
// have passed. Custom refunds name their own recipient; ahead of the deadline
// they consume a matching admin approval.
func (e *Engine) Refund(bountyID uint64, amount *big.Int, recipient *[20]byte, mode RefundMode) error {
	release, err := e.acquireGuard()
	if err != nil {
		return err
	}
	defer release()
	return e.run(func() error {
		if err := e.guardPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(bountyID)
		if err != nil {
			return err
		}
		if esc.Status != StatusLocked && esc.Status != StatusPartiallyRefunded {
			return ErrFundsNotLocked
		}

		now := e.now()
		beforeDeadline := now < esc.Deadline

		var refundAmount *big.Int
		var refundRecipient [20]byte
		switch mode {
		case RefundFull:
			if beforeDeadline {
				return ErrDeadlineNotPassed
			}
			refundAmount = cloneBigInt(esc.Remaining)
			refundRecipient = esc.Depositor
		case RefundPartial:
			if beforeDeadline {
				return ErrDeadlineNotPassed
			}
			if amount != nil {
				refundAmount = cloneBigInt(amount)
			} else {
				refundAmount = cloneBigInt(esc.Remaining)
			}
			refundRecipient = esc.Depositor
		case RefundCustom:
			if amount == nil || recipient == nil {
				return ErrInvalidAmount
			}
			refundAmount = cloneBigInt(amount)
			refundRecipient = *recipient
			if beforeDeadline {
				approval, err := e.loadApproval(bountyID)
				if err != nil {
					return err
				}
				if approval == nil {
					return ErrRefundNotApproved
				}
				if approval.Amount.Cmp(refundAmount) != 0 || approval.Recipient != refundRecipient || approval.Mode != mode {
					return ErrRefundNotApproved
				}
				// Consumed exactly once; under the call snapshot a later
				// failure restores it.
				if err := e.state.KVDelete(approvalKey(bountyID)); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("escrow: invalid refund mode: %d", mode)
		}

		if refundAmount.Sign() <= 0 || refundAmount.Cmp(esc.Remaining) > 0 {
			return ErrInvalidAmount
		}
		balance, err := e.vaultBalance()
		if err != nil {
			return err
		}
		if balance.Cmp(refundAmount) < 0 {
			return ErrInsufficientFunds
		}
		vault := VaultAddress()
		if err := e.transferToken(vault, refundRecipient, refundAmount); err != nil {
			return err
		}

		esc.Remaining = new(big.Int).Sub(esc.Remaining, refundAmount)
		record := RefundRecord{
			Amount:    refundAmount,
			Recipient: refundRecipient,
			Mode:      mode,
			Timestamp: now,
		}
		esc.RefundHistory = append(esc.RefundHistory, record)
		if esc.Remaining.Sign() == 0 {
			esc.Status = StatusRefunded
		} else {
			esc.Status = StatusPartiallyRefunded
		}
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		e.emit(NewFundsRefundedEvent(esc, record))
		return nil
	})
}
