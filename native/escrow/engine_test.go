package escrow

import (
	"errors"
	"math/big"
	"testing"

	"bountyescrow/core/events"
	"bountyescrow/core/state"
	"bountyescrow/core/types"
	"bountyescrow/storage"
)

var (
	adminAddr       = [20]byte{0x01}
	depositorAddr   = [20]byte{0x02}
	contributorAddr = [20]byte{0x03}
	feeAddr         = [20]byte{0x04}
	otherAddr       = [20]byte{0x05}
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) countType(eventType string) int {
	count := 0
	for _, evt := range r.events {
		if evt.EventType() == eventType {
			count++
		}
	}
	return count
}

type testClock struct {
	now int64
}

func (c *testClock) Now() int64 { return c.now }

type testEnv struct {
	engine  *Engine
	manager *state.Manager
	emitter *recordingEmitter
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	emitter := &recordingEmitter{}
	clock := &testClock{now: 100}
	engine := NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(clock.Now)
	return &testEnv{engine: engine, manager: manager, emitter: emitter, clock: clock}
}

func (env *testEnv) fund(t *testing.T, addr [20]byte, amount int64) {
	t.Helper()
	if err := env.manager.PutAccount(addr[:], &types.Account{Balance: big.NewInt(amount)}); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	acc, err := env.manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc.Balance
}

func (env *testEnv) initialize(t *testing.T) {
	t.Helper()
	if err := env.engine.Initialize(adminAddr, "USDC"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func (env *testEnv) lock(t *testing.T, bountyID uint64, amount int64, deadline int64) {
	t.Helper()
	if err := env.engine.LockFunds(depositorAddr, bountyID, big.NewInt(amount), deadline); err != nil {
		t.Fatalf("lock funds: %v", err)
	}
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	admin, err := env.engine.Admin()
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if admin != adminAddr {
		t.Fatalf("unexpected admin: %x", admin)
	}
	token, err := env.engine.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "USDC" {
		t.Fatalf("unexpected token: %s", token)
	}
	if got := env.emitter.countType(EventTypeInitialized); got != 1 {
		t.Fatalf("expected one initialized event, got %d", got)
	}

	if err := env.engine.Initialize(adminAddr, "USDC"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeRejectsEmptyToken(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Initialize(adminAddr, "  "); err == nil {
		t.Fatal("expected error for empty token symbol")
	}
	if _, err := env.engine.Admin(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("failed initialize must not persist admin, got %v", err)
	}
}

func TestLockFunds(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)

	env.lock(t, 1, 1_000, 1_000)

	esc, err := env.engine.EscrowInfo(1)
	if err != nil {
		t.Fatalf("escrow info: %v", err)
	}
	if esc.Status != StatusLocked {
		t.Fatalf("expected Locked, got %s", esc.Status)
	}
	if esc.Amount.Cmp(big.NewInt(1_000)) != 0 || esc.Remaining.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected amounts: amount=%s remaining=%s", esc.Amount, esc.Remaining)
	}
	if esc.Depositor != depositorAddr {
		t.Fatalf("unexpected depositor: %x", esc.Depositor)
	}
	if env.balance(t, depositorAddr).Sign() != 0 {
		t.Fatalf("depositor should be drained, has %s", env.balance(t, depositorAddr))
	}
	vaultBalance, err := env.engine.Balance()
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if vaultBalance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("vault should hold 1000, has %s", vaultBalance)
	}
	if got := env.emitter.countType(EventTypeFundsLocked); got != 1 {
		t.Fatalf("expected one funds_locked event, got %d", got)
	}
}

func TestLockFundsValidation(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 10_000)
	env.lock(t, 1, 1_000, 1_000)

	cases := []struct {
		name     string
		bountyID uint64
		amount   *big.Int
		deadline int64
		want     error
	}{
		{"duplicate id", 1, big.NewInt(100), 1_000, ErrBountyExists},
		{"zero amount", 2, big.NewInt(0), 1_000, ErrInvalidAmount},
		{"negative amount", 2, big.NewInt(-5), 1_000, ErrInvalidAmount},
		{"nil amount", 2, nil, 1_000, ErrInvalidAmount},
		{"deadline in past", 2, big.NewInt(100), 50, ErrInvalidDeadline},
		{"deadline now", 2, big.NewInt(100), 100, ErrInvalidDeadline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.engine.LockFunds(depositorAddr, tc.bountyID, tc.amount, tc.deadline)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLockFundsRequiresInit(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, depositorAddr, 1_000)
	err := env.engine.LockFunds(depositorAddr, 1, big.NewInt(100), 1_000)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestLockFundsInsufficientBalanceRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 500)

	err := env.engine.LockFunds(depositorAddr, 1, big.NewInt(1_000), 1_000)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if env.balance(t, depositorAddr).Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("depositor balance changed on failed lock")
	}
	if _, err := env.engine.EscrowInfo(1); !errors.Is(err, ErrBountyNotFound) {
		t.Fatalf("failed lock must not leave a record, got %v", err)
	}
}

func TestLockFundsWithFee(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 10_000)

	rate := uint32(250) // 2.5%
	enabled := true
	update := FeeConfigUpdate{LockFeeRateBps: &rate, Recipient: &feeAddr, Enabled: &enabled}
	if err := env.engine.UpdateFeeConfig(adminAddr, update); err != nil {
		t.Fatalf("update fee config: %v", err)
	}

	env.lock(t, 1, 10_000, 1_000)

	esc, err := env.engine.EscrowInfo(1)
	if err != nil {
		t.Fatalf("escrow info: %v", err)
	}
	if esc.Amount.Cmp(big.NewInt(9_750)) != 0 {
		t.Fatalf("net amount should be 9750, got %s", esc.Amount)
	}
	if esc.Remaining.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("remaining seeds from gross, got %s", esc.Remaining)
	}
	if env.balance(t, feeAddr).Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("fee recipient should hold 250, has %s", env.balance(t, feeAddr))
	}
	if got := env.emitter.countType(EventTypeFeeCollected); got != 1 {
		t.Fatalf("expected one fee_collected event, got %d", got)
	}
}

func TestReleaseFunds(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)

	if err := env.engine.ReleaseFunds(adminAddr, 1, contributorAddr); err != nil {
		t.Fatalf("release funds: %v", err)
	}
	if env.balance(t, contributorAddr).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("contributor should hold 1000, has %s", env.balance(t, contributorAddr))
	}
	esc, err := env.engine.EscrowInfo(1)
	if err != nil {
		t.Fatalf("escrow info: %v", err)
	}
	if esc.Status != StatusReleased {
		t.Fatalf("expected Released, got %s", esc.Status)
	}
	if esc.Remaining.Sign() != 0 {
		t.Fatalf("remaining should be zero, got %s", esc.Remaining)
	}

	// Terminal: a second release must fail.
	if err := env.engine.ReleaseFunds(adminAddr, 1, contributorAddr); !errors.Is(err, ErrFundsNotLocked) {
		t.Fatalf("expected ErrFundsNotLocked, got %v", err)
	}
}

func TestReleaseFundsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)

	if err := env.engine.ReleaseFunds(otherAddr, 1, contributorAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if env.balance(t, contributorAddr).Sign() != 0 {
		t.Fatal("unauthorized release must not move funds")
	}
}

func TestReleaseFundsWithFee(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)

	rate := uint32(100) // 1%
	enabled := true
	update := FeeConfigUpdate{ReleaseFeeRateBps: &rate, Recipient: &feeAddr, Enabled: &enabled}
	if err := env.engine.UpdateFeeConfig(adminAddr, update); err != nil {
		t.Fatalf("update fee config: %v", err)
	}

	if err := env.engine.ReleaseFunds(adminAddr, 1, contributorAddr); err != nil {
		t.Fatalf("release funds: %v", err)
	}
	if env.balance(t, contributorAddr).Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("contributor should hold 990, has %s", env.balance(t, contributorAddr))
	}
	if env.balance(t, feeAddr).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("fee recipient should hold 10, has %s", env.balance(t, feeAddr))
	}
}

func TestRefundLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.clock.now = 0
	env.lock(t, 42, 1_000, 1_000)

	// Ahead of the deadline a full refund is rejected.
	env.clock.now = 500
	if err := env.engine.Refund(42, nil, nil, RefundFull); !errors.Is(err, ErrDeadlineNotPassed) {
		t.Fatalf("expected ErrDeadlineNotPassed, got %v", err)
	}

	// At the deadline a partial refund of 300 leaves 700 in custody.
	env.clock.now = 1_000
	if err := env.engine.Refund(42, big.NewInt(300), nil, RefundPartial); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	esc, err := env.engine.EscrowInfo(42)
	if err != nil {
		t.Fatalf("escrow info: %v", err)
	}
	if esc.Status != StatusPartiallyRefunded {
		t.Fatalf("expected PartiallyRefunded, got %s", esc.Status)
	}
	if esc.Remaining.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("remaining should be 700, got %s", esc.Remaining)
	}
	if env.balance(t, depositorAddr).Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("depositor should hold 300, has %s", env.balance(t, depositorAddr))
	}

	// Refunding the remainder drives the escrow terminal.
	if err := env.engine.Refund(42, big.NewInt(700), nil, RefundPartial); err != nil {
		t.Fatalf("final refund: %v", err)
	}
	esc, err = env.engine.EscrowInfo(42)
	if err != nil {
		t.Fatalf("escrow info: %v", err)
	}
	if esc.Status != StatusRefunded {
		t.Fatalf("expected Refunded, got %s", esc.Status)
	}
	if env.balance(t, depositorAddr).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("depositor should be whole again, has %s", env.balance(t, depositorAddr))
	}

	history, err := env.engine.RefundHistory(42)
	if err != nil {
		t.Fatalf("refund history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 refund records, got %d", len(history))
	}
	if history[0].Amount.Cmp(big.NewInt(300)) != 0 || history[1].Amount.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("unexpected history amounts: %s, %s", history[0].Amount, history[1].Amount)
	}

	// Terminal escrows cannot be released.
	if err := env.engine.ReleaseFunds(adminAddr, 42, contributorAddr); !errors.Is(err, ErrFundsNotLocked) {
		t.Fatalf("expected ErrFundsNotLocked, got %v", err)
	}
}

func TestRefundValidation(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)
	env.clock.now = 2_000

	if err := env.engine.Refund(1, big.NewInt(2_000), nil, RefundPartial); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("over-remaining refund: expected ErrInvalidAmount, got %v", err)
	}
	if err := env.engine.Refund(1, big.NewInt(0), nil, RefundPartial); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero refund: expected ErrInvalidAmount, got %v", err)
	}
	if err := env.engine.Refund(99, nil, nil, RefundFull); !errors.Is(err, ErrBountyNotFound) {
		t.Fatalf("unknown bounty: expected ErrBountyNotFound, got %v", err)
	}
	if err := env.engine.Refund(1, big.NewInt(100), nil, RefundMode(9)); err == nil {
		t.Fatal("invalid mode must be rejected")
	}
}

func TestCustomRefundRequiresApprovalBeforeDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.clock.now = 0
	env.lock(t, 7, 1_000, 1_000)
	env.clock.now = 100

	err := env.engine.Refund(7, big.NewInt(400), &otherAddr, RefundCustom)
	if !errors.Is(err, ErrRefundNotApproved) {
		t.Fatalf("expected ErrRefundNotApproved, got %v", err)
	}

	if err := env.engine.ApproveRefund(adminAddr, 7, big.NewInt(400), otherAddr, RefundCustom); err != nil {
		t.Fatalf("approve refund: %v", err)
	}

	// Mismatched amount does not consume the approval.
	err = env.engine.Refund(7, big.NewInt(500), &otherAddr, RefundCustom)
	if !errors.Is(err, ErrRefundNotApproved) {
		t.Fatalf("mismatched amount: expected ErrRefundNotApproved, got %v", err)
	}
	approval, err := env.engine.PendingApproval(7)
	if err != nil || approval == nil {
		t.Fatalf("approval should survive a mismatched refund, got %v, %v", approval, err)
	}

	if err := env.engine.Refund(7, big.NewInt(400), &otherAddr, RefundCustom); err != nil {
		t.Fatalf("approved refund: %v", err)
	}
	if env.balance(t, otherAddr).Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("custom recipient should hold 400, has %s", env.balance(t, otherAddr))
	}

	// Single use: the same refund fails once the approval is consumed.
	err = env.engine.Refund(7, big.NewInt(400), &otherAddr, RefundCustom)
	if !errors.Is(err, ErrRefundNotApproved) {
		t.Fatalf("expected consumed approval, got %v", err)
	}
	approval, err = env.engine.PendingApproval(7)
	if err != nil {
		t.Fatalf("pending approval: %v", err)
	}
	if approval != nil {
		t.Fatal("approval should be deleted after use")
	}
}

func TestCustomRefundAfterDeadlineNeedsNoApproval(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.clock.now = 0
	env.lock(t, 7, 1_000, 1_000)
	env.clock.now = 1_500

	if err := env.engine.Refund(7, big.NewInt(250), &otherAddr, RefundCustom); err != nil {
		t.Fatalf("custom refund after deadline: %v", err)
	}
	if env.balance(t, otherAddr).Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("custom recipient should hold 250, has %s", env.balance(t, otherAddr))
	}
}

func TestApproveRefundValidation(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)

	if err := env.engine.ApproveRefund(otherAddr, 1, big.NewInt(100), otherAddr, RefundCustom); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.ApproveRefund(adminAddr, 1, big.NewInt(2_000), otherAddr, RefundCustom); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := env.engine.ApproveRefund(adminAddr, 99, big.NewInt(100), otherAddr, RefundCustom); !errors.Is(err, ErrBountyNotFound) {
		t.Fatalf("expected ErrBountyNotFound, got %v", err)
	}
}

func TestApproveRefundOverwrites(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)

	if err := env.engine.ApproveRefund(adminAddr, 1, big.NewInt(100), otherAddr, RefundCustom); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if err := env.engine.ApproveRefund(adminAddr, 1, big.NewInt(200), otherAddr, RefundCustom); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	approval, err := env.engine.PendingApproval(1)
	if err != nil {
		t.Fatalf("pending approval: %v", err)
	}
	if approval == nil || approval.Amount.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("latest approval should win, got %+v", approval)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 2_000)
	env.lock(t, 1, 1_000, 1_000)

	if err := env.engine.Pause(adminAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := env.engine.Paused()
	if err != nil || !paused {
		t.Fatalf("module should be paused, got %v, %v", paused, err)
	}

	if err := env.engine.LockFunds(depositorAddr, 2, big.NewInt(100), 1_000); !errors.Is(err, ErrPaused) {
		t.Fatalf("lock while paused: expected ErrPaused, got %v", err)
	}
	if err := env.engine.ReleaseFunds(adminAddr, 1, contributorAddr); !errors.Is(err, ErrPaused) {
		t.Fatalf("release while paused: expected ErrPaused, got %v", err)
	}
	env.clock.now = 2_000
	if err := env.engine.Refund(1, nil, nil, RefundFull); !errors.Is(err, ErrPaused) {
		t.Fatalf("refund while paused: expected ErrPaused, got %v", err)
	}

	// Idempotent pause emits a single event.
	if err := env.engine.Pause(adminAddr); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if got := env.emitter.countType(EventTypePaused); got != 1 {
		t.Fatalf("expected one paused event, got %d", got)
	}

	if err := env.engine.Unpause(adminAddr); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := env.engine.Refund(1, nil, nil, RefundFull); err != nil {
		t.Fatalf("refund after unpause: %v", err)
	}
}

func TestPauseAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	if err := env.engine.Pause(otherAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)

	// Only available while paused.
	err := env.engine.EmergencyWithdraw(adminAddr, otherAddr)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized while running, got %v", err)
	}

	if err := env.engine.Pause(adminAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.engine.EmergencyWithdraw(otherAddr, otherAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin withdraw: expected ErrUnauthorized, got %v", err)
	}

	// Drains the entire vault in one call.
	if err := env.engine.EmergencyWithdraw(adminAddr, otherAddr); err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}
	if env.balance(t, otherAddr).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("recipient should hold 1000, has %s", env.balance(t, otherAddr))
	}
	vaultBalance, err := env.engine.Balance()
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if vaultBalance.Sign() != 0 {
		t.Fatalf("vault should be empty, has %s", vaultBalance)
	}
	if got := env.emitter.countType(EventTypeEmergencyWithdrawal); got != 1 {
		t.Fatalf("expected one emergency_withdrawal event, got %d", got)
	}
}

func TestEmergencyWithdrawEmptyVault(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	if err := env.engine.Pause(adminAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// An empty vault is a no-op success and emits nothing.
	if err := env.engine.EmergencyWithdraw(adminAddr, otherAddr); err != nil {
		t.Fatalf("withdraw from empty vault: %v", err)
	}
	if env.balance(t, otherAddr).Sign() != 0 {
		t.Fatalf("recipient should hold nothing, has %s", env.balance(t, otherAddr))
	}
	if got := env.emitter.countType(EventTypeEmergencyWithdrawal); got != 0 {
		t.Fatalf("expected no emergency_withdrawal event, got %d", got)
	}
}

func TestUpdateFeeConfig(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	rate := uint32(500)
	enabled := true
	update := FeeConfigUpdate{LockFeeRateBps: &rate, Recipient: &feeAddr, Enabled: &enabled}
	if err := env.engine.UpdateFeeConfig(adminAddr, update); err != nil {
		t.Fatalf("update fee config: %v", err)
	}
	cfg, err := env.engine.FeeConfig()
	if err != nil {
		t.Fatalf("fee config: %v", err)
	}
	if cfg.LockFeeRateBps != 500 || !cfg.Enabled || cfg.Recipient != feeAddr {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	// Partial update leaves the other fields alone.
	releaseRate := uint32(100)
	if err := env.engine.UpdateFeeConfig(adminAddr, FeeConfigUpdate{ReleaseFeeRateBps: &releaseRate}); err != nil {
		t.Fatalf("partial update: %v", err)
	}
	cfg, err = env.engine.FeeConfig()
	if err != nil {
		t.Fatalf("fee config: %v", err)
	}
	if cfg.LockFeeRateBps != 500 || cfg.ReleaseFeeRateBps != 100 {
		t.Fatalf("partial update clobbered fields: %+v", cfg)
	}

	over := uint32(1_001)
	if err := env.engine.UpdateFeeConfig(adminAddr, FeeConfigUpdate{LockFeeRateBps: &over}); !errors.Is(err, ErrInvalidFeeRate) {
		t.Fatalf("expected ErrInvalidFeeRate, got %v", err)
	}
	if err := env.engine.UpdateFeeConfig(otherAddr, FeeConfigUpdate{LockFeeRateBps: &rate}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestBatchLockFunds(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 3_000)

	items := []LockFundsItem{
		{BountyID: 1, Depositor: depositorAddr, Amount: big.NewInt(1_000), Deadline: 1_000},
		{BountyID: 2, Depositor: depositorAddr, Amount: big.NewInt(1_000), Deadline: 1_000},
		{BountyID: 3, Depositor: depositorAddr, Amount: big.NewInt(1_000), Deadline: 1_000},
	}
	if err := env.engine.BatchLockFunds(items); err != nil {
		t.Fatalf("batch lock: %v", err)
	}
	for _, id := range []uint64{1, 2, 3} {
		esc, err := env.engine.EscrowInfo(id)
		if err != nil {
			t.Fatalf("escrow %d: %v", id, err)
		}
		if esc.Status != StatusLocked {
			t.Fatalf("escrow %d not locked", id)
		}
	}
	if got := env.emitter.countType(EventTypeBatchLocked); got != 1 {
		t.Fatalf("expected one batch_locked event, got %d", got)
	}
	if got := env.emitter.countType(EventTypeFundsLocked); got != 3 {
		t.Fatalf("expected three funds_locked events, got %d", got)
	}
}

func TestBatchLockFundsAtomicity(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 2_500)

	// Third item exceeds the remaining balance; nothing may stick.
	items := []LockFundsItem{
		{BountyID: 1, Depositor: depositorAddr, Amount: big.NewInt(1_000), Deadline: 1_000},
		{BountyID: 2, Depositor: depositorAddr, Amount: big.NewInt(1_000), Deadline: 1_000},
		{BountyID: 3, Depositor: depositorAddr, Amount: big.NewInt(1_000), Deadline: 1_000},
	}
	err := env.engine.BatchLockFunds(items)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if env.balance(t, depositorAddr).Cmp(big.NewInt(2_500)) != 0 {
		t.Fatalf("failed batch must not move funds, balance %s", env.balance(t, depositorAddr))
	}
	for _, id := range []uint64{1, 2, 3} {
		if _, err := env.engine.EscrowInfo(id); !errors.Is(err, ErrBountyNotFound) {
			t.Fatalf("escrow %d should not exist, got %v", id, err)
		}
	}
}

func TestBatchLockFundsValidation(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 10_000)
	env.lock(t, 10, 1_000, 1_000)

	if err := env.engine.BatchLockFunds(nil); !errors.Is(err, ErrInvalidBatchSize) {
		t.Fatalf("empty batch: expected ErrInvalidBatchSize, got %v", err)
	}
	oversize := make([]LockFundsItem, MaxBatchSize+1)
	for i := range oversize {
		oversize[i] = LockFundsItem{BountyID: uint64(100 + i), Depositor: depositorAddr, Amount: big.NewInt(1), Deadline: 1_000}
	}
	if err := env.engine.BatchLockFunds(oversize); !errors.Is(err, ErrInvalidBatchSize) {
		t.Fatalf("oversize batch: expected ErrInvalidBatchSize, got %v", err)
	}

	dup := []LockFundsItem{
		{BountyID: 5, Depositor: depositorAddr, Amount: big.NewInt(100), Deadline: 1_000},
		{BountyID: 5, Depositor: depositorAddr, Amount: big.NewInt(100), Deadline: 1_000},
	}
	if err := env.engine.BatchLockFunds(dup); !errors.Is(err, ErrDuplicateBountyID) {
		t.Fatalf("duplicate ids: expected ErrDuplicateBountyID, got %v", err)
	}

	// Collision with an existing single lock fails the whole batch.
	collide := []LockFundsItem{
		{BountyID: 20, Depositor: depositorAddr, Amount: big.NewInt(100), Deadline: 1_000},
		{BountyID: 10, Depositor: depositorAddr, Amount: big.NewInt(100), Deadline: 1_000},
	}
	if err := env.engine.BatchLockFunds(collide); !errors.Is(err, ErrBountyExists) {
		t.Fatalf("expected ErrBountyExists, got %v", err)
	}
	if _, err := env.engine.EscrowInfo(20); !errors.Is(err, ErrBountyNotFound) {
		t.Fatalf("bounty 20 should not exist, got %v", err)
	}
}

func TestBatchReleaseFunds(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 2_000)
	env.lock(t, 1, 1_000, 1_000)
	env.lock(t, 2, 1_000, 1_000)

	items := []ReleaseFundsItem{
		{BountyID: 1, Contributor: contributorAddr},
		{BountyID: 2, Contributor: otherAddr},
	}
	if err := env.engine.BatchReleaseFunds(adminAddr, items); err != nil {
		t.Fatalf("batch release: %v", err)
	}
	if env.balance(t, contributorAddr).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("contributor should hold 1000, has %s", env.balance(t, contributorAddr))
	}
	if env.balance(t, otherAddr).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("second contributor should hold 1000, has %s", env.balance(t, otherAddr))
	}
}

func TestBatchReleaseFundsAtomicity(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 2_000)
	env.lock(t, 1, 1_000, 1_000)
	env.lock(t, 2, 1_000, 1_000)
	if err := env.engine.ReleaseFunds(adminAddr, 2, contributorAddr); err != nil {
		t.Fatalf("release: %v", err)
	}
	contribBefore := env.balance(t, contributorAddr)

	items := []ReleaseFundsItem{
		{BountyID: 1, Contributor: contributorAddr},
		{BountyID: 2, Contributor: contributorAddr}, // already released
	}
	err := env.engine.BatchReleaseFunds(adminAddr, items)
	if !errors.Is(err, ErrFundsNotLocked) {
		t.Fatalf("expected ErrFundsNotLocked, got %v", err)
	}
	if env.balance(t, contributorAddr).Cmp(contribBefore) != 0 {
		t.Fatal("failed batch release must not move funds")
	}
	esc, err := env.engine.EscrowInfo(1)
	if err != nil {
		t.Fatalf("escrow info: %v", err)
	}
	if esc.Status != StatusLocked {
		t.Fatalf("bounty 1 should still be locked, got %s", esc.Status)
	}
}

func TestBatchReleaseFundsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.lock(t, 1, 1_000, 1_000)

	items := []ReleaseFundsItem{{BountyID: 1, Contributor: contributorAddr}}
	if err := env.engine.BatchReleaseFunds(otherAddr, items); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRefundEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.clock.now = 0
	env.lock(t, 1, 1_000, 1_000)

	env.clock.now = 500
	elig, err := env.engine.CheckRefundEligibility(1)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if elig.CanRefund || elig.DeadlinePassed {
		t.Fatalf("should not be refundable yet: %+v", elig)
	}
	if elig.Remaining.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("remaining should be 1000, got %s", elig.Remaining)
	}

	if err := env.engine.ApproveRefund(adminAddr, 1, big.NewInt(100), otherAddr, RefundCustom); err != nil {
		t.Fatalf("approve: %v", err)
	}
	elig, err = env.engine.CheckRefundEligibility(1)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !elig.CanRefund || elig.Approval == nil {
		t.Fatalf("approval should enable refund: %+v", elig)
	}

	env.clock.now = 1_000
	elig, err = env.engine.CheckRefundEligibility(1)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !elig.CanRefund || !elig.DeadlinePassed {
		t.Fatalf("deadline should enable refund: %+v", elig)
	}
}

func TestConservation(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 10_000)

	rate := uint32(250)
	enabled := true
	if err := env.engine.UpdateFeeConfig(adminAddr, FeeConfigUpdate{LockFeeRateBps: &rate, ReleaseFeeRateBps: &rate, Recipient: &feeAddr, Enabled: &enabled}); err != nil {
		t.Fatalf("fee config: %v", err)
	}

	env.lock(t, 1, 4_000, 1_000)
	env.lock(t, 2, 4_000, 1_000)
	if err := env.engine.ReleaseFunds(adminAddr, 1, contributorAddr); err != nil {
		t.Fatalf("release: %v", err)
	}

	total := new(big.Int)
	for _, addr := range [][20]byte{depositorAddr, contributorAddr, feeAddr, VaultAddress()} {
		total.Add(total, env.balance(t, addr))
	}
	if total.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("value leaked: total %s", total)
	}
}

type deniedLimiter struct{}

func (deniedLimiter) Check([20]byte) error { return errors.New("rate limited") }

func TestRateLimiterGatesLocks(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)
	env.engine.SetRateLimiter(deniedLimiter{})

	if err := env.engine.LockFunds(depositorAddr, 1, big.NewInt(100), 1_000); err == nil {
		t.Fatal("limiter denial must block the lock")
	}
	if _, err := env.engine.EscrowInfo(1); !errors.Is(err, ErrBountyNotFound) {
		t.Fatalf("denied lock must not create state, got %v", err)
	}
}

type reentrantEmitter struct {
	engine *Engine
	err    error
	fired  bool
}

func (r *reentrantEmitter) Emit(events.Event) {
	if r.fired {
		return
	}
	r.fired = true
	r.err = r.engine.Refund(1, nil, nil, RefundFull)
}

func TestReentrancyGuard(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fund(t, depositorAddr, 1_000)

	emitter := &reentrantEmitter{engine: env.engine}
	env.engine.SetEmitter(emitter)
	env.lock(t, 1, 1_000, 1_000)

	if !emitter.fired {
		t.Fatal("hook did not run")
	}
	if !errors.Is(emitter.err, ErrReentrancy) {
		t.Fatalf("nested call should hit the guard, got %v", emitter.err)
	}
	// The guard releases on exit, so a later top-level call succeeds.
	env.clock.now = 2_000
	if err := env.engine.Refund(1, nil, nil, RefundFull); err != nil {
		t.Fatalf("refund after guard release: %v", err)
	}
}
