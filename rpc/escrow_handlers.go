package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"bountyescrow/native/escrow"
	"bountyescrow/native/ratelimit"
)

type lockFundsParams struct {
	Depositor string `json:"depositor"`
	BountyID  uint64 `json:"bountyId"`
	Amount    string `json:"amount"`
	Deadline  int64  `json:"deadline"`
}

type releaseFundsParams struct {
	Caller      string `json:"caller"`
	BountyID    uint64 `json:"bountyId"`
	Contributor string `json:"contributor"`
}

type refundParams struct {
	BountyID  uint64 `json:"bountyId"`
	Amount    string `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Mode      string `json:"mode"`
}

type approveRefundParams struct {
	Caller    string `json:"caller"`
	BountyID  uint64 `json:"bountyId"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Mode      string `json:"mode"`
}

type initializeParams struct {
	Admin string `json:"admin"`
	Token string `json:"token"`
}

type batchLockParams struct {
	Items []lockFundsParams `json:"items"`
}

type batchReleaseParams struct {
	Caller string `json:"caller"`
	Items  []struct {
		BountyID    uint64 `json:"bountyId"`
		Contributor string `json:"contributor"`
	} `json:"items"`
}

type feeConfigParams struct {
	Caller            string  `json:"caller"`
	LockFeeRateBps    *uint32 `json:"lockFeeRateBps,omitempty"`
	ReleaseFeeRateBps *uint32 `json:"releaseFeeRateBps,omitempty"`
	Recipient         *string `json:"recipient,omitempty"`
	Enabled           *bool   `json:"enabled,omitempty"`
}

type callerParams struct {
	Caller string `json:"caller"`
}

type withdrawParams struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

type bountyIDParams struct {
	BountyID uint64 `json:"bountyId"`
}

type refundRecordJSON struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Mode      string `json:"mode"`
	Timestamp int64  `json:"timestamp"`
}

type escrowJSON struct {
	BountyID      uint64             `json:"bountyId"`
	Depositor     string             `json:"depositor"`
	Amount        string             `json:"amount"`
	Remaining     string             `json:"remaining"`
	Status        string             `json:"status"`
	Deadline      int64              `json:"deadline"`
	CreatedAt     int64              `json:"createdAt"`
	RefundHistory []refundRecordJSON `json:"refundHistory"`
}

type eligibilityJSON struct {
	CanRefund      bool   `json:"canRefund"`
	DeadlinePassed bool   `json:"deadlinePassed"`
	Remaining      string `json:"remaining"`
	ApprovedAmount string `json:"approvedAmount,omitempty"`
	ApprovedTo     string `json:"approvedTo,omitempty"`
}

type feeConfigJSON struct {
	LockFeeRateBps    uint32 `json:"lockFeeRateBps"`
	ReleaseFeeRateBps uint32 `json:"releaseFeeRateBps"`
	Recipient         string `json:"recipient"`
	Enabled           bool   `json:"enabled"`
}

func parseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address: %w", err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address must be %d bytes", len(addr))
	}
	copy(addr[:], raw)
	return addr, nil
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func parseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must not be empty")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return value, nil
}

func parseMode(s string) (escrow.RefundMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return escrow.RefundFull, nil
	case "partial":
		return escrow.RefundPartial, nil
	case "custom":
		return escrow.RefundCustom, nil
	default:
		return 0, fmt.Errorf("invalid refund mode %q", s)
	}
}

func renderEscrow(esc *escrow.Escrow) escrowJSON {
	out := escrowJSON{
		BountyID:      esc.BountyID,
		Depositor:     formatAddress(esc.Depositor),
		Amount:        esc.Amount.String(),
		Remaining:     esc.Remaining.String(),
		Status:        esc.Status.String(),
		Deadline:      esc.Deadline,
		CreatedAt:     esc.CreatedAt,
		RefundHistory: make([]refundRecordJSON, 0, len(esc.RefundHistory)),
	}
	for _, rec := range esc.RefundHistory {
		out.RefundHistory = append(out.RefundHistory, refundRecordJSON{
			Amount:    rec.Amount.String(),
			Recipient: formatAddress(rec.Recipient),
			Mode:      rec.Mode.String(),
			Timestamp: rec.Timestamp,
		})
	}
	return out
}

// decodeParams enforces the single-object parameter convention used by every
// escrow method.
func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func invalidParams(w http.ResponseWriter, req *RPCRequest, err error) int {
	writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
	return http.StatusBadRequest
}

// writeEngineError maps engine sentinels to JSON-RPC error codes, returning
// the HTTP status written.
func writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) int {
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrBountyNotFound), errors.Is(err, escrow.ErrNotInitialized):
		status, code, message = http.StatusNotFound, codeNotFound, "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status, code, message = http.StatusForbidden, codeForbidden, "forbidden"
	case errors.Is(err, escrow.ErrAlreadyInitialized),
		errors.Is(err, escrow.ErrBountyExists),
		errors.Is(err, escrow.ErrDuplicateBountyID),
		errors.Is(err, escrow.ErrFundsNotLocked),
		errors.Is(err, escrow.ErrDeadlineNotPassed),
		errors.Is(err, escrow.ErrRefundNotApproved),
		errors.Is(err, escrow.ErrPaused),
		errors.Is(err, escrow.ErrReentrancy):
		status, code, message = http.StatusConflict, codeConflict, "conflict"
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidDeadline),
		errors.Is(err, escrow.ErrInvalidBatchSize),
		errors.Is(err, escrow.ErrInvalidFeeRate),
		errors.Is(err, escrow.ErrInsufficientFunds):
		status, code, message = http.StatusBadRequest, codeInvalidParams, "invalid_params"
	case errors.Is(err, ratelimit.ErrCooldownActive), errors.Is(err, ratelimit.ErrLimitExceeded):
		status, code, message = http.StatusTooManyRequests, codeRateLimited, "rate_limited"
	}
	writeError(w, status, req.ID, code, message, err.Error())
	return status
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params initializeParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	admin, err := parseAddress(params.Admin)
	if err != nil {
		return invalidParams(w, req, err)
	}
	if err := s.engine.Initialize(admin, params.Token); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"initialized": true})
	return http.StatusOK
}

func (s *Server) handleLockFunds(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params lockFundsParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	depositor, err := parseAddress(params.Depositor)
	if err != nil {
		return invalidParams(w, req, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return invalidParams(w, req, err)
	}
	if err := s.engine.LockFunds(depositor, params.BountyID, amount, params.Deadline); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]uint64{"bountyId": params.BountyID})
	return http.StatusOK
}

func (s *Server) handleReleaseFunds(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params releaseFundsParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req, err)
	}
	contributor, err := parseAddress(params.Contributor)
	if err != nil {
		return invalidParams(w, req, err)
	}
	if err := s.engine.ReleaseFunds(caller, params.BountyID, contributor); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]uint64{"bountyId": params.BountyID})
	return http.StatusOK
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	var params refundParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	mode, err := parseMode(params.Mode)
	if err != nil {
		return invalidParams(w, req, err)
	}
	var amount *big.Int
	if params.Amount != "" {
		amount, err = parseAmount(params.Amount)
		if err != nil {
			return invalidParams(w, req, err)
		}
	}
	var recipient *[20]byte
	if params.Recipient != "" {
		addr, err := parseAddress(params.Recipient)
		if err != nil {
			return invalidParams(w, req, err)
		}
		recipient = &addr
	}
	if err := s.engine.Refund(params.BountyID, amount, recipient, mode); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]uint64{"bountyId": params.BountyID})
	return http.StatusOK
}

func (s *Server) handleApproveRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params approveRefundParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req, err)
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		return invalidParams(w, req, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return invalidParams(w, req, err)
	}
	mode, err := parseMode(params.Mode)
	if err != nil {
		return invalidParams(w, req, err)
	}
	if err := s.engine.ApproveRefund(caller, params.BountyID, amount, recipient, mode); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]uint64{"bountyId": params.BountyID})
	return http.StatusOK
}

func (s *Server) handleBatchLockFunds(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params batchLockParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	items := make([]escrow.LockFundsItem, 0, len(params.Items))
	for i, item := range params.Items {
		depositor, err := parseAddress(item.Depositor)
		if err != nil {
			return invalidParams(w, req, fmt.Errorf("item %d: %w", i, err))
		}
		amount, err := parseAmount(item.Amount)
		if err != nil {
			return invalidParams(w, req, fmt.Errorf("item %d: %w", i, err))
		}
		items = append(items, escrow.LockFundsItem{
			BountyID:  item.BountyID,
			Depositor: depositor,
			Amount:    amount,
			Deadline:  item.Deadline,
		})
	}
	if err := s.engine.BatchLockFunds(items); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]int{"locked": len(items)})
	return http.StatusOK
}

func (s *Server) handleBatchReleaseFunds(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params batchReleaseParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req, err)
	}
	items := make([]escrow.ReleaseFundsItem, 0, len(params.Items))
	for i, item := range params.Items {
		contributor, err := parseAddress(item.Contributor)
		if err != nil {
			return invalidParams(w, req, fmt.Errorf("item %d: %w", i, err))
		}
		items = append(items, escrow.ReleaseFundsItem{
			BountyID:    item.BountyID,
			Contributor: contributor,
		})
	}
	if err := s.engine.BatchReleaseFunds(caller, items); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]int{"released": len(items)})
	return http.StatusOK
}

func (s *Server) handleUpdateFeeConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params feeConfigParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req, err)
	}
	update := escrow.FeeConfigUpdate{
		LockFeeRateBps:    params.LockFeeRateBps,
		ReleaseFeeRateBps: params.ReleaseFeeRateBps,
		Enabled:           params.Enabled,
	}
	if params.Recipient != nil {
		recipient, err := parseAddress(*params.Recipient)
		if err != nil {
			return invalidParams(w, req, err)
		}
		update.Recipient = &recipient
	}
	if err := s.engine.UpdateFeeConfig(caller, update); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"updated": true})
	return http.StatusOK
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	return s.handlePauseSwitch(w, r, req, true)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	return s.handlePauseSwitch(w, r, req, false)
}

func (s *Server) handlePauseSwitch(w http.ResponseWriter, r *http.Request, req *RPCRequest, pause bool) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params callerParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req, err)
	}
	if pause {
		err = s.engine.Pause(caller)
	} else {
		err = s.engine.Unpause(caller)
	}
	if err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"paused": pause})
	return http.StatusOK
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	var params withdrawParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req, err)
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		return invalidParams(w, req, err)
	}
	if err := s.engine.EmergencyWithdraw(caller, recipient); err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"withdrawn": true})
	return http.StatusOK
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params bountyIDParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	esc, err := s.engine.EscrowInfo(params.BountyID)
	if err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, renderEscrow(esc))
	return http.StatusOK
}

func (s *Server) handleGetRefundHistory(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params bountyIDParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	history, err := s.engine.RefundHistory(params.BountyID)
	if err != nil {
		return writeEngineError(w, req, err)
	}
	out := make([]refundRecordJSON, 0, len(history))
	for _, rec := range history {
		out = append(out, refundRecordJSON{
			Amount:    rec.Amount.String(),
			Recipient: formatAddress(rec.Recipient),
			Mode:      rec.Mode.String(),
			Timestamp: rec.Timestamp,
		})
	}
	writeResult(w, req.ID, out)
	return http.StatusOK
}

func (s *Server) handleCheckRefundEligibility(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params bountyIDParams
	if err := decodeParams(req, &params); err != nil {
		return invalidParams(w, req, err)
	}
	elig, err := s.engine.CheckRefundEligibility(params.BountyID)
	if err != nil {
		return writeEngineError(w, req, err)
	}
	out := eligibilityJSON{
		CanRefund:      elig.CanRefund,
		DeadlinePassed: elig.DeadlinePassed,
		Remaining:      elig.Remaining.String(),
	}
	if elig.Approval != nil {
		out.ApprovedAmount = elig.Approval.Amount.String()
		out.ApprovedTo = formatAddress(elig.Approval.Recipient)
	}
	writeResult(w, req.ID, out)
	return http.StatusOK
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	balance, err := s.engine.Balance()
	if err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
	return http.StatusOK
}

func (s *Server) handleGetFeeConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	cfg, err := s.engine.FeeConfig()
	if err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, feeConfigJSON{
		LockFeeRateBps:    cfg.LockFeeRateBps,
		ReleaseFeeRateBps: cfg.ReleaseFeeRateBps,
		Recipient:         formatAddress(cfg.Recipient),
		Enabled:           cfg.Enabled,
	})
	return http.StatusOK
}

func (s *Server) handleIsPaused(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	paused, err := s.engine.Paused()
	if err != nil {
		return writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"paused": paused})
	return http.StatusOK
}
