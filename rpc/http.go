package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bountyescrow/native/escrow"
	"bountyescrow/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32022
	codeForbidden      = -32023
	codeConflict       = -32024
	codeRateLimited    = -32029
)

// Server exposes the escrow engine over JSON-RPC.
type Server struct {
	engine    *escrow.Engine
	logger    *slog.Logger
	authToken string
	limiter   *clientLimiter
	metrics   *observability.EscrowMetrics
}

// ServerConfig carries the transport settings for NewServer.
type ServerConfig struct {
	AuthToken         string
	RequestsPerSecond float64
	Burst             int
}

func NewServer(engine *escrow.Engine, logger *slog.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		logger:    logger,
		authToken: strings.TrimSpace(cfg.AuthToken),
		limiter:   newClientLimiter(cfg.RequestsPerSecond, cfg.Burst),
		metrics:   observability.Metrics(),
	}
}

// Router builds the HTTP handler: the JSON-RPC endpoint at the root plus
// health and metrics endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// Start serves the router on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status > 0 && status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !s.limiter.Allow(r) {
		s.metrics.Throttled("http")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limited", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
		return
	}

	status := s.dispatch(w, r, &req)
	s.metrics.Observe(req.Method, status, time.Since(start))
}

// dispatch routes the request to its handler and returns the HTTP status the
// handler wrote, for metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return http.StatusNotFound
	}
	return handler(w, r, req)
}

type methodHandler func(http.ResponseWriter, *http.Request, *RPCRequest) int

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"escrow_initialize":             s.handleInitialize,
		"escrow_lockFunds":              s.handleLockFunds,
		"escrow_releaseFunds":           s.handleReleaseFunds,
		"escrow_refund":                 s.handleRefund,
		"escrow_approveRefund":          s.handleApproveRefund,
		"escrow_batchLockFunds":         s.handleBatchLockFunds,
		"escrow_batchReleaseFunds":      s.handleBatchReleaseFunds,
		"escrow_updateFeeConfig":        s.handleUpdateFeeConfig,
		"escrow_pause":                  s.handlePause,
		"escrow_unpause":                s.handleUnpause,
		"escrow_emergencyWithdraw":      s.handleEmergencyWithdraw,
		"escrow_getEscrow":              s.handleGetEscrow,
		"escrow_getRefundHistory":       s.handleGetRefundHistory,
		"escrow_checkRefundEligibility": s.handleCheckRefundEligibility,
		"escrow_getBalance":             s.handleGetBalance,
		"escrow_getFeeConfig":           s.handleGetFeeConfig,
		"escrow_isPaused":               s.handleIsPaused,
	}
}
