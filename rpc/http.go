package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"cylo/core/events"
	"cylo/core/state"
	"cylo/native/escrow"
	"cylo/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	requestsPerSec  = 10
	requestBurst    = 20
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowTransfer      = -32025
)

// Server exposes the escrow engine over a JSON-RPC 2.0 surface. Engine
// invocations are serialized behind engineMu so each operation observes and
// commits a consistent storage snapshot.
type Server struct {
	engine      *escrow.Engine
	ledger      *state.Manager
	broadcaster *events.Broadcaster
	logger      *slog.Logger
	authToken   string
	network     string

	engineMu sync.Mutex
	gate     *signerGate

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer wires the RPC surface around the engine. The bearer token guards
// the authenticated write methods; network is bound into every signed request
// preimage so signatures cannot cross ledger instances; the broadcaster feeds
// the websocket event stream and may be nil when streaming is not wanted.
func NewServer(engine *escrow.Engine, ledger *state.Manager, broadcaster *events.Broadcaster, logger *slog.Logger, authToken, network string) *Server {
	gate := newSignerGate()
	engine.SetAuthorizer(gate)
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:      engine,
		ledger:      ledger,
		broadcaster: broadcaster,
		logger:      logger,
		authToken:   strings.TrimSpace(authToken),
		network:     strings.TrimSpace(network),
		gate:        gate,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Start serves requests until ctx is cancelled, then drains in-flight
// connections.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("JSON-RPC server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
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

// statusRecorder captures the status code written to the response so request
// metrics can be labelled after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := uuid.NewString()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = recorder

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if !s.allowSource(clientSource(r)) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	defer func() {
		observability.RPCMetrics().Observe(req.Method, recorder.status, time.Since(started))
		s.logger.Debug("rpc request",
			slog.String("request_id", requestID),
			slog.String("method", req.Method),
			slog.Int("status", recorder.status),
			slog.Duration("elapsed", time.Since(started)),
		)
	}()

	switch req.Method {
	case "escrow_initialize":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleInitialize(w, req)
	case "escrow_createOrder":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleCreateOrder(w, req)
	case "escrow_confirmReceipt":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleConfirmReceipt(w, req)
	case "escrow_refundOrder":
		s.handleRefundOrder(w, req)
	case "escrow_refundExpiredOrders":
		s.handleRefundExpiredOrders(w, req)
	case "escrow_getOrder":
		s.handleGetOrder(w, req)
	case "escrow_getOrderStatus":
		s.handleGetOrderStatus(w, req)
	case "escrow_getOrdersByBuyer":
		s.handleGetOrdersByBuyer(w, req)
	case "escrow_getOrdersByFarmer":
		s.handleGetOrdersByFarmer(w, req)
	case "escrow_getBalance":
		s.handleGetBalance(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), requestBurst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeEscrowError maps the engine's error taxonomy onto RPC status codes.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_input", err.Error())
	case errors.Is(err, escrow.ErrInvalidOrderID):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "invalid_order_id", err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "unauthorized", err.Error())
	case errors.Is(err, escrow.ErrAlreadyInitialized),
		errors.Is(err, escrow.ErrNotInitialized),
		errors.Is(err, escrow.ErrAlreadyProcessed),
		errors.Is(err, escrow.ErrNotExpired):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", err.Error())
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusUnprocessableEntity, id, codeEscrowTransfer, "transfer_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", err.Error())
	}
}
