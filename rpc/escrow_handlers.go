package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"cylo/crypto"
	"cylo/native/escrow"
	"cylo/observability"
)

// signerGate is the Authorizer installed on the engine. A principal is granted
// for exactly one invocation, under the server's engine mutex, after its
// request signature recovered to the same address. Without a grant every
// Require fails, so the engine can never be driven on behalf of an unverified
// principal.
type signerGate struct {
	mu      sync.Mutex
	active  bool
	granted [20]byte
}

func newSignerGate() *signerGate {
	return &signerGate{}
}

// Require implements escrow.Authorizer.
func (g *signerGate) Require(principal [20]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || g.granted != principal {
		return errors.New("principal did not sign this request")
	}
	return nil
}

func (g *signerGate) grant(principal [20]byte) {
	g.mu.Lock()
	g.active = true
	g.granted = principal
	g.mu.Unlock()
}

func (g *signerGate) reset() {
	g.mu.Lock()
	g.active = false
	g.granted = [20]byte{}
	g.mu.Unlock()
}

var errNonceReplayed = errors.New("nonce already used for this principal")

const nonceKeyPrefix = "rpc/nonce/"

// consumeNonce enforces a strictly increasing nonce per principal, persisted
// in the ledger so a restart cannot reopen old signatures. Must be called
// under engineMu.
func (s *Server) consumeNonce(principal [20]byte, nonce uint64) error {
	key := []byte(fmt.Sprintf("%s%x", nonceKeyPrefix, principal))
	var last uint64
	if _, err := s.ledger.KVGet(key, &last); err != nil {
		return fmt.Errorf("load nonce record: %w", err)
	}
	if nonce <= last {
		return errNonceReplayed
	}
	return s.ledger.KVPut(key, nonce)
}

// withSigner serializes one engine invocation on behalf of a verified
// principal. The nonce is consumed before the invocation runs, so a replayed
// request fails even when the first attempt errored inside the engine.
func (s *Server) withSigner(principal [20]byte, nonce uint64, fn func() error) error {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	if err := s.consumeNonce(principal, nonce); err != nil {
		return err
	}
	s.gate.grant(principal)
	defer s.gate.reset()
	return fn()
}

// withEngine serializes one engine invocation that carries no principal, such
// as the permissionless refund paths and the read-only queries.
func (s *Server) withEngine(fn func() error) error {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	return fn()
}

type initializeParams struct {
	Admin     string `json:"admin"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type createOrderParams struct {
	Buyer     string `json:"buyer"`
	Farmer    string `json:"farmer"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Metadata  string `json:"metadata,omitempty"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type confirmReceiptParams struct {
	Buyer     string `json:"buyer"`
	OrderID   uint32 `json:"orderId"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type refundOrderParams struct {
	OrderID uint32 `json:"orderId"`
}

type refundExpiredParams struct {
	StartID uint32 `json:"startId"`
	Limit   uint32 `json:"limit"`
}

type orderIDParams struct {
	OrderID uint32 `json:"orderId"`
}

type principalParams struct {
	Address string `json:"address"`
}

type balanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type orderResult struct {
	ID        uint32 `json:"id"`
	Buyer     string `json:"buyer"`
	Farmer    string `json:"farmer"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
	ExpiresAt uint64 `json:"expiresAt"`
	Confirmed bool   `json:"confirmed"`
	Refunded  bool   `json:"refunded"`
	Metadata  string `json:"metadata,omitempty"`
}

type statusResult struct {
	IsConfirmed   bool   `json:"isConfirmed"`
	IsRefunded    bool   `json:"isRefunded"`
	IsExpired     bool   `json:"isExpired"`
	TimeRemaining uint64 `json:"timeRemaining"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object, got %d", len(req.Params))
	}
	decoder := json.NewDecoder(strings.NewReader(string(req.Params[0])))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid params payload: %w", err)
	}
	return nil
}

func parseAddress(field, value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("%s address required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid %s address: %w", field, err)
	}
	return addr.Array(), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", trimmed)
	}
	return amount, nil
}

// verifySigner recovers the signer of the canonical payload and checks it is
// the claimed principal. The payload is the method name, the network name, the
// nonce and the request fields joined with "|", exactly as the client signed
// them; binding network and nonce into the digest keeps a captured signature
// from being replayed here or presented to another ledger instance.
func verifySigner(claimed [20]byte, signature string, payload ...string) error {
	sigHex := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if sigHex == "" {
		return errors.New("signature required")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("signature must be hex encoded: %w", err)
	}
	recovered, err := crypto.RecoverAddress([]byte(strings.Join(payload, "|")), sig)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if recovered.Array() != claimed {
		return errors.New("signature does not match the claimed principal")
	}
	return nil
}

func formatNonce(nonce uint64) string {
	return strconv.FormatUint(nonce, 10)
}

// writeSignedError extends the engine error mapping with the nonce-replay
// rejection surfaced by the signed write paths.
func writeSignedError(w http.ResponseWriter, id interface{}, err error) {
	if errors.Is(err, errNonceReplayed) {
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "unauthorized", err.Error())
		return
	}
	writeEscrowError(w, id, err)
}

func (s *Server) handleInitialize(w http.ResponseWriter, req *RPCRequest) {
	var params initializeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	admin, err := parseAddress("admin", params.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	if params.Nonce == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", "nonce required")
		return
	}
	if err := verifySigner(admin, params.Signature,
		"escrow_initialize", s.network, formatNonce(params.Nonce), params.Admin); err != nil {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "unauthorized", err.Error())
		return
	}
	if err := s.withSigner(admin, params.Nonce, func() error {
		return s.engine.Initialize(admin)
	}); err != nil {
		writeSignedError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"admin": params.Admin, "initialized": true})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, req *RPCRequest) {
	var params createOrderParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	buyer, err := parseAddress("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	farmer, err := parseAddress("farmer", params.Farmer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	if params.Nonce == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", "nonce required")
		return
	}
	if err := verifySigner(buyer, params.Signature,
		"escrow_createOrder", s.network, formatNonce(params.Nonce),
		params.Buyer, params.Farmer, params.Token, params.Amount, params.Metadata); err != nil {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "unauthorized", err.Error())
		return
	}
	var orderID uint32
	if err := s.withSigner(buyer, params.Nonce, func() error {
		id, createErr := s.engine.CreateOrder(buyer, farmer, params.Token, amount, params.Metadata)
		orderID = id
		return createErr
	}); err != nil {
		writeSignedError(w, req.ID, err)
		return
	}
	observability.EscrowMetrics().RecordTransition("created")
	writeResult(w, req.ID, map[string]interface{}{"orderId": orderID})
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, req *RPCRequest) {
	var params confirmReceiptParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	buyer, err := parseAddress("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	if params.OrderID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", "orderId required")
		return
	}
	if params.Nonce == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", "nonce required")
		return
	}
	if err := verifySigner(buyer, params.Signature,
		"escrow_confirmReceipt", s.network, formatNonce(params.Nonce),
		params.Buyer, fmt.Sprintf("%d", params.OrderID)); err != nil {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "unauthorized", err.Error())
		return
	}
	if err := s.withSigner(buyer, params.Nonce, func() error {
		return s.engine.ConfirmReceipt(buyer, params.OrderID)
	}); err != nil {
		writeSignedError(w, req.ID, err)
		return
	}
	observability.EscrowMetrics().RecordTransition("confirmed")
	writeResult(w, req.ID, map[string]interface{}{"orderId": params.OrderID, "confirmed": true})
}

func (s *Server) handleRefundOrder(w http.ResponseWriter, req *RPCRequest) {
	var params refundOrderParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	if params.OrderID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", "orderId required")
		return
	}
	if err := s.withEngine(func() error {
		return s.engine.RefundOrder(params.OrderID)
	}); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	observability.EscrowMetrics().RecordTransition("refunded")
	writeResult(w, req.ID, map[string]interface{}{"orderId": params.OrderID, "refunded": true})
}

func (s *Server) handleRefundExpiredOrders(w http.ResponseWriter, req *RPCRequest) {
	var params refundExpiredParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	var refunded uint32
	if err := s.withEngine(func() error {
		count, sweepErr := s.engine.RefundExpiredOrders(params.StartID, params.Limit)
		refunded = count
		return sweepErr
	}); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	observability.EscrowMetrics().RecordSweep(refunded)
	writeResult(w, req.ID, map[string]interface{}{"refunded": refunded})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, req *RPCRequest) {
	var params orderIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	var order *escrow.Order
	if err := s.withEngine(func() error {
		loaded, loadErr := s.engine.OrderDetails(params.OrderID)
		order = loaded
		return loadErr
	}); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderOrder(order))
}

func (s *Server) handleGetOrderStatus(w http.ResponseWriter, req *RPCRequest) {
	var params orderIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	var status *escrow.OrderStatus
	if err := s.withEngine(func() error {
		loaded, loadErr := s.engine.Status(params.OrderID)
		status = loaded
		return loadErr
	}); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult{
		IsConfirmed:   status.IsConfirmed,
		IsRefunded:    status.IsRefunded,
		IsExpired:     status.IsExpired,
		TimeRemaining: status.TimeRemaining,
	})
}

func (s *Server) handleGetOrdersByBuyer(w http.ResponseWriter, req *RPCRequest) {
	s.handleOrderIndex(w, req, s.engine.OrdersByBuyer)
}

func (s *Server) handleGetOrdersByFarmer(w http.ResponseWriter, req *RPCRequest) {
	s.handleOrderIndex(w, req, s.engine.OrdersByFarmer)
}

func (s *Server) handleOrderIndex(w http.ResponseWriter, req *RPCRequest, lookup func([20]byte) ([]uint32, error)) {
	var params principalParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	principal, err := parseAddress("principal", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	var ids []uint32
	if err := s.withEngine(func() error {
		loaded, loadErr := lookup(principal)
		ids = loaded
		return loadErr
	}); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	if ids == nil {
		ids = []uint32{}
	}
	writeResult(w, req.ID, map[string]interface{}{"orderIds": ids})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	account, err := parseAddress("account", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	var balance *big.Int
	if err := s.withEngine(func() error {
		loaded, loadErr := s.ledger.BalanceOf(params.Token, account)
		balance = loaded
		return loadErr
	}); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid params", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"token": params.Token, "balance": balance.String()})
}

func renderOrder(order *escrow.Order) orderResult {
	amount := "0"
	if order.Amount != nil {
		amount = order.Amount.String()
	}
	return orderResult{
		ID:        order.ID,
		Buyer:     crypto.NewAddress(crypto.CyloPrefix, order.Buyer[:]).String(),
		Farmer:    crypto.NewAddress(crypto.CyloPrefix, order.Farmer[:]).String(),
		Token:     order.Token,
		Amount:    amount,
		Timestamp: order.Timestamp,
		ExpiresAt: order.ExpiresAt(),
		Confirmed: order.Confirmed,
		Refunded:  order.Refunded,
		Metadata:  order.Metadata,
	}
}
