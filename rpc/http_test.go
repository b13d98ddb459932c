package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cylo/core/events"
	"cylo/core/state"
	"cylo/crypto"
	"cylo/native/escrow"
	"cylo/storage"
)

const (
	testToken   = "test-rpc-token"
	testNetwork = "cylo-testnet"
)

type testServer struct {
	server  *Server
	http    *httptest.Server
	manager *state.Manager
	now     int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := storage.NewMemDB()
	manager := state.NewManager(db)

	engine := escrow.NewEngine()
	engine.SetStore(escrow.NewStore(manager))
	engine.SetTokenMover(manager)

	env := &testServer{manager: manager, now: 1_700_000_000}
	engine.SetNowFunc(func() int64 { return env.now })

	broadcaster := events.NewBroadcaster()
	engine.SetEmitter(broadcaster)

	srv := NewServer(engine, manager, broadcaster, nil, testToken, testNetwork)
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handle)
	mux.HandleFunc("/ws/events", srv.handleEventsWS)

	env.server = srv
	env.http = httptest.NewServer(mux)
	t.Cleanup(env.http.Close)
	return env
}

func (ts *testServer) call(t *testing.T, authed bool, method string, params interface{}) (*http.Response, RPCResponse) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.http.URL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	return resp, rpcResp
}

func decodeResult(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

type signer struct {
	key   *crypto.PrivateKey
	addr  crypto.Address
	nonce uint64
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &signer{key: key, addr: key.PubKey().Address()}
}

func (s *signer) nextNonce() uint64 {
	s.nonce++
	return s.nonce
}

// sign produces the canonical signature for method|network|nonce|fields.
func (s *signer) sign(t *testing.T, method string, nonce uint64, fields ...string) string {
	t.Helper()
	payload := append([]string{method, testNetwork, fmt.Sprintf("%d", nonce)}, fields...)
	sig, err := s.key.Sign([]byte(strings.Join(payload, "|")))
	require.NoError(t, err)
	return hex.EncodeToString(sig)
}

func (s *signer) initializeParams(t *testing.T) map[string]interface{} {
	t.Helper()
	nonce := s.nextNonce()
	return map[string]interface{}{
		"admin":     s.addr.String(),
		"nonce":     nonce,
		"signature": s.sign(t, "escrow_initialize", nonce, s.addr.String()),
	}
}

func (s *signer) createOrderParams(t *testing.T, farmer *signer, token, amount string) map[string]interface{} {
	t.Helper()
	nonce := s.nextNonce()
	return map[string]interface{}{
		"buyer":     s.addr.String(),
		"farmer":    farmer.addr.String(),
		"token":     token,
		"amount":    amount,
		"nonce":     nonce,
		"signature": s.sign(t, "escrow_createOrder", nonce, s.addr.String(), farmer.addr.String(), token, amount, ""),
	}
}

func (s *signer) confirmReceiptParams(t *testing.T, orderID uint32) map[string]interface{} {
	t.Helper()
	nonce := s.nextNonce()
	return map[string]interface{}{
		"buyer":     s.addr.String(),
		"orderId":   orderID,
		"nonce":     nonce,
		"signature": s.sign(t, "escrow_confirmReceipt", nonce, s.addr.String(), fmt.Sprintf("%d", orderID)),
	}
}

func (ts *testServer) fund(t *testing.T, addr crypto.Address, token string, amount int64) {
	t.Helper()
	require.NoError(t, ts.manager.Mint(token, addr.Array(), big.NewInt(amount)))
}

func (ts *testServer) createOrder(t *testing.T, buyer, farmer *signer, token, amount string) uint32 {
	t.Helper()
	resp, rpcResp := ts.call(t, true, "escrow_createOrder", buyer.createOrderParams(t, farmer, token, amount))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)
	var result struct {
		OrderID uint32 `json:"orderId"`
	}
	decodeResult(t, rpcResp, &result)
	return result.OrderID
}

func TestWriteMethodsRequireBearerToken(t *testing.T) {
	ts := newTestServer(t)
	s := newSigner(t)
	resp, rpcResp := ts.call(t, false, "escrow_initialize", s.initializeParams(t))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, rpcResp.Error)
	require.Equal(t, codeUnauthorized, rpcResp.Error.Code)
}

func TestUnknownMethodRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, rpcResp := ts.call(t, false, "escrow_selfDestruct", map[string]interface{}{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, codeMethodNotFound, rpcResp.Error.Code)
}

func TestInitializeExactlyOnce(t *testing.T) {
	ts := newTestServer(t)
	admin := newSigner(t)

	resp, rpcResp := ts.call(t, true, "escrow_initialize", admin.initializeParams(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	resp, rpcResp = ts.call(t, true, "escrow_initialize", admin.initializeParams(t))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, codeEscrowConflict, rpcResp.Error.Code)
}

func TestInitializeRejectsForeignSignature(t *testing.T) {
	ts := newTestServer(t)
	admin := newSigner(t)
	impostor := newSigner(t)
	params := map[string]interface{}{
		"admin":     admin.addr.String(),
		"nonce":     1,
		"signature": impostor.sign(t, "escrow_initialize", 1, admin.addr.String()),
	}
	resp, rpcResp := ts.call(t, true, "escrow_initialize", params)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, codeEscrowForbidden, rpcResp.Error.Code)
}

func TestCreateOrderLifecycle(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)

	id := ts.createOrder(t, buyer, farmer, "USDC", "200")
	require.Equal(t, uint32(1), id)

	_, rpcResp := ts.call(t, false, "escrow_getOrder", map[string]interface{}{"orderId": id})
	require.Nil(t, rpcResp.Error)
	var order orderResult
	decodeResult(t, rpcResp, &order)
	require.Equal(t, buyer.addr.String(), order.Buyer)
	require.Equal(t, farmer.addr.String(), order.Farmer)
	require.Equal(t, "200", order.Amount)
	require.False(t, order.Confirmed)
	require.False(t, order.Refunded)
	require.Equal(t, order.Timestamp+escrow.ExpirationPeriod, order.ExpiresAt)

	_, rpcResp = ts.call(t, false, "escrow_getBalance", map[string]interface{}{
		"address": buyer.addr.String(),
		"token":   "USDC",
	})
	require.Nil(t, rpcResp.Error)
	var balance struct {
		Balance string `json:"balance"`
	}
	decodeResult(t, rpcResp, &balance)
	require.Equal(t, "300", balance.Balance)
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 10)

	resp, rpcResp := ts.call(t, true, "escrow_createOrder", buyer.createOrderParams(t, farmer, "USDC", "200"))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, codeEscrowTransfer, rpcResp.Error.Code)
}

func TestConfirmReceiptPaysFarmer(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)
	id := ts.createOrder(t, buyer, farmer, "USDC", "200")

	resp, rpcResp := ts.call(t, true, "escrow_confirmReceipt", buyer.confirmReceiptParams(t, id))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	got, err := ts.manager.BalanceOf("USDC", farmer.addr.Array())
	require.NoError(t, err)
	require.Equal(t, "200", got.String())

	resp, rpcResp = ts.call(t, true, "escrow_confirmReceipt", buyer.confirmReceiptParams(t, id))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, codeEscrowConflict, rpcResp.Error.Code)
}

func TestConfirmReceiptOnlyBuyerMaySettle(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)
	id := ts.createOrder(t, buyer, farmer, "USDC", "200")

	resp, rpcResp := ts.call(t, true, "escrow_confirmReceipt", farmer.confirmReceiptParams(t, id))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, codeEscrowForbidden, rpcResp.Error.Code)
}

func TestRefundOrderBeforeExpiryConflicts(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)
	id := ts.createOrder(t, buyer, farmer, "USDC", "200")

	resp, rpcResp := ts.call(t, false, "escrow_refundOrder", map[string]interface{}{"orderId": id})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, codeEscrowConflict, rpcResp.Error.Code)
}

func TestRefundExpiredOrdersSweep(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)
	ts.createOrder(t, buyer, farmer, "USDC", "200")
	ts.createOrder(t, buyer, farmer, "USDC", "300")

	ts.now += int64(escrow.ExpirationPeriod)

	_, rpcResp := ts.call(t, false, "escrow_refundExpiredOrders", map[string]interface{}{
		"startId": 1,
		"limit":   10,
	})
	require.Nil(t, rpcResp.Error)
	var result struct {
		Refunded uint32 `json:"refunded"`
	}
	decodeResult(t, rpcResp, &result)
	require.Equal(t, uint32(2), result.Refunded)

	got, err := ts.manager.BalanceOf("USDC", buyer.addr.Array())
	require.NoError(t, err)
	require.Equal(t, "500", got.String())
}

func TestGetOrderStatusTracksExpiry(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)
	id := ts.createOrder(t, buyer, farmer, "USDC", "200")

	_, rpcResp := ts.call(t, false, "escrow_getOrderStatus", map[string]interface{}{"orderId": id})
	require.Nil(t, rpcResp.Error)
	var status statusResult
	decodeResult(t, rpcResp, &status)
	require.False(t, status.IsExpired)
	require.Equal(t, escrow.ExpirationPeriod, status.TimeRemaining)

	ts.now += int64(escrow.ExpirationPeriod)
	_, rpcResp = ts.call(t, false, "escrow_getOrderStatus", map[string]interface{}{"orderId": id})
	require.Nil(t, rpcResp.Error)
	decodeResult(t, rpcResp, &status)
	require.True(t, status.IsExpired)
	require.Zero(t, status.TimeRemaining)
}

func TestGetOrderMissingIDIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, rpcResp := ts.call(t, false, "escrow_getOrder", map[string]interface{}{"orderId": 42})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, codeEscrowNotFound, rpcResp.Error.Code)
}

func TestOrderIndexesByPrincipal(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	bystander := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)
	ts.createOrder(t, buyer, farmer, "USDC", "100")
	ts.createOrder(t, buyer, farmer, "USDC", "150")

	var result struct {
		OrderIDs []uint32 `json:"orderIds"`
	}

	_, rpcResp := ts.call(t, false, "escrow_getOrdersByBuyer", map[string]interface{}{"address": buyer.addr.String()})
	require.Nil(t, rpcResp.Error)
	decodeResult(t, rpcResp, &result)
	require.Equal(t, []uint32{1, 2}, result.OrderIDs)

	_, rpcResp = ts.call(t, false, "escrow_getOrdersByFarmer", map[string]interface{}{"address": farmer.addr.String()})
	require.Nil(t, rpcResp.Error)
	decodeResult(t, rpcResp, &result)
	require.Equal(t, []uint32{1, 2}, result.OrderIDs)

	_, rpcResp = ts.call(t, false, "escrow_getOrdersByBuyer", map[string]interface{}{"address": bystander.addr.String()})
	require.Nil(t, rpcResp.Error)
	decodeResult(t, rpcResp, &result)
	require.Empty(t, result.OrderIDs)
}

func TestSignedRequestReplayRejected(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)

	params := buyer.createOrderParams(t, farmer, "USDC", "100")
	resp, rpcResp := ts.call(t, true, "escrow_createOrder", params)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)

	// Resubmitting the captured request verbatim must not create a second
	// order or debit the buyer again.
	resp, rpcResp = ts.call(t, true, "escrow_createOrder", params)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, codeEscrowForbidden, rpcResp.Error.Code)

	got, err := ts.manager.BalanceOf("USDC", buyer.addr.Array())
	require.NoError(t, err)
	require.Equal(t, "400", got.String())

	farmerBal, err := ts.manager.BalanceOf("USDC", farmer.addr.Array())
	require.NoError(t, err)
	require.Zero(t, farmerBal.Sign())
}

func TestSignedRequestStaleNonceRejected(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	ts.fund(t, buyer.addr, "USDC", 500)

	ts.createOrder(t, buyer, farmer, "USDC", "100") // consumes nonce 1
	ts.createOrder(t, buyer, farmer, "USDC", "100") // consumes nonce 2

	// A fresh signature over an already-spent nonce is still a replay.
	params := map[string]interface{}{
		"buyer":     buyer.addr.String(),
		"farmer":    farmer.addr.String(),
		"token":     "USDC",
		"amount":    "100",
		"nonce":     1,
		"signature": buyer.sign(t, "escrow_createOrder", 1, buyer.addr.String(), farmer.addr.String(), "USDC", "100", ""),
	}
	resp, rpcResp := ts.call(t, true, "escrow_createOrder", params)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, codeEscrowForbidden, rpcResp.Error.Code)
}

func TestSignedRequestNonceRequired(t *testing.T) {
	ts := newTestServer(t)
	buyer := newSigner(t)
	farmer := newSigner(t)
	params := map[string]interface{}{
		"buyer":     buyer.addr.String(),
		"farmer":    farmer.addr.String(),
		"token":     "USDC",
		"amount":    "100",
		"signature": buyer.sign(t, "escrow_createOrder", 0, buyer.addr.String(), farmer.addr.String(), "USDC", "100", ""),
	}
	resp, rpcResp := ts.call(t, true, "escrow_createOrder", params)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeEscrowInvalidParams, rpcResp.Error.Code)
}

func TestMalformedParamsRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, rpcResp := ts.call(t, false, "escrow_getOrder", map[string]interface{}{"orderld": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeEscrowInvalidParams, rpcResp.Error.Code)
}
