package escrow

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"cylo/core/events"
)

var (
	errNilStore  = errors.New("escrow engine: order store not configured")
	errNilTokens = errors.New("escrow engine: token mover not configured")
)

// TokenMover moves a fixed amount of a token between accounts. The source
// account must hold sufficient balance; a failed move reports an error and
// leaves both balances untouched.
type TokenMover interface {
	Move(token string, from, to [20]byte, amount *big.Int) error
	EscrowVaultAddress(token string) ([20]byte, error)
}

// Authorizer verifies that a claimed principal actually authorized the
// current invocation.
type Authorizer interface {
	Require(principal [20]byte) error
}

// AuthorizerFunc adapts a plain function to the Authorizer interface.
type AuthorizerFunc func(principal [20]byte) error

// Require implements the Authorizer interface.
func (f AuthorizerFunc) Require(principal [20]byte) error { return f(principal) }

func allowAll(_ [20]byte) error { return nil }

// Engine wires the order state machine with external storage, token movement,
// time and authorization. Every operation runs as one serialized invocation;
// the engine itself takes no locks.
type Engine struct {
	store   *Store
	tokens  TokenMover
	auth    Authorizer
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter and an allow-all
// authorizer. Callers override the collaborators via the Set helpers.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		auth:    AuthorizerFunc(allowAll),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetStore configures the order store used by the engine.
func (e *Engine) SetStore(store *Store) { e.store = store }

// SetTokenMover configures the token transfer backend.
func (e *Engine) SetTokenMover(tokens TokenMover) { e.tokens = tokens }

// SetAuthorizer configures the authorization gate. Passing nil resets it to
// allow-all, for deployments that authenticate at the transport boundary.
func (e *Engine) SetAuthorizer(auth Authorizer) {
	if auth == nil {
		e.auth = AuthorizerFunc(allowAll)
		return
	}
	e.auth = auth
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

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	now := e.nowFn()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

func (e *Engine) withStore() (*Store, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	return e.store, nil
}

func (e *Engine) withTokens() (TokenMover, error) {
	if e == nil || e.tokens == nil {
		return nil, errNilTokens
	}
	return e.tokens, nil
}

func (e *Engine) requireAuth(principal [20]byte) error {
	if e == nil || e.auth == nil {
		return ErrUnauthorized
	}
	if err := e.auth.Require(principal); err != nil {
		return fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}
	return nil
}

// Initialize records the admin identity exactly once and rewinds the order
// counter. A second call always fails with ErrAlreadyInitialized.
func (e *Engine) Initialize(admin [20]byte) error {
	store, err := e.withStore()
	if err != nil {
		return err
	}
	if err := e.requireAuth(admin); err != nil {
		return err
	}
	exists, err := store.HasAdmin()
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyInitialized
	}
	if err := store.SetAdmin(admin); err != nil {
		return err
	}
	if err := store.ResetCounter(); err != nil {
		return err
	}
	e.emit(Initialized{Timestamp: e.now(), Admin: admin})
	return nil
}

// CreateOrder locks amount of token from the buyer into the escrow vault and
// persists a new pending order. The pull happens before any state is written
// so an order never represents funds that were not actually received. Returns
// the newly assigned order id.
func (e *Engine) CreateOrder(buyer, farmer [20]byte, token string, amount *big.Int, metadata string) (uint32, error) {
	store, err := e.withStore()
	if err != nil {
		return 0, err
	}
	tokens, err := e.withTokens()
	if err != nil {
		return 0, err
	}
	if err := e.requireAuth(buyer); err != nil {
		return 0, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if buyer == farmer {
		return 0, fmt.Errorf("%w: buyer and farmer must differ", ErrInvalidInput)
	}
	vault, err := tokens.EscrowVaultAddress(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	if err := tokens.Move(token, buyer, vault, amount); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	id, err := store.AllocateID()
	if err != nil {
		return 0, err
	}
	order := &Order{
		ID:        id,
		Buyer:     buyer,
		Farmer:    farmer,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		Timestamp: e.now(),
		Confirmed: false,
		Refunded:  false,
		Metadata:  metadata,
	}
	if err := store.SaveOrder(order); err != nil {
		return 0, err
	}
	if err := store.AppendBuyerOrder(buyer, id); err != nil {
		return 0, err
	}
	if err := store.AppendFarmerOrder(farmer, id); err != nil {
		return 0, err
	}
	e.emit(OrderCreated{ID: id, Buyer: buyer, Farmer: farmer, Token: order.Token, Amount: order.Amount})
	return id, nil
}

// ConfirmReceipt settles a pending order in favour of the farmer. The
// confirmed flag is persisted before the outbound transfer so a reentrant
// call cannot settle the same order twice; a transfer failure after the flip
// surfaces ErrTransferFailed without reverting the flag.
func (e *Engine) ConfirmReceipt(buyer [20]byte, orderID uint32) error {
	store, err := e.withStore()
	if err != nil {
		return err
	}
	tokens, err := e.withTokens()
	if err != nil {
		return err
	}
	if err := e.requireAuth(buyer); err != nil {
		return err
	}
	order, ok, err := store.LoadOrder(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidOrderID
	}
	if order.Terminal() {
		return ErrAlreadyProcessed
	}
	if order.Buyer != buyer {
		return ErrUnauthorized
	}

	order.Confirmed = true
	if err := store.SaveOrder(order); err != nil {
		return err
	}

	vault, err := tokens.EscrowVaultAddress(order.Token)
	if err != nil {
		return err
	}
	if err := tokens.Move(order.Token, vault, order.Farmer, order.Amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	e.emit(OrderConfirmed{ID: orderID})
	return nil
}

// refundIfExpired flips a pending, expired order to refunded and returns the
// escrowed amount to the buyer. It reports false, without error, when the
// order is terminal or not yet expired. Both public refund entry points
// funnel through it.
func (e *Engine) refundIfExpired(orderID uint32) (bool, error) {
	store, err := e.withStore()
	if err != nil {
		return false, err
	}
	tokens, err := e.withTokens()
	if err != nil {
		return false, err
	}
	order, ok, err := store.LoadOrder(orderID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrInvalidOrderID
	}
	if order.Terminal() {
		return false, nil
	}
	if e.now() < order.ExpiresAt() {
		return false, nil
	}

	// mark state first
	order.Refunded = true
	if err := store.SaveOrder(order); err != nil {
		return false, err
	}

	vault, err := tokens.EscrowVaultAddress(order.Token)
	if err != nil {
		return false, err
	}
	if err := tokens.Move(order.Token, vault, order.Buyer, order.Amount); err != nil {
		return false, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	e.emit(OrderRefunded{ID: orderID})
	return true, nil
}

// RefundOrder refunds a single expired order back to the buyer. Anyone may
// call it: the funds only ever return to the rightful buyer and only after
// the expiry window has elapsed.
func (e *Engine) RefundOrder(orderID uint32) error {
	refunded, err := e.refundIfExpired(orderID)
	if err != nil {
		return err
	}
	if !refunded {
		return ErrNotExpired
	}
	return nil
}

// RefundExpiredOrders sweeps up to limit ids starting from startID inclusive,
// refunding every expired pending order in the range. Individual failures are
// swallowed so one bad id never blocks the rest of the batch. Returns the
// count of orders actually refunded.
func (e *Engine) RefundExpiredOrders(startID, limit uint32) (uint32, error) {
	store, err := e.withStore()
	if err != nil {
		return 0, err
	}
	last, err := store.LastOrderID()
	if err != nil {
		return 0, err
	}
	if last == 0 || startID > last || limit == 0 {
		return 0, nil
	}

	end := last
	if span := uint64(startID) + uint64(limit) - 1; span < uint64(last) {
		end = uint32(span)
	}

	var processed uint32
	for id := startID; id <= end; id++ {
		refunded, err := e.refundIfExpired(id)
		if err == nil && refunded {
			processed++
		}
		if id == math.MaxUint32 {
			break
		}
	}
	return processed, nil
}

// Status computes the read-only settlement and expiry summary for one order.
func (e *Engine) Status(orderID uint32) (*OrderStatus, error) {
	store, err := e.withStore()
	if err != nil {
		return nil, err
	}
	order, ok, err := store.LoadOrder(orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidOrderID
	}
	status := &OrderStatus{
		IsConfirmed: order.Confirmed,
		IsRefunded:  order.Refunded,
	}
	now := e.now()
	expiry := order.ExpiresAt()
	if now >= expiry {
		status.IsExpired = true
	} else {
		status.TimeRemaining = expiry - now
	}
	return status, nil
}

// OrderDetails returns the stored order for the given id.
func (e *Engine) OrderDetails(orderID uint32) (*Order, error) {
	store, err := e.withStore()
	if err != nil {
		return nil, err
	}
	order, ok, err := store.LoadOrder(orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidOrderID
	}
	return order, nil
}

// OrdersByBuyer returns the ids of all orders created by the buyer, oldest
// first. A principal with no orders yields an empty sequence, never an error.
func (e *Engine) OrdersByBuyer(buyer [20]byte) ([]uint32, error) {
	store, err := e.withStore()
	if err != nil {
		return nil, err
	}
	return store.BuyerOrders(buyer)
}

// OrdersByFarmer returns the ids of all orders addressed to the farmer,
// oldest first.
func (e *Engine) OrdersByFarmer(farmer [20]byte) ([]uint32, error) {
	store, err := e.withStore()
	if err != nil {
		return nil, err
	}
	return store.FarmerOrders(farmer)
}
