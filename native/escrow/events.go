package escrow

import (
	"math/big"
	"strconv"

	"cylo/core/types"
	"cylo/crypto"
)

const (
	EventTypeInitialized    = "escrow.initialized"
	EventTypeOrderCreated   = "escrow.order.created"
	EventTypeOrderConfirmed = "escrow.order.confirmed"
	EventTypeOrderRefunded  = "escrow.order.refunded"
)

// Initialized is emitted exactly once when the ledger records its admin.
type Initialized struct {
	Timestamp uint64
	Admin     [20]byte
}

func (Initialized) EventType() string { return EventTypeInitialized }

func (e Initialized) Event() *types.Event {
	return &types.Event{
		Type: EventTypeInitialized,
		Attributes: map[string]string{
			"timestamp": strconv.FormatUint(e.Timestamp, 10),
			"admin":     crypto.NewAddress(crypto.CyloPrefix, e.Admin[:]).String(),
		},
	}
}

// OrderCreated is emitted when funds are locked and a new order persisted.
type OrderCreated struct {
	ID     uint32
	Buyer  [20]byte
	Farmer [20]byte
	Token  string
	Amount *big.Int
}

func (OrderCreated) EventType() string { return EventTypeOrderCreated }

func (e OrderCreated) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOrderCreated,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(uint64(e.ID), 10),
			"buyer":  crypto.NewAddress(crypto.CyloPrefix, e.Buyer[:]).String(),
			"farmer": crypto.NewAddress(crypto.CyloPrefix, e.Farmer[:]).String(),
			"token":  e.Token,
			"amount": formatAmount(e.Amount),
		},
	}
}

// OrderConfirmed is emitted when the buyer settles an order in favour of the
// farmer.
type OrderConfirmed struct {
	ID uint32
}

func (OrderConfirmed) EventType() string { return EventTypeOrderConfirmed }

func (e OrderConfirmed) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOrderConfirmed,
		Attributes: map[string]string{
			"id": strconv.FormatUint(uint64(e.ID), 10),
		},
	}
}

// OrderRefunded is emitted when an expired order is returned to the buyer.
type OrderRefunded struct {
	ID uint32
}

func (OrderRefunded) EventType() string { return EventTypeOrderRefunded }

func (e OrderRefunded) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOrderRefunded,
		Attributes: map[string]string{
			"id": strconv.FormatUint(uint64(e.ID), 10),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
