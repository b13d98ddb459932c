package escrow

import (
	"fmt"
	"math"
	"math/big"
)

// ExpirationPeriod is the window in seconds (96 hours) after which an
// unconfirmed order becomes refund-eligible.
const ExpirationPeriod uint64 = 96 * 60 * 60

// Order captures a single escrow record from creation to settlement. All
// fields except the two terminal flags are immutable once persisted.
type Order struct {
	ID        uint32
	Buyer     [20]byte
	Farmer    [20]byte
	Token     string
	Amount    *big.Int
	Timestamp uint64
	Confirmed bool
	Refunded  bool
	Metadata  string
}

// Clone returns a deep copy of the order so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Amount != nil {
		clone.Amount = new(big.Int).Set(o.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Terminal reports whether the order has reached one of its two final states.
func (o *Order) Terminal() bool {
	return o != nil && (o.Confirmed || o.Refunded)
}

// ExpiresAt returns the timestamp at which the order becomes refund-eligible,
// saturating at the 64-bit boundary.
func (o *Order) ExpiresAt() uint64 {
	expiry := o.Timestamp + ExpirationPeriod
	if expiry < o.Timestamp {
		return math.MaxUint64
	}
	return expiry
}

// SanitizeOrder validates the supplied order and returns a cloned instance
// with a non-nil amount. The function does not mutate the original value.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("nil order")
	}
	clone := o.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("order id must be assigned")
	}
	if clone.Token == "" {
		return nil, fmt.Errorf("order token required")
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("order amount must be positive")
	}
	if clone.Confirmed && clone.Refunded {
		return nil, fmt.Errorf("order cannot be both confirmed and refunded")
	}
	return clone, nil
}

// OrderStatus is the read-only settlement and expiry summary for one order.
type OrderStatus struct {
	IsConfirmed   bool
	IsRefunded    bool
	IsExpired     bool
	TimeRemaining uint64
}

// AdminData records the one-time initialization of the ledger instance.
type AdminData struct {
	Admin       [20]byte
	Initialized bool
}
