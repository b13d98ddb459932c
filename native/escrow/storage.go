package escrow

import (
	"fmt"
	"math"
)

// OrderState abstracts the subset of state manager functionality required by
// the order store.
type OrderState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVHas(key []byte) (bool, error)
}

// Store persists orders, the monotonic order-id counter and the per-principal
// order indexes.
type Store struct {
	state OrderState
}

// NewStore constructs a store bound to the provided state backend.
func NewStore(state OrderState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (OrderState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("escrow: order store not initialised")
	}
	return s.state, nil
}

// AllocateID increments the order counter and returns the new id. The counter
// saturates at the 32-bit boundary and is never decremented or reused.
func (s *Store) AllocateID() (uint32, error) {
	state, err := s.withState()
	if err != nil {
		return 0, err
	}
	var last uint32
	if _, err := state.KVGet(lastOrderIDKey(), &last); err != nil {
		return 0, fmt.Errorf("escrow: load order counter: %w", err)
	}
	next := last
	if next < math.MaxUint32 {
		next++
	}
	if err := state.KVPut(lastOrderIDKey(), next); err != nil {
		return 0, fmt.Errorf("escrow: persist order counter: %w", err)
	}
	return next, nil
}

// LastOrderID returns the highest allocated order id, zero when no order has
// ever been created.
func (s *Store) LastOrderID() (uint32, error) {
	state, err := s.withState()
	if err != nil {
		return 0, err
	}
	var last uint32
	if _, err := state.KVGet(lastOrderIDKey(), &last); err != nil {
		return 0, fmt.Errorf("escrow: load order counter: %w", err)
	}
	return last, nil
}

// ResetCounter rewinds the order counter to zero. Only invoked by the
// one-time initialization path.
func (s *Store) ResetCounter() error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	return state.KVPut(lastOrderIDKey(), uint32(0))
}

// SaveOrder validates and persists the order keyed by its id.
func (s *Store) SaveOrder(order *Order) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	sanitized, err := SanitizeOrder(order)
	if err != nil {
		return err
	}
	if err := state.KVPut(orderKey(sanitized.ID), sanitized); err != nil {
		return fmt.Errorf("escrow: persist order %d: %w", sanitized.ID, err)
	}
	return nil
}

// LoadOrder retrieves the order stored under id, reporting absence without an
// error.
func (s *Store) LoadOrder(id uint32) (*Order, bool, error) {
	state, err := s.withState()
	if err != nil {
		return nil, false, err
	}
	stored := new(Order)
	ok, err := state.KVGet(orderKey(id), stored)
	if err != nil {
		return nil, false, fmt.Errorf("escrow: load order %d: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	return stored, true, nil
}

func (s *Store) appendIndex(key []byte, id uint32) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	var list []uint32
	if _, err := state.KVGet(key, &list); err != nil {
		return fmt.Errorf("escrow: load order index: %w", err)
	}
	list = append(list, id)
	if err := state.KVPut(key, list); err != nil {
		return fmt.Errorf("escrow: persist order index: %w", err)
	}
	return nil
}

func (s *Store) loadIndex(key []byte) ([]uint32, error) {
	state, err := s.withState()
	if err != nil {
		return nil, err
	}
	var list []uint32
	if _, err := state.KVGet(key, &list); err != nil {
		return nil, fmt.Errorf("escrow: load order index: %w", err)
	}
	if list == nil {
		list = []uint32{}
	}
	return list, nil
}

// AppendBuyerOrder records id in the buyer-side index, creating it if absent.
func (s *Store) AppendBuyerOrder(buyer [20]byte, id uint32) error {
	return s.appendIndex(buyerIndexKey(buyer), id)
}

// AppendFarmerOrder records id in the farmer-side index, creating it if absent.
func (s *Store) AppendFarmerOrder(farmer [20]byte, id uint32) error {
	return s.appendIndex(farmerIndexKey(farmer), id)
}

// BuyerOrders returns the full stored id sequence for the buyer, empty when
// none has been recorded.
func (s *Store) BuyerOrders(buyer [20]byte) ([]uint32, error) {
	return s.loadIndex(buyerIndexKey(buyer))
}

// FarmerOrders returns the full stored id sequence for the farmer, empty when
// none has been recorded.
func (s *Store) FarmerOrders(farmer [20]byte) ([]uint32, error) {
	return s.loadIndex(farmerIndexKey(farmer))
}

// Admin returns the initialization record when present.
func (s *Store) Admin() (*AdminData, bool, error) {
	state, err := s.withState()
	if err != nil {
		return nil, false, err
	}
	stored := new(AdminData)
	ok, err := state.KVGet(adminKey(), stored)
	if err != nil {
		return nil, false, fmt.Errorf("escrow: load admin record: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return stored, true, nil
}

// HasAdmin reports whether the ledger instance has been initialized.
func (s *Store) HasAdmin() (bool, error) {
	state, err := s.withState()
	if err != nil {
		return false, err
	}
	return state.KVHas(adminKey())
}

// SetAdmin writes the one-time initialization record. It never overwrites an
// existing record.
func (s *Store) SetAdmin(admin [20]byte) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	exists, err := state.KVHas(adminKey())
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyInitialized
	}
	return state.KVPut(adminKey(), &AdminData{Admin: admin, Initialized: true})
}
