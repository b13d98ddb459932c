package escrow_test

import (
	"math/big"
	"testing"

	"cylo/core/state"
	escrowpkg "cylo/native/escrow"
	"cylo/storage"
)

func newTestStore(t *testing.T) *escrowpkg.Store {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return escrowpkg.NewStore(state.NewManager(db))
}

func TestStoreAllocateIDMonotonic(t *testing.T) {
	store := newTestStore(t)

	last, err := store.LastOrderID()
	if err != nil {
		t.Fatalf("last order id: %v", err)
	}
	if last != 0 {
		t.Fatalf("fresh counter = %d, want 0", last)
	}

	for want := uint32(1); want <= 5; want++ {
		id, err := store.AllocateID()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if id != want {
			t.Fatalf("allocated id = %d, want %d", id, want)
		}
	}
	last, err = store.LastOrderID()
	if err != nil {
		t.Fatalf("last order id: %v", err)
	}
	if last != 5 {
		t.Fatalf("counter = %d, want 5", last)
	}

	if err := store.ResetCounter(); err != nil {
		t.Fatalf("reset counter: %v", err)
	}
	id, err := store.AllocateID()
	if err != nil {
		t.Fatalf("allocate after reset: %v", err)
	}
	if id != 1 {
		t.Fatalf("allocated id after reset = %d, want 1", id)
	}
}

func TestStoreOrderRoundTrip(t *testing.T) {
	store := newTestStore(t)

	amount := big.NewInt(1_250)
	order := &escrowpkg.Order{
		ID:        7,
		Buyer:     newTestAddress(0x11),
		Farmer:    newTestAddress(0x22),
		Token:     "CYL",
		Amount:    amount,
		Timestamp: 1_700_000_000,
		Metadata:  "two sacks of maize",
	}
	if err := store.SaveOrder(order); err != nil {
		t.Fatalf("save order: %v", err)
	}

	stored, ok, err := store.LoadOrder(7)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if !ok {
		t.Fatalf("expected order to exist")
	}
	if stored.Amount == amount {
		t.Fatalf("load must not alias the saved amount pointer")
	}
	if stored.Amount.Cmp(amount) != 0 {
		t.Fatalf("amount = %v, want %v", stored.Amount, amount)
	}
	if stored.Buyer != order.Buyer || stored.Farmer != order.Farmer {
		t.Fatalf("principals mismatch: %+v", stored)
	}
	if stored.Metadata != order.Metadata {
		t.Fatalf("metadata = %q, want %q", stored.Metadata, order.Metadata)
	}

	if _, ok, err := store.LoadOrder(8); err != nil || ok {
		t.Fatalf("missing order: ok=%v err=%v", ok, err)
	}
}

func TestStoreSaveOrderRejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	invalid := []*escrowpkg.Order{
		nil,
		{ID: 0, Token: "CYL", Amount: big.NewInt(1)},
		{ID: 1, Token: "", Amount: big.NewInt(1)},
		{ID: 1, Token: "CYL", Amount: big.NewInt(0)},
		{ID: 1, Token: "CYL", Amount: big.NewInt(1), Confirmed: true, Refunded: true},
	}
	for i, order := range invalid {
		if err := store.SaveOrder(order); err == nil {
			t.Fatalf("case %d: expected save to fail", i)
		}
	}
}

func TestStoreIndexesAppendOnly(t *testing.T) {
	store := newTestStore(t)
	buyer := newTestAddress(0x11)
	farmer := newTestAddress(0x22)

	for id := uint32(1); id <= 3; id++ {
		if err := store.AppendBuyerOrder(buyer, id); err != nil {
			t.Fatalf("append buyer order: %v", err)
		}
	}
	if err := store.AppendFarmerOrder(farmer, 3); err != nil {
		t.Fatalf("append farmer order: %v", err)
	}

	buyerIDs, err := store.BuyerOrders(buyer)
	if err != nil {
		t.Fatalf("buyer orders: %v", err)
	}
	if len(buyerIDs) != 3 || buyerIDs[0] != 1 || buyerIDs[2] != 3 {
		t.Fatalf("buyer index = %v", buyerIDs)
	}

	farmerIDs, err := store.FarmerOrders(farmer)
	if err != nil {
		t.Fatalf("farmer orders: %v", err)
	}
	if len(farmerIDs) != 1 || farmerIDs[0] != 3 {
		t.Fatalf("farmer index = %v", farmerIDs)
	}

	// Indexes are scoped per principal and per side.
	if ids, _ := store.BuyerOrders(farmer); len(ids) != 0 {
		t.Fatalf("farmer must have no buyer-side entries, got %v", ids)
	}
}

func TestStoreAdminWriteOnce(t *testing.T) {
	store := newTestStore(t)
	admin := newTestAddress(0x0A)

	exists, err := store.HasAdmin()
	if err != nil {
		t.Fatalf("has admin: %v", err)
	}
	if exists {
		t.Fatalf("fresh store must have no admin")
	}

	if err := store.SetAdmin(admin); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if err := store.SetAdmin(newTestAddress(0x0B)); err != escrowpkg.ErrAlreadyInitialized {
		t.Fatalf("second set admin: expected ErrAlreadyInitialized, got %v", err)
	}

	record, ok, err := store.Admin()
	if err != nil || !ok {
		t.Fatalf("admin: ok=%v err=%v", ok, err)
	}
	if record.Admin != admin {
		t.Fatalf("admin record overwritten: %+v", record)
	}
}
