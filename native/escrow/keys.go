package escrow

import "fmt"

const escrowPrefix = "escrow"

func adminKey() []byte {
	return []byte(fmt.Sprintf("%s/admin", escrowPrefix))
}

func lastOrderIDKey() []byte {
	return []byte(fmt.Sprintf("%s/orders/last-id", escrowPrefix))
}

func orderKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%s/orders/%d", escrowPrefix, id))
}

func buyerIndexKey(buyer [20]byte) []byte {
	return []byte(fmt.Sprintf("%s/index/buyer/%x", escrowPrefix, buyer))
}

func farmerIndexKey(farmer [20]byte) []byte {
	return []byte(fmt.Sprintf("%s/index/farmer/%x", escrowPrefix, farmer))
}
