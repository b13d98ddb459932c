package state

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const escrowVaultSeedPrefix = "cylo/escrow/vault/"

var balancePrefix = []byte("balance/")

// NormalizeToken canonicalises a token symbol. Symbols are short uppercase
// identifiers; anything else is rejected before it reaches the balance keys.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("token symbol required")
	}
	if len(trimmed) > 16 {
		return "", fmt.Errorf("token symbol too long: %s", trimmed)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("invalid token symbol: %s", symbol)
		}
	}
	return trimmed, nil
}

func balanceKey(token string, addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%s/%x", balancePrefix, token, addr))
}

// EscrowVaultAddress derives the deterministic address holding escrowed funds
// for the supplied token.
func EscrowVaultAddress(token string) ([20]byte, error) {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return [20]byte{}, err
	}
	hash := ethcrypto.Keccak256([]byte(escrowVaultSeedPrefix + normalized))
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return addr, nil
}

// EscrowVaultAddress exposes the vault derivation on the manager so it can
// stand in as the engine's token mover.
func (m *Manager) EscrowVaultAddress(token string) ([20]byte, error) {
	return EscrowVaultAddress(token)
}

// BalanceOf returns the stored balance for the account, defaulting to zero.
func (m *Manager) BalanceOf(token string, addr [20]byte) (*big.Int, error) {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	ok, err := m.KVGet(balanceKey(normalized, addr), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func (m *Manager) setBalance(token string, addr [20]byte, amount *big.Int) error {
	return m.KVPut(balanceKey(token, addr), amount)
}

// Mint credits freshly issued units of token to the account. Used for genesis
// allocations and operational funding; there is no corresponding burn.
func (m *Manager) Mint(token string, to [20]byte, amount *big.Int) error {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	balance, err := m.BalanceOf(normalized, to)
	if err != nil {
		return err
	}
	return m.setBalance(normalized, to, new(big.Int).Add(balance, amount))
}

// Move debits amount of token from the source account and credits it to the
// destination. It fails without mutating state when the source balance is
// insufficient.
func (m *Manager) Move(token string, from, to [20]byte, amount *big.Int) error {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := m.BalanceOf(normalized, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s balance", normalized)
	}
	// A self-transfer must not touch the balance: crediting the stale
	// destination read would mint amount out of thin air.
	if from == to {
		return nil
	}
	toBal, err := m.BalanceOf(normalized, to)
	if err != nil {
		return err
	}
	if err := m.setBalance(normalized, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return m.setBalance(normalized, to, new(big.Int).Add(toBal, amount))
}
