package state

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

var (
	balancePrefix   = []byte("balance:")
	allowancePrefix = []byte("allowance:")
	noncePrefix     = []byte("nonce:")
	supplyPrefix    = []byte("supply:")
)

func normalizeSymbol(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return "", fmt.Errorf("token symbol must not be empty")
	}
	return normalized, nil
}

func (m *Manager) loadAmount(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) storeAmount(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount not allowed")
	}
	return m.KVPut(key, amount)
}

func tokenKey(prefix []byte, symbol string, addrs ...[20]byte) []byte {
	key := append(append([]byte(nil), prefix...), symbol...)
	for _, addr := range addrs {
		key = append(key, ':')
		key = append(key, hex.EncodeToString(addr[:])...)
	}
	return key
}

// Balance retrieves a token balance for the provided account.
func (m *Manager) Balance(symbol string, addr [20]byte) (*big.Int, error) {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return m.loadAmount(tokenKey(balancePrefix, normalized, addr))
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(symbol string, addr [20]byte, amount *big.Int) error {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	return m.storeAmount(tokenKey(balancePrefix, normalized, addr), amount)
}

// Allowance retrieves the amount spender may pull from owner.
func (m *Manager) Allowance(symbol string, owner, spender [20]byte) (*big.Int, error) {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return m.loadAmount(tokenKey(allowancePrefix, normalized, owner, spender))
}

// SetAllowance stores the amount spender may pull from owner.
func (m *Manager) SetAllowance(symbol string, owner, spender [20]byte, amount *big.Int) error {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	return m.storeAmount(tokenKey(allowancePrefix, normalized, owner, spender), amount)
}

// Nonce returns the next permit nonce for owner.
func (m *Manager) Nonce(symbol string, owner [20]byte) (uint64, error) {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return 0, err
	}
	var nonce uint64
	if _, err := m.KVGet(tokenKey(noncePrefix, normalized, owner), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// SetNonce stores the next permit nonce for owner.
func (m *Manager) SetNonce(symbol string, owner [20]byte, nonce uint64) error {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	return m.KVPut(tokenKey(noncePrefix, normalized, owner), nonce)
}

// Supply returns the recorded total supply of symbol.
func (m *Manager) Supply(symbol string) (*big.Int, error) {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return m.loadAmount(tokenKey(supplyPrefix, normalized))
}

// SetSupply stores the total supply of symbol.
func (m *Manager) SetSupply(symbol string, amount *big.Int) error {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	return m.storeAmount(tokenKey(supplyPrefix, normalized), amount)
}
