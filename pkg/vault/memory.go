package vault

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Vault. It backs tests and local runs where no
// external ledger is configured.
type Memory struct {
	mu       sync.RWMutex
	balances map[uuid.UUID]decimal.Decimal
}

// NewMemory creates an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[uuid.UUID]decimal.Decimal),
	}
}

// Credit seeds an account with funds. Accounts are created on first credit.
func (m *Memory) Credit(account uuid.UUID, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[account] = m.balances[account].Add(amount)
}

// Transfer moves amount between accounts, failing the whole move when the
// source balance does not cover it.
func (m *Memory) Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidTransfer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[from]
	if !ok {
		return ErrUnknownAccount
	}
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}

	m.balances[from] = balance.Sub(amount)
	m.balances[to] = m.balances[to].Add(amount)
	return nil
}

// Balance returns the account balance, zero for accounts never credited.
func (m *Memory) Balance(ctx context.Context, account uuid.UUID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.balances[account], nil
}
