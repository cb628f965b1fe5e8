package bank

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process ledger implementing Bank. It is safe for
// concurrent use.
type Memory struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]uint64)}
}

// Deposit credits an account. Used to seed balances.
func (m *Memory) Deposit(account string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// Balance returns the current balance of an account.
func (m *Memory) Balance(account string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Transfer moves a single amount between accounts.
func (m *Memory) Transfer(_ context.Context, t Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(t)
}

// TransferBatch applies all transfers or none. Legs are validated against
// the running balances, so a batch may spend funds credited by an earlier
// leg of the same batch.
func (m *Memory) TransferBatch(_ context.Context, ts ...Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage against a copy of the touched accounts so a failing leg
	// leaves the ledger untouched.
	staged := make(map[string]uint64, len(ts)*2)
	snapshot := func(acct string) {
		if _, ok := staged[acct]; !ok {
			staged[acct] = m.balances[acct]
		}
	}
	for i, t := range ts {
		snapshot(t.From)
		snapshot(t.To)
		if staged[t.From] < t.Amount {
			return &BatchError{Index: i, Err: fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientFunds, t.From, staged[t.From], t.Amount)}
		}
		staged[t.From] -= t.Amount
		staged[t.To] += t.Amount
	}
	for acct, bal := range staged {
		m.balances[acct] = bal
	}
	return nil
}

func (m *Memory) apply(t Transfer) error {
	if m.balances[t.From] < t.Amount {
		return fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientFunds, t.From, m.balances[t.From], t.Amount)
	}
	m.balances[t.From] -= t.Amount
	m.balances[t.To] += t.Amount
	return nil
}
