package buyingpower

import (
	"fmt"
	"sync"

	"ordergate/internal/order"
	"ordergate/internal/security"

	"github.com/shopspring/decimal"
)

type account struct {
	mu    sync.Mutex
	model *Model
}

// Tracker keeps one Model per account. Orders of different accounts never
// contend on the same lock.
type Tracker struct {
	mu       sync.RWMutex
	accounts map[string]*account
	owners   map[order.ID]string
}

func NewTracker() *Tracker {
	return &Tracker{
		accounts: make(map[string]*account),
		owners:   make(map[order.ID]string),
	}
}

// Submit records the order against fields.Account and returns that
// account's buying power in the order's currency.
func (t *Tracker) Submit(id order.ID, fields order.Fields, expectedPrice decimal.Decimal) decimal.Decimal {
	acc := t.account(fields.Account, true)
	t.mu.Lock()
	if _, ok := t.owners[id]; !ok {
		t.owners[id] = fields.Account
	}
	t.mu.Unlock()

	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.model.Submit(id, fields, expectedPrice)
}

// Update applies r to the account that submitted the order and returns the
// resulting buying power in the order's currency.
func (t *Tracker) Update(r order.ExecutionReport) (decimal.Decimal, error) {
	t.mu.RLock()
	owner, ok := t.owners[r.ID]
	t.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrUnknownOrder, r.ID)
	}
	acc := t.account(owner, false)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if err := acc.model.Update(r); err != nil {
		return decimal.Zero, err
	}
	return acc.model.BuyingPower(acc.model.fields[r.ID].Currency), nil
}

func (t *Tracker) BuyingPower(accountName string, currency security.Currency) decimal.Decimal {
	acc := t.account(accountName, false)
	if acc == nil {
		return decimal.Zero
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.model.BuyingPower(currency)
}

func (t *Tracker) HasOrder(id order.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.owners[id]
	return ok
}

func (t *Tracker) account(name string, create bool) *account {
	t.mu.RLock()
	acc, ok := t.accounts[name]
	t.mu.RUnlock()
	if ok || !create {
		return acc
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if acc, ok = t.accounts[name]; !ok {
		acc = &account{model: NewModel()}
		t.accounts[name] = acc
	}
	return acc
}
