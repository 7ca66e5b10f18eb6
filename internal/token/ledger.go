// Package token implements the per-user token ledger and the billing
// loop that charges untrusted sessions for runtime.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/termbot/termbot/internal/metrics"
	"github.com/termbot/termbot/internal/store"
)

const keyPrefix = "tokens:"

// Ledger tracks token balances in the session store. Trusted users are
// never charged and always pass Consume.
type Ledger struct {
	store   *store.Store
	trusted func(user string) bool
	initial int
	metrics *metrics.Collector

	mu sync.Mutex
}

// NewLedger creates a ledger. initial is the grant for new users.
// collector may be nil.
func NewLedger(st *store.Store, trusted func(user string) bool, initial int, collector *metrics.Collector) *Ledger {
	return &Ledger{
		store:   st,
		trusted: trusted,
		initial: initial,
		metrics: collector,
	}
}

// Init grants the initial balance to a user who has none. Calling it
// for a known user changes nothing.
func (l *Ledger) Init(user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.balanceLocked(user)
	return err
}

// Balance returns the user's token balance, granting the initial
// amount on first sight.
func (l *Ledger) Balance(user string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(user)
}

// Consume deducts n tokens and reports whether the user could pay.
// Trusted users always pass without deduction. Any positive balance
// covers the charge; the deduction floors at zero, so only an
// already-empty balance fails.
func (l *Ledger) Consume(user string, n int) (bool, error) {
	if l.trusted != nil && l.trusted(user) {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.balanceLocked(user)
	if err != nil {
		return false, err
	}
	if balance <= 0 {
		return false, nil
	}
	next := balance - n
	if next < 0 {
		next = 0
	}
	if err := l.setLocked(user, next); err != nil {
		return false, err
	}
	if l.metrics != nil {
		l.metrics.TokensConsumedTotal.Add(float64(balance - next))
	}
	return true, nil
}

// Grant adds n tokens to the user's balance.
func (l *Ledger) Grant(user string, n int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.balanceLocked(user)
	if err != nil {
		return 0, err
	}
	balance += n
	if err := l.setLocked(user, balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (l *Ledger) balanceLocked(user string) (int, error) {
	raw, err := l.store.Get(keyPrefix + user)
	if errors.Is(err, store.ErrKeyNotFound) {
		if err := l.setLocked(user, l.initial); err != nil {
			return 0, err
		}
		return l.initial, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	balance, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("decode balance %q: %w", raw, err)
	}
	return balance, nil
}

func (l *Ledger) setLocked(user string, balance int) error {
	if err := l.store.Set(keyPrefix+user, strconv.Itoa(balance)); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}
