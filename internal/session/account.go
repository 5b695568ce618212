package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Account holds per-currency balances on one exchange. A balance can
// never go negative as a result of session operations; attempts to
// overdraw are rejected and leave the balance untouched.
type Account struct {
	exchange string
	balances map[string]decimal.Decimal
	mu       sync.Mutex
}

func NewAccount(exchange string) *Account {
	return &Account{
		exchange: exchange,
		balances: make(map[string]decimal.Decimal),
	}
}

func (a *Account) Exchange() string {
	return a.exchange
}

func (a *Account) Balance(currency string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.balances[currency]
}

func (a *Account) Deposit(currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("deposit amount cannot be negative, got %s", amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.balances[currency] = a.balances[currency].Add(amount)
	return nil
}

func (a *Account) Withdraw(currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("withdraw amount cannot be negative, got %s", amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bal := a.balances[currency]
	if amount.GreaterThan(bal) {
		return fmt.Errorf("tried to remove %s %s while having %s %s: %w",
			amount, currency, bal, currency, ErrInsufficientBalance)
	}

	a.balances[currency] = bal.Sub(amount)
	return nil
}

// exchangeFunds moves value between two currencies in one critical
// section so concurrent session operations on the same account never
// observe a half-applied trade.
func (a *Account) exchangeFunds(fromCur string, fromAmt decimal.Decimal, toCur string, toAmt decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bal := a.balances[fromCur]
	if fromAmt.GreaterThan(bal) {
		return fmt.Errorf("tried to remove %s %s while having %s %s: %w",
			fromAmt, fromCur, bal, fromCur, ErrInsufficientBalance)
	}

	a.balances[fromCur] = bal.Sub(fromAmt)
	a.balances[toCur] = a.balances[toCur].Add(toAmt)
	return nil
}
