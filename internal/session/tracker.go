package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/market"
)

// Commission adjusts the funds moved on entry and exit. The default
// is no commission, so opening debits exactly price*amount.
type Commission interface {
	ApplyOnOpen(cost decimal.Decimal) decimal.Decimal
	ApplyOnClose(proceeds decimal.Decimal) decimal.Decimal
}

type NoCommission struct{}

func (NoCommission) ApplyOnOpen(cost decimal.Decimal) decimal.Decimal      { return cost }
func (NoCommission) ApplyOnClose(proceeds decimal.Decimal) decimal.Decimal { return proceeds }

type FixedRateCommission struct {
	openFactor  decimal.Decimal
	closeFactor decimal.Decimal
}

func NewFixedRateCommission(openPct, closePct float64) *FixedRateCommission {
	return &FixedRateCommission{
		openFactor:  decimal.NewFromFloat(1 + openPct),
		closeFactor: decimal.NewFromFloat(1 - closePct),
	}
}

func (c *FixedRateCommission) ApplyOnOpen(cost decimal.Decimal) decimal.Decimal {
	return cost.Mul(c.openFactor)
}

func (c *FixedRateCommission) ApplyOnClose(proceeds decimal.Decimal) decimal.Decimal {
	return proceeds.Mul(c.closeFactor)
}

// Tracker opens and closes SmallSessions against an Account. Funding
// always moves through the market's base currency: opening swaps
// price*amount of base for the quote holding, closing swaps it back.
type Tracker struct {
	commission Commission
	log        *slog.Logger
}

func NewTracker(log *slog.Logger, commission Commission) *Tracker {
	if commission == nil {
		commission = NoCommission{}
	}

	return &Tracker{commission: commission, log: log}
}

func (tr *Tracker) Open(ctx context.Context, acc *Account, m market.Market, price, amount decimal.Decimal, at time.Time) (*SmallSession, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("session amount must be positive, got %s", amount)
	}

	if !price.IsPositive() {
		return nil, fmt.Errorf("session price must be positive, got %s", price)
	}

	cost := tr.commission.ApplyOnOpen(price.Mul(amount))
	if err := acc.exchangeFunds(m.Base, cost, m.Quote, amount); err != nil {
		return nil, fmt.Errorf("cannot fund session on %s: %w", m, err)
	}

	s := newSmallSession(m, price, amount, at)
	tr.log.Info("session opened",
		slog.String("session", s.ID.String()),
		slog.String("market", m.String()),
		slog.String("price", price.String()),
		slog.String("amount", amount.String()))
	return s, nil
}

func (tr *Tracker) Close(ctx context.Context, acc *Account, s *SmallSession, price decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if s.State() != StateOpen {
		return decimal.Decimal{}, fmt.Errorf("session %s is %s: %w", s.ID, s.State(), ErrInvalidTransition)
	}

	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("close price must be positive, got %s", price)
	}

	proceeds := tr.commission.ApplyOnClose(price.Mul(s.Amount))
	if err := acc.exchangeFunds(s.Market.Quote, s.Amount, s.Market.Base, proceeds); err != nil {
		return decimal.Decimal{}, fmt.Errorf("cannot settle session %s: %w", s.ID, err)
	}

	if err := s.close(price, at); err != nil {
		return decimal.Decimal{}, err
	}

	pnl, err := s.PnL()
	if err != nil {
		return decimal.Decimal{}, err
	}

	tr.log.Info("session closed",
		slog.String("session", s.ID.String()),
		slog.String("market", s.Market.String()),
		slog.String("price", price.String()),
		slog.String("pnl", pnl.String()))
	return pnl, nil
}
