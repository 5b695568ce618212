package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrade/internal/market"
)

var ErrInvalidTransition = errors.New("invalid session state transition")

type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE_%d", s)
	}
}

// SmallSession is one atomic hypothetical position: exactly one entry
// and eventually one matching exit. It cannot be partially filled or
// topped up; scaling is expressed by holding several SmallSessions in
// a BigSession instead.
type SmallSession struct {
	ID           uuid.UUID
	Market       market.Market
	StartedPrice decimal.Decimal
	Amount       decimal.Decimal
	OpenedAt     time.Time

	ClosedPrice decimal.Decimal
	ClosedAt    time.Time

	state State
}

func newSmallSession(m market.Market, price, amount decimal.Decimal, at time.Time) *SmallSession {
	return &SmallSession{
		ID:           uuid.New(),
		Market:       m,
		StartedPrice: price,
		Amount:       amount,
		OpenedAt:     at,
		state:        StateOpen,
	}
}

func (s *SmallSession) State() State {
	return s.state
}

func (s *SmallSession) close(price decimal.Decimal, at time.Time) error {
	if s.state != StateOpen {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrInvalidTransition)
	}

	s.ClosedPrice = price
	s.ClosedAt = at
	s.state = StateClosed
	return nil
}

// PnL is the realized profit of a closed session:
// (closedPrice - startedPrice) * amount.
func (s *SmallSession) PnL() (decimal.Decimal, error) {
	if s.state != StateClosed {
		return decimal.Decimal{}, fmt.Errorf("session %s is still %s: %w", s.ID, s.state, ErrInvalidTransition)
	}

	return s.ClosedPrice.Sub(s.StartedPrice).Mul(s.Amount), nil
}

// UnrealizedPnL marks an open session against the given price.
func (s *SmallSession) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(s.StartedPrice).Mul(s.Amount)
}

// BigSession is a basket of independent SmallSessions on one market,
// modelling scaled-in or scaled-out strategies as several atomic
// units rather than one mutable position.
type BigSession struct {
	Market   market.Market
	sessions []*SmallSession
}

func NewBigSession(m market.Market) *BigSession {
	return &BigSession{Market: m}
}

func (b *BigSession) AddSession(s *SmallSession) error {
	if s.Market != b.Market {
		return fmt.Errorf("session market %s does not match basket market %s", s.Market, b.Market)
	}

	b.sessions = append(b.sessions, s)
	return nil
}

func (b *BigSession) OpenSessions() []*SmallSession {
	return b.filter(StateOpen)
}

func (b *BigSession) ClosedSessions() []*SmallSession {
	return b.filter(StateClosed)
}

func (b *BigSession) filter(state State) []*SmallSession {
	var res []*SmallSession
	for _, s := range b.sessions {
		if s.state == state {
			res = append(res, s)
		}
	}

	return res
}

// AggregatePnL sums realized profit of closed sessions with the
// unrealized profit of open ones marked at the given price.
func (b *BigSession) AggregatePnL(markPrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, s := range b.sessions {
		switch s.state {
		case StateClosed:
			pnl, _ := s.PnL()
			total = total.Add(pnl)
		case StateOpen:
			total = total.Add(s.UnrealizedPnL(markPrice))
		}
	}

	return total
}
