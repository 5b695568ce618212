package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/indicator"
	"autotrade/internal/market"
	"autotrade/internal/session"
	"autotrade/internal/store"
)

type Config struct {
	Market         market.Market
	Interval       time.Duration
	Window         int
	Start          time.Time
	End            time.Time
	BuyConfidence  float64
	SellConfidence float64
	MaxScale       float64
	// FixedSize opens every session with the same base-currency size
	// instead of scaling by signal confidence. Zero means scale.
	FixedSize float64
	// Exponential switches the signal to the ema-smoothed average.
	Exponential bool
	// TakeProfit/StopLoss are price ratios against the entry price,
	// e.g. 1.05 and 0.95. Zero disables the rule.
	TakeProfit float64
	StopLoss   float64
}

type EquityPoint struct {
	Time   time.Time
	Equity decimal.Decimal
}

type Result struct {
	Basket *session.BigSession
	Equity []EquityPoint
}

// Simulator replays stored bars through the rolling-average signal,
// opening and closing hypothetical sessions against an account. It
// never mutates price data; a simulation can be re-run from the same
// store at will.
type Simulator struct {
	store   store.Store
	tracker *session.Tracker
	acc     *session.Account
	report  *ReportBuilder
	scaler  positionScaler
	cfg     Config
	log     *slog.Logger
}

type positionScaler interface {
	GetSize(budget decimal.Decimal, confidence float64) decimal.Decimal
}

func NewSimulator(s store.Store, tracker *session.Tracker, acc *session.Account, report *ReportBuilder, log *slog.Logger, cfg Config) (*Simulator, error) {
	if cfg.Window < indicator.MinPeriods {
		return nil, fmt.Errorf("window %d is below the minimum of %d periods", cfg.Window, indicator.MinPeriods)
	}

	if !cfg.Start.Before(cfg.End) {
		return nil, fmt.Errorf("start %s is not before end %s", cfg.Start, cfg.End)
	}

	scale := cfg.MaxScale
	if scale <= 0 {
		scale = 1
	}

	var scaler positionScaler = &LinearScaler{MaxScale: scale}
	if cfg.FixedSize > 0 {
		scaler = &ConstScaler{Size: decimal.NewFromFloat(cfg.FixedSize)}
	}

	return &Simulator{
		store:   s,
		tracker: tracker,
		acc:     acc,
		report:  report,
		scaler:  scaler,
		cfg:     cfg,
		log:     log,
	}, nil
}

func (sim *Simulator) Run(ctx context.Context) (*Result, error) {
	mr := &indicator.MeanReversion{
		Store:       sim.store,
		Market:      sim.cfg.Market,
		Interval:    sim.cfg.Interval,
		Field:       indicator.Close,
		Window:      sim.cfg.Window,
		Exponential: sim.cfg.Exponential,
	}

	res := &Result{Basket: session.NewBigSession(sim.cfg.Market)}

	var open *session.SmallSession
	cur := alignUp(sim.cfg.Start, sim.cfg.Interval)
	for ; cur.Before(sim.cfg.End); cur = cur.Add(sim.cfg.Interval) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		mark, err := sim.store.LatestBefore(ctx, sim.cfg.Market, sim.cfg.Interval, cur)
		if errors.Is(err, market.ErrNotFound) {
			continue // no price yet, nothing to decide
		}
		if err != nil {
			return res, fmt.Errorf("failed to resolve mark price: %w", err)
		}

		price := mark.Close

		if open != nil && sim.needExit(open, price) {
			if open, err = sim.closeSession(ctx, res, open, price, cur); err != nil {
				return res, err
			}
		}

		sig, err := mr.GetSignal(ctx, cur)
		if err != nil {
			return res, fmt.Errorf("failed to get signal at %s: %w", cur, err)
		}

		switch {
		case open == nil && sig.Act == indicator.ActBuy && sig.Confidence >= sim.cfg.BuyConfidence:
			open, err = sim.openSession(ctx, res, price, cur, sig.Confidence)
			if err != nil {
				return res, err
			}

		case open != nil && sig.Act == indicator.ActSell && sig.Confidence >= sim.cfg.SellConfidence:
			if open, err = sim.closeSession(ctx, res, open, price, cur); err != nil {
				return res, err
			}
		}

		res.Equity = append(res.Equity, EquityPoint{Time: cur, Equity: sim.equity(price)})
	}

	// leave no position dangling past the simulation end
	if open != nil {
		if mark, err := sim.store.LatestBefore(ctx, sim.cfg.Market, sim.cfg.Interval, cur); err == nil {
			if _, err := sim.closeSession(ctx, res, open, mark.Close, cur); err != nil {
				return res, err
			}
		}
	}

	return res, nil
}

func (sim *Simulator) openSession(ctx context.Context, res *Result, price decimal.Decimal, at time.Time, confidence float64) (*session.SmallSession, error) {
	budget := sim.acc.Balance(sim.cfg.Market.Base)
	size := sim.scaler.GetSize(budget, confidence)
	if !size.IsPositive() {
		return nil, nil
	}

	amount := size.Div(price)
	s, err := sim.tracker.Open(ctx, sim.acc, sim.cfg.Market, price, amount, at)
	if errors.Is(err, session.ErrInsufficientBalance) {
		sim.log.Warn("skipping entry, balance too low", "market", sim.cfg.Market.String(), "time", at)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	if err := res.Basket.AddSession(s); err != nil {
		return nil, err
	}

	return s, nil
}

func (sim *Simulator) closeSession(ctx context.Context, res *Result, s *session.SmallSession, price decimal.Decimal, at time.Time) (*session.SmallSession, error) {
	pnl, err := sim.tracker.Close(ctx, sim.acc, s, price, at)
	if err != nil {
		return s, fmt.Errorf("failed to close session: %w", err)
	}

	sim.report.Submit(Deal{
		Market:     s.Market,
		OpenTime:   s.OpenedAt,
		CloseTime:  at,
		OpenPrice:  s.StartedPrice,
		ClosePrice: price,
		Amount:     s.Amount,
		PnL:        pnl,
	})
	return nil, nil
}

func (sim *Simulator) needExit(s *session.SmallSession, mark decimal.Decimal) bool {
	if sim.cfg.TakeProfit <= 0 && sim.cfg.StopLoss <= 0 {
		return false
	}

	pct, _ := mark.Div(s.StartedPrice).Float64()
	if sim.cfg.TakeProfit > 0 && pct >= sim.cfg.TakeProfit {
		return true
	}

	return sim.cfg.StopLoss > 0 && pct <= sim.cfg.StopLoss
}

func (sim *Simulator) equity(mark decimal.Decimal) decimal.Decimal {
	base := sim.acc.Balance(sim.cfg.Market.Base)
	holding := sim.acc.Balance(sim.cfg.Market.Quote)
	return base.Add(holding.Mul(mark))
}

func alignUp(t time.Time, interval time.Duration) time.Time {
	aligned := t.Truncate(interval)
	if aligned.Before(t) {
		aligned = aligned.Add(interval)
	}
	return aligned
}
