package backtest

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/market"
	"autotrade/internal/session"
	"autotrade/internal/store"
)

var t0 = time.Date(2016, 12, 1, 0, 0, 0, 0, time.UTC)

func testMarket(t *testing.T) market.Market {
	t.Helper()
	m, err := market.New("USD", "BTC", "BITFINEX")
	require.NoError(t, err)
	return m
}

func seedCloses(t *testing.T, s store.Store, m market.Market, closes []float64) {
	t.Helper()
	ctx := context.Background()
	for i, c := range closes {
		lo, hi := c, c
		if i > 0 {
			prev := closes[i-1]
			if prev < lo {
				lo = prev
			}
			if prev > hi {
				hi = prev
			}
		}
		b := market.Bar{
			Market:   m,
			Interval: time.Minute,
			Start:    t0.Add(time.Duration(i) * time.Minute),
			Open:     decimal.NewFromFloat(closes[max(i-1, 0)]),
			High:     decimal.NewFromFloat(hi),
			Low:      decimal.NewFromFloat(lo),
			Close:    decimal.NewFromFloat(c),
			Volume:   decimal.NewFromInt(1),
		}
		require.NoError(t, s.IngestBar(ctx, b))
	}
}

func newSim(t *testing.T, s store.Store, acc *session.Account, cfg Config) (*Simulator, *ReportBuilder) {
	t.Helper()
	log := slog.Default()
	report := NewReportBuilder(log)
	tracker := session.NewTracker(log, nil)
	sim, err := NewSimulator(s, tracker, acc, report, log, cfg)
	require.NoError(t, err)
	return sim, report
}

func TestSimulatorBuysDipAndSellsRecovery(t *testing.T) {
	s := store.NewMemory()
	m := testMarket(t)

	// flat market, a dip, then a recovery above the average
	closes := []float64{
		100, 100, 100, 100, 100, 100, 100, 100, 100, 100,
		80, 90, 100, 110, 120, 120, 120, 120, 120, 120,
	}
	seedCloses(t, s, m, closes)

	acc := session.NewAccount("BITFINEX")
	require.NoError(t, acc.Deposit("USD", decimal.NewFromInt(1000)))

	sim, report := newSim(t, s, acc, Config{
		Market:   m,
		Interval: time.Minute,
		Window:   10,
		Start:    t0,
		End:      t0.Add(20 * time.Minute),
	})

	res, err := sim.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, res.Basket.ClosedSessions())
	assert.Empty(t, res.Basket.OpenSessions())
	assert.NotEmpty(t, res.Equity)

	pnl := report.TotalPnL()
	assert.True(t, pnl.IsPositive(), "pnl = %s", pnl)

	// every session is settled, so the account holds initial + pnl
	want := decimal.NewFromInt(1000).Add(pnl)
	assert.True(t, acc.Balance("USD").Equal(want), "balance = %s, want %s", acc.Balance("USD"), want)
	assert.True(t, acc.Balance("BTC").IsZero())
}

func TestSimulatorHoldsOnFlatMarket(t *testing.T) {
	s := store.NewMemory()
	m := testMarket(t)

	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	seedCloses(t, s, m, closes)

	acc := session.NewAccount("BITFINEX")
	require.NoError(t, acc.Deposit("USD", decimal.NewFromInt(1000)))

	sim, report := newSim(t, s, acc, Config{
		Market:   m,
		Interval: time.Minute,
		Window:   10,
		Start:    t0,
		End:      t0.Add(20 * time.Minute),
	})

	res, err := sim.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.Basket.ClosedSessions())
	assert.True(t, report.TotalPnL().IsZero())
	assert.True(t, acc.Balance("USD").Equal(decimal.NewFromInt(1000)))
}

func TestSimulatorStopLossExit(t *testing.T) {
	s := store.NewMemory()
	m := testMarket(t)

	// dip triggers a buy, then the market keeps falling through the
	// stop-loss level without ever producing a sell signal
	closes := []float64{
		100, 100, 100, 100, 100, 100, 100, 100, 100, 100,
		90, 85, 80, 70, 60, 50, 45, 40, 35, 30,
	}
	seedCloses(t, s, m, closes)

	acc := session.NewAccount("BITFINEX")
	require.NoError(t, acc.Deposit("USD", decimal.NewFromInt(1000)))

	sim, report := newSim(t, s, acc, Config{
		Market:   m,
		Interval: time.Minute,
		Window:   10,
		Start:    t0,
		End:      t0.Add(20 * time.Minute),
		StopLoss: 0.9,
	})

	res, err := sim.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, res.Basket.ClosedSessions())
	assert.True(t, report.TotalPnL().IsNegative())
}

func TestSimulatorTooShortHistory(t *testing.T) {
	s := store.NewMemory()
	m := testMarket(t)

	// below the indicator minimum everywhere: simulator holds
	seedCloses(t, s, m, []float64{100, 100, 100})

	acc := session.NewAccount("BITFINEX")
	require.NoError(t, acc.Deposit("USD", decimal.NewFromInt(1000)))

	sim, report := newSim(t, s, acc, Config{
		Market:   m,
		Interval: time.Minute,
		Window:   10,
		Start:    t0,
		End:      t0.Add(3 * time.Minute),
	})

	_, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.TotalPnL().IsZero())
}

func TestSimulatorConfigValidation(t *testing.T) {
	s := store.NewMemory()
	m := testMarket(t)
	log := slog.Default()

	_, err := NewSimulator(s, session.NewTracker(log, nil), session.NewAccount("X"), NewReportBuilder(log), log, Config{
		Market:   m,
		Interval: time.Minute,
		Window:   2, // below indicator minimum
		Start:    t0,
		End:      t0.Add(time.Hour),
	})
	assert.Error(t, err)

	_, err = NewSimulator(s, session.NewTracker(log, nil), session.NewAccount("X"), NewReportBuilder(log), log, Config{
		Market:   m,
		Interval: time.Minute,
		Window:   10,
		Start:    t0.Add(time.Hour),
		End:      t0,
	})
	assert.Error(t, err)
}

func TestReportWrite(t *testing.T) {
	m := testMarket(t)
	r := NewReportBuilder(slog.Default())

	r.Submit(Deal{
		Market:     m,
		OpenTime:   t0,
		CloseTime:  t0.Add(time.Hour),
		OpenPrice:  decimal.NewFromInt(100),
		ClosePrice: decimal.NewFromInt(110),
		Amount:     decimal.NewFromInt(2),
		PnL:        decimal.NewFromInt(20),
	})

	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))

	out := buf.String()
	assert.Contains(t, out, `"total_pnl":"20"`)
	assert.Contains(t, out, "BITFINEX:USD:BTC")
	assert.Contains(t, out, `"pnl":"20"`)
}

func TestDumpBars(t *testing.T) {
	s := store.NewMemory()
	m := testMarket(t)
	seedCloses(t, s, m, []float64{100, 101, 102})

	cur, err := s.QueryRange(context.Background(), m, time.Minute, t0, t0.Add(3*time.Minute))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpBars(&buf, cur))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "timestamp,open,high,low,close,volume", lines[0])
	assert.Contains(t, lines[1], "100")
}
