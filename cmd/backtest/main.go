package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"autotrade/internal/backtest"
	"autotrade/internal/config"
	"autotrade/internal/feed"
	"autotrade/internal/market"
	"autotrade/internal/session"
	"autotrade/internal/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.ReadFromFile(os.Getenv("CONFIG"))
	if err != nil {
		log.Fatal(err)
	}

	if err := run(ctx, slog.Default(), cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	bt := cfg.Backtest

	m, err := market.New(bt.Market.Base, bt.Market.Quote, bt.Market.Exchange)
	if err != nil {
		return fmt.Errorf("invalid backtest market: %w", err)
	}

	st, cleanup, err := openStore(ctx, cfg.StorageRef)
	if err != nil {
		return err
	}
	defer cleanup()

	if bt.Data != "" {
		n, err := feed.LoadBars(ctx, st, m, bt.Interval.Std(), bt.Data)
		if err != nil {
			return fmt.Errorf("failed to load bar fixture: %w", err)
		}
		logger.Info("bar fixture loaded", slog.String("path", bt.Data), slog.Int("bars", n))
	}

	acc := session.NewAccount(m.Exchange)
	if err := acc.Deposit(m.Base, decimal.NewFromFloat(bt.Balance)); err != nil {
		return err
	}

	var commission session.Commission
	if bt.OpenCommission > 0 || bt.CloseCommission > 0 {
		commission = session.NewFixedRateCommission(bt.OpenCommission, bt.CloseCommission)
	}
	tracker := session.NewTracker(logger, commission)
	report := backtest.NewReportBuilder(logger)

	sim, err := backtest.NewSimulator(st, tracker, acc, report, logger, backtest.Config{
		Market:         m,
		Interval:       bt.Interval.Std(),
		Window:         bt.Window,
		Start:          bt.Start,
		End:            bt.End,
		BuyConfidence:  bt.BuyConfidence,
		SellConfidence: bt.SellConfidence,
		MaxScale:       bt.MaxScale,
		FixedSize:      bt.FixedSize,
		Exponential:    bt.Exponential,
		TakeProfit:     bt.TakeProfit,
		StopLoss:       bt.StopLoss,
	})
	if err != nil {
		return err
	}

	res, err := sim.Run(ctx)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	logger.Info("simulation finished",
		slog.Int("closed_sessions", len(res.Basket.ClosedSessions())),
		slog.String("total_pnl", report.TotalPnL().String()),
		slog.String("final_balance", acc.Balance(m.Base).String()))

	if bt.Report != "" {
		if err := report.WriteToFile(bt.Report); err != nil {
			return err
		}
	} else if err := report.Write(os.Stdout); err != nil {
		return err
	}

	if bt.Dump != "" {
		if err := dumpBars(ctx, st, m, cfg); err != nil {
			return err
		}
	}

	if bt.Plot != "" {
		if err := writePlot(ctx, st, m, cfg, res); err != nil {
			return err
		}
	}

	return nil
}

func dumpBars(ctx context.Context, st store.Store, m market.Market, cfg *config.Config) error {
	bt := cfg.Backtest

	f, err := os.Create(bt.Dump)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer f.Close()

	cur, err := st.QueryRange(ctx, m, bt.Interval.Std(), bt.Start, bt.End)
	if err != nil {
		return err
	}

	return backtest.DumpBars(f, cur)
}

func writePlot(ctx context.Context, st store.Store, m market.Market, cfg *config.Config, res *backtest.Result) error {
	bt := cfg.Backtest

	cur, err := st.QueryRange(ctx, m, bt.Interval.Std(), bt.Start, bt.End)
	if err != nil {
		return err
	}

	bars, err := store.Collect(cur)
	if err != nil {
		return err
	}

	p := backtest.NewResultPlot(1200, 300)
	if err := p.AddPrices(bars); err != nil {
		return err
	}
	if err := p.AddEquity(res.Equity); err != nil {
		return err
	}

	return p.Save(bt.Plot)
}

func openStore(ctx context.Context, ref config.StorageReference) (store.Store, func(), error) {
	switch s := ref.Storage.(type) {
	case config.Postgres:
		pg, err := store.NewPostgres(ctx, s.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return pg, pg.Close, nil
	case config.Memory, nil:
		return store.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %T", s)
	}
}
