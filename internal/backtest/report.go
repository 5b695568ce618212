package backtest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/market"
)

type Deal struct {
	Market     market.Market
	OpenTime   time.Time
	CloseTime  time.Time
	OpenPrice  decimal.Decimal
	ClosePrice decimal.Decimal
	Amount     decimal.Decimal
	PnL        decimal.Decimal
}

type ReportBuilder struct {
	log    *slog.Logger
	report JsonReport
	spent  decimal.Decimal
	gained decimal.Decimal
	mu     sync.Mutex
}

type JsonReport struct {
	TotalPnL    string                `json:"total_pnl,omitempty"`
	TotalPnLPct float64               `json:"total_pnl_pct,omitempty"`
	Deals       map[string][]JsonDeal `json:"deals,omitempty"`
}

type JsonDeal struct {
	OpenTime   time.Time `json:"open_time,omitzero,omitempty"`
	CloseTime  time.Time `json:"close_time,omitzero,omitempty"`
	OpenPrice  string    `json:"open_price,omitempty"`
	ClosePrice string    `json:"close_price,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	PnL        string    `json:"pnl,omitempty"`
}

func NewReportBuilder(log *slog.Logger) *ReportBuilder {
	return &ReportBuilder{
		log: log,
		report: JsonReport{
			Deals: map[string][]JsonDeal{},
		},
	}
}

func (r *ReportBuilder) Submit(d Deal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.Market.String()
	r.report.Deals[key] = append(r.report.Deals[key], JsonDeal{
		OpenTime:   d.OpenTime,
		CloseTime:  d.CloseTime,
		OpenPrice:  d.OpenPrice.String(),
		ClosePrice: d.ClosePrice.String(),
		Amount:     d.Amount.String(),
		PnL:        d.PnL.String(),
	})

	r.spent = r.spent.Add(d.OpenPrice.Mul(d.Amount))
	r.gained = r.gained.Add(d.PnL)
	r.report.TotalPnL = r.gained.String()

	if r.spent.IsZero() {
		return
	}

	pct, _ := r.gained.Div(r.spent).Float64()
	r.report.TotalPnLPct = pct

	r.log.Info("deal recorded",
		slog.String("market", key),
		slog.String("pnl", d.PnL.String()),
		slog.Time("open_time", d.OpenTime),
		slog.Time("close_time", d.CloseTime))
}

func (r *ReportBuilder) TotalPnL() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.gained
}

func (r *ReportBuilder) Write(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := json.NewEncoder(w)
	if err := e.Encode(r.report); err != nil {
		return fmt.Errorf("failed to write backtest report: %w", err)
	}

	return nil
}

func (r *ReportBuilder) WriteToFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = cerr
		}
	}()

	return r.Write(f)
}
