package indicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/market"
	"autotrade/internal/store"
)

// ErrInsufficient reports that the lookback window does not hold
// enough data to compute a statistic. Backtests treat it as "hold",
// never as a hard failure.
var ErrInsufficient = errors.New("insufficient history")

// MinPeriods is the minimum number of populated periods required
// anywhere in the lookback window before an average is computable.
const MinPeriods = 5

type Field int

const (
	Open Field = iota
	High
	Low
	Close
	Volume
)

func (f Field) of(b market.Bar) decimal.Decimal {
	switch f {
	case Open:
		return b.Open
	case High:
		return b.High
	case Low:
		return b.Low
	case Close:
		return b.Close
	case Volume:
		return b.Volume
	default:
		panic(fmt.Sprintf("unknown field %d", f))
	}
}

// Average is a rolling statistic anchored at a reference period. When
// the reference period itself has no bar there is no current price to
// compare against, and both flags stay false.
type Average struct {
	Value        decimal.Decimal
	Periods      int
	AboveCurrent bool
	BelowCurrent bool
}

func (a *Average) compare(bars []market.Bar, ref time.Time, field Field) {
	for _, b := range bars {
		if b.Start.Equal(ref) {
			now := field.of(b)
			a.AboveCurrent = a.Value.GreaterThan(now)
			a.BelowCurrent = a.Value.LessThan(now)
			return
		}
	}
}

// lookback loads the most recent window periods ending at refTs
// inclusive. Periods without data are skipped rather than treated as
// zero - a deliberate tolerance for gappy exchange history.
func lookback(ctx context.Context, s store.Store, m market.Market, interval time.Duration, refTs time.Time, window int) ([]market.Bar, time.Time, error) {
	if window < 1 {
		return nil, time.Time{}, fmt.Errorf("window must be positive, got %d", window)
	}

	ref := refTs.Truncate(interval)
	from := ref.Add(-time.Duration(window-1) * interval)
	to := ref.Add(interval)

	cur, err := s.QueryRange(ctx, m, interval, from, to)
	if err != nil {
		return nil, ref, fmt.Errorf("failed to query lookback window: %w", err)
	}

	bars, err := store.Collect(cur)
	if err != nil {
		return nil, ref, fmt.Errorf("failed to read lookback window: %w", err)
	}

	if len(bars) < MinPeriods {
		return nil, ref, fmt.Errorf("only %d periods have data, need %d: %w", len(bars), MinPeriods, ErrInsufficient)
	}

	return bars, ref, nil
}

// RollingAverage computes the plain mean of a bar field over the
// populated periods of the window.
func RollingAverage(ctx context.Context, s store.Store, m market.Market, interval time.Duration, refTs time.Time, field Field, window int) (Average, error) {
	bars, ref, err := lookback(ctx, s, m, interval, refTs, window)
	if err != nil {
		return Average{}, err
	}

	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(field.of(b))
	}

	avg := Average{
		Value:   sum.Div(decimal.NewFromInt(int64(len(bars)))),
		Periods: len(bars),
	}
	avg.compare(bars, ref, field)
	return avg, nil
}

// ExponentialAverage weights recent periods more heavily than the
// plain mean, smoothing over the populated periods with the standard
// 2/(n+1) factor.
func ExponentialAverage(ctx context.Context, s store.Store, m market.Market, interval time.Duration, refTs time.Time, field Field, window int) (Average, error) {
	bars, ref, err := lookback(ctx, s, m, interval, refTs, window)
	if err != nil {
		return Average{}, err
	}

	vals := make([]float64, len(bars))
	for i, b := range bars {
		vals[i], _ = field.of(b).Float64()
	}

	smoothed := ema(vals, len(vals))
	avg := Average{
		Value:   decimal.NewFromFloat(smoothed[len(smoothed)-1]),
		Periods: len(bars),
	}
	avg.compare(bars, ref, field)
	return avg, nil
}
