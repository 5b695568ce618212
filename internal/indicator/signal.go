package indicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrade/internal/market"
	"autotrade/internal/store"
)

type Action int

const (
	ActBuy  Action = 1
	ActHold Action = 0
	ActSell Action = -1
)

func (a Action) String() string {
	switch a {
	case ActBuy:
		return "ACT_BUY"
	case ActHold:
		return "ACT_HOLD"
	case ActSell:
		return "ACT_SELL"
	default:
		return fmt.Sprintf("ACT_%d", a)
	}
}

type Signal struct {
	Act        Action
	Confidence float64
}

// MeanReversion signals buy when price trades below its rolling
// average and sell when above it. Confidence is the relative
// deviation of price from the average, capped at 1.
type MeanReversion struct {
	Store    store.Store
	Market   market.Market
	Interval time.Duration
	Field    Field
	Window   int

	// Exponential smooths the average towards recent periods instead
	// of weighting all populated periods equally.
	Exponential bool
}

func (mr *MeanReversion) GetSignal(ctx context.Context, refTs time.Time) (Signal, error) {
	average := RollingAverage
	if mr.Exponential {
		average = ExponentialAverage
	}

	avg, err := average(ctx, mr.Store, mr.Market, mr.Interval, refTs, mr.Field, mr.Window)
	if errors.Is(err, ErrInsufficient) {
		return Signal{Act: ActHold}, nil
	}
	if err != nil {
		return Signal{}, err
	}

	cur, err := mr.Store.LatestBefore(ctx, mr.Market, mr.Interval, refTs)
	if err != nil {
		return Signal{Act: ActHold}, nil
	}

	price := mr.Field.of(cur)
	if price.IsZero() {
		return Signal{Act: ActHold}, nil
	}

	deviation, _ := avg.Value.Sub(price).Div(price).Float64()
	confidence := deviation
	if confidence < 0 {
		confidence = -confidence
	}
	if confidence > 1 {
		confidence = 1
	}

	switch {
	case avg.AboveCurrent:
		return Signal{Act: ActBuy, Confidence: confidence}, nil
	case avg.BelowCurrent:
		return Signal{Act: ActSell, Confidence: confidence}, nil
	default:
		return Signal{Act: ActHold}, nil
	}
}

// ema computes an exponential moving average series over data with
// the standard 2/(n+1) smoothing factor.
func ema(data []float64, period int) []float64 {
	if len(data) < period {
		panic("not enough data to compute ema")
	}

	ema := make([]float64, len(data))
	ema[0] = data[0]

	a := 2.0 / (float64(period) + 1)
	for i, val := range data[1:] {
		ema[i+1] = val*a + ema[i]*(1-a)
	}

	return ema
}
