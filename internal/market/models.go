package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidBar = errors.New("invalid bar")

// FracDigits is the fractional precision of all stored prices and
// volumes, matching the NUMERIC(24,8) columns of the relational schema.
const FracDigits = 8

func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(FracDigits)
}

type Bar struct {
	Market   Market
	Interval time.Duration
	Start    time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Validate checks the storage invariants: a sane interval, an aligned
// period start no later than now, low <= open,close <= high and a
// strictly positive volume. Zero-volume periods are represented by the
// absence of a bar, never by a stored zero.
func (b Bar) Validate(now time.Time) error {
	if b.Interval < time.Minute || b.Interval%time.Minute != 0 {
		return fmt.Errorf("%w: interval %s is not a whole number of minutes", ErrInvalidBar, b.Interval)
	}

	if !b.Start.Truncate(b.Interval).Equal(b.Start) {
		return fmt.Errorf("%w: start %s is not aligned to interval %s", ErrInvalidBar, b.Start, b.Interval)
	}

	if b.Start.After(now) {
		return fmt.Errorf("%w: start %s is in the future", ErrInvalidBar, b.Start)
	}

	if !b.Volume.IsPositive() {
		return fmt.Errorf("%w: volume %s is not positive", ErrInvalidBar, b.Volume)
	}

	if b.Low.GreaterThan(b.High) {
		return fmt.Errorf("%w: low %s above high %s", ErrInvalidBar, b.Low, b.High)
	}

	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("%w: open %s outside [%s, %s]", ErrInvalidBar, b.Open, b.Low, b.High)
	}

	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("%w: close %s outside [%s, %s]", ErrInvalidBar, b.Close, b.Low, b.High)
	}

	return nil
}

// Equal compares the payload of two bars at the same key. Used to tell
// an idempotent re-ingest from a conflicting rewrite.
func (b Bar) Equal(o Bar) bool {
	return b.Market == o.Market &&
		b.Interval == o.Interval &&
		b.Start.Equal(o.Start) &&
		b.Open.Equal(o.Open) &&
		b.High.Equal(o.High) &&
		b.Low.Equal(o.Low) &&
		b.Close.Equal(o.Close) &&
		b.Volume.Equal(o.Volume)
}

func (b Bar) Quantized() Bar {
	b.Open = Quantize(b.Open)
	b.High = Quantize(b.High)
	b.Low = Quantize(b.Low)
	b.Close = Quantize(b.Close)
	b.Volume = Quantize(b.Volume)
	return b
}

type Tick struct {
	Market Market
	Time   time.Time
	Price  decimal.Decimal
	Volume decimal.Decimal
}

func (t Tick) Validate(now time.Time) error {
	if t.Time.After(now) {
		return fmt.Errorf("%w: tick time %s is in the future", ErrInvalidBar, t.Time)
	}

	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: tick price %s is not positive", ErrInvalidBar, t.Price)
	}

	if !t.Volume.IsPositive() {
		return fmt.Errorf("%w: tick volume %s is not positive", ErrInvalidBar, t.Volume)
	}

	return nil
}
