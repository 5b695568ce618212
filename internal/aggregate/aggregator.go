package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/market"
	"autotrade/internal/metrics"
	"autotrade/internal/store"
)

// LatePolicy decides what happens to a tick that arrives after its
// bucket was finalized.
type LatePolicy int

const (
	// LateDrop discards the tick with a warning.
	LateDrop LatePolicy = iota
	// LateConflict surfaces ErrLateTick so the caller can decide.
	LateConflict
)

var ErrLateTick = errors.New("tick arrived after bucket finalization")

type bucketKey struct {
	id    market.ID
	start time.Time
}

type bucket struct {
	market    market.Market
	start     time.Time
	open      decimal.Decimal
	high      decimal.Decimal
	low       decimal.Decimal
	close     decimal.Decimal
	volume    decimal.Decimal
	firstTick time.Time
	lastTick  time.Time
}

// Aggregator folds raw trade ticks into OHLCV bars of one fixed
// interval. Buckets stay open for late-arriving ticks until Finalize
// or until the grace period after bucket end elapses; only then is
// the bar emitted to the store.
type Aggregator struct {
	store    store.Store
	interval time.Duration
	grace    time.Duration
	tickTTL  time.Duration
	policy   LatePolicy
	log      *slog.Logger

	buckets map[bucketKey]*bucket
	sealed  map[market.ID]time.Time // high-water mark of finalized bucket starts
	now     func() time.Time
	mu      sync.Mutex
}

type Options struct {
	Interval time.Duration
	Grace    time.Duration
	TickTTL  time.Duration
	Policy   LatePolicy
}

func New(s store.Store, log *slog.Logger, opts Options) (*Aggregator, error) {
	if opts.Interval < time.Minute || opts.Interval%time.Minute != 0 {
		return nil, fmt.Errorf("aggregation interval %s is not a whole number of minutes", opts.Interval)
	}

	return &Aggregator{
		store:    s,
		interval: opts.Interval,
		grace:    opts.Grace,
		tickTTL:  opts.TickTTL,
		policy:   opts.Policy,
		log:      log,
		buckets:  make(map[bucketKey]*bucket),
		sealed:   make(map[market.ID]time.Time),
		now:      time.Now,
	}, nil
}

// Add folds one tick into its bucket. Persisting the raw tick is the
// feed consumer's job: one write per trade, no matter how many
// interval aggregators the trade fans out to.
func (a *Aggregator) Add(ctx context.Context, t market.Tick) error {
	t.Price = market.Quantize(t.Price)
	t.Volume = market.Quantize(t.Volume)
	if err := t.Validate(a.now()); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := t.Time.Truncate(a.interval)
	key := bucketKey{t.Market.ID(), start}

	b, ok := a.buckets[key]
	if !ok {
		if high, sealed := a.sealed[t.Market.ID()]; sealed && !start.After(high) {
			if a.policy == LateConflict {
				return fmt.Errorf("%s bucket %s: %w", t.Market, start, ErrLateTick)
			}

			metrics.LateTicksDropped.WithLabelValues(t.Market.String()).Inc()
			a.log.Warn("dropping late tick", "market", t.Market.String(), "bucket", start, "tick_time", t.Time)
			return nil
		}

		a.buckets[key] = &bucket{
			market:    t.Market,
			start:     start,
			open:      t.Price,
			high:      t.Price,
			low:       t.Price,
			close:     t.Price,
			volume:    t.Volume,
			firstTick: t.Time,
			lastTick:  t.Time,
		}
		return nil
	}

	// open/close follow tick time, not arrival order
	if t.Time.Before(b.firstTick) {
		b.open = t.Price
		b.firstTick = t.Time
	}
	if !t.Time.Before(b.lastTick) {
		b.close = t.Price
		b.lastTick = t.Time
	}

	b.high = decimal.Max(b.high, t.Price)
	b.low = decimal.Min(b.low, t.Price)
	b.volume = b.volume.Add(t.Volume)
	return nil
}

// Finalize seals one bucket and emits its bar. Sealing an empty
// bucket is a no-op: no trades means no row.
func (a *Aggregator) Finalize(ctx context.Context, m market.Market, start time.Time) error {
	a.mu.Lock()
	key := bucketKey{m.ID(), start.Truncate(a.interval)}
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
	}
	a.mu.Unlock()

	if !ok {
		return nil
	}

	return a.seal(ctx, key, b)
}

// FinalizeExpired seals every bucket whose end plus the grace period
// has passed.
func (a *Aggregator) FinalizeExpired(ctx context.Context, now time.Time) error {
	return a.finalizeWhere(ctx, func(b *bucket) bool {
		return !now.Before(b.start.Add(a.interval + a.grace))
	})
}

// FinalizeAll seals every open bucket regardless of grace. Used when
// a replay feed is exhausted.
func (a *Aggregator) FinalizeAll(ctx context.Context) error {
	return a.finalizeWhere(ctx, func(*bucket) bool { return true })
}

func (a *Aggregator) finalizeWhere(ctx context.Context, pred func(*bucket) bool) error {
	a.mu.Lock()
	due := make(map[bucketKey]*bucket)
	for key, b := range a.buckets {
		if pred(b) {
			due[key] = b
			delete(a.buckets, key)
		}
	}
	a.mu.Unlock()

	var errs []error
	for key, b := range due {
		if err := a.seal(ctx, key, b); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// seal emits the bucket's bar and advances the market's high-water
// mark. A transient storage failure puts the bucket back so a retried
// finalize still has the accumulated data; a conflict is terminal and
// seals the bucket regardless.
func (a *Aggregator) seal(ctx context.Context, key bucketKey, b *bucket) error {
	err := a.emit(ctx, b)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		a.restore(key, b)
		return err
	}

	a.mu.Lock()
	if b.start.After(a.sealed[key.id]) {
		a.sealed[key.id] = b.start
	}
	a.mu.Unlock()
	return err
}

func (a *Aggregator) restore(key bucketKey, b *bucket) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.buckets[key]
	if !ok {
		a.buckets[key] = b
		return
	}

	// ticks landed in a fresh bucket while the emit was in flight
	if b.firstTick.Before(cur.firstTick) {
		cur.open = b.open
		cur.firstTick = b.firstTick
	}
	if b.lastTick.After(cur.lastTick) {
		cur.close = b.close
		cur.lastTick = b.lastTick
	}
	cur.high = decimal.Max(cur.high, b.high)
	cur.low = decimal.Min(cur.low, b.low)
	cur.volume = cur.volume.Add(b.volume)
}

func (a *Aggregator) emit(ctx context.Context, b *bucket) error {
	bar := market.Bar{
		Market:   b.market,
		Interval: a.interval,
		Start:    b.start,
		Open:     b.open,
		High:     b.high,
		Low:      b.low,
		Close:    b.close,
		Volume:   b.volume,
	}

	if err := a.store.IngestBar(ctx, bar); err != nil {
		return fmt.Errorf("failed to emit bar %s %s: %w", b.market, b.start, err)
	}

	a.log.Debug("bar emitted", "market", b.market.String(), "start", b.start, "interval", a.interval.String())
	return nil
}

// Run consumes ticks until the channel closes or ctx is cancelled.
// Cancellation leaves open buckets intact so a later run can resume
// and finalize them; only an exhausted feed triggers FinalizeAll.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan market.Tick) error {
	flush := time.NewTicker(a.flushPeriod())
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-flush.C:
			if err := a.FinalizeExpired(ctx, a.now()); err != nil {
				a.log.Error("failed to finalize expired buckets", "error", err)
			}
			if a.tickTTL > 0 {
				if n, err := a.store.PruneTicks(ctx, a.now().Add(-a.tickTTL)); err != nil {
					a.log.Error("failed to prune ticks", "error", err)
				} else if n > 0 {
					a.log.Debug("pruned expired ticks", "count", n)
				}
			}

		case t, ok := <-ticks:
			if !ok {
				return a.FinalizeAll(ctx)
			}

			if err := a.Add(ctx, t); err != nil {
				a.log.Error("failed to aggregate tick", "market", t.Market.String(), "error", err)
			}
		}
	}
}

func (a *Aggregator) flushPeriod() time.Duration {
	p := a.grace
	if p <= 0 {
		p = a.interval
	}
	if p > time.Minute {
		p = time.Minute
	}
	return p
}
