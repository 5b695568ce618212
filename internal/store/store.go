package store

import (
	"context"
	"errors"
	"time"

	"autotrade/internal/market"
)

var (
	// ErrConflict reports an ingestion that would rewrite an already
	// stored bar with different values. The store never picks between
	// competing histories; the caller has to resolve it.
	ErrConflict = errors.New("conflicting bar at existing key")

	// ErrUnavailable reports a transient storage failure. Callers may
	// retry with backoff; the store itself never retries.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store persists price data partitioned by (market, interval). Writes
// to different partitions never block each other; writes to the same
// partition are serialized so the conflict rule stays well-defined.
type Store interface {
	IngestBar(ctx context.Context, b market.Bar) error
	IngestTick(ctx context.Context, t market.Tick) error

	// QueryRange streams bars with from <= start < to in time order.
	// The cursor is finite and single-use; re-issue the query to
	// iterate again.
	QueryRange(ctx context.Context, m market.Market, interval time.Duration, from, to time.Time) (Cursor, error)

	// LatestBefore returns the most recent bar with start <= ts, or
	// market.ErrNotFound when the partition holds nothing that early.
	LatestBefore(ctx context.Context, m market.Market, interval time.Duration, ts time.Time) (market.Bar, error)

	Ticks(ctx context.Context, m market.Market, from, to time.Time) ([]market.Tick, error)

	// PruneTicks drops ticks older than the cutoff and reports how
	// many were removed. Bars derived from them are unaffected.
	PruneTicks(ctx context.Context, olderThan time.Time) (int, error)
}

type Cursor interface {
	Next() (market.Bar, bool)
	Err() error
	Close()
}

type sliceCursor struct {
	bars []market.Bar
	pos  int
}

func (c *sliceCursor) Next() (market.Bar, bool) {
	if c.pos >= len(c.bars) {
		return market.Bar{}, false
	}

	b := c.bars[c.pos]
	c.pos++
	return b, true
}

func (c *sliceCursor) Err() error { return nil }
func (c *sliceCursor) Close()     {}

// Collect drains a cursor into a slice, closing it afterwards.
func Collect(c Cursor) ([]market.Bar, error) {
	defer c.Close()

	var bars []market.Bar
	for b, ok := c.Next(); ok; b, ok = c.Next() {
		bars = append(bars, b)
	}

	return bars, c.Err()
}
