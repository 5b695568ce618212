package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/market"
)

var t0 = time.Date(2016, 12, 1, 0, 0, 0, 0, time.UTC)

func testMarket(t *testing.T, base string) market.Market {
	t.Helper()
	m, err := market.New(base, "USD", "BITFINEX")
	require.NoError(t, err)
	return m
}

func bar(m market.Market, start time.Time, o, h, l, c, v float64) market.Bar {
	return market.Bar{
		Market:   m,
		Interval: time.Minute,
		Start:    start,
		Open:     decimal.NewFromFloat(o),
		High:     decimal.NewFromFloat(h),
		Low:      decimal.NewFromFloat(l),
		Close:    decimal.NewFromFloat(c),
		Volume:   decimal.NewFromFloat(v),
	}
}

func TestIngestBarRejectsInvalid(t *testing.T) {
	s := NewMemory()
	m := testMarket(t, "BTC")
	ctx := context.Background()

	bad := bar(m, t0, 100, 99, 100, 100, 1) // high below open
	assert.ErrorIs(t, s.IngestBar(ctx, bad), market.ErrInvalidBar)

	zero := bar(m, t0, 100, 100, 100, 100, 0)
	assert.ErrorIs(t, s.IngestBar(ctx, zero), market.ErrInvalidBar)

	bars, err := Collect(mustQuery(t, s, m, t0, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestIngestBarIdempotentAndConflicting(t *testing.T) {
	s := NewMemory()
	m := testMarket(t, "BTC")
	ctx := context.Background()

	b := bar(m, t0, 100, 105, 99, 104, 3)
	require.NoError(t, s.IngestBar(ctx, b))

	// identical payload at the same key is a no-op
	assert.NoError(t, s.IngestBar(ctx, b))

	// differing payload at the same key is a conflict
	diff := b
	diff.Close = decimal.NewFromInt(103)
	assert.ErrorIs(t, s.IngestBar(ctx, diff), ErrConflict)

	bars, err := Collect(mustQuery(t, s, m, t0, t0.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Close.Equal(decimal.NewFromInt(104)))
}

func TestQueryRangeOrderedAndRestartable(t *testing.T) {
	s := NewMemory()
	m := testMarket(t, "BTC")
	ctx := context.Background()

	// insert out of order
	for _, off := range []int{3, 0, 2, 1} {
		start := t0.Add(time.Duration(off) * time.Minute)
		require.NoError(t, s.IngestBar(ctx, bar(m, start, 100, 101, 99, 100, 1)))
	}

	for run := 0; run < 2; run++ {
		bars, err := Collect(mustQuery(t, s, m, t0, t0.Add(4*time.Minute)))
		require.NoError(t, err)
		require.Len(t, bars, 4)
		for i := 1; i < len(bars); i++ {
			assert.True(t, bars[i-1].Start.Before(bars[i].Start))
		}
	}

	// half-open range: to is exclusive
	bars, err := Collect(mustQuery(t, s, m, t0, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Len(t, bars, 2)
}

func TestLatestBefore(t *testing.T) {
	s := NewMemory()
	m := testMarket(t, "BTC")
	ctx := context.Background()

	// gap between minute 0 and minute 5
	require.NoError(t, s.IngestBar(ctx, bar(m, t0, 100, 101, 99, 100, 1)))
	require.NoError(t, s.IngestBar(ctx, bar(m, t0.Add(5*time.Minute), 110, 111, 109, 110, 1)))

	b, err := s.LatestBefore(ctx, m, time.Minute, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, b.Start.Equal(t0))

	b, err = s.LatestBefore(ctx, m, time.Minute, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, b.Start.Equal(t0.Add(5*time.Minute)))

	_, err = s.LatestBefore(ctx, m, time.Minute, t0.Add(-time.Minute))
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestTickIngestAndPrune(t *testing.T) {
	s := NewMemory()
	m := testMarket(t, "BTC")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tick := market.Tick{
			Market: m,
			Time:   t0.Add(time.Duration(i) * time.Minute),
			Price:  decimal.NewFromInt(100),
			Volume: decimal.NewFromInt(1),
		}
		require.NoError(t, s.IngestTick(ctx, tick))
	}

	// duplicate ticks are legitimate distinct trades
	dup := market.Tick{Market: m, Time: t0, Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1)}
	require.NoError(t, s.IngestTick(ctx, dup))

	ticks, err := s.Ticks(ctx, m, t0, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, ticks, 6)

	n, err := s.PruneTicks(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ticks, err = s.Ticks(ctx, m, t0, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, ticks, 3)
}

func TestConcurrentIngestAcrossPartitions(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		m := testMarket(t, fmt.Sprintf("SYM%d", i))
		wg.Add(1)
		go func(m market.Market) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				start := t0.Add(time.Duration(j) * time.Minute)
				if err := s.IngestBar(ctx, bar(m, start, 100, 101, 99, 100, 1)); err != nil {
					t.Error(err)
					return
				}
			}
		}(m)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		m := testMarket(t, fmt.Sprintf("SYM%d", i))
		bars, err := Collect(mustQuery(t, s, m, t0, t0.Add(100*time.Minute)))
		require.NoError(t, err)
		assert.Len(t, bars, 100)
	}
}

func TestConcurrentSameKeySerializes(t *testing.T) {
	s := NewMemory()
	m := testMarket(t, "BTC")
	ctx := context.Background()

	b := bar(m, t0, 100, 105, 99, 104, 3)
	diff := b
	diff.Close = decimal.NewFromInt(103)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		in := b
		if i%2 == 1 {
			in = diff
		}
		wg.Add(1)
		go func(in market.Bar) {
			defer wg.Done()
			err := s.IngestBar(ctx, in)
			if err != nil {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}(in)
	}
	wg.Wait()

	// exactly one well-defined row survives
	bars, err := Collect(mustQuery(t, s, m, t0, t0.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	stored := bars[0]
	assert.True(t, stored.Equal(b.Quantized()) || stored.Equal(diff.Quantized()))
}

func mustQuery(t *testing.T, s Store, m market.Market, from, to time.Time) Cursor {
	t.Helper()
	c, err := s.QueryRange(context.Background(), m, time.Minute, from, to)
	require.NoError(t, err)
	return c
}
