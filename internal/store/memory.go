package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrade/internal/market"
	"autotrade/internal/metrics"
)

type partitionKey struct {
	id       market.ID
	interval time.Duration
}

type partition struct {
	bars []market.Bar // sorted by Start, one bar per Start
	mu   sync.RWMutex
}

type tickLog struct {
	ticks []market.Tick
	mu    sync.Mutex
}

// Memory is the in-process Store used by backtests and tests. Each
// (market, interval) partition carries its own lock, so concurrent
// producers writing different markets never contend.
type Memory struct {
	parts map[partitionKey]*partition
	ticks map[market.ID]*tickLog
	now   func() time.Time
	mu    sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		parts: make(map[partitionKey]*partition),
		ticks: make(map[market.ID]*tickLog),
		now:   time.Now,
	}
}

func (s *Memory) partition(key partitionKey) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parts[key]
	if !ok {
		p = &partition{}
		s.parts[key] = p
	}

	return p
}

func (s *Memory) tickLog(id market.ID) *tickLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.ticks[id]
	if !ok {
		l = &tickLog{}
		s.ticks[id] = l
	}

	return l
}

func (s *Memory) IngestBar(ctx context.Context, b market.Bar) error {
	b = b.Quantized()
	if err := b.Validate(s.now()); err != nil {
		return err
	}

	p := s.partition(partitionKey{b.Market.ID(), b.Interval})

	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.bars), func(i int) bool {
		return !p.bars[i].Start.Before(b.Start)
	})

	if i < len(p.bars) && p.bars[i].Start.Equal(b.Start) {
		if p.bars[i].Equal(b) {
			return nil
		}

		metrics.BarConflicts.WithLabelValues(b.Market.String()).Inc()
		return fmt.Errorf("%s %s at %s: %w", b.Market, b.Interval, b.Start, ErrConflict)
	}

	p.bars = append(p.bars, market.Bar{})
	copy(p.bars[i+1:], p.bars[i:])
	p.bars[i] = b

	metrics.BarsStored.WithLabelValues(b.Market.String()).Inc()
	return nil
}

func (s *Memory) IngestTick(ctx context.Context, t market.Tick) error {
	t.Price = market.Quantize(t.Price)
	t.Volume = market.Quantize(t.Volume)
	if err := t.Validate(s.now()); err != nil {
		return err
	}

	l := s.tickLog(t.Market.ID())

	l.mu.Lock()
	defer l.mu.Unlock()

	l.ticks = append(l.ticks, t)
	metrics.TicksIngested.WithLabelValues(t.Market.String()).Inc()
	return nil
}

func (s *Memory) QueryRange(ctx context.Context, m market.Market, interval time.Duration, from, to time.Time) (Cursor, error) {
	p := s.partition(partitionKey{m.ID(), interval})

	p.mu.RLock()
	defer p.mu.RUnlock()

	lo := sort.Search(len(p.bars), func(i int) bool {
		return !p.bars[i].Start.Before(from)
	})
	hi := sort.Search(len(p.bars), func(i int) bool {
		return !p.bars[i].Start.Before(to)
	})

	bars := make([]market.Bar, hi-lo)
	copy(bars, p.bars[lo:hi])
	return &sliceCursor{bars: bars}, nil
}

func (s *Memory) LatestBefore(ctx context.Context, m market.Market, interval time.Duration, ts time.Time) (market.Bar, error) {
	p := s.partition(partitionKey{m.ID(), interval})

	p.mu.RLock()
	defer p.mu.RUnlock()

	i := sort.Search(len(p.bars), func(i int) bool {
		return p.bars[i].Start.After(ts)
	})
	if i == 0 {
		return market.Bar{}, fmt.Errorf("no bar for %s %s at or before %s: %w", m, interval, ts, market.ErrNotFound)
	}

	return p.bars[i-1], nil
}

func (s *Memory) Ticks(ctx context.Context, m market.Market, from, to time.Time) ([]market.Tick, error) {
	l := s.tickLog(m.ID())

	l.mu.Lock()
	defer l.mu.Unlock()

	var res []market.Tick
	for _, t := range l.ticks {
		if !t.Time.Before(from) && t.Time.Before(to) {
			res = append(res, t)
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Time.Before(res[j].Time) })
	return res, nil
}

func (s *Memory) PruneTicks(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	logs := make([]*tickLog, 0, len(s.ticks))
	for _, l := range s.ticks {
		logs = append(logs, l)
	}
	s.mu.Unlock()

	pruned := 0
	for _, l := range logs {
		l.mu.Lock()
		kept := l.ticks[:0]
		for _, t := range l.ticks {
			if t.Time.Before(olderThan) {
				pruned++
				continue
			}
			kept = append(kept, t)
		}
		l.ticks = kept
		l.mu.Unlock()
	}

	return pruned, nil
}
