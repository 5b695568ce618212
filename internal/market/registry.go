package market

import (
	"fmt"
	"sync"
)

type record struct {
	market Market
	active bool
}

// Registry keeps the canonical set of known markets. Markets are
// permanent once registered; retirement flips the active flag so
// historical data stays queryable.
type Registry struct {
	markets map[ID]*record
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[ID]*record)}
}

func (r *Registry) Resolve(base, quote, exchange string) (ID, error) {
	m, err := New(base, quote, exchange)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.ID()
	if _, ok := r.markets[id]; !ok {
		r.markets[id] = &record{market: m, active: true}
	}

	return id, nil
}

func (r *Registry) Lookup(id ID) (Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.markets[id]
	if !ok {
		return Market{}, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}

	return rec.market, nil
}

func (r *Registry) Active(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.markets[id]
	return ok && rec.active
}

func (r *Registry) Deactivate(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}

	rec.active = false
	return nil
}

func (r *Registry) All() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]Market, 0, len(r.markets))
	for _, rec := range r.markets {
		res = append(res, rec.market)
	}

	return res
}
