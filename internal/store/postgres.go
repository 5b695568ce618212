package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"autotrade/internal/market"
	"autotrade/internal/metrics"
)

// Postgres stores each (market, interval) partition in its own table
// named PriceData_<EXCHANGE>_<BASE>_<QUOTE>_<N>mins. The schema
// mirrors the store invariants with CHECK constraints so the database
// rejects bad rows even when written out-of-band.
type Postgres struct {
	pool    *pgxpool.Pool
	ensured map[string]struct{}
	mu      sync.Mutex
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &Postgres{pool: pool, ensured: make(map[string]struct{})}
	if err := s.ensureTickTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) ensureTickTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS price_ticks (
			market TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			price NUMERIC(24, 8) NOT NULL,
			volume NUMERIC(24, 8) NOT NULL,
			CHECK(price > 0),
			CHECK(volume > 0),
			CHECK(timestamp <= NOW())
		)`)
	if err != nil {
		return fmt.Errorf("%w: creating tick table: %v", ErrUnavailable, err)
	}

	return nil
}

// EnsurePartition creates the partition table on first use.
func (s *Postgres) EnsurePartition(ctx context.Context, m market.Market, interval time.Duration) error {
	name := market.TableName(m, interval)

	s.mu.Lock()
	_, ok := s.ensured[name]
	s.mu.Unlock()
	if ok {
		return nil
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			timestamp TIMESTAMPTZ PRIMARY KEY,
			open NUMERIC(24, 8) NOT NULL,
			high NUMERIC(24, 8) NOT NULL,
			low NUMERIC(24, 8) NOT NULL,
			close NUMERIC(24, 8) NOT NULL,
			volume NUMERIC(24, 8) NOT NULL,
			CHECK(volume > 0),
			CHECK(timestamp <= NOW())
		)`, name))
	if err != nil {
		return fmt.Errorf("%w: creating partition %s: %v", ErrUnavailable, name, err)
	}

	s.mu.Lock()
	s.ensured[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Postgres) IngestBar(ctx context.Context, b market.Bar) error {
	b = b.Quantized()
	if err := b.Validate(time.Now()); err != nil {
		return err
	}

	if err := s.EnsurePartition(ctx, b.Market, b.Interval); err != nil {
		return err
	}

	name := market.TableName(b.Market, b.Interval)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var existing market.Bar
	existing.Market = b.Market
	existing.Interval = b.Interval
	existing.Start = b.Start
	err = tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT open, high, low, close, volume FROM %q WHERE timestamp = $1 FOR UPDATE`, name),
		b.Start).Scan(&existing.Open, &existing.High, &existing.Low, &existing.Close, &existing.Volume)

	switch {
	case err == nil:
		if existing.Equal(b) {
			return nil
		}
		metrics.BarConflicts.WithLabelValues(b.Market.String()).Inc()
		return fmt.Errorf("%s %s at %s: %w", b.Market, b.Interval, b.Start, ErrConflict)
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %q (timestamp, open, high, low, close, volume) VALUES ($1, $2, $3, $4, $5, $6)`, name),
		b.Start, b.Open, b.High, b.Low, b.Close, b.Volume)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	metrics.BarsStored.WithLabelValues(b.Market.String()).Inc()
	return nil
}

func (s *Postgres) IngestTick(ctx context.Context, t market.Tick) error {
	t.Price = market.Quantize(t.Price)
	t.Volume = market.Quantize(t.Volume)
	if err := t.Validate(time.Now()); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_ticks (market, timestamp, price, volume) VALUES ($1, $2, $3, $4)`,
		t.Market.String(), t.Time, t.Price, t.Volume)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	metrics.TicksIngested.WithLabelValues(t.Market.String()).Inc()
	return nil
}

func (s *Postgres) QueryRange(ctx context.Context, m market.Market, interval time.Duration, from, to time.Time) (Cursor, error) {
	if err := s.EnsurePartition(ctx, m, interval); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT timestamp, open, high, low, close, volume FROM %q
		 WHERE timestamp >= $1 AND timestamp < $2
		 ORDER BY timestamp ASC`, market.TableName(m, interval)),
		from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &pgCursor{rows: rows, market: m, interval: interval}, nil
}

func (s *Postgres) LatestBefore(ctx context.Context, m market.Market, interval time.Duration, ts time.Time) (market.Bar, error) {
	if err := s.EnsurePartition(ctx, m, interval); err != nil {
		return market.Bar{}, err
	}

	b := market.Bar{Market: m, Interval: interval}
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT timestamp, open, high, low, close, volume FROM %q
		 WHERE timestamp <= $1
		 ORDER BY timestamp DESC LIMIT 1`, market.TableName(m, interval)),
		ts).Scan(&b.Start, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Bar{}, fmt.Errorf("no bar for %s %s at or before %s: %w", m, interval, ts, market.ErrNotFound)
	}
	if err != nil {
		return market.Bar{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return b, nil
}

func (s *Postgres) Ticks(ctx context.Context, m market.Market, from, to time.Time) ([]market.Tick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, price, volume FROM price_ticks
		 WHERE market = $1 AND timestamp >= $2 AND timestamp < $3
		 ORDER BY timestamp ASC`,
		m.String(), from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var ticks []market.Tick
	for rows.Next() {
		t := market.Tick{Market: m}
		if err := rows.Scan(&t.Time, &t.Price, &t.Volume); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return ticks, nil
}

func (s *Postgres) PruneTicks(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_ticks WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return int(tag.RowsAffected()), nil
}

type pgCursor struct {
	rows     pgx.Rows
	market   market.Market
	interval time.Duration
	err      error
}

func (c *pgCursor) Next() (market.Bar, bool) {
	if c.err != nil || !c.rows.Next() {
		return market.Bar{}, false
	}

	b := market.Bar{Market: c.market, Interval: c.interval}
	if err := c.rows.Scan(&b.Start, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
		c.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return market.Bar{}, false
	}

	return b, true
}

func (c *pgCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *pgCursor) Close() {
	c.rows.Close()
}
