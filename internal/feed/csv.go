package feed

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/market"
	"autotrade/internal/store"
)

type TickFilter func(t market.Tick) bool

// CSVReader replays ticks for one market from a csv file with a
// timestamp,price,volume header. Rows are unix seconds.
type CSVReader struct {
	market market.Market
	path   string
	filter TickFilter
}

func NewCSVReader(m market.Market, path string) *CSVReader {
	return NewCSVReaderWithFilter(m, path, func(market.Tick) bool { return true })
}

func NewCSVReaderWithFilter(m market.Market, path string, filter TickFilter) *CSVReader {
	return &CSVReader{market: m, path: path, filter: filter}
}

func (r *CSVReader) Ticks(ctx context.Context) <-chan TickOrErr {
	out := make(chan TickOrErr, 64)

	go func() {
		defer close(out)

		f, err := os.Open(r.path)
		if err != nil {
			out <- TickOrErr{Err: fmt.Errorf("unable to open tick file: %w", err)}
			return
		}
		defer f.Close()

		rdr := csv.NewReader(bufio.NewReader(f))
		if _, err := rdr.Read(); err != nil {
			out <- TickOrErr{Err: fmt.Errorf("failed to read csv header: %w", err)}
			return
		}

		for {
			data, err := rdr.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				out <- TickOrErr{Err: fmt.Errorf("failed to read tick data: %w", err)}
				return
			}

			t, err := r.parse(data)
			if err != nil {
				out <- TickOrErr{Err: err}
				return
			}

			if !r.filter(t) {
				continue
			}

			select {
			case out <- TickOrErr{Tick: t}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (r *CSVReader) parse(data []string) (market.Tick, error) {
	if len(data) < 3 {
		return market.Tick{}, fmt.Errorf("tick row has %d fields, want 3", len(data))
	}

	ts, err := strconv.ParseFloat(data[0], 64)
	if err != nil {
		return market.Tick{}, fmt.Errorf("failed to parse tick time: %w", err)
	}

	price, err := decimal.NewFromString(data[1])
	if err != nil {
		return market.Tick{}, fmt.Errorf("failed to parse tick price: %w", err)
	}

	volume, err := decimal.NewFromString(data[2])
	if err != nil {
		return market.Tick{}, fmt.Errorf("failed to parse tick volume: %w", err)
	}

	return market.Tick{
		Market: r.market,
		Time:   time.Unix(int64(ts), 0).UTC(),
		Price:  price,
		Volume: volume,
	}, nil
}

// LoadBars reads a csv bar file (timestamp,open,high,low,close,volume,
// unix seconds) straight into the store. Used to seed backtests from
// exported fixtures.
func LoadBars(ctx context.Context, s store.Store, m market.Market, interval time.Duration, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("unable to open bar file: %w", err)
	}
	defer f.Close()

	rdr := csv.NewReader(bufio.NewReader(f))
	if _, err := rdr.Read(); err != nil {
		return 0, fmt.Errorf("failed to read csv header: %w", err)
	}

	loaded := 0
	for {
		data, err := rdr.Read()
		if err == io.EOF {
			return loaded, nil
		}
		if err != nil {
			return loaded, fmt.Errorf("failed to read bar data: %w", err)
		}

		if len(data) < 6 {
			return loaded, fmt.Errorf("bar row has %d fields, want 6", len(data))
		}

		ts, err := strconv.ParseFloat(data[0], 64)
		if err != nil {
			return loaded, fmt.Errorf("failed to parse bar time: %w", err)
		}

		fields := make([]decimal.Decimal, 5)
		for i := 0; i < 5; i++ {
			fields[i], err = decimal.NewFromString(data[i+1])
			if err != nil {
				return loaded, fmt.Errorf("failed to parse bar field %d: %w", i+1, err)
			}
		}

		b := market.Bar{
			Market:   m,
			Interval: interval,
			Start:    time.Unix(int64(ts), 0).UTC(),
			Open:     fields[0],
			High:     fields[1],
			Low:      fields[2],
			Close:    fields[3],
			Volume:   fields[4],
		}

		if err := s.IngestBar(ctx, b); err != nil {
			return loaded, fmt.Errorf("failed to load bar at %s: %w", b.Start, err)
		}
		loaded++
	}
}
