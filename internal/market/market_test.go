package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNormalizes(t *testing.T) {
	tbl := []struct {
		base, quote, exchange string
		want                  ID
	}{
		{"btc", "usd", "bitfinex", "BITFINEX:BTC:USD"},
		{" BTC ", "Usd", "Kraken", "KRAKEN:BTC:USD"},
		{"eth", "btc", "BINANCE", "BINANCE:ETH:BTC"},
	}

	for _, tc := range tbl {
		m, err := New(tc.base, tc.quote, tc.exchange)
		require.NoError(t, err)
		assert.Equal(t, tc.want, m.ID())
	}
}

func TestNewRejectsBadSymbols(t *testing.T) {
	tbl := []struct {
		base, quote, exchange string
	}{
		{"", "USD", "BITFINEX"},
		{"BTC", "  ", "BITFINEX"},
		{"BTC", "USD", ""},
		{"BT C", "USD", "BITFINEX"},
		{"BTC", "US/D", "BITFINEX"},
	}

	for _, tc := range tbl {
		_, err := New(tc.base, tc.quote, tc.exchange)
		assert.ErrorIs(t, err, ErrInvalidSymbol)
	}
}

func TestMarketEquality(t *testing.T) {
	a, err := New("btc", "usd", "bitfinex")
	require.NoError(t, err)
	b, err := New(" BTC", "Usd ", "Bitfinex")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestTableName(t *testing.T) {
	m, err := New("BTC", "USD", "BITFINEX")
	require.NoError(t, err)
	assert.Equal(t, "PriceData_BITFINEX_BTC_USD_1mins", TableName(m, time.Minute))
	assert.Equal(t, "PriceData_BITFINEX_BTC_USD_60mins", TableName(m, time.Hour))
}

func TestRegistryResolveIsIdempotent(t *testing.T) {
	r := NewRegistry()

	id1, err := r.Resolve("btc", "usd", "bitfinex")
	require.NoError(t, err)
	id2, err := r.Resolve(" BTC ", "USD", "Bitfinex")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, r.All(), 1)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	id, err := r.Resolve("eth", "btc", "kraken")
	require.NoError(t, err)

	m, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "ETH", m.Base)
	assert.Equal(t, "BTC", m.Quote)
	assert.Equal(t, "KRAKEN", m.Exchange)

	_, err = r.Lookup("KRAKEN:XRP:BTC")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryDeactivateKeepsMarket(t *testing.T) {
	r := NewRegistry()

	id, err := r.Resolve("btc", "usd", "mtgox")
	require.NoError(t, err)
	assert.True(t, r.Active(id))

	require.NoError(t, r.Deactivate(id))
	assert.False(t, r.Active(id))

	_, err = r.Lookup(id)
	assert.NoError(t, err)

	assert.ErrorIs(t, r.Deactivate("KRAKEN:XRP:BTC"), ErrNotFound)
}

func mustMarket(t *testing.T) Market {
	t.Helper()
	m, err := New("BTC", "USD", "BITFINEX")
	require.NoError(t, err)
	return m
}

func validBar(t *testing.T) Bar {
	return Bar{
		Market:   mustMarket(t),
		Interval: time.Minute,
		Start:    time.Date(2016, 12, 1, 0, 0, 0, 0, time.UTC),
		Open:     decimal.NewFromInt(100),
		High:     decimal.NewFromInt(105),
		Low:      decimal.NewFromInt(99),
		Close:    decimal.NewFromInt(104),
		Volume:   decimal.NewFromInt(3),
	}
}

func TestBarValidate(t *testing.T) {
	now := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

	b := validBar(t)
	assert.NoError(t, b.Validate(now))

	tbl := []struct {
		name string
		mod  func(*Bar)
	}{
		{"zero volume", func(b *Bar) { b.Volume = decimal.Zero }},
		{"negative volume", func(b *Bar) { b.Volume = decimal.NewFromInt(-1) }},
		{"low above high", func(b *Bar) { b.Low = decimal.NewFromInt(200) }},
		{"open above high", func(b *Bar) { b.Open = decimal.NewFromInt(200) }},
		{"close below low", func(b *Bar) { b.Close = decimal.NewFromInt(1) }},
		{"future start", func(b *Bar) { b.Start = now.Add(time.Hour) }},
		{"unaligned start", func(b *Bar) { b.Start = b.Start.Add(30 * time.Second) }},
		{"sub-minute interval", func(b *Bar) { b.Interval = 30 * time.Second }},
		{"ragged interval", func(b *Bar) { b.Interval = 90 * time.Second }},
	}

	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			b := validBar(t)
			tc.mod(&b)
			assert.ErrorIs(t, b.Validate(now), ErrInvalidBar)
		})
	}
}

func TestBarEqual(t *testing.T) {
	a := validBar(t)
	b := validBar(t)
	assert.True(t, a.Equal(b))

	b.Close = decimal.NewFromInt(103)
	assert.False(t, a.Equal(b))
}

func TestQuantize(t *testing.T) {
	d := decimal.RequireFromString("1.123456789")
	assert.Equal(t, "1.12345679", Quantize(d).String())
}

func TestTickValidate(t *testing.T) {
	now := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := Tick{
		Market: mustMarket(t),
		Time:   now.Add(-time.Hour),
		Price:  decimal.NewFromInt(100),
		Volume: decimal.NewFromInt(1),
	}
	assert.NoError(t, tick.Validate(now))

	bad := tick
	bad.Time = now.Add(time.Minute)
	assert.Error(t, bad.Validate(now))

	bad = tick
	bad.Volume = decimal.Zero
	assert.Error(t, bad.Validate(now))
}
