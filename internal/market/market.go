package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrNotFound      = errors.New("not found")
)

type ID string

// Market identifies a tradable pair on an exchange. Values are
// normalized on construction and never mutated afterwards.
type Market struct {
	Base     string
	Quote    string
	Exchange string
}

func New(base, quote, exchange string) (Market, error) {
	base, err := normalizeSymbol(base)
	if err != nil {
		return Market{}, fmt.Errorf("bad base symbol: %w", err)
	}

	quote, err = normalizeSymbol(quote)
	if err != nil {
		return Market{}, fmt.Errorf("bad quote symbol: %w", err)
	}

	exchange, err = normalizeSymbol(exchange)
	if err != nil {
		return Market{}, fmt.Errorf("bad exchange name: %w", err)
	}

	return Market{Base: base, Quote: quote, Exchange: exchange}, nil
}

func (m Market) ID() ID {
	return ID(m.Exchange + ":" + m.Base + ":" + m.Quote)
}

func (m Market) String() string {
	return string(m.ID())
}

// TableName renders the partition naming convention used by the
// relational backend: PriceData_<EXCHANGE>_<BASE>_<QUOTE>_<N>mins.
func TableName(m Market, interval time.Duration) string {
	return fmt.Sprintf("PriceData_%s_%s_%s_%dmins", m.Exchange, m.Base, m.Quote, int(interval.Minutes()))
}

func normalizeSymbol(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", ErrInvalidSymbol
	}

	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
		}
	}

	return s, nil
}
