package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"autotrade/internal/market"
)

// wire format published by the exchange crawlers
type wireTick struct {
	Exchange string          `json:"exchange"`
	Base     string          `json:"base"`
	Quote    string          `json:"quote"`
	Time     time.Time       `json:"time"`
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"volume"`
}

// NATSSource consumes crawler ticks from a subject such as
// "ticks.>" or "ticks.BITFINEX.BTC-USD". Every market seen on the
// wire is resolved through the registry so downstream consumers only
// ever deal with canonical identifiers.
type NATSSource struct {
	conn     *nats.Conn
	subject  string
	registry *market.Registry
	log      *slog.Logger
}

func NewNATSSource(conn *nats.Conn, subject string, registry *market.Registry, log *slog.Logger) *NATSSource {
	return &NATSSource{
		conn:     conn,
		subject:  subject,
		registry: registry,
		log:      log,
	}
}

func (n *NATSSource) Ticks(ctx context.Context) <-chan TickOrErr {
	out := make(chan TickOrErr, 64)

	msgs := make(chan *nats.Msg, 256)
	sub, err := n.conn.ChanSubscribe(n.subject, msgs)
	if err != nil {
		out <- TickOrErr{Err: fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				n.log.Error("failed to unsubscribe", "subject", n.subject, "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				t, err := n.decode(msg.Data)
				if err != nil {
					// malformed payloads are logged and skipped, one bad
					// crawler must not stall the whole feed
					n.log.Warn("skipping malformed tick", "subject", msg.Subject, "error", err)
					continue
				}

				select {
				case out <- TickOrErr{Tick: t}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (n *NATSSource) decode(data []byte) (market.Tick, error) {
	var w wireTick
	if err := json.Unmarshal(data, &w); err != nil {
		return market.Tick{}, fmt.Errorf("failed to unmarshal tick: %w", err)
	}

	id, err := n.registry.Resolve(w.Base, w.Quote, w.Exchange)
	if err != nil {
		return market.Tick{}, fmt.Errorf("failed to resolve market: %w", err)
	}

	m, err := n.registry.Lookup(id)
	if err != nil {
		return market.Tick{}, err
	}

	return market.Tick{
		Market: m,
		Time:   w.Time,
		Price:  w.Price,
		Volume: w.Volume,
	}, nil
}
