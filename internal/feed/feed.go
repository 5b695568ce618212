package feed

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"autotrade/internal/market"
)

type TickOrErr struct {
	Tick market.Tick
	Err  error
}

// Source is one producer of trade ticks: a crawler feed, a replay
// file, a message-bus subscription. The channel closes when the
// source is exhausted or ctx is cancelled.
type Source interface {
	Ticks(ctx context.Context) <-chan TickOrErr
}

// Pipeline fans several sources into one bounded queue consumed by
// the aggregation engine. One goroutine per source; a failing source
// cancels the rest.
type Pipeline struct {
	sources []Source
	out     chan market.Tick
	log     *slog.Logger
}

func NewPipeline(log *slog.Logger, buffer int, sources ...Source) *Pipeline {
	return &Pipeline{
		sources: sources,
		out:     make(chan market.Tick, buffer),
		log:     log,
	}
}

func (p *Pipeline) Out() <-chan market.Tick {
	return p.out
}

func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, src := range p.sources {
		src := src
		g.Go(func() error {
			for r := range src.Ticks(ctx) {
				if r.Err != nil {
					return r.Err
				}

				select {
				case p.out <- r.Tick:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			return nil
		})
	}

	err := g.Wait()
	close(p.out)
	return err
}
