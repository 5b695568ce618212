package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"autotrade/internal/aggregate"
	"autotrade/internal/config"
	"autotrade/internal/feed"
	"autotrade/internal/market"
	"autotrade/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.ReadFromFile(os.Getenv("CONFIG"))
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.Default()
	if err := run(ctx, logger, cfg); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	registry := market.NewRegistry()
	for _, ref := range cfg.Markets {
		if _, err := registry.Resolve(ref.Base, ref.Quote, ref.Exchange); err != nil {
			return fmt.Errorf("failed to register market %s/%s@%s: %w", ref.Base, ref.Quote, ref.Exchange, err)
		}
	}

	st, cleanup, err := openStore(ctx, cfg.StorageRef)
	if err != nil {
		return err
	}
	defer cleanup()

	sources, err := buildSources(cfg, registry, logger)
	if err != nil {
		return err
	}

	buffer := cfg.Feed.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	pipeline := feed.NewPipeline(logger, buffer, sources...)

	policy := aggregate.LateDrop
	if cfg.Aggregation.LatePolicy == "conflict" {
		policy = aggregate.LateConflict
	}

	var aggs []*aggregate.Aggregator
	for _, iv := range cfg.Aggregation.Intervals {
		a, err := aggregate.New(st, logger, aggregate.Options{
			Interval: iv.Std(),
			Grace:    cfg.Aggregation.Grace.Std(),
			TickTTL:  cfg.Aggregation.TickTTL.Std(),
			Policy:   policy,
		})
		if err != nil {
			return err
		}
		aggs = append(aggs, a)
	}
	if len(aggs) == 0 {
		return fmt.Errorf("no aggregation intervals configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(ctx) })

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr) })
	}

	// persist each tick once, then fan the queue out to one channel
	// per interval
	chans := make([]chan market.Tick, len(aggs))
	for i, a := range aggs {
		a := a
		ch := make(chan market.Tick, buffer)
		chans[i] = ch
		g.Go(func() error { return a.Run(ctx, ch) })
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range chans {
				close(ch)
			}
		}()

		for t := range pipeline.Out() {
			if err := st.IngestTick(ctx, t); err != nil {
				logger.Error("failed to persist tick", "market", t.Market.String(), "error", err)
			}

			for _, ch := range chans {
				select {
				case ch <- t:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		return nil
	})

	logger.Info("ingestion started",
		slog.Int("sources", len(sources)),
		slog.Int("intervals", len(aggs)))
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}

	return nil
}

func openStore(ctx context.Context, ref config.StorageReference) (store.Store, func(), error) {
	switch s := ref.Storage.(type) {
	case config.Postgres:
		pg, err := store.NewPostgres(ctx, s.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return pg, pg.Close, nil
	case config.Memory, nil:
		return store.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %T", s)
	}
}

func buildSources(cfg *config.Config, registry *market.Registry, logger *slog.Logger) ([]feed.Source, error) {
	var sources []feed.Source
	for _, ref := range cfg.Feed.Sources {
		switch s := ref.Source.(type) {
		case config.CSVSource:
			id, err := registry.Resolve(s.Market.Base, s.Market.Quote, s.Market.Exchange)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve csv source market: %w", err)
			}
			m, err := registry.Lookup(id)
			if err != nil {
				return nil, err
			}
			sources = append(sources, feed.NewCSVReader(m, s.Path))

		case config.NATSSource:
			conn, err := nats.Connect(s.URL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to nats at %s: %w", s.URL, err)
			}
			sources = append(sources, feed.NewNATSSource(conn, s.Subject, registry, logger))

		default:
			return nil, fmt.Errorf("unknown feed source: %T", s)
		}
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no feed sources configured")
	}

	return sources, nil
}
