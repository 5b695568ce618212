package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_ticks_ingested_total",
		Help: "Number of raw trade ticks accepted by the price store",
	}, []string{"market"})

	BarsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_bars_stored_total",
		Help: "Number of OHLCV bars persisted",
	}, []string{"market"})

	BarConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_bar_conflicts_total",
		Help: "Number of bar ingestions rejected due to payload mismatch at an existing key",
	}, []string{"market"})

	LateTicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_late_ticks_dropped_total",
		Help: "Number of ticks dropped because their bucket was already finalized",
	}, []string{"market"})
)
