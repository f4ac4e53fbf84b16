package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for chainstore metrics. Exported primarily for documentation reasons.
const (
	FlushesTotalKey         = "chainstore_flushes_total"
	FlushRowsTotalKey       = "chainstore_flush_rows_total"
	FlushBytesTotalKey      = "chainstore_flush_bytes_total"
	FlushDurationSecondsKey = "chainstore_flush_duration_seconds"
	PendingRowsKey          = "chainstore_pending_rows"
	ReorgsTotalKey          = "chainstore_reorgs_total"
	ReorgDiscardedRowsKey   = "chainstore_reorg_discarded_rows_total"
	ReadThroughsTotalKey    = "chainstore_read_throughs_total"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for chainstore metrics.
var (
	FlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FlushesTotalKey,
		Help: "Cumulative number of flush cycles.",
	}, []string{"status"})
	FlushRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FlushRowsTotalKey,
		Help: "Cumulative number of rows flushed to durable storage.",
	}, []string{"op"})
	FlushBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: FlushBytesTotalKey,
		Help: "Cumulative estimated bytes flushed to durable storage.",
	})
	FlushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: FlushDurationSecondsKey,
		Help: "Duration of flush cycles.",
	})
	PendingRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: PendingRowsKey,
		Help: "Number of rows currently pending in the write cache.",
	})
	ReorgsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ReorgsTotalKey,
		Help: "Cumulative number of chain reorganizations recovered from.",
	})
	ReorgDiscardedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ReorgDiscardedRowsKey,
		Help: "Cumulative number of pending row versions discarded by reorgs.",
	})
	ReadThroughsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ReadThroughsTotalKey,
		Help: "Cumulative number of cache-miss lookups, by source of the answer.",
	}, []string{"source"})
)

// StoreCollectors lists collectors used by the store.
func StoreCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		FlushesTotal,
		FlushRowsTotal,
		FlushBytesTotal,
		FlushDurationSeconds,
		PendingRows,
		ReorgsTotal,
		ReorgDiscardedRows,
		ReadThroughsTotal,
	}
}
