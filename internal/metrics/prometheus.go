package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a store. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ValueBytes        prometheus.Histogram

	// Garbage collection metrics
	CompactionJobsTotal   *prometheus.CounterVec
	CompactionDuration    prometheus.Histogram
	CompactionRelocated   prometheus.Counter
	CompactionSlotsFreed  prometheus.Counter
	PageErasesTotal       prometheus.Counter
	ChunkedValuesTotal    prometheus.Counter
	CompressedValuesTotal prometheus.Counter

	// Region metrics
	PagesByState  *prometheus.GaugeVec
	FreePages     prometheus.Gauge
	FreeSlots     prometheus.Gauge
	UsedSlots     prometheus.Gauge
	KeysTotal     prometheus.Gauge
	MaxEraseCount prometheus.Gauge
	MinEraseCount prometheus.Gauge

	// Recovery metrics
	RecoveryDuration     prometheus.Histogram
	RecoveryGarbageItems prometheus.Counter
	RecoveryOrphanChunks prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(storeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"store_id": storeID}

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "store",
			Name:        "operations_total",
			Help:        "Total number of store operations by operation and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "nvstore",
			Subsystem:   "store",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of store operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		}, []string{"op"}),
		ValueBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "nvstore",
			Subsystem:   "store",
			Name:        "value_bytes",
			Help:        "Histogram of written value sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(8, 4, 8), // 8B to 128KB
		}),

		CompactionJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "gc",
			Name:        "jobs_total",
			Help:        "Total number of garbage collection passes by status",
			ConstLabels: labels,
		}, []string{"status"}),
		CompactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "nvstore",
			Subsystem:   "gc",
			Name:        "duration_seconds",
			Help:        "Histogram of garbage collection pass durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CompactionRelocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "gc",
			Name:        "relocated_items_total",
			Help:        "Total number of live items copied out of victim pages",
			ConstLabels: labels,
		}),
		CompactionSlotsFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "gc",
			Name:        "reclaimed_slots_total",
			Help:        "Total number of slots reclaimed by garbage collection",
			ConstLabels: labels,
		}),
		PageErasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "flash",
			Name:        "page_erases_total",
			Help:        "Total number of physical page erases",
			ConstLabels: labels,
		}),
		ChunkedValuesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "store",
			Name:        "chunked_values_total",
			Help:        "Total number of values written as multiple chunks",
			ConstLabels: labels,
		}),
		CompressedValuesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "store",
			Name:        "compressed_values_total",
			Help:        "Total number of chunked values stored compressed",
			ConstLabels: labels,
		}),

		PagesByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "nvstore",
			Subsystem:   "flash",
			Name:        "pages",
			Help:        "Number of pages by state",
			ConstLabels: labels,
		}, []string{"state"}),
		FreePages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nvstore",
			Subsystem:   "flash",
			Name:        "free_pages",
			Help:        "Number of erased pages available for activation",
			ConstLabels: labels,
		}),
		FreeSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nvstore",
			Subsystem:   "flash",
			Name:        "free_slots",
			Help:        "Number of never written slots",
			ConstLabels: labels,
		}),
		UsedSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nvstore",
			Subsystem:   "flash",
			Name:        "used_slots",
			Help:        "Number of slots holding live items",
			ConstLabels: labels,
		}),
		KeysTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nvstore",
			Subsystem:   "store",
			Name:        "keys",
			Help:        "Number of live keys",
			ConstLabels: labels,
		}),
		MaxEraseCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nvstore",
			Subsystem:   "flash",
			Name:        "max_erase_count",
			Help:        "Highest erase count of any page",
			ConstLabels: labels,
		}),
		MinEraseCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nvstore",
			Subsystem:   "flash",
			Name:        "min_erase_count",
			Help:        "Lowest erase count of any page",
			ConstLabels: labels,
		}),

		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "nvstore",
			Subsystem:   "recovery",
			Name:        "duration_seconds",
			Help:        "Histogram of startup scan durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RecoveryGarbageItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "recovery",
			Name:        "garbage_items_total",
			Help:        "Total number of corrupt or torn items discarded at startup",
			ConstLabels: labels,
		}),
		RecoveryOrphanChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvstore",
			Subsystem:   "recovery",
			Name:        "orphan_chunks_total",
			Help:        "Total number of chunks without a complete index erased at startup",
			ConstLabels: labels,
		}),
	}
}

// RecordOperation records one store operation
func (m *Metrics) RecordOperation(op, result string, duration float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration)
}

// RecordValueSize records the size of a written value
func (m *Metrics) RecordValueSize(bytes int) {
	if m == nil {
		return
	}
	m.ValueBytes.Observe(float64(bytes))
}

// RecordChunkedValue records a value written as chunks
func (m *Metrics) RecordChunkedValue(compressed bool) {
	if m == nil {
		return
	}
	m.ChunkedValuesTotal.Inc()
	if compressed {
		m.CompressedValuesTotal.Inc()
	}
}

// RecordCompactionJob records a garbage collection pass
func (m *Metrics) RecordCompactionJob(status string, duration float64, relocated, reclaimed int) {
	if m == nil {
		return
	}
	m.CompactionJobsTotal.WithLabelValues(status).Inc()
	m.CompactionDuration.Observe(duration)
	m.CompactionRelocated.Add(float64(relocated))
	m.CompactionSlotsFreed.Add(float64(reclaimed))
}

// RecordPageErase records a physical page erase
func (m *Metrics) RecordPageErase() {
	if m == nil {
		return
	}
	m.PageErasesTotal.Inc()
}

// UpdatePageStats updates page state and wear gauges
func (m *Metrics) UpdatePageStats(byState map[string]int, freePages int, minErase, maxErase uint32) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.PagesByState.WithLabelValues(state).Set(float64(n))
	}
	m.FreePages.Set(float64(freePages))
	m.MinEraseCount.Set(float64(minErase))
	m.MaxEraseCount.Set(float64(maxErase))
}

// UpdateSlotStats updates slot usage gauges
func (m *Metrics) UpdateSlotStats(used, free, keys int) {
	if m == nil {
		return
	}
	m.UsedSlots.Set(float64(used))
	m.FreeSlots.Set(float64(free))
	m.KeysTotal.Set(float64(keys))
}

// RecordRecovery records the outcome of a startup scan
func (m *Metrics) RecordRecovery(duration float64, garbage, orphans int) {
	if m == nil {
		return
	}
	m.RecoveryDuration.Observe(duration)
	m.RecoveryGarbageItems.Add(float64(garbage))
	m.RecoveryOrphanChunks.Add(float64(orphans))
}
