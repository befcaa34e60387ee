package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cloudpico-beam/internal/buffer"
)

const namespace = "beam"

// Metrics groups the counters the sampling loop and transmitter update
// directly. Buffer state is exported separately by RegisterBuffer.
type Metrics struct {
	Ticks            prometheus.Counter
	SensorErrors     *prometheus.CounterVec
	ReadingsFiltered prometheus.Counter
	SendAttempts     *prometheus.CounterVec
	SendDuration     prometheus.Histogram
	BatchesDropped   *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg leaves them unregistered,
// which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Sampling ticks started.",
		}),
		SensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_errors_total",
			Help:      "Failed sensor samples by kind.",
		}, []string{"kind"}),
		ReadingsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_filtered_total",
			Help:      "Readings discarded as non-finite before building measurements.",
		}),
		SendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Batch write attempts by result.",
		}, []string{"result"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Duration of a single batch write.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		BatchesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dropped_total",
			Help:      "Batches given up by the transmitter, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(m.Ticks, m.SensorErrors, m.ReadingsFiltered, m.SendAttempts, m.SendDuration, m.BatchesDropped)
	}
	return m
}

// BufferStats is implemented by *buffer.Buffer.
type BufferStats interface {
	Len() int
	Capacity() int
	Stats() buffer.Stats
}

// RegisterBuffer exports the buffer's length and cumulative counters. Values
// are read at scrape time so they never drift from the buffer itself.
func RegisterBuffer(reg prometheus.Registerer, b BufferStats) {
	counter := func(name, help string, read func(buffer.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(b.Stats())) })
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "batches",
			Help:      "Batches held (pending and in flight).",
		}, func() float64 { return float64(b.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "capacity",
			Help:      "Configured buffer capacity in batches.",
		}, func() float64 { return float64(b.Capacity()) }),
		counter("enqueued_total", "Batches accepted.", func(s buffer.Stats) uint64 { return s.Enqueued }),
		counter("delivered_total", "Batches acknowledged as delivered.", func(s buffer.Stats) uint64 { return s.Delivered }),
		counter("retried_total", "Batches returned for retry.", func(s buffer.Stats) uint64 { return s.Retried }),
		counter("evicted_total", "Pending batches evicted at capacity.", func(s buffer.Stats) uint64 { return s.Evicted }),
		counter("dropped_total", "Batches dropped after a permanent failure.", func(s buffer.Stats) uint64 { return s.Dropped }),
		counter("rejected_total", "Batches refused because the buffer was full.", func(s buffer.Stats) uint64 { return s.Rejected }),
		counter("reclaimed_total", "In-flight batches reclaimed after the ack timeout.", func(s buffer.Stats) uint64 { return s.Reclaimed }),
	)
}
