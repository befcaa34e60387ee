package telemetry

import (
	"sort"
	"time"
)

// Metric is the physical quantity a reading measures.
type Metric string

const (
	MetricTemperature Metric = "temperature" // degrees Celsius
	MetricHumidity    Metric = "humidity"    // percent relative humidity
	MetricPressure    Metric = "pressure"    // hectopascal
)

// Source names the sensing element that produced a reading.
type Source string

const (
	SourceHumidity Source = "humidity"
	SourcePressure Source = "pressure"
)

// Reading is one raw sensor value.
type Reading struct {
	Source     Source
	Metric     Metric
	Value      float64
	CapturedAt time.Time
}

// Measurement is a tagged, timestamped point ready for transmission.
type Measurement struct {
	Name      string
	Tags      map[string]string
	Fields    map[string]float64
	Timestamp time.Time
}

// Status is the delivery state of a batch.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what a consumer reports back for a drained batch.
type Outcome int

const (
	// Delivered removes the batch permanently.
	Delivered Outcome = iota
	// Retry returns the batch to pending and bumps its retry count.
	Retry
	// Drop removes the batch and counts it as lost.
	Drop
	// Requeue returns a batch that was never attempted; the retry count is untouched.
	Requeue
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Batch is an ordered group of measurements tracked as one delivery unit.
type Batch struct {
	ID           uint64
	Measurements []Measurement
	CreatedAt    time.Time
	Status       Status
	RetryCount   int
}

// NewBatch returns a pending batch. Measurements are ordered by timestamp
// (stable), so timestamps never decrease within the batch.
func NewBatch(id uint64, measurements []Measurement, createdAt time.Time) Batch {
	ms := make([]Measurement, len(measurements))
	copy(ms, measurements)
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].Timestamp.Before(ms[j].Timestamp)
	})
	return Batch{
		ID:           id,
		Measurements: ms,
		CreatedAt:    createdAt,
		Status:       StatusPending,
	}
}
