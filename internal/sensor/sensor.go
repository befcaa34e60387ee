package sensor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"

	"cloudpico-beam/internal/telemetry"
)

var (
	// ErrDriverFault reports a failed hardware call.
	ErrDriverFault = errors.New("sensor driver fault")
	// ErrOutOfRange reports a value outside physically plausible bounds.
	ErrOutOfRange = errors.New("sensor value out of range")
)

// RangeError carries the offending metric and its bounds. It matches ErrOutOfRange.
type RangeError struct {
	Metric   telemetry.Metric
	Value    float64
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %.2f outside %.0f..%.0f", e.Metric, e.Value, e.Min, e.Max)
}

func (e *RangeError) Is(target error) bool { return target == ErrOutOfRange }

// Driver is the hardware handle. *bmxx80.Dev satisfies it.
type Driver interface {
	Sense(e *physic.Env) error
	Halt() error
}

type bounds struct{ min, max float64 }

// Operating range of the BME280.
var plausible = map[telemetry.Metric]bounds{
	telemetry.MetricTemperature: {-40, 85},
	telemetry.MetricHumidity:    {0, 100},
	telemetry.MetricPressure:    {300, 1100},
}

// Source samples one environmental sensor. It is the only owner of the
// driver; callers receive readings, never the handle.
type Source struct {
	mu      sync.Mutex
	dev     Driver
	closeFn func() error
	now     func() time.Time
	closed  bool
}

// Option configures a Source.
type Option func(*Source)

// WithClock overrides the capture timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithCloser registers a release hook run after the device is halted.
func WithCloser(fn func() error) Option {
	return func(s *Source) { s.closeFn = fn }
}

// NewSource takes ownership of dev.
func NewSource(dev Driver, opts ...Option) *Source {
	s := &Source{dev: dev, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sample reads the device once. Does not retry.
func (s *Source) Sample() ([]telemetry.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: source closed", ErrDriverFault)
	}

	var env physic.Env
	if err := s.dev.Sense(&env); err != nil {
		return nil, fmt.Errorf("%w: sense: %v", ErrDriverFault, err)
	}
	at := s.now()

	// Humidity is fixed point at 0.00001%rH, pressure is in nano Pascal.
	readings := []telemetry.Reading{
		{Source: telemetry.SourcePressure, Metric: telemetry.MetricTemperature, Value: env.Temperature.Celsius(), CapturedAt: at},
		{Source: telemetry.SourcePressure, Metric: telemetry.MetricPressure, Value: float64(env.Pressure) / float64(100*physic.Pascal), CapturedAt: at},
		{Source: telemetry.SourceHumidity, Metric: telemetry.MetricHumidity, Value: float64(env.Humidity) / float64(physic.PercentRH), CapturedAt: at},
	}

	for _, r := range readings {
		if err := checkRange(r); err != nil {
			return nil, err
		}
	}
	return readings, nil
}

// NaN is left for the measurement builder to filter.
func checkRange(r telemetry.Reading) error {
	b, ok := plausible[r.Metric]
	if !ok || math.IsNaN(r.Value) {
		return nil
	}
	if r.Value < b.min || r.Value > b.max {
		return &RangeError{Metric: r.Metric, Value: r.Value, Min: b.min, Max: b.max}
	}
	return nil
}

// Close halts the device and releases the bus. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.dev.Halt()
	if s.closeFn != nil {
		err = errors.Join(err, s.closeFn())
	}
	return err
}
