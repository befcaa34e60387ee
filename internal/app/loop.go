package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cloudpico-beam/internal/buffer"
	"cloudpico-beam/internal/httpapi"
	"cloudpico-beam/internal/measurement"
	"cloudpico-beam/internal/metrics"
	"cloudpico-beam/internal/sensor"
	"cloudpico-beam/internal/telemetry"
)

// State is where the sampling loop is within a tick.
type State int

const (
	StateIdle State = iota
	StateSampling
	StateBuilding
	StateEnqueuing
	StateTransmitting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	case StateBuilding:
		return "building"
	case StateEnqueuing:
		return "enqueuing"
	case StateTransmitting:
		return "transmitting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Faults in a row after which a sensor problem is logged as an error.
const persistentFaults = 3

// Missed intervals after which the loop reports unhealthy.
const staleIntervals = 3

type Sampler interface {
	Sample() ([]telemetry.Reading, error)
}

// Queue is the producer side of *buffer.Buffer.
type Queue interface {
	Enqueue(b telemetry.Batch) error
	Notify()
	Len() int
	Stats() buffer.Stats
}

type LoopOptions struct {
	Host     string
	Interval time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Loop samples on a fixed period and hands batches to the queue. A tick
// failure is logged and counted; the loop always moves on to the next tick.
type Loop struct {
	sampler  Sampler
	queue    Queue
	host     string
	interval time.Duration
	m        *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      State
	seq        uint64
	faults     int
	lastSample time.Time
}

func NewLoop(sampler Sampler, queue Queue, opts LoopOptions) *Loop {
	l := &Loop{
		sampler:  sampler,
		queue:    queue,
		host:     opts.Host,
		interval: opts.Interval,
		m:        opts.Metrics,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if l.interval <= 0 {
		l.interval = 10 * time.Second
	}
	if l.m == nil {
		l.m = metrics.New(nil)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Run ticks once immediately, then every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateStopped)

	l.log.Info("sampling loop started", "interval", l.interval, "host", l.host)
	l.Tick()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("sampling loop stopped")
			return nil
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick runs one Sampling → Building → Enqueuing → Transmitting pass.
func (l *Loop) Tick() {
	l.m.Ticks.Inc()
	defer l.setState(StateIdle)

	l.setState(StateSampling)
	readings, err := l.sampler.Sample()
	if err != nil {
		l.sampleFailed(err)
		return
	}
	l.sampleSucceeded()

	l.setState(StateBuilding)
	ms, filtered := measurement.Build(readings, l.host)
	if filtered > 0 {
		l.m.ReadingsFiltered.Add(float64(filtered))
		l.log.Warn("readings filtered", "count", filtered)
	}
	if len(ms) == 0 {
		l.log.Warn("tick produced no measurements", "readings", len(readings))
		return
	}

	l.setState(StateEnqueuing)
	b := telemetry.NewBatch(l.nextSeq(), ms, l.now())
	evictedBefore := l.queue.Stats().Evicted
	if err := l.queue.Enqueue(b); err != nil {
		l.log.Warn("enqueue failed, batch lost",
			"batch_id", b.ID,
			"buffered", l.queue.Len(),
			"error", err,
		)
	} else if evicted := l.queue.Stats().Evicted - evictedBefore; evicted > 0 {
		l.log.Warn("buffer at capacity, evicted oldest batch",
			"batch_id", b.ID,
			"evicted", evicted,
		)
	}

	l.setState(StateTransmitting)
	l.queue.Notify()
}

func (l *Loop) sampleFailed(err error) {
	kind := sensorErrorKind(err)
	l.m.SensorErrors.WithLabelValues(kind).Inc()

	l.mu.Lock()
	l.faults++
	n := l.faults
	next := l.seq + 1
	l.mu.Unlock()

	level := slog.LevelWarn
	if n >= persistentFaults {
		level = slog.LevelError
	}
	l.log.Log(context.Background(), level, "sample failed",
		"kind", kind,
		"consecutive_faults", n,
		"next_batch_id", next,
		"error", err,
	)
}

func (l *Loop) sampleSucceeded() {
	l.mu.Lock()
	n := l.faults
	l.faults = 0
	l.lastSample = l.now()
	l.mu.Unlock()

	if n > 0 {
		l.log.Info("sensor recovered", "after_faults", n)
	}
}

func sensorErrorKind(err error) string {
	switch {
	case errors.Is(err, sensor.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, sensor.ErrDriverFault):
		return "driver_fault"
	default:
		return "other"
	}
}

func (l *Loop) nextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastSample is the time of the last successful sample, zero if none.
func (l *Loop) LastSample() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSample
}

// Health is unhealthy until the first successful sample and whenever the
// last one is older than three intervals.
func (l *Loop) Health() httpapi.Health {
	h := httpapi.Health{
		Buffered: l.queue.Len(),
		Lost:     l.queue.Stats().Lost(),
	}
	last := l.LastSample()
	if last.IsZero() {
		return h
	}
	h.LastSample = &last
	h.Healthy = l.now().Sub(last) <= staleIntervals*l.interval
	return h
}
