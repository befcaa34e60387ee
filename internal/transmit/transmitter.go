// Package transmit delivers buffered batches to the ingestion endpoint.
package transmit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cloudpico-beam/internal/config"
	"cloudpico-beam/internal/metrics"
	"cloudpico-beam/internal/telemetry"
)

// Writer performs one network write. *influx.Writer implements it.
type Writer interface {
	Write(ctx context.Context, ep config.Endpoint, ms []telemetry.Measurement) error
}

// Mirror receives a copy of every delivered batch.
type Mirror interface {
	PublishBatch(b telemetry.Batch) error
}

// Queue is the consumer side of *buffer.Buffer.
type Queue interface {
	Drain(max int) []telemetry.Batch
	Ack(id uint64, outcome telemetry.Outcome) error
	Ready() <-chan struct{}
}

const (
	DefaultTimeout    = 30 * time.Second
	DefaultDrainMax   = 8
	DefaultMaxRetries = 10
)

// Delivered batches waiting for the mirror. Further batches are skipped
// while it is full.
const mirrorQueue = 64

// Options configure a Transmitter. MaxRetries bounds retry_count for
// retryable failures; 0 retries forever.
type Options struct {
	Timeout    time.Duration
	DrainMax   int
	MaxRetries int
	Backoff    Backoff

	Metrics *metrics.Metrics
	Mirror  Mirror
	Logger  *slog.Logger
}

type Transmitter struct {
	w    Writer
	ep   config.Endpoint
	opts Options
	log  *slog.Logger
	m    *metrics.Metrics

	mirrorCh chan telemetry.Batch
}

func New(w Writer, ep config.Endpoint, opts Options) *Transmitter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DrainMax <= 0 {
		opts.DrainMax = DefaultDrainMax
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = max(DefaultBackoff().Max, opts.Backoff.Initial)
	}
	t := &Transmitter{w: w, ep: ep, opts: opts, log: opts.Logger, m: opts.Metrics}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.m == nil {
		t.m = metrics.New(nil)
	}
	if opts.Mirror != nil {
		t.mirrorCh = make(chan telemetry.Batch, mirrorQueue)
	}
	return t
}

// Send makes a single attempt bounded by the send timeout. Failures are
// always *Error.
func (t *Transmitter) Send(ctx context.Context, b telemetry.Batch, ep config.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := t.w.Write(ctx, ep, b.Measurements)
	t.m.SendDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		t.m.SendAttempts.WithLabelValues("ok").Inc()
		return nil
	}
	te := classify(err)
	t.m.SendAttempts.WithLabelValues(te.Kind.String()).Inc()
	return te
}

// Deliver sends b and decides its outcome. For Retry the returned delay is
// the backoff before the next attempt.
func (t *Transmitter) Deliver(ctx context.Context, b telemetry.Batch) (telemetry.Outcome, time.Duration) {
	err := t.Send(ctx, b, t.ep)
	if err == nil {
		t.log.Debug("batch delivered",
			"batch_id", b.ID,
			"measurements", len(b.Measurements),
			"retry_count", b.RetryCount,
		)
		t.mirror(b)
		return telemetry.Delivered, 0
	}

	var te *Error
	if !errors.As(err, &te) {
		te = classify(err)
	}

	if !te.Retryable() {
		t.m.BatchesDropped.WithLabelValues("rejected").Inc()
		t.log.Error("batch rejected, dropping",
			"batch_id", b.ID,
			"retry_count", b.RetryCount,
			"kind", te.Kind.String(),
			"status", te.Status,
			"error", te.Err,
		)
		return telemetry.Drop, 0
	}

	next := b.RetryCount + 1
	if t.opts.MaxRetries > 0 && next > t.opts.MaxRetries {
		t.m.BatchesDropped.WithLabelValues("retries_exhausted").Inc()
		t.log.Error("batch retries exhausted, dropping",
			"batch_id", b.ID,
			"retry_count", b.RetryCount,
			"kind", te.Kind.String(),
			"error", te.Err,
		)
		return telemetry.Drop, 0
	}

	delay := t.opts.Backoff.Delay(next)
	t.log.Warn("send failed, will retry",
		"batch_id", b.ID,
		"retry_count", next,
		"kind", te.Kind.String(),
		"status", te.Status,
		"delay", delay,
		"error", te.Err,
	)
	return telemetry.Retry, delay
}

// mirror hands b to the publisher goroutine without waiting on the broker.
func (t *Transmitter) mirror(b telemetry.Batch) {
	if t.mirrorCh == nil {
		return
	}
	b.Status = telemetry.StatusDelivered
	select {
	case t.mirrorCh <- b:
	default:
		t.log.Debug("mirror queue full, skipping batch", "batch_id", b.ID)
	}
}

func (t *Transmitter) publishMirror(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case b := <-t.mirrorCh:
			if err := t.opts.Mirror.PublishBatch(b); err != nil {
				t.log.Debug("mirror publish failed", "batch_id", b.ID, "error", err)
			}
		}
	}
}

// Run consumes q until ctx is cancelled. It wakes on q.Ready() or when a
// backoff delay expires. A send already started when ctx is cancelled runs
// to completion; batches drained but not yet sent are requeued. Mirror
// publishes happen on a separate goroutine for the lifetime of Run.
func (t *Transmitter) Run(ctx context.Context, q Queue) error {
	if t.mirrorCh != nil {
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.publishMirror(stop)
		}()
		defer func() {
			close(stop)
			wg.Wait()
		}()
	}

	var delay time.Duration
	for {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-q.Ready():
			}
		}
		delay = t.flush(ctx, q)
	}
}

// flush drains q until it is empty, a retryable failure occurs or ctx is
// cancelled. It returns the backoff delay after a failure.
func (t *Transmitter) flush(ctx context.Context, q Queue) time.Duration {
	sendCtx := context.WithoutCancel(ctx)
	for {
		batches := q.Drain(t.opts.DrainMax)
		if len(batches) == 0 {
			return 0
		}

		for i, b := range batches {
			if ctx.Err() != nil {
				t.requeue(q, batches[i:])
				return 0
			}

			outcome, delay := t.Deliver(sendCtx, b)
			t.ack(q, b.ID, outcome)
			if outcome == telemetry.Retry {
				t.requeue(q, batches[i+1:])
				return delay
			}
		}
	}
}

func (t *Transmitter) requeue(q Queue, batches []telemetry.Batch) {
	for _, b := range batches {
		t.ack(q, b.ID, telemetry.Requeue)
	}
}

func (t *Transmitter) ack(q Queue, id uint64, outcome telemetry.Outcome) {
	if err := q.Ack(id, outcome); err != nil {
		t.log.Warn("ack failed", "batch_id", id, "outcome", outcome.String(), "error", err)
	}
}
