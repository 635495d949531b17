// Package broadcast fans tracker notifications out to websocket observers
// through the JetStream history stream.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/cc-wiretap/internal/interceptor"
	"github.com/namikmesic/cc-wiretap/internal/jetstream"
	"github.com/namikmesic/cc-wiretap/internal/metrics"
)

// ErrClosed is returned by operations on a hub that has been shut down.
var ErrClosed = errors.New("broadcast: hub closed")

// Job is a unit of work executed in order by the publish loop.
type Job interface {
	Execute(ctx context.Context, js nats.JetStreamContext) error
}

// JobFunc adapts a function into a Job.
type JobFunc func(ctx context.Context, js nats.JetStreamContext) error

func (f JobFunc) Execute(ctx context.Context, js nats.JetStreamContext) error {
	return f(ctx, js)
}

type Options struct {
	JS      nats.JetStreamContext
	Metrics *metrics.Metrics

	BufferSize     int
	BatchSize      int
	FlushInterval  time.Duration
	ObserverBuffer int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// Hub implements interceptor.Broadcaster. Notifications are encoded on the
// caller's goroutine, queued, and published to JetStream in batches; each
// observer reads them back through its own ordered consumer.
type Hub struct {
	js      nats.JetStreamContext
	metrics *metrics.Metrics

	batchSize      int
	flushInterval  time.Duration
	observerBuffer int
	pingInterval   time.Duration
	writeTimeout   time.Duration

	queueMu sync.RWMutex
	jobs    chan Job
	closed  bool
	wg      sync.WaitGroup

	mu        sync.Mutex
	onClear   []func() int
	observers map[*observer]struct{}
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		js:             opts.JS,
		metrics:        opts.Metrics,
		batchSize:      orDefault(opts.BatchSize, 100),
		flushInterval:  orDefault(opts.FlushInterval, 50*time.Millisecond),
		observerBuffer: orDefault(opts.ObserverBuffer, 4096),
		pingInterval:   orDefault(opts.PingInterval, 30*time.Second),
		writeTimeout:   orDefault(opts.WriteTimeout, 10*time.Second),
		jobs:           make(chan Job, orDefault(opts.BufferSize, 10000)),
		observers:      make(map[*observer]struct{}),
	}
	h.wg.Add(1)
	go h.loop()
	return h
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Broadcast queues n for publication without blocking. When the queue is
// full the notification is dropped.
func (h *Hub) Broadcast(n interceptor.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("type", string(n.Type)).Str("request_id", n.RequestID).Msg("failed to encode notification")
		return
	}
	subject := jetstream.NotificationSubject(n.RequestID, string(n.Type))

	h.queueMu.RLock()
	defer h.queueMu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.jobs <- publishJob{subject: subject, data: data}:
	default:
		h.metrics.NotificationDropped()
		log.Warn().Str("type", string(n.Type)).Str("request_id", n.RequestID).Msg("broadcast queue full, dropping notification")
	}
}

// OnClear registers fn to run during ClearAll, after the history is purged.
// fn reports how many records it dropped.
func (h *Hub) OnClear(fn func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClear = append(h.onClear, fn)
}

// ClearAll purges the history, runs the OnClear hooks and tells every
// observer to clear. It is ordered after every notification queued before
// it, and returns the number of records the hooks dropped.
func (h *Hub) ClearAll(ctx context.Context) (int, error) {
	job := &clearJob{hub: h, done: make(chan clearResult, 1)}

	h.queueMu.RLock()
	if h.closed {
		h.queueMu.RUnlock()
		return 0, ErrClosed
	}
	select {
	case h.jobs <- job:
		h.queueMu.RUnlock()
	case <-ctx.Done():
		h.queueMu.RUnlock()
		return 0, ctx.Err()
	}

	select {
	case res := <-job.done:
		return res.cleared, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ObserverCount reports the number of connected observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Shutdown publishes everything still queued, then disconnects observers.
func (h *Hub) Shutdown() {
	h.queueMu.Lock()
	if h.closed {
		h.queueMu.Unlock()
		return
	}
	h.closed = true
	close(h.jobs)
	h.queueMu.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	observers := make([]*observer, 0, len(h.observers))
	for o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()
	for _, o := range observers {
		o.close(goingAway, "server shutting down")
	}
}

func (h *Hub) loop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	batch := make([]Job, 0, h.batchSize)

	for {
		select {
		case job, ok := <-h.jobs:
			if !ok {
				h.flush(batch)
				return
			}
			batch = append(batch, job)
			if len(batch) >= h.batchSize {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (h *Hub) flush(batch []Job) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, job := range batch {
		if err := job.Execute(ctx, h.js); err != nil {
			log.Error().Err(err).Msg("broadcast job failed")
		}
	}
	if err := awaitPublished(ctx, h.js); err != nil {
		log.Warn().Err(err).Msg("notifications not acknowledged")
	}
}

func awaitPublished(ctx context.Context, js nats.JetStreamContext) error {
	select {
	case <-js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await publish acks: %w", ctx.Err())
	}
}

type publishJob struct {
	subject string
	data    []byte
}

func (j publishJob) Execute(_ context.Context, js nats.JetStreamContext) error {
	if _, err := js.PublishAsync(j.subject, j.data); err != nil {
		return fmt.Errorf("publish %s: %w", j.subject, err)
	}
	return nil
}

type clearResult struct {
	cleared int
	err     error
}

type clearJob struct {
	hub  *Hub
	done chan clearResult
}

func (j *clearJob) Execute(ctx context.Context, js nats.JetStreamContext) (err error) {
	cleared := 0
	defer func() { j.done <- clearResult{cleared: cleared, err: err} }()

	// Earlier notifications must land before the purge or they would survive it.
	if err = awaitPublished(ctx, js); err != nil {
		return err
	}
	if err = jetstream.Purge(js); err != nil {
		return err
	}

	j.hub.mu.Lock()
	hooks := append([]func() int(nil), j.hub.onClear...)
	j.hub.mu.Unlock()
	for _, fn := range hooks {
		cleared += fn()
	}

	data, err := json.Marshal(interceptor.Notification{Type: interceptor.KindClearAll})
	if err != nil {
		return fmt.Errorf("encode clear_all: %w", err)
	}
	if _, err = js.Publish(jetstream.ControlSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish clear_all: %w", err)
	}
	log.Info().Int("cleared", cleared).Msg("history cleared")
	return nil
}
