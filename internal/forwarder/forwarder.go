// Package forwarder relays instance events to webhooks and the event bus.
//
// Delivery is at-most-once and best-effort: Dispatch never blocks, a full
// queue drops the event, and failed deliveries are not retried. Every
// outcome is counted in instanced_forwarder_deliveries_total and logged.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/instanced/internal/jsoncodec"
	"github.com/devghori1264/aerophoenix/instanced/internal/metrics"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

// Sinks and outcomes used as metric labels.
const (
	SinkWebhook = "webhook"
	SinkBus     = "bus"

	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
	OutcomeSkipped   = "skipped"
)

// EventPublisher is an optional second sink, e.g. a NATS publisher.
type EventPublisher interface {
	PublishEvent(ctx context.Context, instanceID string, payload []byte) error
}

// Options configures a Forwarder. Zero values get defaults.
type Options struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	Client     *http.Client
	Bus        EventPublisher
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

type job struct {
	instanceID string
	webhookURL string
	event      models.ForwardEvent
}

// Forwarder owns a bounded queue drained by a fixed worker pool.
type Forwarder struct {
	queue   chan job
	client  *http.Client
	bus     EventPublisher
	log     *zap.Logger
	timeout time.Duration

	deliveries *prometheus.CounterVec
	latency    *prometheus.HistogramVec

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a Forwarder and starts its workers.
func New(o Options) (*Forwarder, error) {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	deliveries, err := metrics.Register(o.Registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "forwarder",
			Name:      "deliveries_total",
			Help:      "Forwarded instance events by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	))
	if err != nil {
		return nil, fmt.Errorf("forwarder: register metrics: %w", err)
	}
	latency, err := metrics.Register(o.Registerer, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "forwarder",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one event to a sink.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"sink"},
	))
	if err != nil {
		return nil, fmt.Errorf("forwarder: register metrics: %w", err)
	}

	f := &Forwarder{
		queue:      make(chan job, o.QueueSize),
		client:     o.Client,
		bus:        o.Bus,
		log:        o.Logger.Named("forwarder"),
		timeout:    o.Timeout,
		deliveries: deliveries,
		latency:    latency,
	}
	for i := 0; i < o.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f, nil
}

// Dispatch queues ev for delivery and returns immediately. It reports
// whether the event was queued.
func (f *Forwarder) Dispatch(instanceID, webhookURL string, ev models.ForwardEvent) bool {
	if webhookURL == "" && f.bus == nil {
		f.deliveries.WithLabelValues(SinkWebhook, OutcomeSkipped).Inc()
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.dropped(instanceID, ev, "forwarder closed")
		return false
	}
	select {
	case f.queue <- job{instanceID: instanceID, webhookURL: webhookURL, event: ev}:
		return true
	default:
		f.dropped(instanceID, ev, "queue full")
		return false
	}
}

func (f *Forwarder) dropped(instanceID string, ev models.ForwardEvent, reason string) {
	f.deliveries.WithLabelValues(SinkWebhook, OutcomeDropped).Inc()
	f.log.Warn("event dropped",
		zap.String("instance_id", instanceID),
		zap.String("event", ev.Type),
		zap.String("event_id", ev.ID),
		zap.String("reason", reason))
}

// Close stops accepting events and waits for queued ones to be attempted,
// or for ctx to end.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for j := range f.queue {
		f.deliver(j)
	}
}

func (f *Forwarder) deliver(j job) {
	payload, err := jsoncodec.Marshal(models.Delivery{InstanceID: j.instanceID, Event: j.event})
	if err != nil {
		f.deliveries.WithLabelValues(SinkWebhook, OutcomeFailed).Inc()
		f.log.Error("encode event", zap.String("instance_id", j.instanceID), zap.Error(err))
		return
	}
	log := f.log.With(
		zap.String("instance_id", j.instanceID),
		zap.String("event", j.event.Type),
		zap.String("event_id", j.event.ID))

	if f.bus != nil {
		f.observe(SinkBus, log, func(ctx context.Context) error {
			return f.bus.PublishEvent(ctx, j.instanceID, payload)
		})
	}

	if j.webhookURL == "" {
		f.deliveries.WithLabelValues(SinkWebhook, OutcomeSkipped).Inc()
		return
	}
	f.observe(SinkWebhook, log, func(ctx context.Context) error {
		return f.post(ctx, j.webhookURL, j.event.ID, payload)
	})
}

func (f *Forwarder) observe(sink string, log *zap.Logger, send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	start := time.Now()
	err := send(ctx)
	f.latency.WithLabelValues(sink).Observe(time.Since(start).Seconds())
	if err != nil {
		f.deliveries.WithLabelValues(sink, OutcomeFailed).Inc()
		log.Warn("event delivery failed, dropping", zap.String("sink", sink), zap.Error(err))
		return
	}
	f.deliveries.WithLabelValues(sink, OutcomeDelivered).Inc()
	log.Debug("event delivered", zap.String("sink", sink))
}

var errStatus = errors.New("webhook returned non-2xx status")

func (f *Forwarder) post(ctx context.Context, url, eventID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", eventID)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", errStatus, resp.StatusCode)
	}
	return nil
}
