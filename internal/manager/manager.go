// Package manager is the lifecycle facade over the metadata store, the
// instance registry, the connection adapters and the event forwarder.
//
// Every mutation of one instance (create, delete, sends and the application
// of its adapter events) runs under that instance's op lock, so its state
// machine and its outbound sends never race. Different instances only share
// the registry map and the store, neither of which is held across I/O.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devghori1264/aerophoenix/instanced/internal/adapter"
	"github.com/devghori1264/aerophoenix/instanced/internal/apperr"
	"github.com/devghori1264/aerophoenix/instanced/internal/media"
	"github.com/devghori1264/aerophoenix/instanced/internal/metrics"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
	"github.com/devghori1264/aerophoenix/instanced/internal/registry"
	"github.com/devghori1264/aerophoenix/instanced/internal/storage"
)

const tracerName = "github.com/devghori1264/aerophoenix/instanced/internal/manager"

// Forwarder relays events off the state machine's critical path.
type Forwarder interface {
	Dispatch(instanceID, webhookURL string, ev models.ForwardEvent) bool
}

// Options wires a Manager. Store, Starter and Fetcher are required.
type Options struct {
	Store     storage.Store
	Starter   adapter.Starter
	Forwarder Forwarder
	Fetcher   media.Fetcher
	// Registry defaults to an empty registry.
	Registry   *registry.Registry
	Logger     *zap.Logger
	Registerer prometheus.Registerer

	StartTimeout       time.Duration
	RestoreTimeout     time.Duration
	RestoreConcurrency int
	SendTimeout        time.Duration
	// AddressSuffix is appended to recipients without a domain.
	AddressSuffix string
}

// CreateOptions are the caller supplied fields of a new instance.
type CreateOptions struct {
	Name       string
	WebhookURL string
}

// Manager implements the instance lifecycle.
type Manager struct {
	store   storage.Store
	starter adapter.Starter
	fwd     Forwarder
	fetcher media.Fetcher
	reg     *registry.Registry
	log     *zap.Logger
	tracer  trace.Tracer
	ops     *prometheus.CounterVec
	opts    Options

	// operations mutex per instance id
	opMu  sync.Map
	pumps sync.WaitGroup
	now   func() time.Time
}

type nopForwarder struct{}

func (nopForwarder) Dispatch(string, string, models.ForwardEvent) bool { return false }

// New validates o and returns a Manager. Call Init before serving.
func New(o Options) (*Manager, error) {
	if o.Store == nil || o.Starter == nil || o.Fetcher == nil {
		return nil, errors.New("manager: store, starter and fetcher are required")
	}
	if o.Forwarder == nil {
		o.Forwarder = nopForwarder{}
	}
	if o.Registry == nil {
		o.Registry = registry.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.RestoreTimeout <= 0 {
		o.RestoreTimeout = o.StartTimeout
	}
	if o.RestoreConcurrency <= 0 {
		o.RestoreConcurrency = 8
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 60 * time.Second
	}
	if o.AddressSuffix == "" {
		o.AddressSuffix = "s.whatsapp.net"
	}

	ops, err := metrics.Register(o.Registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "manager",
			Name:      "operations_total",
			Help:      "Lifecycle operations by name and result kind.",
		},
		[]string{"op", "result"},
	))
	if err != nil {
		return nil, err
	}

	return &Manager{
		store:   o.Store,
		starter: o.Starter,
		fwd:     o.Forwarder,
		fetcher: o.Fetcher,
		reg:     o.Registry,
		log:     o.Logger.Named("manager"),
		tracer:  otel.Tracer(tracerName),
		ops:     ops,
		opts:    o,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Registry exposes the registry for read-only collaborators such as the
// metrics collector.
func (m *Manager) Registry() *registry.Registry { return m.reg }

func (m *Manager) begin(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "manager."+op, trace.WithAttributes(attribute.String("instance.id", id)))
}

// end records the outcome of op on span and in the operations counter.
func (m *Manager) end(span trace.Span, op string, err error) {
	defer span.End()
	result := resultLabel(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Message(err))
	}
	m.ops.WithLabelValues(op, result).Inc()
}

// resultLabel is the result label of the operations counter for err.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// Init restores every persisted instance. Restores run concurrently, each
// bounded by RestoreTimeout; a failed restore is logged and skipped. Init
// returns once every adapter start returned, without waiting for pairing.
func (m *Manager) Init(ctx context.Context) (err error) {
	ctx, span := m.begin(ctx, "init", "")
	defer func() { m.end(span, "init", err) }()

	res, err := m.store.ListInstances(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailure, "init", err, "list instance records")
	}
	for _, sk := range res.Skipped {
		m.log.Warn("skipping unreadable instance record", zap.String("key", sk.Key), zap.Error(sk.Err))
		m.ops.WithLabelValues("restore", "skipped").Inc()
	}

	var restored atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(m.opts.RestoreConcurrency)
	for _, rec := range res.Records {
		g.Go(func() error {
			if err := m.restore(ctx, rec); err != nil {
				m.log.Warn("restore failed", zap.String("instance_id", rec.ID), zap.Error(err))
				m.ops.WithLabelValues("restore", resultLabel(err)).Inc()
				return nil
			}
			restored.Add(1)
			m.ops.WithLabelValues("restore", "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("instances restored",
		zap.Int("records", len(res.Records)),
		zap.Int64("restored", restored.Load()),
		zap.Int("skipped", len(res.Skipped)))
	return nil
}

func (m *Manager) restore(ctx context.Context, rec *models.InstanceRecord) error {
	_ = m.acquireOpLock(rec.ID)
	defer m.releaseOpLock(rec.ID)

	if _, ok := m.reg.Get(rec.ID); ok {
		return nil
	}
	_, err := m.start(ctx, rec, m.opts.RestoreTimeout)
	return err
}

// Create persists a new instance and starts its adapter. It returns the
// initializing state without waiting for pairing. An id whose record exists
// but which is not running is restarted with the new settings.
func (m *Manager) Create(ctx context.Context, id string, o CreateOptions) (sum models.InstanceSummary, err error) {
	ctx, span := m.begin(ctx, "create", id)
	defer func() { m.end(span, "create", err) }()

	if strings.TrimSpace(id) == "" {
		return sum, apperr.New(apperr.KindInvalidArgument, "create", "instance id is required")
	}
	if o.WebhookURL != "" {
		if u, perr := url.Parse(o.WebhookURL); perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return sum, apperr.New(apperr.KindInvalidArgument, "create", "webhook url %q must be an absolute http(s) url", o.WebhookURL)
		}
	}

	_ = m.acquireOpLock(id)
	defer m.releaseOpLock(id)

	if _, ok := m.reg.Get(id); ok {
		return sum, apperr.New(apperr.KindInvalidArgument, "create", "instance %q is already active", id)
	}

	rec := &models.InstanceRecord{
		ID:         id,
		Name:       o.Name,
		WebhookURL: o.WebhookURL,
		CreatedAt:  m.now(),
	}
	if rec.Name == "" {
		rec.Name = id
	}
	if prev, gerr := m.store.GetInstance(ctx, id); gerr == nil {
		rec.CreatedAt = prev.CreatedAt
	} else if !errors.Is(gerr, storage.ErrNotFound) {
		return sum, apperr.Wrap(apperr.KindPersistenceFailure, "create", gerr, "read instance record")
	}

	if err := m.store.PutInstance(ctx, rec); err != nil {
		return sum, apperr.Wrap(apperr.KindPersistenceFailure, "create", err, "persist instance record")
	}

	state, err := m.start(ctx, rec, m.opts.StartTimeout)
	if err != nil {
		// The record stays so a later Init or Create can retry the start.
		return sum, err
	}

	m.log.Info("instance created", zap.String("instance_id", id), zap.String("name", rec.Name))
	return state.Summary(), nil
}

// start opens the adapter for rec and registers it. Callers hold the op lock.
func (m *Manager) start(ctx context.Context, rec *models.InstanceRecord, timeout time.Duration) (models.InstanceState, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := m.starter.Start(sctx, rec.ID, adapter.Config{
		Name:        rec.Name,
		Credentials: credentials{store: m.store, id: rec.ID},
	})
	if err != nil {
		return models.InstanceState{}, apperr.Wrap(apperr.KindAdapterFailure, "start", err, "start adapter for %q", rec.ID)
	}

	state := models.InstanceState{
		ID:         rec.ID,
		Name:       rec.Name,
		WebhookURL: rec.WebhookURL,
		Status:     models.StatusInitializing,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  m.now(),
	}
	gen, err := m.reg.Register(state, h)
	if err != nil {
		_ = h.Close()
		return models.InstanceState{}, fmt.Errorf("register %q: %w", rec.ID, err)
	}

	m.pumps.Add(1)
	go m.pump(rec.ID, gen, h)
	return state, nil
}

// pump applies the events of one adapter registration in order. Forwarding
// happens after the op lock is released and never waits for delivery.
func (m *Manager) pump(id string, gen uint64, h adapter.Handle) {
	defer m.pumps.Done()
	log := m.log.With(zap.String("instance_id", id))

	for ev := range h.Events() {
		_ = m.acquireOpLock(id)
		tr := m.reg.Apply(id, gen, ev)
		m.releaseOpLock(id)

		switch tr.Outcome {
		case registry.Stale:
			log.Debug("dropping event for removed instance", zap.String("event", string(ev.Kind)))
			continue
		case registry.Ignored:
			log.Warn("ignoring adapter event",
				zap.String("event", string(ev.Kind)),
				zap.String("connection", string(ev.Status)),
				zap.String("status", string(tr.From)))
			continue
		}
		if tr.From != tr.To {
			log.Info("status changed", zap.String("from", string(tr.From)), zap.String("status", string(tr.To)))
		}
		if tr.Forward != nil {
			m.fwd.Dispatch(id, tr.State.WebhookURL, *tr.Forward)
		}
	}
	log.Debug("adapter event stream closed")
}

// GetState returns the cached state of id.
func (m *Manager) GetState(id string) (models.InstanceState, error) {
	st, ok := m.reg.Get(id)
	if !ok {
		return st, apperr.New(apperr.KindNotFound, "get", "instance %q not found", id)
	}
	return st, nil
}

// List returns a summary of every active instance.
func (m *Manager) List() []models.InstanceSummary {
	return m.reg.List()
}

// SendText sends a text message from instance id.
func (m *Manager) SendText(ctx context.Context, id, to, text string) (res json.RawMessage, err error) {
	ctx, span := m.begin(ctx, "send_text", id)
	defer func() { m.end(span, "send_text", err) }()

	if _, ok := m.reg.Handle(id); !ok {
		return nil, apperr.New(apperr.KindNotFound, "send_text", "instance %q not found", id)
	}
	if strings.TrimSpace(to) == "" || text == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "send_text", "to and text are required")
	}
	addr := m.normalize(to)
	return m.send(ctx, id, "send_text", func(ctx context.Context, h adapter.Handle) (json.RawMessage, error) {
		return h.SendText(ctx, addr, text)
	})
}

// SendMediaByURL fetches rawURL and sends it from instance id. The fetch
// happens before the op lock is taken so a slow remote never delays the
// instance's events or other sends.
func (m *Manager) SendMediaByURL(ctx context.Context, id, to, rawURL, caption string) (res json.RawMessage, err error) {
	ctx, span := m.begin(ctx, "send_media", id)
	defer func() { m.end(span, "send_media", err) }()

	if _, ok := m.reg.Handle(id); !ok {
		return nil, apperr.New(apperr.KindNotFound, "send_media", "instance %q not found", id)
	}
	if strings.TrimSpace(to) == "" || strings.TrimSpace(rawURL) == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "send_media", "to and url are required")
	}

	resource, err := m.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFetchError, "send_media", err, "fetch %s", rawURL)
	}
	span.SetAttributes(attribute.String("media.type", resource.MIMEType), attribute.Int("media.bytes", len(resource.Data)))

	addr := m.normalize(to)
	return m.send(ctx, id, "send_media", func(ctx context.Context, h adapter.Handle) (json.RawMessage, error) {
		return h.SendMedia(ctx, addr, resource.Data, caption)
	})
}

func (m *Manager) send(ctx context.Context, id, op string, fn func(context.Context, adapter.Handle) (json.RawMessage, error)) (json.RawMessage, error) {
	_ = m.acquireOpLock(id)
	defer m.releaseOpLock(id)

	// Deleted while waiting for the lock.
	h, ok := m.reg.Handle(id)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, op, "instance %q not found", id)
	}

	sctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	res, err := fn(sctx, h)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAdapterFailure, op, err, "send from %q", id)
	}
	return res, nil
}

func (m *Manager) normalize(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	return to + "@" + m.opts.AddressSuffix
}

// Delete closes and forgets instance id and removes its persisted data.
// Deleting an unknown id succeeds.
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	ctx, span := m.begin(ctx, "delete", id)
	defer func() { m.end(span, "delete", err) }()

	if strings.TrimSpace(id) == "" {
		return apperr.New(apperr.KindInvalidArgument, "delete", "instance id is required")
	}

	_ = m.acquireOpLock(id)
	defer m.releaseOpLock(id)

	log := m.log.With(zap.String("instance_id", id))
	m.reg.UpdateStatus(id, models.StatusClosed, registry.Patch{})
	if h, ok := m.reg.Unregister(id); ok {
		if u, ok := h.(adapter.Unpairer); ok {
			uctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
			if err := u.Unpair(uctx); err != nil {
				log.Warn("unpair failed", zap.Error(err))
			}
			cancel()
		}
		if err := h.Close(); err != nil {
			log.Warn("closing adapter failed", zap.Error(err))
		}
	}

	if err := m.store.RemoveInstance(ctx, id); err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailure, "delete", err, "remove instance record")
	}
	log.Info("instance deleted")
	return nil
}

// Shutdown closes every adapter and waits for their event streams to
// drain. Records are kept so the next Init restores the instances.
func (m *Manager) Shutdown(ctx context.Context) error {
	g := new(errgroup.Group)
	for _, s := range m.reg.List() {
		g.Go(func() error {
			_ = m.acquireOpLock(s.ID)
			defer m.releaseOpLock(s.ID)
			if h, ok := m.reg.Unregister(s.ID); ok {
				if err := h.Close(); err != nil {
					m.log.Warn("closing adapter failed", zap.String("instance_id", s.ID), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquireOpLock ensures only one op per instance at a time.
func (m *Manager) acquireOpLock(id string) *sync.Mutex {
	v, _ := m.opMu.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}

// releaseOpLock releases the op lock.
func (m *Manager) releaseOpLock(id string) {
	v, ok := m.opMu.Load(id)
	if !ok {
		return
	}
	mtx := v.(*sync.Mutex)
	mtx.Unlock()
}

// credentials stores an adapter's pairing credentials next to the
// instance record, so Delete removes both.
type credentials struct {
	store storage.Store
	id    string
}

func (c credentials) Load(ctx context.Context) ([]byte, error) {
	data, err := c.store.GetCredentials(ctx, c.id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (c credentials) Save(ctx context.Context, data []byte) error {
	return c.store.PutCredentials(ctx, c.id, data)
}
