// Package wsbridge implements adapter.Starter on top of a bridge sidecar that
// runs the messaging network client. Each instance holds one websocket to
// <URL>/<instance id>; lifecycle events arrive as JSON frames and sends are
// correlated with their result frames by ref.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/instanced/internal/adapter"
	"github.com/devghori1264/aerophoenix/instanced/internal/ids"
	"github.com/devghori1264/aerophoenix/instanced/internal/jsoncodec"
	"github.com/devghori1264/aerophoenix/instanced/internal/metrics"
)

var (
	// ErrClosed is returned by sends on a closed handle.
	ErrClosed = errors.New("wsbridge: handle closed")
	// ErrNotConnected is returned by sends while the bridge is being redialed.
	ErrNotConnected = errors.New("wsbridge: bridge not connected")
)

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second
	credentialsSaveTimeout  = 5 * time.Second
	defaultEventQueueSize   = 1024
)

// Options configures a Starter.
type Options struct {
	// URL is the bridge base URL, e.g. ws://localhost:7070/sessions.
	URL    string
	Dialer *websocket.Dialer
	Logger *zap.Logger

	WriteTimeout     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// ReconnectFor bounds how long a dropped connection is redialed. Zero
	// keeps trying until the handle is closed.
	ReconnectFor time.Duration

	// EventQueueSize caps the inbound messages buffered per instance while
	// the consumer is busy. Messages beyond it are dropped and counted;
	// pairing and status events are always kept.
	EventQueueSize int
	Registerer     prometheus.Registerer
}

// Starter dials the bridge for each started instance.
type Starter struct {
	base    *url.URL
	dialer  *websocket.Dialer
	log     *zap.Logger
	opts    Options
	dropped prometheus.Counter
}

// New validates o and returns a Starter.
func New(o Options) (*Starter, error) {
	base, err := url.Parse(o.URL)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: parse url: %w", err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("wsbridge: unsupported scheme %q", base.Scheme)
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = defaultReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = defaultEventQueueSize
	}
	dropped, err := metrics.Register(o.Registerer, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "bridge",
		Name:      "messages_dropped_total",
		Help:      "Inbound bridge messages dropped because the instance's event queue was full.",
	}))
	if err != nil {
		return nil, fmt.Errorf("wsbridge: register metrics: %w", err)
	}
	return &Starter{base: base, dialer: o.Dialer, log: o.Logger.Named("wsbridge"), opts: o, dropped: dropped}, nil
}

func (s *Starter) endpoint(id string) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(id)
	u.RawPath = ""
	return u.String()
}

// Start dials the bridge and sends the hello frame. It returns once the
// bridge accepted the connection; pairing progress follows on Events.
func (s *Starter) Start(ctx context.Context, id string, cfg adapter.Config) (adapter.Handle, error) {
	hctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		id:      id,
		cfg:     cfg,
		s:       s,
		log:     s.log.With(zap.String("instance_id", id)),
		ctx:     hctx,
		cancel:  cancel,
		events:  make(chan adapter.Event),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		runDone: make(chan struct{}),
		pending: make(map[string]chan frame),
	}

	conn, err := h.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	h.conn = conn

	go h.run(conn)
	go h.emitLoop()
	return h, nil
}

type handle struct {
	id     string
	cfg    adapter.Config
	s      *Starter
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	events chan adapter.Event
	// queue decouples the read loop from the consumer of Events so a result
	// frame is never stuck behind an undelivered event.
	queueMu sync.Mutex
	queue   []adapter.Event
	notify  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	// runDone is closed when the read side, including any credentials
	// save it started, has finished.
	runDone chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
}

func (h *handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := h.s.dialer.DialContext(ctx, h.s.endpoint(h.id), nil)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial: %w", err)
	}

	hello := frame{Type: frameHello, ID: h.id, Name: h.cfg.Name}
	if h.cfg.Credentials != nil {
		creds, err := h.cfg.Credentials.Load(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("wsbridge: load credentials: %w", err)
		}
		hello.Data = creds
	}
	if err := h.write(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsbridge: hello: %w", err)
	}
	return conn, nil
}

func (h *handle) write(conn *websocket.Conn, f frame) error {
	data, err := jsoncodec.Marshal(f)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(h.s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run reads frames until the handle is closed, redialing after drops.
func (h *handle) run(conn *websocket.Conn) {
	defer close(h.runDone)

	for {
		err := h.readLoop(conn)
		h.detach(conn)
		conn.Close()
		if h.closed() {
			return
		}

		h.log.Warn("bridge connection lost", zap.Error(err))
		h.push(adapter.Disconnected("bridge connection lost"))

		conn, err = h.redial()
		if err != nil {
			if !h.closed() {
				h.log.Error("giving up on bridge", zap.Error(err))
			}
			return
		}
		if !h.attach(conn) {
			conn.Close()
			return
		}
		h.log.Info("bridge reconnected")
	}
}

func (h *handle) redial() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.s.opts.ReconnectInitial
	b.MaxInterval = h.s.opts.ReconnectMax

	return backoff.Retry(h.ctx, func() (*websocket.Conn, error) {
		if h.closed() {
			return nil, backoff.Permanent(ErrClosed)
		}
		return h.dial(h.ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(h.s.opts.ReconnectFor),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.log.Debug("redial failed", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
}

func (h *handle) attach(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed() {
		return false
	}
	h.conn = conn
	return true
}

// detach forgets conn and fails the sends waiting on it.
func (h *handle) detach(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == conn {
		h.conn = nil
	}
	for ref, ch := range h.pending {
		ch <- frame{Type: frameResult, Ref: ref, Error: ErrNotConnected.Error()}
		delete(h.pending, ref)
	}
}

func (h *handle) readLoop(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		var f frame
		if err := jsoncodec.Unmarshal(data, &f); err != nil {
			h.log.Warn("malformed bridge frame", zap.Error(err))
			continue
		}
		h.dispatch(f)
	}
}

func (h *handle) dispatch(f frame) {
	switch f.Type {
	case frameQR:
		h.push(adapter.PairingCode(f.Code))
	case frameStatus:
		switch f.Status {
		case string(adapter.StatusConnected):
			h.push(adapter.Connected(f.Info))
		case string(adapter.StatusDisconnected):
			h.push(adapter.Disconnected(f.Reason))
		default:
			h.log.Warn("unknown bridge status", zap.String("status", f.Status))
		}
	case frameMessage:
		h.push(adapter.Message(f.Payload))
	case frameCreds:
		h.saveCredentials(f.Data)
	case frameResult:
		h.mu.Lock()
		ch, ok := h.pending[f.Ref]
		delete(h.pending, f.Ref)
		h.mu.Unlock()
		if ok {
			ch <- f
		}
	default:
		h.log.Debug("ignoring bridge frame", zap.String("type", f.Type))
	}
}

func (h *handle) saveCredentials(data []byte) {
	if h.cfg.Credentials == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, credentialsSaveTimeout)
	defer cancel()
	if err := h.cfg.Credentials.Save(ctx, data); err != nil {
		h.log.Error("save credentials", zap.Error(err))
	}
}

func (h *handle) push(ev adapter.Event) {
	h.queueMu.Lock()
	if ev.Kind == adapter.EventMessage && len(h.queue) >= h.s.opts.EventQueueSize {
		h.queueMu.Unlock()
		h.s.dropped.Inc()
		h.log.Warn("event queue full, dropping message", zap.Int("queued", h.s.opts.EventQueueSize))
		return
	}
	h.queue = append(h.queue, ev)
	h.queueMu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// emitLoop drains the queue into Events in order and closes Events once
// the read side is finished.
func (h *handle) emitLoop() {
	defer close(h.events)

	for {
		h.queueMu.Lock()
		batch := h.queue
		h.queue = nil
		h.queueMu.Unlock()

		for _, ev := range batch {
			select {
			case h.events <- ev:
			case <-h.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-h.notify:
		case <-h.runDone:
			h.queueMu.Lock()
			empty := len(h.queue) == 0
			h.queueMu.Unlock()
			if empty {
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *handle) Events() <-chan adapter.Event { return h.events }

func (h *handle) SendText(ctx context.Context, to, text string) (json.RawMessage, error) {
	return h.call(ctx, frame{Type: frameSendText, To: to, Text: text})
}

func (h *handle) SendMedia(ctx context.Context, to string, data []byte, caption string) (json.RawMessage, error) {
	return h.call(ctx, frame{
		Type:     frameSendMedia,
		To:       to,
		Data:     data,
		MIMEType: http.DetectContentType(data),
		Caption:  caption,
	})
}

func (h *handle) call(ctx context.Context, f frame) (json.RawMessage, error) {
	if h.closed() {
		return nil, ErrClosed
	}
	f.Ref = ids.New()
	res := make(chan frame, 1)

	h.mu.Lock()
	conn := h.conn
	if conn == nil {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	h.pending[f.Ref] = res
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, f.Ref)
		h.mu.Unlock()
	}()

	if err := h.write(conn, f); err != nil {
		return nil, fmt.Errorf("wsbridge: %s: %w", f.Type, err)
	}

	select {
	case r := <-res:
		if r.Error != "" {
			return nil, fmt.Errorf("wsbridge: %s: %s", f.Type, r.Error)
		}
		return r.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrClosed
	}
}

// Unpair asks the bridge to log the instance out of the network and drop
// its credentials.
func (h *handle) Unpair(ctx context.Context) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := h.write(conn, frame{Type: frameLogout}); err != nil {
		return fmt.Errorf("wsbridge: logout: %w", err)
	}
	return nil
}

// Close stops the handle and returns once the read side has finished, so
// no credentials save lands after Close.
func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.cancel()

		h.mu.Lock()
		conn := h.conn
		h.conn = nil
		h.mu.Unlock()
		if conn == nil {
			return
		}

		h.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(h.s.opts.WriteTimeout))
		h.writeMu.Unlock()
		err = conn.Close()
	})
	<-h.runDone
	return err
}
