// Package adaptertest provides a scripted in-memory adapter for tests.
package adaptertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devghori1264/aerophoenix/instanced/internal/adapter"
)

// ErrClosed is returned by sends on a closed handle.
var ErrClosed = errors.New("adaptertest: handle closed")

// Send is one outbound call recorded by a Handle.
type Send struct {
	To      string
	Text    string
	Media   []byte
	Caption string
}

// Starter hands out Handles and remembers the latest one per id.
type Starter struct {
	mu      sync.Mutex
	handles map[string]*Handle
	starts  map[string]int

	// StartErr, when set, fails Start for the ids it returns an error for.
	StartErr func(id string) error
	// StartDelay blocks Start, honouring ctx.
	StartDelay time.Duration
	// SendDelay is how long each send takes.
	SendDelay time.Duration
	// CloseErr is returned by every Handle.Close.
	CloseErr error
	// LogoutCredentials, when set, is saved in the background after Unpair,
	// the way a bridge reports the logged-out session. Close waits for it.
	LogoutCredentials []byte
}

// NewStarter returns an empty scripted starter.
func NewStarter() *Starter {
	return &Starter{
		handles: make(map[string]*Handle),
		starts:  make(map[string]int),
	}
}

func (s *Starter) Start(ctx context.Context, id string, cfg adapter.Config) (adapter.Handle, error) {
	s.mu.Lock()
	s.starts[id]++
	startErr, delay, logout := s.StartErr, s.StartDelay, s.LogoutCredentials
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if startErr != nil {
		if err := startErr(id); err != nil {
			return nil, err
		}
	}

	h := &Handle{
		id:        id,
		cfg:       cfg,
		events:    make(chan adapter.Event, 64),
		done:      make(chan struct{}),
		sendDelay: s.SendDelay,
		closeErr:  s.CloseErr,
		logout:    logout,
	}
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
	return h, nil
}

// Handle returns the most recent handle started for id.
func (s *Starter) Handle(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// Starts reports how many times Start was called for id.
func (s *Starter) Starts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts[id]
}

// Handle is a scripted connection. Tests push events with Emit.
type Handle struct {
	id        string
	cfg       adapter.Config
	events    chan adapter.Event
	done      chan struct{}
	closeOnce sync.Once
	emitMu    sync.Mutex
	closed    atomic.Bool
	unpaired  atomic.Bool
	sendDelay time.Duration
	closeErr  error
	logout    []byte
	saves     sync.WaitGroup

	mu       sync.Mutex
	sends    []Send
	inFlight atomic.Int32
	overlaps atomic.Int32
}

// Config returns the config the handle was started with.
func (h *Handle) Config() adapter.Config { return h.cfg }

// Emit delivers ev on the event stream. It reports false once closed.
func (h *Handle) Emit(ev adapter.Event) bool {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *Handle) Events() <-chan adapter.Event { return h.events }

func (h *Handle) SendText(ctx context.Context, to, text string) (json.RawMessage, error) {
	return h.send(ctx, Send{To: to, Text: text})
}

func (h *Handle) SendMedia(ctx context.Context, to string, data []byte, caption string) (json.RawMessage, error) {
	return h.send(ctx, Send{To: to, Media: data, Caption: caption})
}

func (h *Handle) send(ctx context.Context, s Send) (json.RawMessage, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if h.inFlight.Add(1) > 1 {
		h.overlaps.Add(1)
	}
	defer h.inFlight.Add(-1)

	if h.sendDelay > 0 {
		select {
		case <-time.After(h.sendDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	h.sends = append(h.sends, s)
	n := len(h.sends)
	h.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"key":{"id":"%s-%d"}}`, h.id, n)), nil
}

// Sends returns a copy of the recorded sends.
func (h *Handle) Sends() []Send {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Send(nil), h.sends...)
}

// Overlaps counts sends that started while another send was in flight.
func (h *Handle) Overlaps() int { return int(h.overlaps.Load()) }

// Closed reports whether Close was called.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Unpair records the request; it fails once the handle is closed.
func (h *Handle) Unpair(context.Context) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.unpaired.Store(true)
	if h.logout != nil && h.cfg.Credentials != nil {
		h.saves.Add(1)
		go func() {
			defer h.saves.Done()
			time.Sleep(20 * time.Millisecond)
			_ = h.cfg.Credentials.Save(context.Background(), h.logout)
		}()
	}
	return nil
}

// Unpaired reports whether Unpair succeeded.
func (h *Handle) Unpaired() bool { return h.unpaired.Load() }

func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)
		h.emitMu.Lock()
		close(h.events)
		h.emitMu.Unlock()
	})
	h.saves.Wait()
	return h.closeErr
}
