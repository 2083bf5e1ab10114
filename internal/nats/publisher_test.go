package natsclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventSubject(t *testing.T) {
	cases := map[string]string{
		"acct1":       "instances.acct1.events",
		"team.sales":  "instances.team_sales.events",
		"a b*c>":      "instances.a_b_c_.events",
		"55119999999": "instances.55119999999.events",
	}
	for id, want := range cases {
		if got := EventSubject("instances", id); got != want {
			t.Errorf("EventSubject(%q) = %q, want %q", id, got, want)
		}
	}
	if got := WildcardSubject("instances"); got != "instances.*.events" {
		t.Errorf("WildcardSubject = %q", got)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	p := &Publisher{prefix: "instances"}
	if err := p.PublishEvent(context.Background(), "acct1", []byte("{}")); err == nil {
		t.Fatal("expected error without a connection")
	}
	p.Close()
}

// drainingConn finishes a drain asynchronously, like *nats.Conn.
type drainingConn struct {
	mu        sync.Mutex
	published [][]byte
	flushed   atomic.Int32
	closed    atomic.Bool
	drainErr  error
	onClosed  func()
}

func (c *drainingConn) Publish(_ string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, data)
	return nil
}

func (c *drainingConn) Drain() error {
	if c.drainErr != nil {
		return c.drainErr
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.mu.Lock()
		c.flushed.Store(int32(len(c.published)))
		c.mu.Unlock()
		c.closed.Store(true)
		c.onClosed()
	}()
	return nil
}

func (c *drainingConn) IsClosed() bool { return c.closed.Load() }

func (c *drainingConn) Close() { c.closed.Store(true) }

func TestCloseWaitsForDrain(t *testing.T) {
	closed := make(chan struct{})
	c := &drainingConn{onClosed: func() { close(closed) }}
	p := &Publisher{nc: c, prefix: "instances", closed: closed, drainTimeout: time.Second}

	for i := 0; i < 3; i++ {
		if err := p.PublishEvent(context.Background(), "acct1", []byte("{}")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	p.Close()
	if got := c.flushed.Load(); got != 3 {
		t.Fatalf("flushed %d events before Close returned, want 3", got)
	}
	if err := p.PublishEvent(context.Background(), "acct1", []byte("{}")); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestCloseFallsBackWhenDrainFails(t *testing.T) {
	c := &drainingConn{drainErr: errors.New("nats: connection closed")}
	p := &Publisher{nc: c, prefix: "instances", closed: make(chan struct{}), drainTimeout: time.Second}

	start := time.Now()
	p.Close()
	if !c.IsClosed() {
		t.Fatal("connection left open")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Close waited on a drain that never started")
	}
}
