package natsclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const drainTimeout = 5 * time.Second

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	IsClosed() bool
	Close()
}

type Publisher struct {
	nc     conn
	url    string
	prefix string
	// closed is closed by the connection's ClosedHandler.
	closed       chan struct{}
	drainTimeout time.Duration
}

// NewPublisher connects to url. Subjects are built as
// <prefix>.<instance id>.events.
func NewPublisher(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	closed := make(chan struct{})
	var closeOnce sync.Once
	opts := []nats.Option{
		nats.Name("instanced"),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) {
			closeOnce.Do(func() { close(closed) })
		}),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url, prefix: prefix, closed: closed, drainTimeout: drainTimeout}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

// PublishEvent publishes payload on the event subject of instanceID.
func (p *Publisher) PublishEvent(ctx context.Context, instanceID string, payload []byte) error {
	return p.Publish(ctx, EventSubject(p.prefix, instanceID), payload)
}

// Close drains the connection, flushing buffered events, and returns once
// the connection is closed or the drain timed out.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return
	}
	select {
	case <-p.closed:
	case <-time.After(p.drainTimeout + time.Second):
		p.nc.Close()
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

// EventSubject returns the subject events of instanceID are published on.
// Characters with meaning in NATS subjects are replaced so an id always maps
// to a single token.
func EventSubject(prefix, instanceID string) string {
	return prefix + "." + subjectReplacer.Replace(instanceID) + ".events"
}

// WildcardSubject matches the events of every instance.
func WildcardSubject(prefix string) string {
	return prefix + ".*.events"
}
