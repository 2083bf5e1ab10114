package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/instanced/internal/jsoncodec"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

type recordingBus struct {
	mu   sync.Mutex
	ids  []string
	body [][]byte
	err  error
}

func (b *recordingBus) PublishEvent(_ context.Context, instanceID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, instanceID)
	b.body = append(b.body, payload)
	return b.err
}

func newForwarder(t *testing.T, o Options) (*Forwarder, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	o.Registerer = reg
	f, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f, reg
}

func counter(f *Forwarder, sink, outcome string) float64 {
	return testutil.ToFloat64(f.deliveries.WithLabelValues(sink, outcome))
}

func TestDispatchPostsDeliveryEnvelope(t *testing.T) {
	got := make(chan models.Delivery, 1)
	var eventHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d models.Delivery
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		eventHeader = r.Header.Get("X-Event-ID")
		assert.NoError(t, jsoncodec.Decode(r.Body, &d))
		got <- d
	}))
	defer srv.Close()

	f, _ := newForwarder(t, Options{Workers: 1})
	ev := models.ForwardEvent{ID: "01EVENT", Type: models.EventConnected, Info: []byte(`{"user":"1"}`)}
	require.True(t, f.Dispatch("acct1", srv.URL, ev))

	select {
	case d := <-got:
		assert.Equal(t, "acct1", d.InstanceID)
		assert.Equal(t, models.EventConnected, d.Event.Type)
		assert.JSONEq(t, `{"user":"1"}`, string(d.Event.Info))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}

	require.NoError(t, f.Close(context.Background()))
	assert.Equal(t, "01EVENT", eventHeader)
	assert.Equal(t, 1.0, counter(f, SinkWebhook, OutcomeDelivered))
}

func TestFailedDeliveriesAreCountedAndDropped(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, _ := newForwarder(t, Options{Workers: 2})
	f.Dispatch("acct1", srv.URL, models.ForwardEvent{Type: models.EventMessage})
	f.Dispatch("acct1", "http://127.0.0.1:1/unreachable", models.ForwardEvent{Type: models.EventMessage})
	require.NoError(t, f.Close(context.Background()))

	mu.Lock()
	assert.Equal(t, 1, calls, "non-2xx responses must not be retried")
	mu.Unlock()
	assert.Equal(t, 2.0, counter(f, SinkWebhook, OutcomeFailed))
	assert.Equal(t, 0.0, counter(f, SinkWebhook, OutcomeDelivered))
}

func TestDispatchWithoutSinkIsSkipped(t *testing.T) {
	f, _ := newForwarder(t, Options{})
	assert.False(t, f.Dispatch("acct1", "", models.ForwardEvent{Type: models.EventMessage}))
	assert.Equal(t, 1.0, counter(f, SinkWebhook, OutcomeSkipped))
}

func TestDispatchNeverBlocksWhenQueueIsFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f, _ := newForwarder(t, Options{Workers: 1, QueueSize: 1, Timeout: 5 * time.Second})

	// One event occupies the worker, one fills the queue; the rest must be
	// dropped without waiting.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			f.Dispatch("acct1", srv.URL, models.ForwardEvent{Type: models.EventMessage})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
	assert.GreaterOrEqual(t, counter(f, SinkWebhook, OutcomeDropped), 8.0)
}

func TestBusSinkReceivesEventsWithoutWebhook(t *testing.T) {
	bus := &recordingBus{}
	f, _ := newForwarder(t, Options{Bus: bus})

	require.True(t, f.Dispatch("acct1", "", models.ForwardEvent{ID: "e1", Type: models.EventDisconnected, Reason: "logged out"}))
	require.NoError(t, f.Close(context.Background()))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.ids, 1)
	assert.Equal(t, "acct1", bus.ids[0])
	var d models.Delivery
	require.NoError(t, jsoncodec.Unmarshal(bus.body[0], &d))
	assert.Equal(t, "logged out", d.Event.Reason)
	assert.Equal(t, 1.0, counter(f, SinkBus, OutcomeDelivered))
	assert.Equal(t, 1.0, counter(f, SinkWebhook, OutcomeSkipped))
}

func TestBusFailureDoesNotStopWebhook(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		hits <- struct{}{}
	}))
	defer srv.Close()

	bus := &recordingBus{err: errors.New("nats not connected")}
	f, _ := newForwarder(t, Options{Bus: bus})
	f.Dispatch("acct1", srv.URL, models.ForwardEvent{Type: models.EventMessage})
	require.NoError(t, f.Close(context.Background()))

	assert.Len(t, hits, 1)
	assert.Equal(t, 1.0, counter(f, SinkBus, OutcomeFailed))
	assert.Equal(t, 1.0, counter(f, SinkWebhook, OutcomeDelivered))
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	f, _ := newForwarder(t, Options{})
	require.NoError(t, f.Close(context.Background()))
	assert.False(t, f.Dispatch("acct1", "http://example.invalid", models.ForwardEvent{}))
	assert.Equal(t, 1.0, counter(f, SinkWebhook, OutcomeDropped))
}
