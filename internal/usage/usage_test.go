package usage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []string
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Get(HmacHeader))
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) snapshot() ([][]byte, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.bodies...), append([]string(nil), c.headers...)
}

func TestDispatcherDeliversSignedBatch(t *testing.T) {
	sink := &capture{}
	srv := httptest.NewServer(sink.handler())
	t.Cleanup(srv.Close)

	d := NewDispatcher("topsecret", 16, time.Hour, srv.Client(), zerolog.Nop())
	d.Start(context.Background())

	d.Submit(srv.URL, EventConnect, EventData{ProjectID: "proj", KeyID: "key-1"})
	d.Submit(srv.URL, EventMessage, EventData{ProjectID: "proj", KeyID: "key-1", PayloadLength: 42})

	// Stop flushes whatever is queued.
	d.Stop()

	bodies, headers := sink.snapshot()
	require.Len(t, bodies, 1)

	var envs []Envelope
	require.NoError(t, json.Unmarshal(bodies[0], &envs))
	require.Len(t, envs, 2)
	assert.Equal(t, "usage", envs[0].PacketType)
	assert.Equal(t, EventConnect, envs[0].Payload.Event)
	assert.Equal(t, EventMessage, envs[1].Payload.Event)
	assert.Equal(t, 42, envs[1].Payload.Data.PayloadLength)

	require.Len(t, headers, 1)
	assert.True(t, VerifySignature([]byte("topsecret"), bodies[0], headers[0]))
	assert.False(t, VerifySignature([]byte("wrong"), bodies[0], headers[0]))
}

func TestDispatcherBatchesPerWebhook(t *testing.T) {
	capA, capB := &capture{}, &capture{}
	srvA := httptest.NewServer(capA.handler())
	t.Cleanup(srvA.Close)
	srvB := httptest.NewServer(capB.handler())
	t.Cleanup(srvB.Close)

	d := NewDispatcher("s", 16, time.Hour, &http.Client{Timeout: 5 * time.Second}, zerolog.Nop())
	d.Start(context.Background())

	d.Submit(srvA.URL, EventSubscribe, EventData{ProjectID: "a", KeyID: "k"})
	d.Submit(srvB.URL, EventSubscribe, EventData{ProjectID: "b", KeyID: "k"})
	d.Submit(srvA.URL, EventMessage, EventData{ProjectID: "a", KeyID: "k", PayloadLength: 7})
	d.Stop()

	bodiesA, _ := capA.snapshot()
	bodiesB, _ := capB.snapshot()
	require.Len(t, bodiesA, 1)
	require.Len(t, bodiesB, 1)

	var envsA []Envelope
	require.NoError(t, json.Unmarshal(bodiesA[0], &envsA))
	assert.Len(t, envsA, 2)
}

func TestContextCancelFlushesQueue(t *testing.T) {
	sink := &capture{}
	srv := httptest.NewServer(sink.handler())
	t.Cleanup(srv.Close)

	d := NewDispatcher("s", 16, time.Hour, srv.Client(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Submit(srv.URL, EventConnect, EventData{ProjectID: "p", KeyID: "k"})
	cancel()
	<-d.stopped

	bodies, _ := sink.snapshot()
	require.Len(t, bodies, 1, "cancellation still drains the queue")
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	// Dispatcher never started, so the queue only drains by capacity.
	d := NewDispatcher("s", 2, time.Hour, nil, zerolog.Nop())

	d.Submit("http://example.invalid/hook", EventConnect, EventData{})
	d.Submit("http://example.invalid/hook", EventConnect, EventData{})
	d.Submit("http://example.invalid/hook", EventConnect, EventData{})

	assert.Equal(t, int64(1), d.Dropped())
	assert.Equal(t, 2, d.QueueDepth())
}

func TestSubmitIgnoresEmptyWebhook(t *testing.T) {
	d := NewDispatcher("s", 2, time.Hour, nil, zerolog.Nop())
	d.Submit("", EventConnect, EventData{})
	assert.Equal(t, 0, d.QueueDepth())
	assert.Equal(t, int64(0), d.Dropped())
}

func TestDeliveryErrorDoesNotStopDispatcher(t *testing.T) {
	fails := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(fails.Close)

	sink := &capture{}
	ok := httptest.NewServer(sink.handler())
	t.Cleanup(ok.Close)

	d := NewDispatcher("s", 16, time.Hour, &http.Client{Timeout: 5 * time.Second}, zerolog.Nop())
	d.Start(context.Background())

	d.Submit(fails.URL, EventConnect, EventData{ProjectID: "p", KeyID: "k"})
	d.Submit(ok.URL, EventConnect, EventData{ProjectID: "p", KeyID: "k"})
	d.Stop()

	bodies, _ := sink.snapshot()
	assert.Len(t, bodies, 1)
}
