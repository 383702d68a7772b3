// Package usage meters billable activity. Brokers emit events onto a bounded
// queue; a dispatcher drains the queue in batches and posts them to the
// project's webhook, authenticated with an HMAC header.
package usage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/metrics"
)

// Event names the metered activity.
type Event string

const (
	EventConnect   Event = "websocket.connect"
	EventSubscribe Event = "websocket.subscribe"
	EventMessage   Event = "websocket.message"
)

// HmacHeader carries the batch signature on webhook requests.
const HmacHeader = "X-Erebus-Hmac"

// EventData is the per-event accounting payload.
type EventData struct {
	ProjectID     string `json:"projectId"`
	KeyID         string `json:"keyId"`
	PayloadLength int    `json:"payloadLength"`
}

// Envelope is the queue wire form of a single usage event.
type Envelope struct {
	PacketType string  `json:"packetType"`
	Payload    Payload `json:"payload"`
}

// Payload pairs the event name with its data.
type Payload struct {
	Event Event     `json:"event"`
	Data  EventData `json:"data"`
}

// NewEnvelope builds the queue envelope for one metered event.
func NewEnvelope(event Event, data EventData) Envelope {
	return Envelope{PacketType: "usage", Payload: Payload{Event: event, Data: data}}
}

// item is a queued envelope bound to its destination webhook.
type item struct {
	webhookURL string
	env        Envelope
}

// Dispatcher drains usage events to webhooks in periodic batches.
//
// The queue is bounded and drop-on-full: metering must never block or crash
// the broadcast path, so overload sheds events and counts the loss.
type Dispatcher struct {
	secret        []byte
	client        *http.Client
	queue         chan item
	flushInterval time.Duration
	log           zerolog.Logger

	dropped int64

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewDispatcher builds a dispatcher signing batches with secret.
// queueSize bounds the in-flight event count.
func NewDispatcher(secret string, queueSize int, flushInterval time.Duration, client *http.Client, log zerolog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{
		secret:        []byte(secret),
		client:        client,
		queue:         make(chan item, queueSize),
		flushInterval: flushInterval,
		log:           log.With().Str("component", "usage").Logger(),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Start launches the drain loop. Call Stop to flush and shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Submit enqueues one event for delivery. When the queue is full the event
// is dropped and the drop counted; Submit never blocks.
func (d *Dispatcher) Submit(webhookURL string, event Event, data EventData) {
	if webhookURL == "" {
		return
	}
	select {
	case d.queue <- item{webhookURL: webhookURL, env: NewEnvelope(event, data)}:
		metrics.UsageQueued.Inc()
	default:
		atomic.AddInt64(&d.dropped, 1)
		metrics.UsageDropped.Inc()
	}
}

// Dropped returns the number of events shed since start.
func (d *Dispatcher) Dropped() int64 {
	return atomic.LoadInt64(&d.dropped)
}

// QueueDepth returns the current number of events awaiting dispatch.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Stop flushes pending events and waits for the drain loop to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	<-d.stopped
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.stopped)

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.flush(ctx)
		case <-d.done:
			d.flush(context.Background())
			return
		case <-ctx.Done():
			// Shutdown cancels this ctx before Stop runs; the final batch
			// still goes out, on a fresh context.
			d.flush(context.Background())
			return
		}
	}
}

// flush drains everything currently queued and posts one batch per webhook.
func (d *Dispatcher) flush(ctx context.Context) {
	batches := make(map[string][]Envelope)
	for {
		select {
		case it := <-d.queue:
			batches[it.webhookURL] = append(batches[it.webhookURL], it.env)
		default:
			for url, envs := range batches {
				if err := d.deliver(ctx, url, envs); err != nil {
					metrics.UsageDeliveryErrors.Inc()
					d.log.Warn().Str("webhook", url).Int("events", len(envs)).Err(err).Msg("usage batch delivery failed")
					continue
				}
				metrics.UsageDelivered.Add(float64(len(envs)))
			}
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, url string, envs []Envelope) error {
	body, err := json.Marshal(envs)
	if err != nil {
		return fmt.Errorf("usage: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("usage: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HmacHeader, Sign(d.secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("usage: post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage: webhook returned %s", resp.Status)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches body under secret.
// Exposed for webhook receivers and tests.
func VerifySignature(secret, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}
