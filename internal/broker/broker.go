// Package broker implements the regional channel broker: a single-threaded
// actor owning every socket, subscription, sequence and buffer for one
// (project, channel, region). All state mutations run serially on the
// broker goroutine; pumps and collaborators post closures onto its command
// queue and never touch broker state directly.
package broker

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/auth"
	"github.com/erebus-sh/erebus/internal/buffer"
	"github.com/erebus-sh/erebus/internal/key"
	"github.com/erebus-sh/erebus/internal/metrics"
	"github.com/erebus-sh/erebus/internal/sequence"
	"github.com/erebus-sh/erebus/internal/shard"
	"github.com/erebus-sh/erebus/internal/subscription"
	"github.com/erebus-sh/erebus/internal/usage"
	"github.com/erebus-sh/erebus/internal/wire"
)

// State is the broker lifecycle phase.
type State int32

const (
	// StateNew means no socket has ever attached.
	StateNew State = iota
	// StateLive means the broker has served at least one connection. Brokers
	// never leave LIVE; pausing is an orthogonal admin flag.
	StateLive
)

// commandQueueSize bounds pending actor commands. Posting blocks when full,
// which backpressures the read pumps rather than dropping protocol frames.
const commandQueueSize = 1024

// Options carries the per-broker tunables the host resolves from config.
type Options struct {
	RateLimitBurst  int
	RateLimitWindow time.Duration
	HistoryLimit    int
}

func (o Options) withDefaults() Options {
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 100
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = 20 * time.Second
	}
	if o.HistoryLimit <= 0 || o.HistoryLimit > buffer.MaxFetch {
		o.HistoryLimit = buffer.MaxFetch
	}
	return o
}

// Broker is the actor for one (project, channel) in one region.
type Broker struct {
	key  key.DistributedKey // region-qualified identity
	opts Options
	log  zerolog.Logger

	seq      *sequence.Engine
	store    *buffer.Store
	subs     *subscription.Registry
	shards   *shard.Table
	peers    PeerLink
	usage    *usage.Dispatcher
	verifier *auth.Verifier
	tasks    *Runner

	cmds chan func()
	done chan struct{}

	// Actor-owned state. Only the run goroutine touches these.
	sockets map[*client]struct{}
	byUser  map[string][]*client
	state   State
	paused  bool
}

// New assembles a broker. Start must be called before any socket attaches.
func New(
	brokerKey key.DistributedKey,
	seq *sequence.Engine,
	store *buffer.Store,
	subs *subscription.Registry,
	shards *shard.Table,
	peers PeerLink,
	usageDispatcher *usage.Dispatcher,
	verifier *auth.Verifier,
	tasks *Runner,
	opts Options,
	log zerolog.Logger,
) *Broker {
	return &Broker{
		key:      brokerKey,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "broker").Str("broker", brokerKey.String()).Logger(),
		seq:      seq,
		store:    store,
		subs:     subs,
		shards:   shards,
		peers:    peers,
		usage:    usageDispatcher,
		verifier: verifier,
		tasks:    tasks,
		cmds:     make(chan func(), commandQueueSize),
		done:     make(chan struct{}),
		sockets:  make(map[*client]struct{}),
		byUser:   make(map[string][]*client),
		state:    StateNew,
	}
}

// Key returns the broker's region-qualified identity.
func (b *Broker) Key() key.DistributedKey { return b.key }

// Project returns the owning project id.
func (b *Broker) Project() string { return b.key.Project }

// Start launches the actor loop.
func (b *Broker) Start(ctx context.Context) {
	go b.run(ctx)
	metrics.BrokersActive.Inc()
}

func (b *Broker) run(ctx context.Context) {
	defer metrics.BrokersActive.Dec()
	for {
		select {
		case cmd := <-b.cmds:
			cmd()
		case <-ctx.Done():
			b.closeAll()
			close(b.done)
			return
		}
	}
}

// post schedules fn on the actor goroutine. Blocks when the queue is full
// so frames are never silently dropped.
func (b *Broker) post(fn func()) {
	select {
	case b.cmds <- fn:
	case <-b.done:
	}
}

// call runs fn on the actor goroutine and waits for it to finish.
func (b *Broker) call(fn func()) {
	doneCh := make(chan struct{})
	b.post(func() {
		defer close(doneCh)
		fn()
	})
	select {
	case <-doneCh:
	case <-b.done:
	}
}

// Pause makes the broker reject publishes with FORBIDDEN while continuing
// to serve connect, subscribe, and unsubscribe.
func (b *Broker) Pause() {
	b.post(func() {
		b.paused = true
		b.log.Info().Msg("broker paused")
	})
}

// Resume lifts an admin pause.
func (b *Broker) Resume() {
	b.post(func() {
		b.paused = false
		b.log.Info().Msg("broker resumed")
	})
}

// Paused reports the admin pause flag.
func (b *Broker) Paused() bool {
	var paused bool
	b.call(func() { paused = b.paused })
	return paused
}

// CurrentState reports the lifecycle phase.
func (b *Broker) CurrentState() State {
	var st State
	b.call(func() { st = b.state })
	return st
}

// RefreshPeers replaces the broker's peer table with the given shard list.
func (b *Broker) RefreshPeers(ctx context.Context, peers []key.DistributedKey) {
	b.post(func() {
		changed, err := b.shards.SetPeers(ctx, peers)
		if err != nil {
			b.log.Error().Err(err).Msg("peer table refresh failed")
			return
		}
		if changed {
			b.log.Info().Int("peers", len(peers)).Msg("peer table refreshed")
		}
	})
}

// DeliverFromPeer fans a message accepted in another region out to this
// region's subscribers. Seq and id are preserved; the message is persisted
// locally so catch-up works per region.
func (b *Broker) DeliverFromPeer(ctx context.Context, msg wire.Message) {
	metrics.PeerDeliveries.Inc()
	b.post(func() {
		audience, err := b.subs.Audience(ctx, msg.Topic)
		if err != nil {
			b.log.Error().Str("topic", msg.Topic).Err(err).Msg("peer delivery: audience lookup failed")
			return
		}
		delivered := b.broadcast(ctx, &msg, audience)
		b.scheduleFanoutTasks(msg, delivered, false)
	})
}

// History reads buffered messages for a topic. direction "forward" walks
// oldest-first strictly after cursor; "backward" newest-first strictly
// before cursor. Runs on the actor goroutine like every other read.
func (b *Broker) History(ctx context.Context, topic, cursor string, limit int, backward bool) ([]wire.Message, string, error) {
	if limit <= 0 || limit > b.opts.HistoryLimit {
		limit = b.opts.HistoryLimit
	}
	var (
		items []wire.Message
		err   error
	)
	b.call(func() {
		if backward {
			items, err = b.store.GetBefore(ctx, topic, cursor, limit)
		} else {
			items, err = b.store.GetAfter(ctx, topic, cursor, limit)
		}
	})
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) == limit {
		next = items[len(items)-1].Seq
	}
	return items, next, nil
}

// Diagnostics reports actor state for the admin surface.
func (b *Broker) Diagnostics(ctx context.Context) map[string]any {
	out := map[string]any{}
	b.call(func() {
		out["key"] = b.key.String()
		out["state"] = int(b.state)
		out["paused"] = b.paused
		out["sockets"] = len(b.sockets)
		if diag, err := b.shards.Diagnostics(ctx); err == nil {
			out["shards"] = diag
		}
	})
	return out
}

// Attach accepts an upgraded connection into the broker: registers the
// socket and starts its pumps. The socket stays unauthenticated until the
// connect handshake.
func (b *Broker) Attach(socketID string, conn net.Conn) {
	c := newClient(socketID, conn, b.opts.RateLimitBurst, b.opts.RateLimitWindow)
	b.post(func() {
		b.sockets[c] = struct{}{}
		if b.state == StateNew {
			b.state = StateLive
			b.log.Info().Msg("broker live")
		}
		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Inc()
	})
	go b.writePump(c)
	go b.readPump(c)
}

// detach removes a disconnected socket, releases its subscriptions, and
// announces it offline. Runs on the actor goroutine.
func (b *Broker) detach(ctx context.Context, c *client) {
	if _, ok := b.sockets[c]; !ok {
		return
	}
	delete(b.sockets, c)
	metrics.ConnectionsActive.Dec()

	if !c.connected() {
		return
	}

	peersOfUser := b.byUser[c.clientID]
	for i, peer := range peersOfUser {
		if peer == c {
			b.byUser[c.clientID] = append(peersOfUser[:i], peersOfUser[i+1:]...)
			break
		}
	}
	if len(b.byUser[c.clientID]) == 0 {
		delete(b.byUser, c.clientID)
	} else {
		// Another socket still carries this clientId; keep its
		// subscriptions and presence intact.
		return
	}

	topics := grantTopics(c.grant)
	if err := b.subs.BulkUnsubscribe(ctx, c.clientID, topics); err != nil {
		b.log.Error().Str("client", c.clientID).Err(err).Msg("bulk unsubscribe on close failed")
	}
	for _, topic := range topics {
		b.announcePresence(ctx, c, topic, wire.PresenceOffline)
	}
	b.log.Info().
		Str("client", c.clientID).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("client disconnected")
}

func (b *Broker) closeAll() {
	for c := range b.sockets {
		c.close()
	}
	b.sockets = make(map[*client]struct{})
	b.byUser = make(map[string][]*client)
}

// grantTopics lists the concrete topics a grant declares; a wildcard entry
// expands to the wildcard subscription itself.
func grantTopics(g *auth.Grant) []string {
	seen := make(map[string]struct{}, len(g.Topics))
	out := make([]string, 0, len(g.Topics))
	for _, t := range g.Topics {
		if _, dup := seen[t.Topic]; dup {
			continue
		}
		seen[t.Topic] = struct{}{}
		out = append(out, t.Topic)
	}
	return out
}
