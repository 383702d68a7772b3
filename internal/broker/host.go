package broker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/auth"
	"github.com/erebus-sh/erebus/internal/buffer"
	"github.com/erebus-sh/erebus/internal/key"
	"github.com/erebus-sh/erebus/internal/registry"
	"github.com/erebus-sh/erebus/internal/sequence"
	"github.com/erebus-sh/erebus/internal/shard"
	"github.com/erebus-sh/erebus/internal/subscription"
	"github.com/erebus-sh/erebus/internal/usage"
	"github.com/erebus-sh/erebus/internal/wire"
)

// HostOptions configures broker construction for one region.
type HostOptions struct {
	Region                 string
	MessageTTL             time.Duration
	MaxSubscribersPerTopic int
	Broker                 Options
}

// Host owns the region's brokers, one per logical channel, and the shared
// collaborators they need. GetOrCreate is the only way a broker comes into
// existence.
type Host struct {
	opts     HostOptions
	rdb      *redis.Client
	peers    PeerLink
	reg      *registry.Global
	usage    *usage.Dispatcher
	verifier *auth.Verifier
	tasks    *Runner
	log      zerolog.Logger

	ctx context.Context

	mu      sync.Mutex
	brokers map[string]*Broker // by logical channel key string
}

// NewHost builds a host; Start wires the fabric-wide subscriptions.
func NewHost(
	opts HostOptions,
	rdb *redis.Client,
	peers PeerLink,
	reg *registry.Global,
	usageDispatcher *usage.Dispatcher,
	verifier *auth.Verifier,
	tasks *Runner,
	log zerolog.Logger,
) *Host {
	return &Host{
		opts:     opts,
		rdb:      rdb,
		peers:    peers,
		reg:      reg,
		usage:    usageDispatcher,
		verifier: verifier,
		tasks:    tasks,
		log:      log.With().Str("component", "host").Str("region", opts.Region).Logger(),
		brokers:  make(map[string]*Broker),
	}
}

// Start binds the admin subject and remembers the lifetime context brokers
// run under.
func (h *Host) Start(ctx context.Context) error {
	h.ctx = ctx
	return h.peers.SubscribeAdmin(func(cmd AdminCommand) {
		h.ApplyAdmin(cmd)
	})
}

// GetOrCreate returns the broker for channelKey's logical channel, creating
// and registering it on first use. Registration failures are logged, not
// fatal: a broker that cannot register still serves its local region.
func (h *Host) GetOrCreate(ctx context.Context, channelKey key.DistributedKey) (*Broker, error) {
	logical := channelKey.WithoutRegion()
	id := logical.String()

	h.mu.Lock()
	if b, ok := h.brokers[id]; ok {
		h.mu.Unlock()
		return b, nil
	}
	b, err := h.build(logical)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.brokers[id] = b
	h.mu.Unlock()

	b.Start(h.ctx)
	h.register(ctx, b)
	return b, nil
}

func (h *Host) build(logical key.DistributedKey) (*Broker, error) {
	self := logical.WithRegion(h.opts.Region)
	project, channel := logical.Project, logical.Resource

	seq := sequence.New(h.rdb, project, channel, h.log)
	store := buffer.New(h.rdb, project, channel, h.opts.MessageTTL, h.log)
	subs := subscription.New(h.rdb, project, channel, h.opts.MaxSubscribersPerTopic, h.log)
	table := shard.New(h.rdb, self, h.log)

	b := New(self, seq, store, subs, table, h.peers, h.usage, h.verifier, h.tasks, h.opts.Broker, h.log)

	if err := h.peers.SubscribeInbox(self, func(msg wire.Message) {
		b.DeliverFromPeer(h.ctx, msg)
	}); err != nil {
		return nil, err
	}
	if err := h.peers.SubscribeShardUpdates(logical, func(shards []key.DistributedKey) {
		b.RefreshPeers(h.ctx, shards)
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// register records the broker in the global directory, seeds its peer table
// from the directory, and nudges the channel's other brokers to refresh.
func (h *Host) register(ctx context.Context, b *Broker) {
	self := b.Key()
	logical := self.WithoutRegion()

	if err := h.reg.RegisterChannelAndShard(ctx, self.Project, logical, self); err != nil {
		h.log.Error().Str("broker", self.String()).Err(err).Msg("global registration failed, serving locally")
		return
	}
	if err := b.shards.SetRegion(ctx, h.opts.Region); err != nil {
		h.log.Error().Err(err).Msg("region hint write failed")
	}

	shards, err := h.reg.Shards(ctx, logical)
	if err != nil {
		h.log.Error().Err(err).Msg("shard listing failed, peer table stays stale")
		return
	}
	b.RefreshPeers(ctx, shards)
	if err := h.peers.PublishShardUpdate(logical, shards); err != nil {
		h.log.Error().Err(err).Msg("shard update publish failed")
	}
}

// ApplyAdmin pauses or resumes every local broker of the named project.
func (h *Host) ApplyAdmin(cmd AdminCommand) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.brokers {
		if b.Project() != cmd.ProjectID {
			continue
		}
		switch cmd.Command {
		case "pause_project_id":
			b.Pause()
		case "unpause_project_id":
			b.Resume()
		default:
			h.log.Warn().Str("command", cmd.Command).Msg("unknown admin command ignored")
		}
	}
}

// Broker returns an existing broker without creating one.
func (h *Host) Broker(channelKey key.DistributedKey) (*Broker, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.brokers[channelKey.WithoutRegion().String()]
	return b, ok
}

// Brokers snapshots the live broker set.
func (h *Host) Brokers() []*Broker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Broker, 0, len(h.brokers))
	for _, b := range h.brokers {
		out = append(out, b)
	}
	return out
}
