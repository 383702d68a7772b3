// Package registry implements the cross-region directory: which channels a
// project has, and which regional brokers serve each channel. Both are
// Redis sets, so registration is at-most-once by membership.
//
// Keys:
//
//	<projectId>          → set of channel keys
//	shards:<channelKey>  → set of region-qualified broker keys
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/key"
)

// Global is a handle on the shared directory store.
type Global struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New wraps the shared registry connection.
func New(rdb *redis.Client, log zerolog.Logger) *Global {
	return &Global{rdb: rdb, log: log.With().Str("component", "registry").Logger()}
}

func shardsKey(channelKey key.DistributedKey) string {
	return "shards:" + channelKey.WithoutRegion().String()
}

// RegisterChannelAndShard records, atomically over both sets, that
// channelKey belongs to project and that shardKey serves channelKey.
// Idempotent: repeated registration is absorbed by set semantics.
func (g *Global) RegisterChannelAndShard(ctx context.Context, project string, channelKey, shardKey key.DistributedKey) error {
	if !shardKey.IsRegional() {
		return fmt.Errorf("registry: shard key %q is not region-qualified", shardKey.String())
	}
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, project, channelKey.WithoutRegion().String())
		pipe.SAdd(ctx, shardsKey(channelKey), shardKey.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: register %s under %s: %w", shardKey.String(), project, err)
	}
	return nil
}

// Shards lists the regional brokers serving channelKey. Malformed entries
// are skipped and logged.
func (g *Global) Shards(ctx context.Context, channelKey key.DistributedKey) ([]key.DistributedKey, error) {
	members, err := g.rdb.SMembers(ctx, shardsKey(channelKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: shards of %s: %w", channelKey.String(), err)
	}
	out := make([]key.DistributedKey, 0, len(members))
	for _, m := range members {
		k, err := key.Parse(m)
		if err != nil {
			g.log.Warn().Str("entry", m).Err(err).Msg("skipping malformed shard entry")
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// ChannelsForProject lists the project's channel keys. The gateway uses it
// for administrative project-wide broadcast.
func (g *Global) ChannelsForProject(ctx context.Context, project string) ([]key.DistributedKey, error) {
	members, err := g.rdb.SMembers(ctx, project).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: channels of %s: %w", project, err)
	}
	out := make([]key.DistributedKey, 0, len(members))
	for _, m := range members {
		k, err := key.Parse(m)
		if err != nil {
			g.log.Warn().Str("entry", m).Err(err).Msg("skipping malformed channel entry")
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// IsShardRegistered reports whether shardKey is recorded under channelKey.
func (g *Global) IsShardRegistered(ctx context.Context, channelKey, shardKey key.DistributedKey) (bool, error) {
	ok, err := g.rdb.SIsMember(ctx, shardsKey(channelKey), shardKey.String()).Result()
	if err != nil {
		return false, fmt.Errorf("registry: membership of %s: %w", shardKey.String(), err)
	}
	return ok, nil
}
