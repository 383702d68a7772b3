// Package shard holds a broker's local view of the peer brokers serving the
// same (project, channel) in other regions. Peers are persisted under the
// broker's own store so a restart keeps fanning out while the registry
// refresh catches up.
package shard

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/key"
)

// Table is the per-broker peer view. The broker actor serializes writes.
// Keys are namespaced by the broker's logical channel so brokers sharing a
// store never see each other's peer tables.
type Table struct {
	rdb  *redis.Client
	self key.DistributedKey // region-qualified identity of the owning broker
	log  zerolog.Logger

	peersKey  string
	regionKey string
}

// New creates a table for the broker identified by self (region-qualified).
func New(rdb *redis.Client, self key.DistributedKey, log zerolog.Logger) *Table {
	logical := self.WithoutRegion().String()
	return &Table{
		rdb:       rdb,
		self:      self,
		log:       log.With().Str("component", "shard").Logger(),
		peersKey:  "availableShards:" + logical,
		regionKey: "locationHint:" + logical,
	}
}

// Self returns the owning broker's region-qualified key.
func (t *Table) Self() key.DistributedKey {
	return t.self
}

// SetPeers replaces the stored peer set with peers, deduplicated and with
// the local broker filtered out. The write is idempotent: when the incoming
// set equals the stored set, nothing is written and SetPeers reports false.
func (t *Table) SetPeers(ctx context.Context, peers []key.DistributedKey) (bool, error) {
	incoming := make([]string, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	selfStr := t.self.String()
	for _, p := range peers {
		s := p.String()
		if s == selfStr || p.Region == t.self.Region {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		incoming = append(incoming, s)
	}
	sort.Strings(incoming)

	stored, err := t.rdb.SMembers(ctx, t.peersKey).Result()
	if err != nil {
		return false, fmt.Errorf("shard: read peers: %w", err)
	}
	sort.Strings(stored)
	if equal(incoming, stored) {
		return false, nil
	}

	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, t.peersKey)
		if len(incoming) > 0 {
			members := make([]any, len(incoming))
			for i, s := range incoming {
				members[i] = s
			}
			pipe.SAdd(ctx, t.peersKey, members...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("shard: write peers: %w", err)
	}

	t.log.Debug().Int("peers", len(incoming)).Msg("peer table updated")
	return true, nil
}

// RemotePeers returns the stored peer brokers. The local region is never
// among them.
func (t *Table) RemotePeers(ctx context.Context) ([]key.DistributedKey, error) {
	members, err := t.rdb.SMembers(ctx, t.peersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("shard: read peers: %w", err)
	}
	peers := make([]key.DistributedKey, 0, len(members))
	for _, m := range members {
		k, err := key.Parse(m)
		if err != nil {
			t.log.Warn().Str("entry", m).Err(err).Msg("skipping malformed peer entry")
			continue
		}
		if k.Region == t.self.Region {
			continue
		}
		peers = append(peers, k)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].String() < peers[j].String() })
	return peers, nil
}

// SetRegion stores the broker's own region hint.
func (t *Table) SetRegion(ctx context.Context, region string) error {
	if err := t.rdb.Set(ctx, t.regionKey, region, 0).Err(); err != nil {
		return fmt.Errorf("shard: write region hint: %w", err)
	}
	return nil
}

// Region reads the stored region hint; empty when never set.
func (t *Table) Region(ctx context.Context) (string, error) {
	region, err := t.rdb.Get(ctx, t.regionKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("shard: read region hint: %w", err)
	}
	return region, nil
}

// Clear drops the peer table and region hint.
func (t *Table) Clear(ctx context.Context) error {
	if err := t.rdb.Del(ctx, t.peersKey, t.regionKey).Err(); err != nil {
		return fmt.Errorf("shard: clear: %w", err)
	}
	return nil
}

// Diagnostics reports the current table for admin inspection.
func (t *Table) Diagnostics(ctx context.Context) (map[string]any, error) {
	peers, err := t.RemotePeers(ctx)
	if err != nil {
		return nil, err
	}
	region, err := t.Region(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(peers))
	for i, p := range peers {
		names[i] = p.String()
	}
	return map[string]any{
		"self":      t.self.String(),
		"region":    region,
		"peerCount": len(peers),
		"peers":     names,
	}, nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
