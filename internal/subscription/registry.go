// Package subscription tracks which clients are subscribed to which topics
// for one (project, channel). Sets live under subs:<project>:<channel>:<topic>
// and are bounded per topic; the wildcard topic "*" is an ordinary set whose
// members receive every topic in the channel.
package subscription

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/auth"
	"github.com/erebus-sh/erebus/internal/wire"
)

// MaxSubscribersPerTopic is the per-broker cardinality bound.
const MaxSubscribersPerTopic = 5120

// Registry owns the subscription sets for one (project, channel). The
// broker actor serializes mutations.
type Registry struct {
	rdb            *redis.Client
	project        string
	channel        string
	maxSubscribers int
	log            zerolog.Logger
}

// New creates a registry. maxSubscribers <= 0 selects the default bound.
func New(rdb *redis.Client, project, channel string, maxSubscribers int, log zerolog.Logger) *Registry {
	if maxSubscribers <= 0 {
		maxSubscribers = MaxSubscribersPerTopic
	}
	return &Registry{
		rdb:            rdb,
		project:        project,
		channel:        channel,
		maxSubscribers: maxSubscribers,
		log:            log.With().Str("component", "subscription").Logger(),
	}
}

func (r *Registry) key(topic string) string {
	return fmt.Sprintf("subs:%s:%s:%s", r.project, r.channel, topic)
}

// Subscribe adds clientID to the topic set, enforcing the capacity bound
// transactionally. Returns whether the set changed; re-subscribing is
// idempotent and always succeeds. A full topic surfaces RATE_LIMITED.
func (r *Registry) Subscribe(ctx context.Context, topic, clientID string) (bool, error) {
	key := r.key(topic)
	changed := false

	txn := func(tx *redis.Tx) error {
		member, err := tx.SIsMember(ctx, key, clientID).Result()
		if err != nil {
			return err
		}
		if member {
			changed = false
			return nil
		}
		size, err := tx.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if size >= int64(r.maxSubscribers) {
			return wire.Errorf(wire.CodeRateLimited, "topic %q is at capacity (%d subscribers)", topic, r.maxSubscribers)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, clientID)
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := r.rdb.Watch(ctx, txn, key)
		if err == nil {
			return changed, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		if we, ok := err.(*wire.Error); ok {
			return false, we
		}
		return false, fmt.Errorf("subscription: subscribe %s/%s: %w", topic, clientID, err)
	}
	return false, fmt.Errorf("subscription: subscribe %s/%s: %w", topic, clientID, redis.TxFailedErr)
}

// Unsubscribe removes clientID from the topic set. Idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, topic, clientID string) error {
	if err := r.rdb.SRem(ctx, r.key(topic), clientID).Err(); err != nil {
		return fmt.Errorf("subscription: unsubscribe %s/%s: %w", topic, clientID, err)
	}
	return nil
}

// IsSubscribed reports whether clientID is in the topic set or in the
// wildcard set.
func (r *Registry) IsSubscribed(ctx context.Context, topic, clientID string) (bool, error) {
	member, err := r.rdb.SIsMember(ctx, r.key(topic), clientID).Result()
	if err != nil {
		return false, fmt.Errorf("subscription: membership %s/%s: %w", topic, clientID, err)
	}
	if member {
		return true, nil
	}
	if topic == auth.TopicWildcard {
		return false, nil
	}
	member, err = r.rdb.SIsMember(ctx, r.key(auth.TopicWildcard), clientID).Result()
	if err != nil {
		return false, fmt.Errorf("subscription: wildcard membership %s: %w", clientID, err)
	}
	return member, nil
}

// Subscribers snapshots the topic's direct subscriber set.
func (r *Registry) Subscribers(ctx context.Context, topic string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.key(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("subscription: members %s: %w", topic, err)
	}
	return members, nil
}

// Audience snapshots the union of the topic set and the wildcard set: every
// client a broadcast on topic should reach.
func (r *Registry) Audience(ctx context.Context, topic string) ([]string, error) {
	direct, err := r.Subscribers(ctx, topic)
	if err != nil {
		return nil, err
	}
	if topic == auth.TopicWildcard {
		return direct, nil
	}
	wildcard, err := r.Subscribers(ctx, auth.TopicWildcard)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(direct)+len(wildcard))
	out := make([]string, 0, len(direct)+len(wildcard))
	for _, id := range direct {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range wildcard {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// BulkUnsubscribe removes clientID from every listed topic in one pipeline.
// Used on disconnect so a departed client leaves no residual entries.
func (r *Registry) BulkUnsubscribe(ctx context.Context, clientID string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, topic := range topics {
			pipe.SRem(ctx, r.key(topic), clientID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscription: bulk unsubscribe %s: %w", clientID, err)
	}
	return nil
}

// ActiveTopics enumerates topics with at least one subscriber. Admin.
func (r *Registry) ActiveTopics(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf("subs:%s:%s:", r.project, r.channel)
	var (
		topics []string
		cursor uint64
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("subscription: scan topics: %w", err)
		}
		for _, k := range keys {
			topics = append(topics, k[len(prefix):])
		}
		cursor = next
		if cursor == 0 {
			return topics, nil
		}
	}
}

// Count returns the topic's subscriber count. Admin.
func (r *Registry) Count(ctx context.Context, topic string) (int64, error) {
	n, err := r.rdb.SCard(ctx, r.key(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("subscription: count %s: %w", topic, err)
	}
	return n, nil
}
