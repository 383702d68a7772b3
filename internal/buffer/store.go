// Package buffer implements the broker's TTL-bounded per-topic message
// store and the per-(client, topic) last-seen cursors used for catch-up.
//
// Records live under msg:<project>:<channel>:<topic>:<seq> with an explicit
// expiry timestamp and are evicted lazily: writes opportunistically prune a
// bounded slice of the topic's keyspace, reads filter and delete expired
// records inline.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/wire"
)

const (
	// DefaultTTL bounds how long a message stays replayable.
	DefaultTTL = 72 * time.Hour

	// PruneLimit caps how many keys a single write scans for expiry.
	PruneLimit = 128

	// MaxFetch caps a single getAfter / history read.
	MaxFetch = 1000
)

// Record is the persisted shape: the message body plus its expiry.
type Record struct {
	Body wire.Message `json:"body"`
	Exp  int64        `json:"exp"` // unix milliseconds
}

// Store owns the message keyspace for one (project, channel).
type Store struct {
	rdb     *redis.Client
	project string
	channel string
	ttl     time.Duration
	log     zerolog.Logger

	now func() time.Time // test hook
}

// New creates a store. A zero ttl selects DefaultTTL.
func New(rdb *redis.Client, project, channel string, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		rdb:     rdb,
		project: project,
		channel: channel,
		ttl:     ttl,
		log:     log.With().Str("component", "buffer").Logger(),
		now:     time.Now,
	}
}

func (s *Store) msgPrefix(topic string) string {
	return fmt.Sprintf("msg:%s:%s:%s:", s.project, s.channel, topic)
}

func (s *Store) msgKey(topic, seq string) string {
	return s.msgPrefix(topic) + seq
}

func (s *Store) lastSeenKey(topic, clientID string) string {
	return fmt.Sprintf("last_seq_seen:%s:%s:%s:%s", s.project, s.channel, topic, clientID)
}

// Buffer persists msg under its seq key with expiry now+TTL, then
// opportunistically prunes up to PruneLimit keys of the same topic.
func (s *Store) Buffer(ctx context.Context, msg wire.Message) error {
	rec := Record{Body: msg, Exp: s.now().Add(s.ttl).UnixMilli()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("buffer: encode record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.msgKey(msg.Topic, msg.Seq), data, 0).Err(); err != nil {
		return fmt.Errorf("buffer: write %s/%s: %w", msg.Topic, msg.Seq, err)
	}

	s.pruneExpired(ctx, msg.Topic)
	return nil
}

// pruneExpired scans a bounded window of the topic keyspace and deletes
// records whose expiry has passed. Best effort: errors are logged only.
func (s *Store) pruneExpired(ctx context.Context, topic string) {
	keys, err := s.scanKeys(ctx, topic, PruneLimit)
	if err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("prune scan failed")
		return
	}
	nowMs := s.now().UnixMilli()
	for _, k := range keys {
		rec, err := s.load(ctx, k)
		if err != nil {
			continue // already logged or vanished
		}
		if rec != nil && rec.Exp < nowMs {
			if err := s.rdb.Del(ctx, k).Err(); err != nil {
				s.log.Warn().Err(err).Str("key", k).Msg("prune delete failed")
			}
		}
	}
}

// GetAfter returns up to limit live messages on topic with seq strictly
// greater than afterSeq, in chronological (seq) order. Expired records
// encountered on the way are deleted inline. An empty afterSeq reads from
// the start of the retained window.
func (s *Store) GetAfter(ctx context.Context, topic, afterSeq string, limit int) ([]wire.Message, error) {
	if limit <= 0 || limit > MaxFetch {
		limit = MaxFetch
	}

	seqs, err := s.topicSeqs(ctx, topic)
	if err != nil {
		return nil, err
	}

	nowMs := s.now().UnixMilli()
	out := make([]wire.Message, 0, limit)
	for _, seq := range seqs {
		if afterSeq != "" && seq <= afterSeq {
			continue
		}
		rec, err := s.load(ctx, s.msgKey(topic, seq))
		if err != nil || rec == nil {
			continue
		}
		if rec.Exp < nowMs {
			if err := s.rdb.Del(ctx, s.msgKey(topic, seq)).Err(); err != nil {
				s.log.Warn().Err(err).Str("topic", topic).Str("seq", seq).Msg("expired delete failed")
			}
			continue
		}
		out = append(out, rec.Body)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetBefore returns up to limit live messages with seq strictly less than
// beforeSeq, newest first. It backs the history endpoint's backward
// direction. An empty beforeSeq reads from the end of the window.
func (s *Store) GetBefore(ctx context.Context, topic, beforeSeq string, limit int) ([]wire.Message, error) {
	if limit <= 0 || limit > MaxFetch {
		limit = MaxFetch
	}

	seqs, err := s.topicSeqs(ctx, topic)
	if err != nil {
		return nil, err
	}

	nowMs := s.now().UnixMilli()
	out := make([]wire.Message, 0, limit)
	for i := len(seqs) - 1; i >= 0; i-- {
		seq := seqs[i]
		if beforeSeq != "" && seq >= beforeSeq {
			continue
		}
		rec, err := s.load(ctx, s.msgKey(topic, seq))
		if err != nil || rec == nil {
			continue
		}
		if rec.Exp < nowMs {
			if err := s.rdb.Del(ctx, s.msgKey(topic, seq)).Err(); err != nil {
				s.log.Warn().Err(err).Str("topic", topic).Str("seq", seq).Msg("expired delete failed")
			}
			continue
		}
		out = append(out, rec.Body)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetLastSeen returns the catch-up cursor for (topic, clientID); empty if
// the client has never been updated.
func (s *Store) GetLastSeen(ctx context.Context, topic, clientID string) (string, error) {
	seq, err := s.rdb.Get(ctx, s.lastSeenKey(topic, clientID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("buffer: read last-seen %s/%s: %w", topic, clientID, err)
	}
	return seq, nil
}

// UpdateLastSeen advances the cursor for every client in clientIDs to seq,
// transactionally and advance-only: a stored cursor never regresses.
func (s *Store) UpdateLastSeen(ctx context.Context, topic string, clientIDs []string, seq string) error {
	if len(clientIDs) == 0 || seq == "" {
		return nil
	}

	keys := make([]string, len(clientIDs))
	for i, id := range clientIDs {
		keys[i] = s.lastSeenKey(topic, id)
	}

	txn := func(tx *redis.Tx) error {
		advance := make([]string, 0, len(keys))
		for _, k := range keys {
			cur, err := tx.Get(ctx, k).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == redis.Nil || cur < seq {
				advance = append(advance, k)
			}
		}
		if len(advance) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range advance {
				pipe.Set(ctx, k, seq, 0)
			}
			return nil
		})
		return err
	}

	// Optimistic retry under contention with other cursor writers.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.rdb.Watch(ctx, txn, keys...)
		if err == nil {
			return nil
		}
		if err != redis.TxFailedErr {
			return fmt.Errorf("buffer: bulk last-seen update: %w", err)
		}
	}
	return fmt.Errorf("buffer: bulk last-seen update: %w", redis.TxFailedErr)
}

// Count enumerates the topic's records including expired ones.
// Administrative only.
func (s *Store) Count(ctx context.Context, topic string) (int, error) {
	seqs, err := s.topicSeqs(ctx, topic)
	if err != nil {
		return 0, err
	}
	return len(seqs), nil
}

// topicSeqs enumerates the topic's seq segments in lexicographic order.
func (s *Store) topicSeqs(ctx context.Context, topic string) ([]string, error) {
	keys, err := s.scanKeys(ctx, topic, 0)
	if err != nil {
		return nil, err
	}
	prefix := s.msgPrefix(topic)
	seqs := make([]string, 0, len(keys))
	for _, k := range keys {
		seqs = append(seqs, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(seqs)
	return seqs, nil
}

// scanKeys walks the topic keyspace. max == 0 means unbounded.
func (s *Store) scanKeys(ctx context.Context, topic string, max int) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := s.msgPrefix(topic) + "*"
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("buffer: scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if max > 0 && len(keys) >= max {
			return keys[:max], nil
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// load reads and decodes one record. A parse failure skips the record (it
// is logged and treated as absent); storage failures are surfaced to the
// caller's logger but also return nil so enumeration continues.
func (s *Store) load(ctx context.Context, key string) (*Record, error) {
	data, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("record read failed")
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("skipping unparseable record")
		return nil, nil
	}
	return &rec, nil
}
