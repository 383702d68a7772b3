// Package sequence generates the per-topic monotonic ordered IDs that
// sequence every message within a (project, channel, topic) stream.
//
// IDs are 128-bit ULIDs: a 48-bit millisecond timestamp plus an 80-bit
// entropy tail seeded from the topic, so their 26-char string form sorts
// lexicographically in assignment order. The last-issued id is persisted so
// a broker restart never regresses the stream.
package sequence

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Engine owns sequence state for one (project, channel). The broker actor
// serializes calls; the mutex only guards against misuse from tests and
// diagnostics.
type Engine struct {
	rdb     *redis.Client
	project string
	channel string
	log     zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topicState
}

type topicState struct {
	last    ulid.ULID
	hasLast bool
	entropy *ulid.MonotonicEntropy
}

// New creates an engine backed by the broker's local store.
func New(rdb *redis.Client, project, channel string, log zerolog.Logger) *Engine {
	return &Engine{
		rdb:     rdb,
		project: project,
		channel: channel,
		log:     log.With().Str("component", "sequence").Logger(),
		topics:  make(map[string]*topicState),
	}
}

// Key returns the persistence key for a topic's last-issued id.
func (e *Engine) Key(topic string) string {
	return fmt.Sprintf("seq:%s:%s:%s", e.project, e.channel, topic)
}

// Next returns an id strictly greater than every id previously returned for
// topic, including ids issued before a restart. A persistence failure is
// fatal to the caller's publish.
func (e *Engine) Next(ctx context.Context, topic string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.state(ctx, topic)
	if err != nil {
		return "", err
	}

	// Clock skew or rewind: never step behind the last issued timestamp.
	ms := ulid.Timestamp(time.Now())
	if st.hasLast && st.last.Time() > ms {
		ms = st.last.Time()
	}

	id, err := ulid.New(ms, st.entropy)
	if err != nil {
		// Entropy overflow within one millisecond; move to the next.
		id, err = ulid.New(ms+1, st.entropy)
		if err != nil {
			return "", fmt.Errorf("sequence: generate id for %q: %w", topic, err)
		}
	}

	// A restart within the same millisecond reseeds entropy, which can land
	// at or below the persisted id. Advance deterministically off the last
	// issued id instead.
	if st.hasLast && id.Compare(st.last) <= 0 {
		id, err = bump(st.last)
		if err != nil {
			return "", fmt.Errorf("sequence: advance past persisted id for %q: %w", topic, err)
		}
	}

	if err := e.rdb.Set(ctx, e.Key(topic), id.String(), 0).Err(); err != nil {
		return "", fmt.Errorf("sequence: persist id for %q: %w", topic, err)
	}

	st.last = id
	st.hasLast = true
	return id.String(), nil
}

// state lazily loads topic state, restoring the persisted last-issued id.
func (e *Engine) state(ctx context.Context, topic string) (*topicState, error) {
	if st, ok := e.topics[topic]; ok {
		return st, nil
	}

	st := &topicState{entropy: ulid.Monotonic(rand.New(rand.NewSource(seed(e.project, e.channel, topic))), 0)}

	stored, err := e.rdb.Get(ctx, e.Key(topic)).Result()
	switch {
	case err == redis.Nil:
		// Fresh topic.
	case err != nil:
		return nil, fmt.Errorf("sequence: load last id for %q: %w", topic, err)
	default:
		last, perr := ulid.Parse(stored)
		if perr != nil {
			// A corrupt checkpoint must not regress ordering silently.
			return nil, fmt.Errorf("sequence: corrupt checkpoint %q for %q: %w", stored, topic, perr)
		}
		st.last = last
		st.hasLast = true
	}

	e.topics[topic] = st
	return st, nil
}

// bump returns the smallest ULID strictly greater than u: increment the
// entropy tail, carrying into the timestamp on wraparound.
func bump(u ulid.ULID) (ulid.ULID, error) {
	for i := len(u) - 1; i >= 6; i-- {
		u[i]++
		if u[i] != 0 {
			return u, nil
		}
	}
	if err := u.SetTime(u.Time() + 1); err != nil {
		return u, err
	}
	return u, nil
}

func seed(project, channel, topic string) int64 {
	h := fnv.New64a()
	h.Write([]byte(project))
	h.Write([]byte{':'})
	h.Write([]byte(channel))
	h.Write([]byte{':'})
	h.Write([]byte(topic))
	return int64(h.Sum64())
}
