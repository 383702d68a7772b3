package sequence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, "proj", "chan", zerolog.Nop()), mr
}

func TestNextIsStrictlyMonotonic(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	prev := ""
	for i := 0; i < 1000; i++ {
		id, err := e.Next(ctx, "room")
		require.NoError(t, err)
		require.Greater(t, id, prev, "iteration %d", i)
		prev = id
	}
}

func TestNextIsPerTopic(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	a1, err := e.Next(ctx, "a")
	require.NoError(t, err)
	b1, err := e.Next(ctx, "b")
	require.NoError(t, err)
	a2, err := e.Next(ctx, "a")
	require.NoError(t, err)

	assert.Greater(t, a2, a1)
	assert.NotEqual(t, a1, b1)
}

func TestNextPersistsCheckpoint(t *testing.T) {
	e, mr := setupEngine(t)
	ctx := context.Background()

	id, err := e.Next(ctx, "room")
	require.NoError(t, err)

	stored, err := mr.Get("seq:proj:chan:room")
	require.NoError(t, err)
	assert.Equal(t, id, stored)
}

func TestRestartNeverRegresses(t *testing.T) {
	e, mr := setupEngine(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 10; i++ {
		id, err := e.Next(ctx, "room")
		require.NoError(t, err)
		last = id
	}

	// A fresh engine over the same store simulates an actor restart within
	// the same millisecond.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	restarted := New(rdb, "proj", "chan", zerolog.Nop())

	id, err := restarted.Next(ctx, "room")
	require.NoError(t, err)
	assert.Greater(t, id, last)
}

func TestFutureCheckpointHoldsTime(t *testing.T) {
	// Simulates a clock rewind: the persisted id sits far in the future.
	e, mr := setupEngine(t)
	ctx := context.Background()

	future := ulid.MustNew(ulid.Now()+3_600_000, nil) // one hour ahead, zero entropy
	mr.Set("seq:proj:chan:room", future.String())

	id, err := e.Next(ctx, "room")
	require.NoError(t, err)
	assert.Greater(t, id, future.String())

	parsed, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, parsed.Time(), future.Time(), "effective time is max(last, now)")
}

func TestCorruptCheckpointFailsPublish(t *testing.T) {
	e, mr := setupEngine(t)
	mr.Set("seq:proj:chan:room", "not-a-ulid")

	_, err := e.Next(context.Background(), "room")
	require.Error(t, err)
}

func TestBumpCarriesIntoTimestamp(t *testing.T) {
	var u ulid.ULID
	require.NoError(t, u.SetTime(42))
	for i := 6; i < len(u); i++ {
		u[i] = 0xFF
	}

	bumped, err := bump(u)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), bumped.Time())
	assert.Greater(t, bumped.String(), u.String())
}
