package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erebus-sh/erebus/internal/key"
)

func setupGlobal(t *testing.T) (*Global, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, zerolog.Nop()), mr
}

func TestRegisterChannelAndShard(t *testing.T) {
	g, mr := setupGlobal(t)
	ctx := context.Background()

	channel := key.ForChannel("proj", "lobby")
	shardEU := channel.WithRegion("eu-west")

	require.NoError(t, g.RegisterChannelAndShard(ctx, "proj", channel, shardEU))

	// Both sets written atomically.
	chans, err := mr.SMembers("proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1:proj:channel:lobby"}, chans)

	shards, err := mr.SMembers("shards:v1:proj:channel:lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1:proj:channel:lobby:eu-west"}, shards)

	// At-most-once by membership: re-registration changes nothing.
	require.NoError(t, g.RegisterChannelAndShard(ctx, "proj", channel, shardEU))
	shards, err = mr.SMembers("shards:v1:proj:channel:lobby")
	require.NoError(t, err)
	assert.Len(t, shards, 1)
}

func TestRegisterRejectsLogicalShardKey(t *testing.T) {
	g, _ := setupGlobal(t)
	channel := key.ForChannel("proj", "lobby")
	err := g.RegisterChannelAndShard(context.Background(), "proj", channel, channel)
	require.Error(t, err)
}

func TestShardsAndChannels(t *testing.T) {
	g, mr := setupGlobal(t)
	ctx := context.Background()

	lobby := key.ForChannel("proj", "lobby")
	games := key.ForChannel("proj", "games")
	require.NoError(t, g.RegisterChannelAndShard(ctx, "proj", lobby, lobby.WithRegion("eu-west")))
	require.NoError(t, g.RegisterChannelAndShard(ctx, "proj", lobby, lobby.WithRegion("us-east")))
	require.NoError(t, g.RegisterChannelAndShard(ctx, "proj", games, games.WithRegion("eu-west")))

	shards, err := g.Shards(ctx, lobby)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, "eu-west", shards[0].Region)
	assert.Equal(t, "us-east", shards[1].Region)

	// A region-qualified lookup resolves to the same logical channel.
	viaRegional, err := g.Shards(ctx, lobby.WithRegion("ap-south"))
	require.NoError(t, err)
	assert.Equal(t, shards, viaRegional)

	channels, err := g.ChannelsForProject(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, channels, 2)

	// Malformed entries are skipped, not fatal.
	mr.SAdd("shards:v1:proj:channel:lobby", "garbage-entry")
	shards, err = g.Shards(ctx, lobby)
	require.NoError(t, err)
	assert.Len(t, shards, 2)
}

func TestIsShardRegistered(t *testing.T) {
	g, _ := setupGlobal(t)
	ctx := context.Background()

	lobby := key.ForChannel("proj", "lobby")
	eu := lobby.WithRegion("eu-west")

	ok, err := g.IsShardRegistered(ctx, lobby, eu)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.RegisterChannelAndShard(ctx, "proj", lobby, eu))
	ok, err = g.IsShardRegistered(ctx, lobby, eu)
	require.NoError(t, err)
	assert.True(t, ok)
}
