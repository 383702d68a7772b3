package shard

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

func setupTable(t *testing.T) (*Table, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	self := key.ForChannel("proj", "lobby").WithRegion("eu-west")
	return New(rdb, self, zerolog.Nop()), mr
}

func TestSetPeersFiltersSelfAndDuplicates(t *testing.T) {
	tbl, _ := setupTable(t)
	ctx := context.Background()

	base := key.ForChannel("proj", "lobby")
	changed, err := tbl.SetPeers(ctx, []key.DistributedKey{
		base.WithRegion("us-east"),
		base.WithRegion("us-east"), // duplicate
		base.WithRegion("eu-west"), // self
		base.WithRegion("ap-south"),
	})
	require.NoError(t, err)
	assert.True(t, changed)

	peers, err := tbl.RemotePeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	for _, p := range peers {
		assert.NotEqual(t, "eu-west", p.Region, "own region must never appear")
	}
}

func TestSetPeersIdempotentWrite(t *testing.T) {
	tbl, mr := setupTable(t)
	ctx := context.Background()

	base := key.ForChannel("proj", "lobby")
	peers := []key.DistributedKey{base.WithRegion("us-east")}

	changed, err := tbl.SetPeers(ctx, peers)
	require.NoError(t, err)
	assert.True(t, changed)

	// Writing an equal set skips the store entirely.
	changed, err = tbl.SetPeers(ctx, peers)
	require.NoError(t, err)
	assert.False(t, changed)

	// A different set rewrites.
	changed, err = tbl.SetPeers(ctx, []key.DistributedKey{base.WithRegion("ap-south")})
	require.NoError(t, err)
	assert.True(t, changed)
	members, err := mr.SMembers("availableShards:v1:proj:channel:lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1:proj:channel:lobby:ap-south"}, members)
}

func TestRegionHint(t *testing.T) {
	tbl, _ := setupTable(t)
	ctx := context.Background()

	region, err := tbl.Region(ctx)
	require.NoError(t, err)
	assert.Empty(t, region)

	require.NoError(t, tbl.SetRegion(ctx, "eu-west"))
	region, err = tbl.Region(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eu-west", region)
}

func TestClearAndDiagnostics(t *testing.T) {
	tbl, _ := setupTable(t)
	ctx := context.Background()

	base := key.ForChannel("proj", "lobby")
	_, err := tbl.SetPeers(ctx, []key.DistributedKey{base.WithRegion("us-east")})
	require.NoError(t, err)
	require.NoError(t, tbl.SetRegion(ctx, "eu-west"))

	diag, err := tbl.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, diag["peerCount"])
	assert.Equal(t, "eu-west", diag["region"])

	require.NoError(t, tbl.Clear(ctx))
	peers, err := tbl.RemotePeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}
