package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"coscribe/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func newTestRegistry(t *testing.T) (*Registry, *redis.Client, *time.Time) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Unix(1_700_000_000, 0)
	r := New(rdb, time.Hour)
	r.clock = func() time.Time { return now }
	return r, rdb, &now
}

func TestJoinLeaveMembers(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	room := PageRoom("p1")

	require.NoError(t, r.Join(ctx, "c1", room))
	require.NoError(t, r.Join(ctx, "c2", room))
	require.NoError(t, r.Join(ctx, "c1", room), "repeat join is idempotent")

	members, err := r.Members(ctx, room)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, members)

	require.NoError(t, r.Leave(ctx, "c1", room))
	require.NoError(t, r.Leave(ctx, "c1", room), "repeat leave is a no-op")

	members, err = r.Members(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, members)
}

func TestEntriesExpireUnlessRefreshed(t *testing.T) {
	r, _, now := newTestRegistry(t)
	ctx := context.Background()
	room := PageRoom("p1")

	require.NoError(t, r.Join(ctx, "stale", room))
	*now = now.Add(30 * time.Minute)
	require.NoError(t, r.Join(ctx, "fresh", room))

	// The stale entry's TTL was never refreshed; past the hour it is gone.
	*now = now.Add(45 * time.Minute)
	members, err := r.Members(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestJoinRefreshesTTL(t *testing.T) {
	r, _, now := newTestRegistry(t)
	ctx := context.Background()
	room := PageRoom("p1")

	require.NoError(t, r.Join(ctx, "c1", room))
	*now = now.Add(45 * time.Minute)
	require.NoError(t, r.Join(ctx, "c1", room))
	*now = now.Add(45 * time.Minute)

	members, err := r.Members(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members, "refreshed entry outlives the original TTL")
}

func TestCleanupRemovesEmptyRoom(t *testing.T) {
	r, rdb, now := newTestRegistry(t)
	ctx := context.Background()
	room := PageRoom("p1")

	require.NoError(t, r.Join(ctx, "c1", room))
	require.NoError(t, r.Leave(ctx, "c1", room))

	members, err := r.Members(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, r.Cleanup(ctx, room))
	exists, err := rdb.Exists(ctx, roomSetKey(room)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "empty room key removed entirely")

	// Cleanup also prunes expired leftovers before deciding.
	require.NoError(t, r.Join(ctx, "c2", room))
	*now = now.Add(2 * time.Hour)
	require.NoError(t, r.Cleanup(ctx, room))
	exists, err = rdb.Exists(ctx, roomSetKey(room)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
