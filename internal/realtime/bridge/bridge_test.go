package bridge

import (
	"context"
	"os"
	"testing"
	"time"

	"coscribe/internal/realtime/crdt"
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

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func blockText(t *testing.T, doc *crdt.Document, blockID string) (string, bool) {
	t.Helper()
	var record struct {
		Text string `json:"text"`
	}
	if !doc.Blocks().Decode(blockID, &record) {
		return "", false
	}
	return record.Text, true
}

func TestLoadSeedsFromStoredSnapshot(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	writer := crdt.NewStore("n1", New(rdb, "n1"), time.Minute)
	_, err := writer.GetOrCreate(ctx, "p1").Blocks().Set(ctx, "b1", map[string]any{"text": "hello"})
	require.NoError(t, err)

	// A different process opening the page starts from the durable snapshot.
	reader := crdt.NewStore("n2", New(rdb, "n2"), time.Minute)
	text, ok := blockText(t, reader.GetOrCreate(ctx, "p1"), "b1")
	require.True(t, ok)
	assert.Equal(t, "hello", text)
}

func TestPersistMergesWithStoredState(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	s1 := crdt.NewStore("n1", New(rdb, "n1"), time.Minute)
	s2 := crdt.NewStore("n2", New(rdb, "n2"), time.Minute)

	_, err := s1.GetOrCreate(ctx, "p1").Blocks().Set(ctx, "b1", map[string]any{"text": "one"})
	require.NoError(t, err)
	_, err = s2.GetOrCreate(ctx, "p1").Blocks().Set(ctx, "b2", map[string]any{"text": "two"})
	require.NoError(t, err)

	reader := crdt.NewStore("n3", New(rdb, "n3"), time.Minute)
	doc := reader.GetOrCreate(ctx, "p1")
	_, ok1 := blockText(t, doc, "b1")
	_, ok2 := blockText(t, doc, "b2")
	assert.True(t, ok1, "stored snapshot carries the first writer's block")
	assert.True(t, ok2, "stored snapshot carries the second writer's block")
}

func TestUnreachableStoreIsNonFatal(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()

	store := crdt.NewStore("n1", New(rdb, "n1"), time.Minute)
	doc := store.GetOrCreate(context.Background(), "p1")

	// The in-memory path keeps working; persistence failures are logged and
	// dropped.
	delta, err := doc.Blocks().Set(context.Background(), "b1", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NotNil(t, delta)
	text, ok := blockText(t, doc, "b1")
	require.True(t, ok)
	assert.Equal(t, "hi", text)
}

// TestStaleReadMergeWriteRace demonstrates the documented liveness gap: two
// processes running the read-merge-write cycle concurrently can leave the
// durable snapshot missing an already-durable update. In-memory documents
// still converge through direct update propagation, and the durable snapshot
// recovers on the next merge cycle that touches the page.
func TestStaleReadMergeWriteRace(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	s1 := crdt.NewStore("n1", New(rdb, "n1"), time.Minute)
	s2 := crdt.NewStore("n2", New(rdb, "n2"), time.Minute)
	d1 := s1.GetOrCreate(ctx, "p1")
	d2 := s2.GetOrCreate(ctx, "p1")

	deltaA, err := d1.Blocks().Set(ctx, "bA", map[string]any{"text": "from n1"})
	require.NoError(t, err)

	deltaB, err := d2.Blocks().Set(ctx, "bB", map[string]any{"text": "from n2"})
	require.NoError(t, err)

	// Replay the second writer's cycle as if its read happened before the
	// first writer's SET landed: its merge result is based on an empty
	// snapshot and clobbers the stored key.
	stale := crdt.NewScratch("n2", "p1")
	require.NoError(t, stale.ApplyUpdate(d2.EncodeState()))
	require.NoError(t, rdb.Set(ctx, docKey("p1"), stale.EncodeState(), 0).Err())

	lagging := crdt.NewStore("n3", New(rdb, "n3"), time.Minute).GetOrCreate(ctx, "p1")
	_, hasA := blockText(t, lagging, "bA")
	_, hasB := blockText(t, lagging, "bB")
	assert.False(t, hasA, "stale overwrite drops the first writer's durable update")
	assert.True(t, hasB)

	// Liveness, not safety: both processes converge in memory via the
	// broadcast channel regardless of the durable lag.
	require.NoError(t, d1.ApplyUpdate(deltaB))
	require.NoError(t, d2.ApplyUpdate(deltaA))
	assert.JSONEq(t, string(d1.EncodeState()), string(d2.EncodeState()))

	// The next merge cycle that touches the page carries the full local
	// state, so durability converges.
	_, err = d1.Blocks().Set(ctx, "bC", map[string]any{"text": "repair"})
	require.NoError(t, err)

	recovered := crdt.NewStore("n4", New(rdb, "n4"), time.Minute).GetOrCreate(ctx, "p1")
	for _, id := range []string{"bA", "bB", "bC"} {
		_, ok := blockText(t, recovered, id)
		assert.True(t, ok, "durable snapshot recovered block %s", id)
	}
}
