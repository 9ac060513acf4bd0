// Package bridge keeps the durable Redis snapshot for each page eventually
// consistent with the in-memory document, and seeds new documents from
// durable state. Everything here is best-effort: the live collaboration path
// never blocks on, or fails because of, the durable store.
package bridge

import (
	"context"

	"coscribe/internal/realtime/crdt"
	"coscribe/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// Bridge implements crdt.Persistence on top of a shared Redis instance, one
// key per page holding the encoded document snapshot.
type Bridge struct {
	rdb  *redis.Client
	node string
}

func New(rdb *redis.Client, node string) *Bridge {
	return &Bridge{rdb: rdb, node: node}
}

func docKey(pageID string) string { return "doc:" + pageID }

// Load fetches the stored snapshot for a page. A missing key or an
// unreachable store both yield nil, so the caller starts from an empty
// document; the latter is logged as non-fatal.
func (b *Bridge) Load(ctx context.Context, pageID string) []byte {
	data, err := b.rdb.Get(ctx, docKey(pageID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		logger.Sugar.Warnf("Durable store unreachable loading page %s, starting empty: %v", pageID, err)
		return nil
	}
	return data
}

// Persist runs one read-merge-write cycle: read the current stored snapshot,
// merge it with the caller's state on a scratch document, and write the
// result back under the same key.
//
// Two processes running this cycle concurrently for the same page can both
// read the same "current" snapshot, merge independently, and the second
// write lands on a stale read, discarding the first writer's already-durable
// update. In-memory state on every process is unaffected (updates propagate
// directly over the broadcast channel), and the durable snapshot re-converges
// the next time a merge cycle touches the page. This is a deliberate
// liveness gap, not a safety one; a CAS keyed by a version stamp in the
// snapshot would close it at the cost of retry loops.
func (b *Bridge) Persist(ctx context.Context, pageID string, state []byte) {
	if state == nil {
		return
	}

	scratch := crdt.NewScratch(b.node, pageID)

	stored, err := b.rdb.Get(ctx, docKey(pageID)).Bytes()
	if err != nil && err != redis.Nil {
		logger.Sugar.Warnf("Durable store unreachable reading page %s, writing local state only: %v", pageID, err)
	}
	if stored != nil {
		if mergeErr := scratch.ApplyUpdate(stored); mergeErr != nil {
			logger.Sugar.Warnf("Discarding malformed stored snapshot for page %s: %v", pageID, mergeErr)
		}
	}
	if mergeErr := scratch.ApplyUpdate(state); mergeErr != nil {
		logger.Sugar.Errorf("Refusing to persist malformed state for page %s: %v", pageID, mergeErr)
		return
	}

	if err := b.rdb.Set(ctx, docKey(pageID), scratch.EncodeState(), 0).Err(); err != nil {
		// Dropped, not retried; the in-memory document is the live truth and
		// the next merge cycle will catch the store up.
		logger.Sugar.Warnf("Failed to persist page %s: %v", pageID, err)
	}
}
