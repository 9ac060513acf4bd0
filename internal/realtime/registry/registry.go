// Package registry tracks which live connections, on any process, are
// subscribed to a room. Membership is advisory bookkeeping for diagnostics
// and cleanup; the hot broadcast path uses the transport's native fan-out and
// never consults this registry, so stale entries can only ever affect
// observability, not delivery.
package registry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"coscribe/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// PageRoom and WorkspaceRoom build the two room key shapes.
func PageRoom(pageID string) string           { return "page:" + pageID }
func WorkspaceRoom(workspaceID string) string { return "workspace:" + workspaceID }

// WorkspaceID extracts the workspace id back out of a workspace room key.
func WorkspaceID(roomKey string) string { return strings.TrimPrefix(roomKey, "workspace:") }

// Registry stores each room as a Redis sorted set of connection ids scored by
// their expiry time. Entries live for a fixed TTL, refreshed on every join
// and never auto-renewed otherwise.
type Registry struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock func() time.Time
}

func New(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl, clock: time.Now}
}

func roomSetKey(roomKey string) string { return "room:" + roomKey }

// Join registers the connection with a fresh TTL. Calling it again for the
// same pair just refreshes the expiry.
func (r *Registry) Join(ctx context.Context, connID, roomKey string) error {
	expiry := float64(r.clock().Add(r.ttl).UnixMilli())
	err := r.rdb.ZAdd(ctx, roomSetKey(roomKey), &redis.Z{Score: expiry, Member: connID}).Err()
	if err != nil {
		logger.Sugar.Warnf("Failed to register %s in room %s: %v", connID, roomKey, err)
	}
	return err
}

// Leave removes the membership entry; a no-op if it is already gone.
func (r *Registry) Leave(ctx context.Context, connID, roomKey string) error {
	err := r.rdb.ZRem(ctx, roomSetKey(roomKey), connID).Err()
	if err != nil {
		logger.Sugar.Warnf("Failed to remove %s from room %s: %v", connID, roomKey, err)
	}
	return err
}

// Members returns the unexpired connection ids in a room.
func (r *Registry) Members(ctx context.Context, roomKey string) ([]string, error) {
	now := strconv.FormatInt(r.clock().UnixMilli(), 10)
	members, err := r.rdb.ZRangeByScore(ctx, roomSetKey(roomKey), &redis.ZRangeBy{
		Min: "(" + now,
		Max: "+inf",
	}).Result()
	if err != nil {
		logger.Sugar.Warnf("Failed to list members of room %s: %v", roomKey, err)
		return nil, err
	}
	return members, nil
}

// Cleanup prunes expired entries and removes the room key entirely once the
// member set is empty.
func (r *Registry) Cleanup(ctx context.Context, roomKey string) error {
	key := roomSetKey(roomKey)
	now := strconv.FormatInt(r.clock().UnixMilli(), 10)
	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		logger.Sugar.Warnf("Failed to prune room %s: %v", roomKey, err)
		return err
	}
	remaining, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		logger.Sugar.Warnf("Failed to size room %s: %v", roomKey, err)
		return err
	}
	if remaining == 0 {
		return r.rdb.Del(ctx, key).Err()
	}
	return nil
}
