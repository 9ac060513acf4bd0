package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"coscribe/internal/identity"
	"coscribe/internal/realtime/crdt"
	"coscribe/internal/realtime/presence"
	"coscribe/internal/realtime/registry"
	"coscribe/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// Dispatcher authenticates inbound connections, handles join/leave/edit
// commands, and fans events out to every other connection in a room. All
// fan-out rides the shared Redis pub/sub channel bound to the room key, so a
// broadcast reaches subscribers on every process; the originating connection
// id travels in the envelope and each process suppresses the echo locally.
type Dispatcher struct {
	node     string
	verifier identity.Verifier
	docs     *crdt.Store
	registry *registry.Registry
	tracker  *presence.Tracker
	rdb      *redis.Client

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	key    string
	conns  map[string]*Client
	pubsub *redis.PubSub
}

func NewDispatcher(node string, verifier identity.Verifier, docs *crdt.Store, reg *registry.Registry, tracker *presence.Tracker, rdb *redis.Client) *Dispatcher {
	return &Dispatcher{
		node:     node,
		verifier: verifier,
		docs:     docs,
		registry: reg,
		tracker:  tracker,
		rdb:      rdb,
		rooms:    make(map[string]*room),
	}
}

func channelName(roomKey string) string { return "events:" + roomKey }

// PublishBlockEvent is the server-initiated broadcast path used by the
// relational write path after it commits. It mutates the same block
// partition and publishes the same event shapes as direct socket edits, so
// REST-driven and socket-driven clients observe convergent events. When both
// writers touch the same block at the same instant the outcome is plain
// last-writer-wins per field; no stronger ordering is promised.
func (d *Dispatcher) PublishBlockEvent(ctx context.Context, eventType, pageID, actorID string, block BlockPayload) error {
	doc := d.docs.GetOrCreate(ctx, pageID)

	var delta []byte
	switch eventType {
	case EvtBlockDeleted:
		delta, _ = doc.Blocks().Delete(ctx, block.UUID)
	case EvtBlockCreated, EvtBlockUpdated:
		var err error
		delta, err = doc.Blocks().Set(ctx, block.UUID, blockFields(block))
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("socket: unknown block event %q", eventType)
	}

	d.publish(ctx, registry.PageRoom(pageID), "", Event{
		Type:   eventType,
		PageID: pageID,
		UserID: actorID,
		Block:  &block,
	}, delta)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, roomKey, originConn string, evt Event, update []byte) {
	data, err := json.Marshal(envelope{Node: d.node, Conn: originConn, Event: evt, Update: update})
	if err != nil {
		logger.Sugar.Errorf("Failed to marshal envelope for room %s: %v", roomKey, err)
		return
	}
	if err := d.rdb.Publish(ctx, channelName(roomKey), data).Err(); err != nil {
		// Fan-out degrades, nothing retries; the in-memory state already moved on.
		logger.Sugar.Warnf("Broadcast transport unreachable for room %s: %v", roomKey, err)
	}
}

// joinRoom adds the connection to the local member set, subscribing the
// process to the room's channel on first local join.
func (d *Dispatcher) joinRoom(c *Client, roomKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomKey]
	if !ok {
		r = &room{
			key:    roomKey,
			conns:  make(map[string]*Client),
			pubsub: d.rdb.Subscribe(context.Background(), channelName(roomKey)),
		}
		d.rooms[roomKey] = r
		go d.fanout(r)
	}
	r.conns[c.id] = c
}

// leaveRoom removes the connection; the last local member tears the
// subscription down and asks the registry to reclaim the room if empty.
func (d *Dispatcher) leaveRoom(ctx context.Context, c *Client, roomKey string) {
	d.mu.Lock()
	r, ok := d.rooms[roomKey]
	if ok {
		delete(r.conns, c.id)
		if len(r.conns) == 0 {
			delete(d.rooms, roomKey)
		} else {
			r = nil
		}
	} else {
		r = nil
	}
	d.mu.Unlock()

	if r != nil {
		if err := r.pubsub.Close(); err != nil {
			logger.Sugar.Warnf("Failed to close subscription for room %s: %v", roomKey, err)
		}
		if err := d.registry.Cleanup(ctx, roomKey); err == nil {
			logger.Sugar.Debugf("Cleaned up empty room %s", roomKey)
		}
	}
}

// fanout delivers every envelope published on the room channel to the local
// members, excluding the originating connection. Remote CRDT deltas are
// merged into the local document when the page is open here.
func (d *Dispatcher) fanout(r *room) {
	for msg := range r.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Sugar.Warnf("Dropping malformed envelope on %s: %v", r.key, err)
			continue
		}

		if len(env.Update) > 0 && env.Node != d.node && env.Event.PageID != "" {
			if doc, open := d.docs.Lookup(env.Event.PageID); open {
				if err := doc.ApplyUpdate(env.Update); err != nil {
					logger.Sugar.Warnf("Rejected malformed update for page %s: %v", env.Event.PageID, err)
				}
			}
		}

		payload, err := json.Marshal(env.Event)
		if err != nil {
			continue
		}

		d.mu.Lock()
		targets := make([]*Client, 0, len(r.conns))
		for id, c := range r.conns {
			if id == env.Conn {
				continue
			}
			targets = append(targets, c)
		}
		d.mu.Unlock()

		for _, c := range targets {
			select {
			case c.send <- payload:
			default:
				// A full send buffer means the client is lagging badly;
				// closing the socket lets the read pump unwind it safely.
				logger.Sugar.Warnf("Client %s send buffer full, dropping connection", c.id)
				c.conn.Close()
			}
		}
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, c *Client, cmd Command) {
	if cmd.WorkspaceID != "" {
		roomKey := registry.WorkspaceRoom(cmd.WorkspaceID)
		rejoin := c.rooms[roomKey]
		if !rejoin {
			d.joinRoom(c, roomKey)
			c.rooms[roomKey] = true
		}
		d.registry.Join(ctx, c.id, roomKey)
		if !rejoin {
			d.publish(ctx, roomKey, c.id, Event{
				Type:        EvtUserJoined,
				WorkspaceID: cmd.WorkspaceID,
				UserID:      c.ident.UserID,
			}, nil)
		}
		return
	}

	pageID := cmd.PageID
	roomKey := registry.PageRoom(pageID)
	rejoin := c.pages[pageID]

	doc := d.docs.GetOrCreate(ctx, pageID)
	if !rejoin {
		doc.Retain()
		c.pages[pageID] = true
		c.rooms[roomKey] = true
		d.joinRoom(c, roomKey)
	}
	d.registry.Join(ctx, c.id, roomKey)

	snapshot, delta, err := d.tracker.JoinPage(ctx, c.ident, pageID)
	if err != nil {
		logger.Sugar.Warnf("Failed to record presence for %s on page %s: %v", c.ident.UserID, pageID, err)
	}

	// The joiner gets the current presence table directly; everyone else
	// hears about the join over the room channel.
	c.enqueue(Event{Type: EvtPresenceUpdate, PageID: pageID, Presence: snapshot})

	var joined *presence.Record
	for i := range snapshot {
		if snapshot[i].UserID == c.ident.UserID {
			joined = &snapshot[i]
			break
		}
	}
	d.publish(ctx, roomKey, c.id, Event{
		Type:   EvtUserJoined,
		PageID: pageID,
		UserID: c.ident.UserID,
		User:   joined,
	}, delta)
}

func (d *Dispatcher) handleLeave(ctx context.Context, c *Client, cmd Command) {
	if cmd.WorkspaceID != "" {
		roomKey := registry.WorkspaceRoom(cmd.WorkspaceID)
		if !c.rooms[roomKey] {
			return
		}
		delete(c.rooms, roomKey)
		d.publish(ctx, roomKey, c.id, Event{
			Type:        EvtUserLeft,
			WorkspaceID: cmd.WorkspaceID,
			UserID:      c.ident.UserID,
		}, nil)
		d.registry.Leave(ctx, c.id, roomKey)
		d.leaveRoom(ctx, c, roomKey)
		return
	}

	pageID := cmd.PageID
	if !c.pages[pageID] {
		return
	}
	roomKey := registry.PageRoom(pageID)

	delta := d.tracker.LeavePage(ctx, c.ident.UserID, pageID)
	d.publish(ctx, roomKey, c.id, Event{
		Type:   EvtUserLeft,
		PageID: pageID,
		UserID: c.ident.UserID,
	}, delta)

	d.registry.Leave(ctx, c.id, roomKey)
	delete(c.pages, pageID)
	delete(c.rooms, roomKey)
	if doc, open := d.docs.Lookup(pageID); open {
		doc.Unref()
	}
	d.leaveRoom(ctx, c, roomKey)
}

func (d *Dispatcher) handleCursor(ctx context.Context, c *Client, cmd Command) {
	pageID := cmd.PageID
	if !c.pages[pageID] {
		return
	}

	delta, ok := d.tracker.UpdateCursor(ctx, c.ident.UserID, pageID, *cmd.Cursor)
	if !ok {
		// Cursor before join: treated as not having joined, silently dropped.
		return
	}

	d.publish(ctx, registry.PageRoom(pageID), c.id, Event{
		Type:   EvtCursorUpdate,
		PageID: pageID,
		UserID: c.ident.UserID,
		Cursor: cmd.Cursor,
	}, delta)
}

func (d *Dispatcher) handleBlock(ctx context.Context, c *Client, cmd Command) {
	pageID := cmd.PageID
	if !c.pages[pageID] {
		// Unknown room for this connection; no relational validation happens
		// here either way, that stays with the CRUD write path.
		return
	}
	doc := d.docs.GetOrCreate(ctx, pageID)
	roomKey := registry.PageRoom(pageID)

	block := *cmd.Block
	now := d.tracker.Now()
	block.LastEditedBy = c.ident.UserID
	block.UpdatedAt = now

	switch cmd.Type {
	case CmdBlockDelete:
		delta, existed := doc.Blocks().Delete(ctx, block.UUID)
		if !existed {
			return
		}
		d.publish(ctx, roomKey, c.id, Event{
			Type:   EvtBlockDeleted,
			PageID: pageID,
			UserID: c.ident.UserID,
			Block:  &BlockPayload{UUID: block.UUID},
		}, delta)

	case CmdBlockCreate, CmdBlockUpdate:
		eventType := EvtBlockUpdated
		if cmd.Type == CmdBlockCreate {
			eventType = EvtBlockCreated
			block.CreatedBy = c.ident.UserID
			block.CreatedAt = now
		}
		fields := blockFields(block)
		if cmd.Type == CmdBlockUpdate {
			// Authorship registers are written once at create; an update must
			// not clobber them with client-supplied values at a newer stamp.
			delete(fields, "created_by")
			delete(fields, "created_at")
		}
		delta, err := doc.Blocks().Set(ctx, block.UUID, fields)
		if err != nil {
			logger.Sugar.Errorf("Failed to apply block edit on page %s: %v", pageID, err)
			return
		}
		d.publish(ctx, roomKey, c.id, Event{
			Type:   eventType,
			PageID: pageID,
			UserID: c.ident.UserID,
			Block:  &block,
		}, delta)
	}
}

// disconnect unwinds everything a connection held: presence on every joined
// page, registry entries, room subscriptions, and document references.
func (d *Dispatcher) disconnect(ctx context.Context, c *Client) {
	if !c.authed {
		return
	}

	pages := make([]string, 0, len(c.pages))
	for pageID := range c.pages {
		pages = append(pages, pageID)
	}
	deltas := d.tracker.OnDisconnect(ctx, c.ident.UserID, pages)

	for _, pageID := range pages {
		roomKey := registry.PageRoom(pageID)
		d.publish(ctx, roomKey, c.id, Event{
			Type:   EvtUserLeft,
			PageID: pageID,
			UserID: c.ident.UserID,
		}, deltas[pageID])
		d.registry.Leave(ctx, c.id, roomKey)
		if doc, open := d.docs.Lookup(pageID); open {
			doc.Unref()
		}
		delete(c.rooms, roomKey)
		d.leaveRoom(ctx, c, roomKey)
	}

	// Only workspace rooms remain; the page loop above removed its keys.
	for roomKey := range c.rooms {
		d.publish(ctx, roomKey, c.id, Event{
			Type:        EvtUserLeft,
			WorkspaceID: registry.WorkspaceID(roomKey),
			UserID:      c.ident.UserID,
		}, nil)
		d.registry.Leave(ctx, c.id, roomKey)
		d.leaveRoom(ctx, c, roomKey)
	}
}
