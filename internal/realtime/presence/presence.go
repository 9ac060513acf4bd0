// Package presence maintains ephemeral per-page viewer state: who is looking
// at a page, where their cursor is, and when they were last seen. The local
// in-process table is the fast path for snapshots; every record is mirrored
// into the document's presence partition so other processes see it too.
package presence

import (
	"context"
	"sync"
	"time"

	"coscribe/internal/identity"
	"coscribe/internal/realtime/crdt"
)

// Cursor is a viewer's position on a page.
type Cursor struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	BlockID string  `json:"block_id,omitempty"`
}

// Record is one user's presence on one page. A user with two simultaneous
// connections to the same page shares a single record keyed by user id; the
// second join overwrites the first's cursor state, and leaving on either
// connection removes the shared record. That premature "user left" is a known
// behavioral gap, kept as-is.
type Record struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserEmail string    `json:"user_email"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Tracker holds the process-local presence table and mirrors it into the
// CRDT presence partition. It is transport-free: the dispatcher broadcasts
// the join/leave events using the deltas returned here.
type Tracker struct {
	docs  *crdt.Store
	clock func() time.Time

	mu    sync.RWMutex
	pages map[string]map[string]Record // pageID -> userID -> record
}

// Now exposes the tracker's clock so callers stamp edits consistently.
func (t *Tracker) Now() time.Time { return t.clock() }

func NewTracker(docs *crdt.Store) *Tracker {
	return &Tracker{
		docs:  docs,
		clock: time.Now,
		pages: make(map[string]map[string]Record),
	}
}

// JoinPage records the user as viewing the page and mirrors the record into
// the CRDT presence partition. It returns the snapshot of all current
// presence records for the page (read from the local table, so joins never
// pay a decode cost) and the CRDT delta for broadcast.
func (t *Tracker) JoinPage(ctx context.Context, ident identity.Identity, pageID string) ([]Record, []byte, error) {
	record := Record{
		UserID:    ident.UserID,
		UserName:  ident.Name,
		UserEmail: ident.Email,
		LastSeen:  t.clock(),
	}

	t.mu.Lock()
	if t.pages[pageID] == nil {
		t.pages[pageID] = make(map[string]Record)
	}
	t.pages[pageID][ident.UserID] = record
	snapshot := t.snapshotLocked(pageID)
	t.mu.Unlock()

	delta, err := t.mirror(ctx, pageID, record)
	return snapshot, delta, err
}

// UpdateCursor moves the user's cursor and refreshes last-seen. If the user
// never joined the page the update is a no-op; it must not create a partial
// record.
func (t *Tracker) UpdateCursor(ctx context.Context, userID, pageID string, cursor Cursor) ([]byte, bool) {
	t.mu.Lock()
	record, ok := t.pages[pageID][userID]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	record.Cursor = &cursor
	record.LastSeen = t.clock()
	t.pages[pageID][userID] = record
	t.mu.Unlock()

	delta, _ := t.mirror(ctx, pageID, record)
	return delta, true
}

// LeavePage removes the user's record from the page, deletes the CRDT
// presence entry, and drops the per-page table once empty. Returns the CRDT
// delta for broadcast, or nil if the user was not present.
func (t *Tracker) LeavePage(ctx context.Context, userID, pageID string) []byte {
	t.mu.Lock()
	users, ok := t.pages[pageID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if _, ok := users[userID]; !ok {
		t.mu.Unlock()
		return nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.pages, pageID)
	}
	t.mu.Unlock()

	if doc, open := t.docs.Lookup(pageID); open {
		delta, _ := doc.Presence().Delete(ctx, userID)
		return delta
	}
	return nil
}

// OnDisconnect removes the user from every listed page. The dispatcher owns
// the connection-to-pages mapping and supplies it here.
func (t *Tracker) OnDisconnect(ctx context.Context, userID string, pageIDs []string) map[string][]byte {
	deltas := make(map[string][]byte, len(pageIDs))
	for _, pageID := range pageIDs {
		if delta := t.LeavePage(ctx, userID, pageID); delta != nil {
			deltas[pageID] = delta
		}
	}
	return deltas
}

// Snapshot returns the current presence records for a page from the local
// table.
func (t *Tracker) Snapshot(pageID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(pageID)
}

func (t *Tracker) snapshotLocked(pageID string) []Record {
	users := t.pages[pageID]
	records := make([]Record, 0, len(users))
	for _, record := range users {
		records = append(records, record)
	}
	return records
}

func (t *Tracker) mirror(ctx context.Context, pageID string, record Record) ([]byte, error) {
	doc := t.docs.GetOrCreate(ctx, pageID)
	fields := map[string]any{
		"user_id":    record.UserID,
		"user_name":  record.UserName,
		"user_email": record.UserEmail,
		"last_seen":  record.LastSeen,
		// Written even when nil: a re-join must clear any cursor register an
		// earlier update left behind, or remote processes keep rendering it.
		"cursor": record.Cursor,
	}
	return doc.Presence().Set(ctx, record.UserID, fields)
}
