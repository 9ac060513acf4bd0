// Package crdt owns one conflict-free replicated document per page. Each
// document is a set of named partitions (block content and viewer presence)
// whose entries merge deterministically: last writer wins per field, with the
// write timestamp compared first and the node id breaking ties. Concurrent
// edits applied in any order converge to the same state on every process.
package crdt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"coscribe/pkg/logger"
)

const (
	PartitionBlocks   = "blocks"
	PartitionPresence = "presence"
)

// ErrMalformedUpdate is returned when remote bytes cannot be decoded into a
// valid update. The local document is left untouched; the update is never
// retried.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// lwwValue is a single last-writer-wins register.
type lwwValue struct {
	Value json.RawMessage `json:"v,omitempty"`
	Stamp int64           `json:"ts"`
	Node  string          `json:"node"`
}

func (a lwwValue) beats(b lwwValue) bool {
	if a.Stamp != b.Stamp {
		return a.Stamp > b.Stamp
	}
	return a.Node > b.Node
}

// entry is one keyed record in a partition. Deleted entries keep an internal
// tombstone so late-arriving writes merge correctly; tombstones are never
// visible through the partition API.
type entry struct {
	Fields map[string]lwwValue `json:"fields,omitempty"`
	Tomb   *lwwValue           `json:"tomb,omitempty"`
}

func (e entry) live() bool {
	if e.Tomb == nil {
		return len(e.Fields) > 0
	}
	for _, v := range e.Fields {
		if v.beats(*e.Tomb) {
			return true
		}
	}
	return false
}

func mergeEntry(dst, src entry) entry {
	if dst.Fields == nil && len(src.Fields) > 0 {
		dst.Fields = make(map[string]lwwValue, len(src.Fields))
	}
	for name, v := range src.Fields {
		if cur, ok := dst.Fields[name]; !ok || v.beats(cur) {
			dst.Fields[name] = v
		}
	}
	if src.Tomb != nil && (dst.Tomb == nil || src.Tomb.beats(*dst.Tomb)) {
		dst.Tomb = src.Tomb
	}
	return dst
}

// docState is both the full snapshot and the update wire format: a snapshot
// is simply an update that covers everything, so applying either goes through
// the same commutative, idempotent merge.
type docState struct {
	Partitions map[string]map[string]entry `json:"partitions"`
}

// Persistence seeds documents from durable state and accepts merged state
// after every local mutation. Both directions are best-effort; failures are
// absorbed by the implementation.
type Persistence interface {
	Load(ctx context.Context, pageID string) []byte
	Persist(ctx context.Context, pageID string, state []byte)
}

// Store holds the open documents for this process. It is constructed at
// startup and passed to every component that needs it; there is no package
// level registry.
type Store struct {
	node    string
	persist Persistence
	idle    time.Duration
	clock   func() time.Time

	mu   sync.Mutex
	docs map[string]*Document
}

func NewStore(node string, persist Persistence, idleWindow time.Duration) *Store {
	return &Store{
		node:    node,
		persist: persist,
		idle:    idleWindow,
		clock:   time.Now,
		docs:    make(map[string]*Document),
	}
}

// GetOrCreate returns the in-memory document for a page, creating and seeding
// it from durable state on first access. The load path runs at most once per
// process per page id, and runs outside the store lock so one slow load never
// stalls access to other pages.
func (s *Store) GetOrCreate(ctx context.Context, pageID string) *Document {
	s.mu.Lock()
	doc, ok := s.docs[pageID]
	if ok {
		doc.touch(s.clock())
	} else {
		doc = &Document{
			pageID:     pageID,
			store:      s,
			parts:      make(map[string]map[string]entry),
			lastActive: s.clock(),
		}
		s.docs[pageID] = doc
	}
	s.mu.Unlock()

	// Concurrent callers for the same page block here until seeding finishes.
	doc.seed.Do(func() {
		if s.persist == nil {
			return
		}
		if snapshot := s.persist.Load(ctx, pageID); snapshot != nil {
			if err := doc.ApplyUpdate(snapshot); err != nil {
				logger.Sugar.Warnf("Discarding malformed snapshot for page %s: %v", pageID, err)
			}
		}
	})
	return doc
}

// NewScratch returns a detached document used for merge-only work, such as
// the bridge's read-merge-write cycle. It has no persistence and is not
// registered in any store.
func NewScratch(node, pageID string) *Document {
	s := NewStore(node, nil, 0)
	return s.GetOrCreate(context.Background(), pageID)
}

// Lookup returns the document only if it is already open; it never triggers
// the load path.
func (s *Store) Lookup(pageID string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[pageID]
	return doc, ok
}

// Release drops the in-memory document. Safe only when no connection still
// references the page; the next access re-triggers the load path.
func (s *Store) Release(pageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, pageID)
}

// SweepIdle reclaims documents that have had no references for at least the
// idle window. Returns how many were dropped.
func (s *Store) SweepIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for pageID, doc := range s.docs {
		if doc.idleSince(now) >= s.idle {
			delete(s.docs, pageID)
			reclaimed++
		}
	}
	return reclaimed
}

// StartJanitor runs the idle sweep on a ticker until ctx is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.SweepIdle(now); n > 0 {
					logger.Sugar.Infof("Reclaimed %d idle documents", n)
				}
			}
		}
	}()
}

// Document is the replicated state for a single page.
type Document struct {
	pageID string
	store  *Store
	seed   sync.Once

	mu        sync.RWMutex
	parts     map[string]map[string]entry
	lastStamp int64

	refMu      sync.Mutex
	refs       int
	lastActive time.Time
}

func (d *Document) PageID() string { return d.pageID }

// Retain marks the document as referenced by a live connection.
func (d *Document) Retain() {
	d.refMu.Lock()
	d.refs++
	d.lastActive = d.store.clock()
	d.refMu.Unlock()
}

// Unref drops one reference. The document stays in memory until the janitor's
// idle window elapses with no references.
func (d *Document) Unref() {
	d.refMu.Lock()
	if d.refs > 0 {
		d.refs--
	}
	d.lastActive = d.store.clock()
	d.refMu.Unlock()
}

func (d *Document) touch(now time.Time) {
	d.refMu.Lock()
	d.lastActive = now
	d.refMu.Unlock()
}

func (d *Document) idleSince(now time.Time) time.Duration {
	d.refMu.Lock()
	defer d.refMu.Unlock()
	if d.refs > 0 {
		return 0
	}
	return now.Sub(d.lastActive)
}

func (d *Document) Blocks() Partition   { return Partition{doc: d, name: PartitionBlocks} }
func (d *Document) Presence() Partition { return Partition{doc: d, name: PartitionPresence} }

// EncodeState produces a full snapshot suitable for ApplyUpdate on any
// process.
func (d *Document) EncodeState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, err := json.Marshal(docState{Partitions: d.parts})
	if err != nil {
		logger.Sugar.Errorf("Failed to encode state for page %s: %v", d.pageID, err)
		return nil
	}
	return data
}

// ApplyUpdate merges remote bytes into the document. The merge is commutative
// and idempotent; re-applying the same update is a no-op. Malformed bytes are
// rejected without touching the document.
func (d *Document) ApplyUpdate(data []byte) error {
	var update docState
	if err := json.Unmarshal(data, &update); err != nil || update.Partitions == nil {
		return ErrMalformedUpdate
	}
	d.merge(update)
	return nil
}

func (d *Document) merge(update docState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, entries := range update.Partitions {
		dst := d.parts[name]
		if dst == nil {
			dst = make(map[string]entry, len(entries))
			d.parts[name] = dst
		}
		for id, in := range entries {
			dst[id] = mergeEntry(dst[id], in)
			for _, v := range in.Fields {
				if v.Stamp > d.lastStamp {
					d.lastStamp = v.Stamp
				}
			}
			if in.Tomb != nil && in.Tomb.Stamp > d.lastStamp {
				d.lastStamp = in.Tomb.Stamp
			}
		}
	}
}

// nextStamp returns a timestamp strictly greater than any stamp this document
// has seen, so local writes always supersede state already merged here.
func (d *Document) nextStamp() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	stamp := d.store.clock().UnixMicro()
	if stamp <= d.lastStamp {
		stamp = d.lastStamp + 1
	}
	d.lastStamp = stamp
	return stamp
}

// Partition is a mutable map view over one named partition of a document.
// Every local mutation is applied in memory and handed to the persistence
// bridge; the returned bytes are the delta update for broadcast to peers.
type Partition struct {
	doc  *Document
	name string
}

// Set writes a full record under the given id, one LWW register per field.
func (p Partition) Set(ctx context.Context, id string, fields map[string]any) ([]byte, error) {
	stamp := p.doc.nextStamp()
	regs := make(map[string]lwwValue, len(fields))
	for name, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		regs[name] = lwwValue{Value: raw, Stamp: stamp, Node: p.doc.store.node}
	}

	update := docState{Partitions: map[string]map[string]entry{
		p.name: {id: {Fields: regs}},
	}}
	return p.doc.applyLocal(ctx, update)
}

// Delete tombstones the record. Unknown ids are a no-op.
func (p Partition) Delete(ctx context.Context, id string) ([]byte, bool) {
	if _, ok := p.Get(id); !ok {
		return nil, false
	}
	stamp := p.doc.nextStamp()
	update := docState{Partitions: map[string]map[string]entry{
		p.name: {id: {Tomb: &lwwValue{Stamp: stamp, Node: p.doc.store.node}}},
	}}
	delta, err := p.doc.applyLocal(ctx, update)
	if err != nil {
		return nil, false
	}
	return delta, true
}

// Get returns the live record's fields as raw JSON values.
func (p Partition) Get(id string) (map[string]json.RawMessage, bool) {
	p.doc.mu.RLock()
	defer p.doc.mu.RUnlock()
	e, ok := p.doc.parts[p.name][id]
	if !ok || !e.live() {
		return nil, false
	}
	fields := make(map[string]json.RawMessage, len(e.Fields))
	for name, v := range e.Fields {
		fields[name] = v.Value
	}
	return fields, true
}

// Decode unmarshals the live record into v.
func (p Partition) Decode(id string, v any) bool {
	fields, ok := p.Get(id)
	if !ok {
		return false
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// IDs lists the live record ids in the partition.
func (p Partition) IDs() []string {
	p.doc.mu.RLock()
	defer p.doc.mu.RUnlock()
	ids := make([]string, 0, len(p.doc.parts[p.name]))
	for id, e := range p.doc.parts[p.name] {
		if e.live() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p Partition) Len() int { return len(p.IDs()) }

func (d *Document) applyLocal(ctx context.Context, update docState) ([]byte, error) {
	delta, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	d.merge(update)
	if d.store.persist != nil {
		d.store.persist.Persist(ctx, d.pageID, d.EncodeState())
	}
	return delta, nil
}
