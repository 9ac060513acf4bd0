package socket

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"coscribe/internal/realtime/presence"
)

// Inbound command names spoken by any client transport.
const (
	CmdAuth         = "auth"
	CmdJoin         = "join"
	CmdLeave        = "leave"
	CmdCursorUpdate = "cursor_update"
	CmdBlockCreate  = "block_create"
	CmdBlockUpdate  = "block_update"
	CmdBlockDelete  = "block_delete"
)

// Outbound event names. The direct-edit path and the post-commit REST path
// publish identical shapes under these names.
const (
	EvtUserJoined     = "user_joined"
	EvtUserLeft       = "user_left"
	EvtPresenceUpdate = "presence_update"
	EvtCursorUpdate   = "cursor_update"
	EvtBlockCreated   = "block_created"
	EvtBlockUpdated   = "block_updated"
	EvtBlockDeleted   = "block_deleted"
)

var errMalformedCommand = errors.New("socket: malformed command")

// BlockPayload is the wire shape of one block record.
type BlockPayload struct {
	UUID         string         `json:"uuid"`
	Type         string         `json:"type"`
	Content      map[string]any `json:"content,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	Position     int            `json:"position"`
	Depth        int            `json:"depth"`
	CreatedBy    string         `json:"created_by,omitempty"`
	LastEditedBy string         `json:"last_edited_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
}

// Command is the inbound wire shape, a tagged variant per command name.
type Command struct {
	Type        string           `json:"type"`
	Token       string           `json:"token,omitempty"`
	PageID      string           `json:"page_id,omitempty"`
	WorkspaceID string           `json:"workspace_id,omitempty"`
	Cursor      *presence.Cursor `json:"cursor,omitempty"`
	Block       *BlockPayload    `json:"block,omitempty"`
}

// decodeCommand validates the tagged variant at the boundary: required fields
// per command name, unknown fields and unknown names rejected outright so
// partially-typed data never propagates inward.
func decodeCommand(raw []byte) (Command, error) {
	var cmd Command
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, errMalformedCommand
	}

	switch cmd.Type {
	case CmdAuth:
		if cmd.Token == "" {
			return Command{}, errMalformedCommand
		}
	case CmdJoin, CmdLeave:
		if cmd.PageID == "" && cmd.WorkspaceID == "" {
			return Command{}, errMalformedCommand
		}
	case CmdCursorUpdate:
		if cmd.PageID == "" || cmd.Cursor == nil {
			return Command{}, errMalformedCommand
		}
	case CmdBlockCreate, CmdBlockUpdate:
		if cmd.PageID == "" || cmd.Block == nil || cmd.Block.UUID == "" || cmd.Block.Type == "" {
			return Command{}, errMalformedCommand
		}
	case CmdBlockDelete:
		if cmd.PageID == "" || cmd.Block == nil || cmd.Block.UUID == "" {
			return Command{}, errMalformedCommand
		}
	default:
		return Command{}, errMalformedCommand
	}
	return cmd, nil
}

// Event is the outbound wire shape. Every payload carries the page id and,
// where relevant, the acting user id so recipients can filter self-originated
// echoes if their transport does not already exclude the sender.
type Event struct {
	Type        string            `json:"type"`
	PageID      string            `json:"page_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Block       *BlockPayload     `json:"block,omitempty"`
	Cursor      *presence.Cursor  `json:"cursor,omitempty"`
	User        *presence.Record  `json:"user,omitempty"`
	Presence    []presence.Record `json:"presence,omitempty"`
}

// envelope travels over the room's broadcast channel between processes. Conn
// identifies the originating connection so every process can suppress the
// echo; Update carries the CRDT delta so open documents on other processes
// converge without touching the durable store.
type envelope struct {
	Node   string          `json:"node"`
	Conn   string          `json:"conn,omitempty"`
	Event  Event           `json:"event"`
	Update json.RawMessage `json:"update,omitempty"`
}

func blockFields(b BlockPayload) map[string]any {
	return map[string]any{
		"uuid":           b.UUID,
		"type":           b.Type,
		"content":        b.Content,
		"properties":     b.Properties,
		"position":       b.Position,
		"depth":          b.Depth,
		"created_by":     b.CreatedBy,
		"last_edited_by": b.LastEditedBy,
		"created_at":     b.CreatedAt,
		"updated_at":     b.UpdatedAt,
	}
}
