package model

import (
	"encoding/json"
	"time"
)

// Block is the relational record for one block, the durable source of truth
// for content written through the REST path.
type Block struct {
	UUID         string          `json:"uuid"`
	PageID       string          `json:"page_id"`
	Type         string          `json:"type"`
	Content      json.RawMessage `json:"content,omitempty"`
	Properties   json.RawMessage `json:"properties,omitempty"`
	Position     int             `json:"position"`
	Depth        int             `json:"depth"`
	CreatedBy    string          `json:"created_by"`
	LastEditedBy string          `json:"last_edited_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SaveBlockRequest struct {
	PageID     string          `json:"page_id"`
	UUID       string          `json:"uuid"`
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Position   int             `json:"position"`
	Depth      int             `json:"depth"`
}

type DeleteBlockRequest struct {
	PageID string `json:"page_id"`
	UUID   string `json:"uuid"`
}
