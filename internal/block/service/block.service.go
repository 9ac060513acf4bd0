package service

import (
	"context"
	"encoding/json"
	"errors"

	"coscribe/internal/block/model"
	"coscribe/internal/block/repository"
	"coscribe/socket"
)

// broadcaster is the slice of the dispatcher this service needs: the
// server-initiated publish path that mirrors a committed relational write
// into the page's block partition and room.
type broadcaster interface {
	PublishBlockEvent(ctx context.Context, eventType, pageID, actorID string, block socket.BlockPayload) error
}

// BlockService is the relational write path. It commits first; only the
// final persisted record is published, so socket-connected clients converge
// on exactly what the database holds.
type BlockService struct {
	Repo *repository.BlockRepository
	Hub  broadcaster
}

func NewBlockService(repo *repository.BlockRepository, hub broadcaster) *BlockService {
	return &BlockService{Repo: repo, Hub: hub}
}

func (s *BlockService) SaveBlock(ctx context.Context, userID string, req model.SaveBlockRequest) (*model.Block, error) {
	if req.PageID == "" || req.UUID == "" || req.Type == "" {
		return nil, errors.New("page_id, uuid and type are required")
	}

	existed, err := s.Repo.Exists(req.PageID, req.UUID)
	if err != nil {
		return nil, err
	}

	block := &model.Block{
		UUID:         req.UUID,
		PageID:       req.PageID,
		Type:         req.Type,
		Content:      req.Content,
		Properties:   req.Properties,
		Position:     req.Position,
		Depth:        req.Depth,
		LastEditedBy: userID,
	}
	if err := s.Repo.Upsert(block); err != nil {
		return nil, err
	}

	eventType := socket.EvtBlockCreated
	if existed {
		eventType = socket.EvtBlockUpdated
	}
	if err := s.Hub.PublishBlockEvent(ctx, eventType, block.PageID, userID, toPayload(block)); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *BlockService) DeleteBlock(ctx context.Context, userID string, req model.DeleteBlockRequest) error {
	if req.PageID == "" || req.UUID == "" {
		return errors.New("page_id and uuid are required")
	}

	deleted, err := s.Repo.Delete(req.PageID, req.UUID)
	if err != nil {
		return err
	}
	if !deleted {
		return errors.New("block not found")
	}

	return s.Hub.PublishBlockEvent(ctx, socket.EvtBlockDeleted, req.PageID, userID,
		socket.BlockPayload{UUID: req.UUID})
}

func (s *BlockService) GetBlocks(pageID string) ([]model.Block, error) {
	return s.Repo.GetByPage(pageID)
}

func toPayload(b *model.Block) socket.BlockPayload {
	return socket.BlockPayload{
		UUID:         b.UUID,
		Type:         b.Type,
		Content:      decodeMap(b.Content),
		Properties:   decodeMap(b.Properties),
		Position:     b.Position,
		Depth:        b.Depth,
		CreatedBy:    b.CreatedBy,
		LastEditedBy: b.LastEditedBy,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func decodeMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
