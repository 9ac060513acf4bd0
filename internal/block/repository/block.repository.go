package repository

import (
	"database/sql"

	"coscribe/internal/block/model"
	"coscribe/pkg/logger"
)

type BlockRepository struct {
	DB *sql.DB
}

func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{DB: db}
}

func (r *BlockRepository) Upsert(b *model.Block) error {
	err := r.DB.QueryRow(`
		INSERT INTO blocks (uuid, page_id, type, content, properties, position, depth, created_by, last_edited_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, NOW(), NOW())
		ON CONFLICT (uuid) DO UPDATE SET
			type = $3, content = $4, properties = $5, position = $6, depth = $7,
			last_edited_by = $8, updated_at = NOW()
		RETURNING created_by, created_at, updated_at`,
		b.UUID, b.PageID, b.Type, b.Content, b.Properties, b.Position, b.Depth, b.LastEditedBy,
	).Scan(&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to upsert block %s: %v", b.UUID, err)
	}
	return err
}

func (r *BlockRepository) Delete(pageID, blockUUID string) (bool, error) {
	result, err := r.DB.Exec("DELETE FROM blocks WHERE uuid = $1 AND page_id = $2", blockUUID, pageID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete block %s: %v", blockUUID, err)
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *BlockRepository) Exists(pageID, blockUUID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM blocks WHERE uuid = $1 AND page_id = $2)", blockUUID, pageID).Scan(&exists)
	if err != nil {
		logger.Sugar.Errorf("Failed to check block %s: %v", blockUUID, err)
	}
	return exists, err
}

func (r *BlockRepository) GetByPage(pageID string) ([]model.Block, error) {
	rows, err := r.DB.Query(`
		SELECT uuid, page_id, type, content, properties, position, depth, created_by, last_edited_by, created_at, updated_at
		FROM blocks WHERE page_id = $1 ORDER BY position ASC`, pageID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list blocks for page %s: %v", pageID, err)
		return nil, err
	}
	defer rows.Close()

	var blocks []model.Block
	for rows.Next() {
		var b model.Block
		if err := rows.Scan(&b.UUID, &b.PageID, &b.Type, &b.Content, &b.Properties, &b.Position, &b.Depth,
			&b.CreatedBy, &b.LastEditedBy, &b.CreatedAt, &b.UpdatedAt); err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
