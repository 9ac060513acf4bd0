package block

import (
	"encoding/json"
	"net/http"

	"coscribe/internal/block/model"
	"coscribe/internal/block/service"
	"coscribe/middleware"
	"coscribe/pkg/logger"
)

type BlockHandler struct {
	Service *service.BlockService
}

func NewBlockHandler(service *service.BlockService) *BlockHandler {
	return &BlockHandler{Service: service}
}

func (h *BlockHandler) SaveBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.Context().Value(middleware.UserIDKey).(string)

	var req model.SaveBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	block, err := h.Service.SaveBlock(r.Context(), userID, req)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to save block: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(block)
}

func (h *BlockHandler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.Context().Value(middleware.UserIDKey).(string)

	req := model.DeleteBlockRequest{
		PageID: r.URL.Query().Get("pageId"),
		UUID:   r.URL.Query().Get("uuid"),
	}

	if err := h.Service.DeleteBlock(r.Context(), userID, req); err != nil {
		logger.Sugar.Errorf("Handler: Failed to delete block: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *BlockHandler) GetBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pageID := r.URL.Query().Get("pageId")
	if pageID == "" {
		http.Error(w, "Missing pageId parameter", http.StatusBadRequest)
		return
	}

	blocks, err := h.Service.GetBlocks(pageID)
	if err != nil {
		http.Error(w, "Failed to list blocks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(blocks)
}
