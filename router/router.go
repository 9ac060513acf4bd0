package router

import (
	"database/sql"
	"net/http"

	blockHandler "coscribe/internal/block"
	"coscribe/internal/block/repository"
	"coscribe/internal/block/service"
	"coscribe/internal/identity"
	"coscribe/middleware"
	"coscribe/socket"
)

func Setup(db *sql.DB, verifier identity.Verifier, dispatcher *socket.Dispatcher) http.Handler {
	mux := http.NewServeMux()

	// WebSocket; authentication happens in-band on the first frame.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(dispatcher, w, r)
	})

	// REST block write path; publishes authoritative post-commit events into
	// the same rooms as direct socket edits.
	blockRepo := repository.NewBlockRepository(db)
	blockService := service.NewBlockService(blockRepo, dispatcher)
	blocks := blockHandler.NewBlockHandler(blockService)
	auth := middleware.Auth(verifier)

	mux.Handle("/api/blocks/save", auth(http.HandlerFunc(blocks.SaveBlock)))
	mux.Handle("/api/blocks/delete", auth(http.HandlerFunc(blocks.DeleteBlock)))
	mux.Handle("/api/blocks", auth(http.HandlerFunc(blocks.GetBlocks)))

	return middleware.CORS(mux)
}
