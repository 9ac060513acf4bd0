package main

import (
	"context"
	"net/http"
	"time"

	"coscribe/config"
	"coscribe/config/database"
	"coscribe/config/redisdb"
	"coscribe/internal/identity"
	"coscribe/internal/realtime/bridge"
	"coscribe/internal/realtime/crdt"
	"coscribe/internal/realtime/presence"
	"coscribe/internal/realtime/registry"
	"coscribe/pkg/logger"
	"coscribe/router"
	"coscribe/socket"

	"github.com/google/uuid"
)

func main() {
	logger.Init()
	defer logger.Log.Sync()

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		logger.Sugar.Fatal("JWT_SECRET environment variable not set")
	}

	db := database.Connect(cfg.DatabaseURL)
	defer db.Close()

	rdb := redisdb.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()

	// Every component gets its dependencies handed to it here; nothing below
	// reaches for process-wide state.
	node := uuid.NewString()
	verifier := identity.NewJWTVerifier(cfg.JWTSecret)
	docs := crdt.NewStore(node, bridge.New(rdb, node), cfg.IdleWindow)
	reg := registry.New(rdb, cfg.RoomTTL)
	tracker := presence.NewTracker(docs)
	dispatcher := socket.NewDispatcher(node, verifier, docs, reg, tracker, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	docs.StartJanitor(ctx, time.Minute)

	handler := router.Setup(db, verifier, dispatcher)

	logger.Sugar.Infof("coscribe backend listening on %s (node %s)", cfg.Addr, node)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
}
