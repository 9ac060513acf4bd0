package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the process needs, built once at startup and
// passed down explicitly. Components never read the environment themselves.
type Config struct {
	Addr string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	// RoomTTL bounds the lifetime of a room membership entry; it is refreshed
	// on every join and never auto-renewed otherwise.
	RoomTTL time.Duration

	// IdleWindow is how long an unreferenced in-memory document survives
	// before the janitor reclaims it.
	IdleWindow time.Duration
}

// Load reads the .env file (if present) and assembles the configuration.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:          envOr("ADDR", ":8080"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		RoomTTL:       envDuration("ROOM_TTL", time.Hour),
		IdleWindow:    envDuration("DOC_IDLE_WINDOW", 5*time.Minute),
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
