// Package config loads the core's configuration surface from the
// environment, with a .env file for local development.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every recognised environment option plus the connection
// strings the core needs to reach Redis and SQLite.
type Config struct {
	Port string

	RedisURL  string
	SQLiteURI string

	SaveInterval          time.Duration
	CacheExpiry           time.Duration
	StreamExpiry          time.Duration
	StreamMaxLen          int64
	PresenceExpiry        time.Duration
	AccessRecheckInterval time.Duration
	ShutdownGrace         time.Duration
	WorkerClaimTTL        time.Duration

	MaxDocumentSize   int
	PointerRatePerSec float64
	PointerRateBurst  int
}

// Load reads .env (if present) then binds environment variables through
// viper.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional in production; missing file is not an error

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("SQLITE_URI", "padloom.db")
	v.SetDefault("SAVE_INTERVAL", 300)
	v.SetDefault("CACHE_EXPIRY", 3600)
	v.SetDefault("STREAM_EXPIRY", 3600)
	v.SetDefault("STREAM_MAXLEN", 100)
	v.SetDefault("PRESENCE_EXPIRY", 3600)
	v.SetDefault("ACCESS_RECHECK_INTERVAL", 1)
	v.SetDefault("SHUTDOWN_GRACE", 10)
	v.SetDefault("WORKER_CLAIM_TTL", 30)
	v.SetDefault("MAX_DOCUMENT_SIZE_KB", 2048)
	v.SetDefault("POINTER_RATE_PER_SEC", 30)
	v.SetDefault("POINTER_RATE_BURST", 60)

	for _, key := range []string{
		"PORT", "REDIS_URL", "SQLITE_URI", "SAVE_INTERVAL", "CACHE_EXPIRY",
		"STREAM_EXPIRY", "STREAM_MAXLEN", "PRESENCE_EXPIRY",
		"ACCESS_RECHECK_INTERVAL", "SHUTDOWN_GRACE", "WORKER_CLAIM_TTL", "MAX_DOCUMENT_SIZE_KB",
		"POINTER_RATE_PER_SEC", "POINTER_RATE_BURST",
	} {
		_ = v.BindEnv(key)
	}

	return &Config{
		Port:                  v.GetString("PORT"),
		RedisURL:              v.GetString("REDIS_URL"),
		SQLiteURI:             v.GetString("SQLITE_URI"),
		SaveInterval:          v.GetDuration("SAVE_INTERVAL") * time.Second,
		CacheExpiry:           v.GetDuration("CACHE_EXPIRY") * time.Second,
		StreamExpiry:          v.GetDuration("STREAM_EXPIRY") * time.Second,
		StreamMaxLen:          v.GetInt64("STREAM_MAXLEN"),
		PresenceExpiry:        v.GetDuration("PRESENCE_EXPIRY") * time.Second,
		AccessRecheckInterval: v.GetDuration("ACCESS_RECHECK_INTERVAL") * time.Second,
		ShutdownGrace:         v.GetDuration("SHUTDOWN_GRACE") * time.Second,
		WorkerClaimTTL:        v.GetDuration("WORKER_CLAIM_TTL") * time.Second,
		MaxDocumentSize:       v.GetInt("MAX_DOCUMENT_SIZE_KB") * 1024,
		PointerRatePerSec:     v.GetFloat64("POINTER_RATE_PER_SEC"),
		PointerRateBurst:      v.GetInt("POINTER_RATE_BURST"),
	}, nil
}
