package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBURL string

	ObjectStoreEndpoint  string
	ObjectStoreBucket    string
	ObjectStoreRegion    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string

	WorkerPoolSize        int
	WorkerPollInterval    time.Duration
	WorkerLockTTL         time.Duration
	WorkerBatchSize       int
	WorkerReclaimInterval time.Duration

	PDFFreeTierDailyCap int

	APIPort   string
	RedisAddr string

	// Auth settings
	JWTSecret   string
	JWTIssuer   string
	AuthEnabled bool

	LogLevel     string
	OTLPEndpoint string
}

func LoadConfig() *Config {
	cfg := &Config{
		DBURL: envString("DB_URL", "host=localhost user=villagecal password=password dbname=villagecal port=5432 sslmode=disable TimeZone=UTC"),

		ObjectStoreEndpoint:  envString("OBJECT_STORE_ENDPOINT", ""),
		ObjectStoreBucket:    envString("OBJECT_STORE_BUCKET", "villagecal"),
		ObjectStoreRegion:    envString("OBJECT_STORE_REGION", "us-east-1"),
		ObjectStoreAccessKey: envString("OBJECT_STORE_ACCESS_KEY", ""),
		ObjectStoreSecretKey: envString("OBJECT_STORE_SECRET_KEY", ""),

		WorkerPoolSize:        envInt("WORKER_POOL_SIZE", 8),
		WorkerPollInterval:    envDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerLockTTL:         envDuration("WORKER_LOCK_TTL", 5*time.Minute),
		WorkerReclaimInterval: envDuration("WORKER_RECLAIM_INTERVAL", time.Minute),

		PDFFreeTierDailyCap: envInt("PDF_FREE_TIER_DAILY_CAP", 3),

		APIPort:   envString("API_PORT", "8080"),
		RedisAddr: envString("REDIS_ADDR", ""),

		JWTSecret:   envString("JWT_SECRET", ""),
		JWTIssuer:   envString("JWT_ISSUER", "villagecal"),
		AuthEnabled: envBool("AUTH_ENABLED", false),

		LogLevel:     envString("LOG_LEVEL", "info"),
		OTLPEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	// Batch defaults to pool size so a single claim can fill the pool.
	cfg.WorkerBatchSize = envInt("WORKER_BATCH_SIZE", cfg.WorkerPoolSize)

	return cfg
}

// Env lookup helpers. Unset or unparseable values fall back to the
// default; a bad WORKER_POLL_INTERVAL should not keep a worker from
// booting.

func envString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// "yes"/"no" show up in ops tooling; ParseBool rejects them.
		return v == "yes"
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
