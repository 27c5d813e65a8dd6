package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	PublicBaseURL string
	CORSOrigin    string

	// Store selection: REDIS_URL wins, then DATABASE_URL, then the
	// in-memory store. Both default empty on purpose.
	DatabaseURL   string
	RedisURL      string
	MigrationsDir string

	MeiliURL       string
	MeiliMasterKey string

	// ArchiveDir enables the per-session git archive when set.
	ArchiveDir string

	// Sample bucket - empty endpoint leaves the built-in catalog active.
	SampleBucketEndpoint  string
	SampleBucketAccessKey string
	SampleBucketSecretKey string
	SampleBucketName      string
	SampleBucketSecure    bool

	// Coordinator tuning. Zero values fall back to coordinator defaults.
	FlushInterval time.Duration
	MaxPlayers    int
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8787"),
		PublicBaseURL: getenv("KEYBOARDIA_PUBLIC_URL", "http://localhost:8787"),
		CORSOrigin:    getenv("KEYBOARDIA_CORS_ORIGIN", "*"),

		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisURL:      getenv("REDIS_URL", ""),
		MigrationsDir: getenv("KEYBOARDIA_MIGRATIONS_DIR", "./db/migrations"),

		MeiliURL:       getenv("MEILI_URL", "http://localhost:7700"),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		ArchiveDir: getenv("KEYBOARDIA_ARCHIVE_DIR", ""),

		SampleBucketEndpoint:  getenv("SAMPLE_BUCKET_ENDPOINT", ""),
		SampleBucketAccessKey: getenv("SAMPLE_BUCKET_ACCESS_KEY", ""),
		SampleBucketSecretKey: getenv("SAMPLE_BUCKET_SECRET_KEY", ""),
		SampleBucketName:      getenv("SAMPLE_BUCKET_NAME", "keyboardia-samples"),
		SampleBucketSecure:    getenv("SAMPLE_BUCKET_SECURE", "false") == "true",

		FlushInterval: time.Duration(getenvInt("KEYBOARDIA_FLUSH_MS", 3000)) * time.Millisecond,
		MaxPlayers:    getenvInt("KEYBOARDIA_MAX_PLAYERS", 10),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
