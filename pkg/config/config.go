package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	ProfilesDir string
	Profile     string
	JWTSecret   string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	// Empty DATABASE_URL selects the embedded SQLite store; a
	// postgres:// URL selects Postgres.
	dbURL := os.Getenv("DATABASE_URL")

	// Empty REDIS_URL keeps idempotency caching in process memory.
	redisURL := os.Getenv("REDIS_URL")

	profilesDir := os.Getenv("POLICY_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	profile := os.Getenv("POLICY_PROFILE")

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		RedisURL:    redisURL,
		ProfilesDir: profilesDir,
		Profile:     profile,
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}
}
