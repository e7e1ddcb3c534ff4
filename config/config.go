package config

import "os"

// Config carries the process configuration, read from the environment after
// cmd/server has loaded the .env file.
type Config struct {
	// Addr is the HTTP listen address, e.g. "localhost:3003".
	Addr string

	// StoreDriver selects the Store backend: "postgres" or "memory".
	StoreDriver string

	// DatabaseURL is the Postgres DSN, required for the postgres driver.
	DatabaseURL string

	// RedisAddr enables the redis search cache when set; empty falls back to
	// the in-process cache.
	RedisAddr string

	// AuthDriver selects the token verifier: "firebase" or "insecure".
	AuthDriver string
}

func Load() Config {
	return Config{
		Addr:        envOr("SERVER_URL", "localhost:3003"),
		StoreDriver: envOr("STORE_DRIVER", "memory"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		AuthDriver:  envOr("AUTH_DRIVER", "firebase"),
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
