// Package config loads environment configuration, optionally from a .env
// file, with typed getters and defaults.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads a .env file if one exists. Missing files are fine; the process
// environment always wins.
func Load() {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[CONFIG] Warning: failed to load .env: %v", err)
		}
	}
}

// GetString returns an env var or a default.
func GetString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetInt returns an integer env var or a default.
func GetInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[CONFIG] Warning: bad integer for %s: %q", key, v)
		return fallback
	}
	return n
}

// GetBool returns a boolean env var or a default.
func GetBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[CONFIG] Warning: bad boolean for %s: %q", key, v)
		return fallback
	}
	return b
}

// GetDuration returns a duration env var ("30s", "5m") or a default.
func GetDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[CONFIG] Warning: bad duration for %s: %q", key, v)
		return fallback
	}
	return d
}
