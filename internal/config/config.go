// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	PollInterval time.Duration

	// SecretKey encrypts access tokens at rest. nil means tokens are stored
	// in plaintext.
	SecretKey []byte

	// Seed instance settings. Optional; when GhostfolioURL and
	// GhostfolioAccessToken are both set, the composition root creates the
	// instance on first start so the daemon polls without any API call.
	GhostfolioURL         string
	GhostfolioAccessToken string
	GhostfolioName        string
	GhostfolioVerifySSL   bool
	GhostfolioRanges      []string
}

// HasSeedInstance returns true when both GhostfolioURL and
// GhostfolioAccessToken are non-empty. If absent, the daemon starts with no
// instances and waits for one to be added via the API.
func (c *Config) HasSeedInstance() bool {
	return c.GhostfolioURL != "" && c.GhostfolioAccessToken != ""
}

// Load reads configuration from the environment and returns a validated
// Config. A .env file in the working directory is loaded first when present.
// All variables are optional. Defaults: FOLIOWATCH_LISTEN_ADDR
// (127.0.0.1:8080), FOLIOWATCH_DB_PATH (foliowatch.db),
// FOLIOWATCH_POLL_INTERVAL (15m), FOLIOWATCH_GHOSTFOLIO_VERIFY_SSL (true).
func Load() (*Config, error) {
	_ = godotenv.Load()

	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("FOLIOWATCH_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	dbPath := "foliowatch.db"
	if v, ok := os.LookupEnv("FOLIOWATCH_DB_PATH"); ok {
		dbPath = v
	}

	pollInterval := 15 * time.Minute
	if v, ok := os.LookupEnv("FOLIOWATCH_POLL_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("FOLIOWATCH_POLL_INTERVAL has invalid duration %q: %w", v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("FOLIOWATCH_POLL_INTERVAL must be positive, got %q", v)
		}
		pollInterval = parsed
	}

	var secretKey []byte
	if v, ok := os.LookupEnv("FOLIOWATCH_SECRET_KEY"); ok && v != "" {
		decoded, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("FOLIOWATCH_SECRET_KEY is not valid hex: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("FOLIOWATCH_SECRET_KEY must be 32 bytes (64 hex chars), got %d bytes", len(decoded))
		}
		secretKey = decoded
	}

	name := "Ghostfolio"
	if v, ok := os.LookupEnv("FOLIOWATCH_GHOSTFOLIO_NAME"); ok && v != "" {
		name = v
	}

	verifySSL := true
	if v, ok := os.LookupEnv("FOLIOWATCH_GHOSTFOLIO_VERIFY_SSL"); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("FOLIOWATCH_GHOSTFOLIO_VERIFY_SSL has invalid bool %q: %w", v, err)
		}
		verifySSL = parsed
	}

	var ranges []string
	if v, ok := os.LookupEnv("FOLIOWATCH_GHOSTFOLIO_RANGES"); ok && v != "" {
		for _, rng := range strings.Split(v, ",") {
			rng = strings.TrimSpace(rng)
			if rng != "" {
				ranges = append(ranges, rng)
			}
		}
	}
	if ranges == nil {
		ranges = []string{}
	}

	return &Config{
		ListenAddr:            listenAddr,
		DBPath:                dbPath,
		PollInterval:          pollInterval,
		SecretKey:             secretKey,
		GhostfolioURL:         strings.TrimRight(os.Getenv("FOLIOWATCH_GHOSTFOLIO_URL"), "/"),
		GhostfolioAccessToken: os.Getenv("FOLIOWATCH_GHOSTFOLIO_ACCESS_TOKEN"),
		GhostfolioName:        name,
		GhostfolioVerifySSL:   verifySSL,
		GhostfolioRanges:      ranges,
	}, nil
}
