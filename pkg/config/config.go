package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the mirror core.
type Config struct {
	Port string

	// Venue
	VenueBaseURL   string
	VenueTimeout   time.Duration
	VenueRateRPS   float64 // sustained requests/sec against the venue per process
	VenueRateBurst int

	// Signing gateway
	SignerBaseURL string
	SignerTimeout time.Duration

	// Ingestion
	SweepInterval time.Duration // time between full polling sweeps
	SweepWindow   time.Duration // trailing fill window requested per account
	AccountDelay  time.Duration // pause between accounts inside one sweep

	// Startup position sync
	PositionDelay time.Duration // pause between positions during catch-up

	// Reconciliation
	ReconcileInterval time.Duration
	DriftWarnPct      float64
	DriftErrorPct     float64

	// Decision engine
	RiskConfigTTL time.Duration // staleness bound on the risk config cache

	// Account pairs
	PairsPath string

	// Database
	DBPath string

	// Ops API auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		VenueBaseURL:      getEnv("VENUE_BASE_URL", "https://api.hyperliquid.xyz"),
		VenueTimeout:      getEnvDuration("VENUE_TIMEOUT", 10*time.Second),
		VenueRateRPS:      getEnvFloat("VENUE_RATE_RPS", 5),
		VenueRateBurst:    getEnvInt("VENUE_RATE_BURST", 10),
		SignerBaseURL:     getEnv("SIGNER_BASE_URL", "http://localhost:9090"),
		SignerTimeout:     getEnvDuration("SIGNER_TIMEOUT", 5*time.Second),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepWindow:       getEnvDuration("SWEEP_WINDOW", 5*time.Minute),
		AccountDelay:      getEnvDuration("ACCOUNT_DELAY", 500*time.Millisecond),
		PositionDelay:     getEnvDuration("POSITION_DELAY", 300*time.Millisecond),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		DriftWarnPct:      getEnvFloat("DRIFT_WARN_PCT", 5),
		DriftErrorPct:     getEnvFloat("DRIFT_ERROR_PCT", 20),
		RiskConfigTTL:     getEnvDuration("RISK_CONFIG_TTL", 5*time.Second),
		PairsPath:         getEnv("PAIRS_PATH", "mirror_pairs.yaml"),
		DBPath:            getEnv("DB_PATH", "./data/mirror.db"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces operational invariants that would silently lose data if broken.
func (c *Config) validate() error {
	if c.SweepInterval >= c.SweepWindow {
		return fmt.Errorf("sweep interval %v must be shorter than sweep window %v or fills can be missed",
			c.SweepInterval, c.SweepWindow)
	}
	if c.DriftWarnPct <= 0 || c.DriftErrorPct <= c.DriftWarnPct {
		return fmt.Errorf("drift thresholds invalid: warn=%.1f error=%.1f", c.DriftWarnPct, c.DriftErrorPct)
	}
	if c.VenueRateRPS <= 0 {
		return fmt.Errorf("venue rate must be positive, got %.2f", c.VenueRateRPS)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
