package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects which brokerage account (and which data directory) a worker
// targets. Paper and live ladders never share files or credentials.
type Mode string

const (
	Paper Mode = "paper"
	Live  Mode = "live"
)

// NewYork is the exchange timezone. Log rotation and trading-day boundaries
// key off this location, never the host clock's zone.
var NewYork = mustLoadNewYork()

func mustLoadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Containers without tzdata still get a usable offset.
		log.Printf("Warning: could not load America/New_York (%v), using fixed EST offset", err)
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// keyNamesByMode maps a trading mode to the environment variable names that
// hold its Alpaca credentials. Live keys intentionally use the SDK's default
// names so the same env works for ad-hoc tooling.
var keyNamesByMode = map[Mode][2]string{
	Paper: {"PAPER_ALPACA_API_KEY_ID", "PAPER_ALPACA_API_SECRET_KEY"},
	Live:  {"ALPACA_API_KEY_ID", "ALPACA_API_SECRET_KEY"},
}

// Config holds everything a process needs from the environment.
type Config struct {
	Mode Mode

	AlpacaKeyID     string
	AlpacaSecretKey string

	RedisHost string
	RedisPort int
	RedisDB   int

	DataRoot    string
	LogLevel    string
	MetricsAddr string // empty disables the /metrics listener

	// ManualUpdateInterval is the minimum spacing between manual order
	// reconciliations triggered by the engine.
	ManualUpdateInterval time.Duration
}

// ParseMode validates a CLI-supplied trading mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Paper, Live:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid trading mode %q: must be %q or %q", s, Paper, Live)
}

// Load initializes the configuration for the given mode.
// It tries to read a .env file and checks for necessary environment variables.
func Load(mode Mode) (*Config, error) {
	// Load .env variables into the process environment
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	names, ok := keyNamesByMode[mode]
	if !ok {
		return nil, fmt.Errorf("unknown trading mode %q", mode)
	}

	cfg := &Config{
		Mode:                 mode,
		AlpacaKeyID:          os.Getenv(names[0]),
		AlpacaSecretKey:      os.Getenv(names[1]),
		RedisHost:            getEnv("REDIS_HOST", "localhost"),
		RedisPort:            getEnvAsInt("REDIS_PORT", 6379),
		RedisDB:              getEnvAsInt("REDIS_DB", 0),
		DataRoot:             getEnv("DATA_ROOT", "data"),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		ManualUpdateInterval: time.Duration(getEnvAsInt("MANUAL_UPDATE_INTERVAL_SEC", 10)) * time.Second,
	}

	var missing []string
	if cfg.AlpacaKeyID == "" {
		missing = append(missing, names[0])
	}
	if cfg.AlpacaSecretKey == "" {
		missing = append(missing, names[1])
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	logEffective(names, cfg)
	return cfg, nil
}

// RedisAddr returns the host:port pair for the bus connection.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// logEffective echoes the effective configuration, masking credentials so
// logs stay shareable.
func logEffective(names [2]string, cfg *Config) {
	log.Printf("--- Configuration (%s) ---", cfg.Mode)
	log.Printf("%s=%s", names[0], mask(cfg.AlpacaKeyID))
	log.Printf("%s=%s", names[1], mask(cfg.AlpacaSecretKey))
	log.Printf("REDIS=%s db=%d", cfg.RedisAddr(), cfg.RedisDB)
	log.Printf("DATA_ROOT=%s", cfg.DataRoot)
	log.Println("--------------------------")
}

func mask(val string) string {
	if len(val) <= 4 {
		return "***"
	}
	return "***" + val[len(val)-4:]
}
