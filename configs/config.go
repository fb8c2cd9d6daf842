// Package configs loads runtime configuration from the environment, with
// an optional .env file for development setups.
package configs

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Cryborg/scoresheets-sync/internal/logging"
)

// Config holds every tunable the daemon reads at startup.
type Config struct {
	// DataDir is where the sqlite database lives.
	DataDir string
	// APIBaseURL is the scoresheets server, e.g. https://scoresheets.example.com.
	APIBaseURL string
	// APIToken authenticates requests; empty means anonymous.
	APIToken string
	// ProbeURL is polled to detect connectivity. Defaults to the server's
	// health endpoint.
	ProbeURL string
	// ProbeInterval is how often connectivity is probed.
	ProbeInterval time.Duration
	// ListenAddr is the local HTTP address the daemon serves on.
	ListenAddr string
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in when present; real environment variables
// win over file entries.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		logging.Debug(".env file loaded")
	}

	cfg := &Config{
		DataDir:       getEnv("SCORESYNC_DATA_DIR", defaultDataDir()),
		APIBaseURL:    getEnv("SCORESYNC_API_URL", "http://localhost:8000"),
		APIToken:      os.Getenv("SCORESYNC_API_TOKEN"),
		ListenAddr:    getEnv("SCORESYNC_LISTEN_ADDR", "127.0.0.1:8484"),
		LogLevel:      getEnv("SCORESYNC_LOG_LEVEL", "info"),
		ProbeInterval: getEnvDuration("SCORESYNC_PROBE_INTERVAL", 15*time.Second),
	}
	cfg.ProbeURL = getEnv("SCORESYNC_PROBE_URL", cfg.APIBaseURL+"/api/health")
	return cfg
}

// LogrusLevel parses the configured level, falling back to info.
func (c *Config) LogrusLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.scoresheets"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
