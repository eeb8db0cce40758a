package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port       string
	DBDriver   string // postgres | sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPath     string // sqlite only
	JWTSecret  string
	// Logging
	LogDir        string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
	LogSQL        bool
	// Exam integrity
	MinClientVersion   string
	SeedDefaultPolicy  bool
	DeliveryMaxElapsed time.Duration // give up re-delivering a detector violation after this long
	KeystrokeCapacity  int
	PointerCapacity    int
	TelemetryRetention time.Duration
	PointerSpeedLimit  float64 // px/ms
}

func Load() *Config {
	return &Config{
		Port:               getenv("PORT", "8080"),
		DBDriver:           strings.ToLower(getenv("DB_DRIVER", "postgres")),
		DBHost:             getenv("DB_HOST", "localhost"),
		DBPort:             getenv("DB_PORT", "5432"),
		DBUser:             getenv("DB_USER", "postgres"),
		DBPassword:         getenv("DB_PASSWORD", "postgres"),
		DBName:             getenv("DB_NAME", "seb_db"),
		DBSSLMode:          getenv("DB_SSLMODE", "disable"),
		DBPath:             getenv("DB_PATH", "./data/seb_integrity.db"),
		JWTSecret:          getenv("JWT_SECRET", "supersecret_change_me"),
		LogDir:             getenv("LOG_DIR", "logs"),
		LogMaxSizeMB:       getenvInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups:      getenvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays:      getenvInt("LOG_MAX_AGE_DAYS", 7),
		LogCompress:        getenvBool("LOG_COMPRESS", true),
		LogSQL:             getenvBool("LOG_SQL", false),
		MinClientVersion:   getenv("MIN_CLIENT_VERSION", ""),
		SeedDefaultPolicy:  getenvBool("SEED_DEFAULT_POLICY", false),
		DeliveryMaxElapsed: getenvDuration("DELIVERY_MAX_ELAPSED", 2*time.Minute),
		KeystrokeCapacity:  getenvInt("KEYSTROKE_CAPACITY", 600),
		PointerCapacity:    getenvInt("POINTER_CAPACITY", 600),
		TelemetryRetention: getenvDuration("TELEMETRY_RETENTION", 10*time.Minute),
		PointerSpeedLimit:  getenvFloat("POINTER_SPEED_LIMIT", 8),
	}
}

// Validate checks the settings that have no safe fallback.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.KeystrokeCapacity <= 0 || c.PointerCapacity <= 0 {
		return fmt.Errorf("telemetry capacities must be > 0")
	}
	if c.TelemetryRetention <= 0 {
		return fmt.Errorf("TELEMETRY_RETENTION must be > 0")
	}
	return nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
