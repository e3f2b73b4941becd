package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medsupply/patientdesk/internal/platform/storage"
)

const (
	BackendMemory   = storage.BackendMemory
	BackendFile     = storage.BackendFile
	BackendPostgres = storage.BackendPostgres
)

// minSessionSecret is the shortest SESSION_SECRET accepted in production.
const minSessionSecret = 32

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	StorageBackend   string        `mapstructure:"STORAGE_BACKEND"`
	DataDir          string        `mapstructure:"DATA_DIR"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	SessionSecret    string        `mapstructure:"SESSION_SECRET"`
	GeocoderURL      string        `mapstructure:"GEOCODER_URL"`
	GeocoderAPIKey   string        `mapstructure:"GEOCODER_API_KEY"`
	GeocoderTimeout  time.Duration `mapstructure:"GEOCODER_TIMEOUT"`
	MaxUploadBytes   int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	SimulatedLatency time.Duration `mapstructure:"SIMULATED_LATENCY"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LoginRateRPS     float64       `mapstructure:"LOGIN_RATE_RPS"`
	LoginRateBurst   int           `mapstructure:"LOGIN_RATE_BURST"`
}

var keys = []string{
	"PORT",
	"ENV",
	"STORAGE_BACKEND",
	"DATA_DIR",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"CORS_ORIGINS",
	"SESSION_SECRET",
	"GEOCODER_URL",
	"GEOCODER_API_KEY",
	"GEOCODER_TIMEOUT",
	"MAX_UPLOAD_BYTES",
	"SIMULATED_LATENCY",
	"REQUEST_TIMEOUT",
	"LOGIN_RATE_RPS",
	"LOGIN_RATE_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_BACKEND", BackendFile)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("GEOCODER_URL", "https://api.opencagedata.com")
	v.SetDefault("GEOCODER_TIMEOUT", "10s")
	v.SetDefault("MAX_UPLOAD_BYTES", 10<<20)
	v.SetDefault("SIMULATED_LATENCY", "0s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOGIN_RATE_RPS", 1)
	v.SetDefault("LOGIN_RATE_BURST", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is usable before anything is opened.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q, %q or %q, got %q",
			BackendMemory, BackendFile, BackendPostgres, c.StorageBackend)
	}

	if c.StorageBackend == BackendFile && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required when STORAGE_BACKEND is %q", BackendFile)
	}

	if c.IsProduction() && len(c.SessionSecret) < minSessionSecret {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters in production", minSessionSecret)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.SimulatedLatency < 0 {
		return fmt.Errorf("SIMULATED_LATENCY cannot be negative")
	}
	if c.RequestTimeout > 0 && c.RequestTimeout <= c.SimulatedLatency {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed SIMULATED_LATENCY (%s)", c.RequestTimeout, c.SimulatedLatency)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
