package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendFirebase = "firebase"
)

// Config holds the application's configuration.
type Config struct {
	Port string

	StoreBackend string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	// RedisReindex rebuilds the branch indexes at startup.
	RedisReindex bool

	FirebaseDatabaseURL string
	FirebaseAuth        string

	// InfluxDB mirror; disabled when InfluxDBURL is empty.
	InfluxDBURL   string
	InfluxDBToken string
	InfluxDBOrg   string

	Auth AuthConfig

	CORSAllowedOrigins []string
	LookupCacheTTL     time.Duration
	DeviceTimezone     *time.Location

	LogLevel  string
	LogFormat string
}

// AuthConfig configures JWT validation for the history endpoint. Either
// JWKSURL/issuer (Auth0) or Secret (HS256) enables it.
type AuthConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	Secret   string
}

// Enabled reports whether any token validation is configured.
func (a AuthConfig) Enabled() bool {
	return a.Issuer != "" || a.Secret != ""
}

// MirrorEnabled reports whether readings are mirrored to InfluxDB.
func (c Config) MirrorEnabled() bool {
	return c.InfluxDBURL != ""
}

// LoadConfig loads the configuration from a .env file, if present, and
// environment variables.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on system environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port:                get("PORT", "8000"),
		StoreBackend:        strings.ToLower(get("STORE_BACKEND", BackendMemory)),
		RedisAddr:           get("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getenv("REDIS_PASSWORD"),
		RedisKeyPrefix:      get("REDIS_KEY_PREFIX", "telemetry:"),
		FirebaseDatabaseURL: get("FIREBASE_DATABASE_URL", ""),
		FirebaseAuth:        get("FIREBASE_AUTH", ""),
		InfluxDBURL:         get("INFLUXDB_URL", ""),
		InfluxDBToken:       get("INFLUXDB_TOKEN", ""),
		InfluxDBOrg:         get("INFLUXDB_ORG", ""),
		Auth: AuthConfig{
			Issuer:   get("AUTH0_ISSUER", ""),
			Audience: get("AUTH0_AUDIENCE", ""),
			JWKSURL:  get("AUTH0_JWKS_URL", ""),
			Secret:   get("JWT_SECRET", ""),
		},
		LogLevel:  get("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(get("LOG_FORMAT", "text")),
	}

	var errs []error

	db, err := strconv.Atoi(get("REDIS_DB", "0"))
	if err != nil || db < 0 {
		errs = append(errs, errors.New("REDIS_DB must be a non-negative integer"))
	}
	cfg.RedisDB = db

	reindex, err := strconv.ParseBool(get("REDIS_REINDEX_ON_START", "false"))
	if err != nil {
		errs = append(errs, errors.New("REDIS_REINDEX_ON_START must be a boolean"))
	}
	cfg.RedisReindex = reindex

	if strings.ContainsAny(cfg.RedisKeyPrefix, "*?[]\\#") {
		errs = append(errs, fmt.Errorf("REDIS_KEY_PREFIX %q must not contain glob characters or '#'", cfg.RedisKeyPrefix))
	}

	ttl, err := time.ParseDuration(get("LOOKUP_CACHE_TTL", "10s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOOKUP_CACHE_TTL: %w", err))
	}
	cfg.LookupCacheTTL = ttl

	loc, err := time.LoadLocation(get("DEVICE_TIMEZONE", "UTC"))
	if err != nil {
		errs = append(errs, fmt.Errorf("DEVICE_TIMEZONE: %w", err))
	}
	cfg.DeviceTimezone = loc

	for _, o := range strings.Split(get("CORS_ALLOWED_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case BackendFirebase:
		if cfg.FirebaseDatabaseURL == "" {
			errs = append(errs, errors.New("FIREBASE_DATABASE_URL is required for the firebase backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}

	influx := []string{cfg.InfluxDBURL, cfg.InfluxDBToken, cfg.InfluxDBOrg}
	set := 0
	for _, v := range influx {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != len(influx) {
		errs = append(errs, errors.New("InfluxDB configuration is incomplete. Please set INFLUXDB_URL, INFLUXDB_TOKEN, and INFLUXDB_ORG environment variables"))
	}

	if cfg.Auth.Enabled() && (cfg.Auth.Issuer == "" || cfg.Auth.Audience == "") {
		errs = append(errs, errors.New("AUTH0_ISSUER and AUTH0_AUDIENCE are required when authentication is enabled"))
	}

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
