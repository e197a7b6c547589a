// Package config loads service settings from an optional YAML file, then
// applies environment overrides. Every field has a default so the service
// runs with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clinic-ops/sentinel/internal/netguard"
)

type Config struct {
	Server    Server                `yaml:"server"`
	Database  Database              `yaml:"database"`
	Store     Store                 `yaml:"store"`
	Redis     Redis                 `yaml:"redis"`
	Geo       Geo                   `yaml:"geo"`
	Tracker   Tracker               `yaml:"tracker"`
	Blacklist Blacklist             `yaml:"blacklist"`
	Admin     Admin                 `yaml:"admin"`
	RateLimit map[string]RateBucket `yaml:"rate_limits"`
	TLS       TLS                   `yaml:"tls"`
	Narrate   Narrate               `yaml:"narrate"`
}

type Server struct {
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustedProxies lists the CIDRs or IPs whose forwarding headers are
	// believed. Empty means clients are addressed by their TCP peer.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type Database struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// Store controls the persistence path shared by both backends.
type Store struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	SpoolPath      string        `yaml:"spool_path"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

type Redis struct {
	URL         string        `yaml:"url"`
	GeoCacheTTL time.Duration `yaml:"geo_cache_ttl"`
}

type Geo struct {
	// Provider is "http", "maxmind", "chain" (http, falling back to maxmind) or "none".
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	CityDBPath string        `yaml:"city_db_path"`
	ASNDBPath  string        `yaml:"asn_db_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Tracker struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	ContactTimeout    time.Duration `yaml:"contact_timeout"`
	MaxSessionAge     time.Duration `yaml:"max_session_age"`
	RejectBlacklisted bool          `yaml:"reject_blacklisted"`
}

type Blacklist struct {
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type Admin struct {
	Token string `yaml:"token"`
}

type RateBucket struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type TLS struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	Production bool     `yaml:"production"`
	StorageDir string   `yaml:"storage_dir"`
}

type Narrate struct {
	Enabled   bool          `yaml:"enabled"`
	Region    string        `yaml:"region"`
	Model     string        `yaml:"model"`
	MaxTokens int64         `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: Server{
			Port:            8080,
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: Database{
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
		},
		Store: Store{
			WriteTimeout:   5 * time.Second,
			SpoolPath:      "sentinel-spool.db",
			ReplayInterval: 30 * time.Second,
			MaxAttempts:    10,
		},
		Redis: Redis{GeoCacheTTL: 24 * time.Hour},
		Geo: Geo{
			Provider: "http",
			Timeout:  3 * time.Second,
		},
		Tracker: Tracker{
			IdleTimeout:    30 * time.Second,
			TickInterval:   60 * time.Second,
			ContactTimeout: 10 * time.Minute,
			MaxSessionAge:  12 * time.Hour,
		},
		Blacklist: Blacklist{PurgeInterval: 10 * time.Minute},
		Narrate: Narrate{
			Region:  "eu-west-1",
			Timeout: 20 * time.Second,
		},
	}
}

// Load reads path (a missing file is not an error) and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.Server.Port = envInt("PORT", cfg.Server.Port)
	cfg.Server.LogLevel = envOrDefault("LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.LogFormat = envOrDefault("LOG_FORMAT", cfg.Server.LogFormat)
	cfg.Server.CORSOrigins = envList("CORS_ORIGINS", cfg.Server.CORSOrigins)
	cfg.Server.TrustedProxies = envList("TRUSTED_PROXIES", cfg.Server.TrustedProxies)
	cfg.Database.URL = envOrDefault("DATABASE_URL", cfg.Database.URL)
	cfg.Store.SpoolPath = envOrDefault("SPOOL_PATH", cfg.Store.SpoolPath)
	cfg.Redis.URL = envOrDefault("REDIS_URL", cfg.Redis.URL)
	cfg.Geo.Provider = envOrDefault("GEO_PROVIDER", cfg.Geo.Provider)
	cfg.Geo.BaseURL = envOrDefault("GEO_BASE_URL", cfg.Geo.BaseURL)
	cfg.Geo.APIKey = envOrDefault("GEO_API_KEY", cfg.Geo.APIKey)
	cfg.Geo.CityDBPath = envOrDefault("GEOIP_CITY_DB", cfg.Geo.CityDBPath)
	cfg.Geo.ASNDBPath = envOrDefault("GEOIP_ASN_DB", cfg.Geo.ASNDBPath)
	cfg.Tracker.RejectBlacklisted = envBool("REJECT_BLACKLISTED", cfg.Tracker.RejectBlacklisted)
	cfg.Admin.Token = envOrDefault("ADMIN_TOKEN", cfg.Admin.Token)
	cfg.TLS.Domains = envList("TLS_DOMAINS", cfg.TLS.Domains)
	cfg.TLS.Email = envOrDefault("ACME_EMAIL", cfg.TLS.Email)
	cfg.TLS.Production = envBool("ACME_PRODUCTION", cfg.TLS.Production)
	cfg.Narrate.Enabled = envBool("NARRATE_ENABLED", cfg.Narrate.Enabled)
	cfg.Narrate.Region = envOrDefault("AWS_REGION", cfg.Narrate.Region)
	cfg.Narrate.Model = envOrDefault("BEDROCK_MODEL", cfg.Narrate.Model)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := netguard.ParseTrusted(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}
	switch c.Geo.Provider {
	case "http", "none":
	case "maxmind", "chain":
		if c.Geo.CityDBPath == "" {
			errs = append(errs, fmt.Errorf("geo.city_db_path is required for provider %q", c.Geo.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("geo.provider %q is not one of http, maxmind, chain, none", c.Geo.Provider))
	}
	if c.Tracker.IdleTimeout <= 0 || c.Tracker.TickInterval <= 0 {
		errs = append(errs, errors.New("tracker intervals must be positive"))
	}
	if c.Tracker.ContactTimeout < c.Tracker.TickInterval {
		errs = append(errs, errors.New("tracker.contact_timeout must be at least tracker.tick_interval"))
	}
	for name, b := range c.RateLimit {
		if b.MaxRequests <= 0 || b.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s needs positive max_requests and window", name))
		}
	}
	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envList(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
