package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/pssim/internal/platform/location"
)

// Location store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RedisKey    string `mapstructure:"REDIS_KEY"`

	LocationStore string `mapstructure:"LOCATION_STORE"`

	// BackendCandidates is ordered; earlier candidates are probed first.
	BackendCandidates    []string `mapstructure:"-"`
	RoutingHeader        string   `mapstructure:"ROUTING_HEADER"`
	ActorHeader          string   `mapstructure:"ACTOR_HEADER"`
	ActorClaim           string   `mapstructure:"ACTOR_CLAIM"`
	InsurantKeys         []string `mapstructure:"-"`
	InsurantFallbackKeys []string `mapstructure:"-"`
	RoutingExclusions    []string `mapstructure:"-"`

	ProbePath       string        `mapstructure:"PROBE_PATH"`
	ProbeUserAgent  string        `mapstructure:"PROBE_USER_AGENT"`
	ProbeTimeout    time.Duration `mapstructure:"PROBE_TIMEOUT"`
	OutboundTimeout time.Duration `mapstructure:"OUTBOUND_TIMEOUT"`
	MetricsEnabled  bool          `mapstructure:"METRICS_ENABLED"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_KEY", location.DefaultRedisKey)
	v.SetDefault("LOCATION_STORE", StoreMemory)
	v.SetDefault("BACKEND_CANDIDATES", "http://localhost:8081,http://localhost:8082")
	v.SetDefault("ROUTING_HEADER", "x-backend-location")
	v.SetDefault("ACTOR_HEADER", "x-telematik-id")
	v.SetDefault("ACTOR_CLAIM", "idNummer")
	v.SetDefault("INSURANT_KEYS", "x-insurantid,insurantId,insurant_id,kvnr")
	v.SetDefault("INSURANT_FALLBACK_KEYS", "x-insurantid,x-insurant-id,insurantid,kvnr")
	v.SetDefault("ROUTING_EXCLUSIONS", "")
	v.SetDefault("PROBE_PATH", "/information/api/v1/ehr")
	v.SetDefault("PROBE_USER_AGENT", "PSSIM/1.0.0")
	v.SetDefault("PROBE_TIMEOUT", "10s")
	v.SetDefault("OUTBOUND_TIMEOUT", "30s")
	v.SetDefault("METRICS_ENABLED", true)

	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "REDIS_KEY", "LOCATION_STORE", "BACKEND_CANDIDATES",
		"ROUTING_HEADER", "ACTOR_HEADER", "ACTOR_CLAIM", "INSURANT_KEYS",
		"INSURANT_FALLBACK_KEYS", "ROUTING_EXCLUSIONS", "PROBE_PATH",
		"PROBE_USER_AGENT", "PROBE_TIMEOUT", "OUTBOUND_TIMEOUT", "METRICS_ENABLED",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.BackendCandidates = splitList(v.GetString("BACKEND_CANDIDATES"))
	cfg.InsurantKeys = splitList(v.GetString("INSURANT_KEYS"))
	cfg.InsurantFallbackKeys = splitList(v.GetString("INSURANT_FALLBACK_KEYS"))
	cfg.RoutingExclusions = splitList(v.GetString("ROUTING_EXCLUSIONS"))
	cfg.LocationStore = strings.ToLower(strings.TrimSpace(cfg.LocationStore))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the server cannot route with.
func (c *Config) Validate() error {
	if len(c.BackendCandidates) == 0 {
		return fmt.Errorf("BACKEND_CANDIDATES must list at least one backend")
	}
	seen := make(map[location.Location]bool, len(c.BackendCandidates))
	for _, raw := range c.BackendCandidates {
		loc, err := location.ParseLocation(raw)
		if err != nil {
			return fmt.Errorf("BACKEND_CANDIDATES: %w", err)
		}
		if seen[loc] {
			return fmt.Errorf("BACKEND_CANDIDATES lists %s twice", loc)
		}
		seen[loc] = true
	}

	switch c.LocationStore {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LOCATION_STORE is %q", StorePostgres)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCATION_STORE is %q", StoreRedis)
		}
	default:
		return fmt.Errorf("LOCATION_STORE must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreRedis, c.LocationStore)
	}

	if c.RoutingHeader == "" {
		return fmt.Errorf("ROUTING_HEADER must not be empty")
	}
	if !strings.HasPrefix(c.ProbePath, "/") {
		return fmt.Errorf("PROBE_PATH must start with /, got %q", c.ProbePath)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT must be positive")
	}
	return nil
}
