package optantes

import (
	"os"
	"strconv"
	"time"
)

// The public CNPJá API allows 5 lookups per minute per source IP, which
// works out to one call every 12 seconds. MinInterval may be raised above
// this floor but the engine never lets it drop below.
const PublicAPIMinInterval = 12 * time.Second

// Config holds runtime configuration shared by the engine, fetcher, and
// cache backends. All values are run-time parameters, not compiled
// constants.
type Config struct {
	// Addr is the HTTP listen address for the server binary.
	Addr string

	// RegistryBaseURL is the base URL of the external registry API.
	RegistryBaseURL string

	// RegistryTimeout bounds a single external lookup call.
	RegistryTimeout time.Duration

	// MinInterval is the minimum delay between external call starts,
	// shared across every job in the process.
	MinInterval time.Duration

	// CacheTTL is how long a cached lookup is trusted without refetching.
	CacheTTL time.Duration

	// CachePath is the SQLite cache file location. Ignored when
	// CacheRedisAddr is set.
	CachePath string

	// CacheRedisAddr selects the Redis cache backend when non-empty.
	CacheRedisAddr string

	// CacheNegative controls whether definitive not-found answers are
	// cached, preventing repeated wasted calls for dead identifiers.
	CacheNegative bool

	// FailureThreshold is the number of consecutive upstream failures
	// after which a job gives up and transitions to error.
	FailureThreshold int

	// HeartbeatInterval is how often keep-alive events are pushed to
	// progress subscribers when nothing else is happening.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		RegistryBaseURL:   "https://open.cnpja.com",
		RegistryTimeout:   25 * time.Second,
		MinInterval:       PublicAPIMinInterval,
		CacheTTL:          24 * time.Hour,
		CachePath:         "data/cache.db",
		CacheNegative:     true,
		FailureThreshold:  5,
		HeartbeatInterval: 15 * time.Second,
	}
}

// LoadConfig builds a Config from environment variables, falling back to
// DefaultConfig for anything unset.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.RegistryBaseURL = getEnv("REGISTRY_BASE_URL", cfg.RegistryBaseURL)
	cfg.RegistryTimeout = getEnvAsDuration("REGISTRY_TIMEOUT", cfg.RegistryTimeout)
	cfg.MinInterval = getEnvAsDuration("MIN_INTERVAL", cfg.MinInterval)
	cfg.CacheTTL = getEnvAsDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.CachePath = getEnv("CACHE_PATH", cfg.CachePath)
	cfg.CacheRedisAddr = getEnv("CACHE_REDIS_ADDR", cfg.CacheRedisAddr)
	cfg.CacheNegative = getEnvAsBool("CACHE_NEGATIVE", cfg.CacheNegative)
	cfg.FailureThreshold = getEnvAsInt("FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.HeartbeatInterval = getEnvAsDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)

	if cfg.MinInterval < PublicAPIMinInterval {
		cfg.MinInterval = PublicAPIMinInterval
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
