package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig is the limit for requests matching Path and Method.
type EndpointConfig struct {
	Path   string // exact path, or a prefix when it ends with "/"
	Method string
	Limit  int // requests per Window; 0 means unlimited
	Window time.Duration
	Burst  int // defaults to Limit
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	EntryTTL        time.Duration
	Whitelist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// LoadConfig reads RATE_LIMIT_* variables over the defaults.
func LoadConfig() *Config {
	cfg := &Config{
		Enabled:         envBool("RATE_LIMIT_ENABLED", true),
		DefaultLimit:    envInt("RATE_LIMIT_DEFAULT_LIMIT", 600),
		DefaultWindow:   envDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		EntryTTL:        envDuration("RATE_LIMIT_ENTRY_TTL", 15*time.Minute),
		Whitelist:       map[string]bool{},
		EndpointConfigs: DefaultEndpointConfigs(),
	}
	for _, ip := range strings.Split(os.Getenv("RATE_LIMIT_WHITELIST"), ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			cfg.Whitelist[ip] = true
		}
	}
	return cfg
}

// DefaultEndpointConfigs limits starting batches most strictly. A batch
// occupies the browser for minutes, so a handful per minute is plenty.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		{Path: "/batches", Method: "POST", Limit: 6, Window: time.Minute, Burst: 2},
		{Path: "/batches/current/stop", Method: "POST", Limit: 30, Window: time.Minute, Burst: 5},
		{Path: "/batches/", Method: "GET", Limit: 300, Window: time.Minute, Burst: 30},
	}
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
