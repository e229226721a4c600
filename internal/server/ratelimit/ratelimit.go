// Package ratelimit throttles API requests per client and endpoint.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Info describes the limit applied to one request.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client, endpoint and method.
type Limiter struct {
	config *Config
	now    func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry
	lastCleanup time.Time
}

// NewLimiter creates a limiter. A nil config uses LoadConfig.
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = LoadConfig()
	}
	if config.EntryTTL <= 0 {
		config.EntryTTL = 15 * time.Minute
	}
	return &Limiter{
		config:      config,
		now:         time.Now,
		entries:     make(map[string]*entry),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether the request may proceed.
func (l *Limiter) Allow(clientID, path, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}

	ec := MatchEndpoint(path, method, l.config.EndpointConfigs)
	if ec == nil {
		ec = &EndpointConfig{Path: path, Limit: l.config.DefaultLimit, Window: l.config.DefaultWindow}
	}
	if ec.Limit <= 0 || ec.Window <= 0 {
		return true, Info{Allowed: true}
	}

	now := l.now()
	lim := l.limiter(clientID+"|"+method+"|"+ec.Path, ec, now)
	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)

	info := Info{Allowed: allowed, Limit: ec.Limit, Remaining: max(0, int(math.Floor(tokens)))}
	if !allowed {
		info.RetryAfter = time.Duration((1 - tokens) / float64(lim.Limit()) * float64(time.Second))
	}
	return allowed, info
}

func (l *Limiter) limiter(key string, ec *EndpointConfig, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.config.EntryTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > l.config.EntryTTL {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.entries[key]
	if !ok {
		burst := ec.Burst
		if burst <= 0 {
			burst = ec.Limit
		}
		e = &entry{limiter: rate.NewLimiter(rate.Every(ec.Window/time.Duration(ec.Limit)), burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Len is the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
