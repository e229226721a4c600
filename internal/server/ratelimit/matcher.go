package ratelimit

import "strings"

// unlimited paths are never throttled.
var unlimited = map[string]bool{
	"/health":         true,
	"/metrics":        true,
	"/batches/stream": true,
}

// MatchEndpoint returns the configuration for path and method, or nil when
// none matches. Exact matches win over prefix matches.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if method == "GET" && unlimited[path] {
		return &EndpointConfig{}
	}

	for i := range configs {
		if configs[i].Path == path && configs[i].Method == method {
			return &configs[i]
		}
	}
	for i := range configs {
		c := &configs[i]
		if c.Method == method && strings.HasSuffix(c.Path, "/") && strings.HasPrefix(path, c.Path) {
			return c
		}
	}
	return nil
}
