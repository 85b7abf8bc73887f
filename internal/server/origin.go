// Package server enforces the configured origin allowlist on WebSocket
// upgrade requests. Origins are canonicalized to scheme://host so the
// allowlist is insensitive to case and trailing path noise.
package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// canonicalOrigin reduces an origin to lowercase scheme://host. It reports
// false for values that are not absolute URLs.
func canonicalOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// normalizeOrigins canonicalizes the configured allowlist, dropping blank and
// malformed entries. The wildcard "*" is not stored in the set; it flips the
// allow-all flag instead.
func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}

		canonical, ok := canonicalOrigin(trimmed)
		if !ok {
			log.Printf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		normalized = append(normalized, canonical)
	}

	return normalized, allowAll
}

// isOriginAllowed checks the upgrade request's Origin header against the
// active allowlist. Requests without an Origin header are refused even when
// allow-all is configured.
func isOriginAllowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}

	canonical, ok := canonicalOrigin(header)
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, exists := allowedOrigins[canonical]
	return exists
}

func checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}
	log.Printf("Refused WebSocket upgrade from disallowed origin %q", r.Header.Get("Origin"))
	return false
}
