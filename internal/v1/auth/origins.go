package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"k8s.io/utils/set"

	"github.com/meshdocs/meshdocs/internal/v1/logging"
)

// ParseAllowedOrigins splits a comma-separated origin list into a lowercased
// allowlist, falling back to defaults when empty.
func ParseAllowedOrigins(originsStr string, defaults []string) set.Set[string] {
	entries := strings.Split(originsStr, ",")
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("ALLOWED_ORIGINS not set. Using default development origins: %s", defaults))
		entries = defaults
	}

	allowed := set.New[string]()
	for _, o := range entries {
		if o = strings.TrimSpace(o); o != "" {
			allowed.Insert(strings.ToLower(o))
		}
	}
	return allowed
}

// ValidateOrigin checks the request Origin header against the allowlist.
// Requests without an Origin header (non-browser clients) are allowed.
func ValidateOrigin(r *http.Request, allowed set.Set[string]) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	if allowed.Has("*") || allowed.Has(strings.ToLower(origin)) {
		return nil
	}
	return fmt.Errorf("origin %q not allowed", origin)
}
