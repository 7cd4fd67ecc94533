package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/utils/set"
)

func TestParseAllowedOrigins(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	assert.Equal(t, set.New("http://localhost:3000"), ParseAllowedOrigins("", defaults))
	assert.Equal(t,
		set.New("https://app.example.com", "https://staging.example.com"),
		ParseAllowedOrigins("https://app.example.com, https://staging.example.com", defaults))

	// Entries are lowercased so header comparison is case-insensitive.
	assert.Equal(t, set.New("https://app.example.com"),
		ParseAllowedOrigins("https://APP.example.com", defaults))
}

func TestValidateOrigin(t *testing.T) {
	allowed := set.New("https://app.example.com")

	tests := []struct {
		name    string
		origin  string
		allowed set.Set[string]
		wantErr bool
	}{
		{name: "no origin header allowed", origin: "", allowed: allowed},
		{name: "exact match", origin: "https://app.example.com", allowed: allowed},
		{name: "case insensitive match", origin: "https://APP.example.com", allowed: allowed},
		{name: "wildcard", origin: "https://anything.example.com", allowed: set.New("*")},
		{name: "mismatch rejected", origin: "https://evil.example.com", allowed: allowed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws/room-1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			err := ValidateOrigin(r, tt.allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
