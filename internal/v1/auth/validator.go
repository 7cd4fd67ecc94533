// Package auth verifies session tokens and maps them to a room permission.
package auth

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Permission is the access level a token grants on a room.
type Permission string

const (
	PermissionRead  Permission = "read-only"
	PermissionWrite Permission = "read-write"
)

// Claims are the JWT claims the backend understands. Room, when present,
// restricts the token to a single room.
type Claims struct {
	Permission string `json:"perm,omitempty"`
	Room       string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the result of a successful check.
type Identity struct {
	UserID     string
	Permission Permission
}

// Checker authorizes a token against a room.
type Checker interface {
	Check(token, room string) (*Identity, error)
}

// ErrRoomForbidden is returned when a token is valid but scoped to another room.
var ErrRoomForbidden = errors.New("auth: token not valid for this room")

// Validator verifies JWTs with either a static public key or a JWKS cache.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewStaticValidator builds a Validator from a PEM-encoded public key
// (Ed25519, ECDSA, or RSA).
func NewStaticValidator(publicKeyPEM string) (*Validator, error) {
	pemBytes := []byte(publicKeyPEM)

	var key crypto.PublicKey
	var err error
	if key, err = jwt.ParseEdPublicKeyFromPEM(pemBytes); err != nil {
		if key, err = jwt.ParseECPublicKeyFromPEM(pemBytes); err != nil {
			if key, err = jwt.ParseRSAPublicKeyFromPEM(pemBytes); err != nil {
				return nil, fmt.Errorf("AUTH_PUBLIC_KEY is not a supported PEM public key: %w", err)
			}
		}
	}

	return &Validator{
		keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil },
	}, nil
}

// NewJWKSValidator builds a Validator that fetches keys from
// https://{domain}/.well-known/jwks.json with a refreshing cache, verifying
// issuer and audience.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch once to ensure connectivity before serving traffic.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// Check verifies the token and authorizes it for room.
func (v *Validator) Check(tokenString, room string) (*Identity, error) {
	parseOpts := []jwt.ParserOption{}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast token claims")
	}

	if claims.Room != "" && claims.Room != room {
		return nil, ErrRoomForbidden
	}

	perm := PermissionWrite
	if claims.Permission == string(PermissionRead) {
		perm = PermissionRead
	}
	return &Identity{UserID: claims.Subject, Permission: perm}, nil
}

// MockChecker is a development-only checker that accepts any token. It still
// extracts the sub claim when the token is JWT-shaped so user IDs stay stable
// across reconnects.
type MockChecker struct{}

func (m *MockChecker) Check(tokenString, room string) (*Identity, error) {
	subject := "dev-user"

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok && sub != "" {
					subject = sub
				}
			}
		}
	}

	return &Identity{UserID: subject, Permission: PermissionWrite}, nil
}
