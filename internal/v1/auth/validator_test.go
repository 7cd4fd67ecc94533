package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKeys struct {
	priv ed25519.PrivateKey
	pem  string
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return testKeys{priv: priv, pem: string(block)}
}

func (k testKeys) sign(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(k.priv)
	require.NoError(t, err)
	return signed
}

func baseClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestStaticValidator_ValidToken(t *testing.T) {
	keys := newTestKeys(t)
	v, err := NewStaticValidator(keys.pem)
	require.NoError(t, err)

	identity, err := v.Check(keys.sign(t, baseClaims("user-1")), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	// Permission defaults to read-write when the claim is absent.
	assert.Equal(t, PermissionWrite, identity.Permission)
}

func TestStaticValidator_ReadOnlyPermission(t *testing.T) {
	keys := newTestKeys(t)
	v, err := NewStaticValidator(keys.pem)
	require.NoError(t, err)

	claims := baseClaims("user-1")
	claims.Permission = string(PermissionRead)

	identity, err := v.Check(keys.sign(t, claims), "room-1")
	require.NoError(t, err)
	assert.Equal(t, PermissionRead, identity.Permission)
}

func TestStaticValidator_RoomScoping(t *testing.T) {
	keys := newTestKeys(t)
	v, err := NewStaticValidator(keys.pem)
	require.NoError(t, err)

	claims := baseClaims("user-1")
	claims.Room = "room-1"

	_, err = v.Check(keys.sign(t, claims), "room-1")
	assert.NoError(t, err)

	_, err = v.Check(keys.sign(t, claims), "room-2")
	assert.ErrorIs(t, err, ErrRoomForbidden)
}

func TestStaticValidator_ExpiredToken(t *testing.T) {
	keys := newTestKeys(t)
	v, err := NewStaticValidator(keys.pem)
	require.NoError(t, err)

	claims := baseClaims("user-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	_, err = v.Check(keys.sign(t, claims), "room-1")
	assert.Error(t, err)
}

func TestStaticValidator_WrongKey(t *testing.T) {
	keys := newTestKeys(t)
	otherKeys := newTestKeys(t)

	v, err := NewStaticValidator(keys.pem)
	require.NoError(t, err)

	_, err = v.Check(otherKeys.sign(t, baseClaims("user-1")), "room-1")
	assert.Error(t, err)
}

func TestStaticValidator_RejectsBadPEM(t *testing.T) {
	_, err := NewStaticValidator("not a pem block")
	assert.Error(t, err)
}

func TestStaticValidator_GarbageToken(t *testing.T) {
	keys := newTestKeys(t)
	v, err := NewStaticValidator(keys.pem)
	require.NoError(t, err)

	_, err = v.Check("definitely.not.ajwt", "room-1")
	assert.Error(t, err)
}

func TestMockChecker_ExtractsSubject(t *testing.T) {
	keys := newTestKeys(t)
	m := &MockChecker{}

	identity, err := m.Check(keys.sign(t, baseClaims("real-user")), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "real-user", identity.UserID)
	assert.Equal(t, PermissionWrite, identity.Permission)
}

func TestMockChecker_FallsBackToDevUser(t *testing.T) {
	m := &MockChecker{}

	identity, err := m.Check("opaque-token", "room-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", identity.UserID)
}
