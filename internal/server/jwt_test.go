package server

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/server/middleware"
)

func setupTestJWTService(_ *testing.T, expirationHours int) *JWTService {
	return NewJWTService(&config.JWTConfig{
		Secret:          "test-secret-key-for-jwt-signing",
		Issuer:          "veo-automator",
		ExpirationHours: expirationHours,
	})
}

func TestJWTService_RoundTrip(t *testing.T) {
	service := setupTestJWTService(t, 24)

	token, err := service.GenerateToken("alice", middleware.ScopeOperator)
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)

	p, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, p.CanOperate())
}

func TestJWTService_UnknownScope(t *testing.T) {
	service := setupTestJWTService(t, 24)
	_, err := service.GenerateToken("alice", "admin")
	assert.Error(t, err)
}

func TestJWTService_Expired(t *testing.T) {
	service := setupTestJWTService(t, 1)
	token, err := service.GenerateToken("bob", middleware.ScopeViewer)
	require.NoError(t, err)

	service.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = service.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")
}

func TestJWTService_WrongSecret(t *testing.T) {
	token, err := setupTestJWTService(t, 24).GenerateToken("bob", middleware.ScopeViewer)
	require.NoError(t, err)

	other := NewJWTService(&config.JWTConfig{Secret: "a-different-secret-value", Issuer: "veo-automator", ExpirationHours: 24})
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_RejectsNoneAlgorithm(t *testing.T) {
	claims := &Claims{Scope: middleware.ScopeOperator, RegisteredClaims: jwt.RegisteredClaims{Issuer: "veo-automator"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = setupTestJWTService(t, 24).ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_Empty(t *testing.T) {
	_, err := setupTestJWTService(t, 24).ValidateToken("")
	assert.Error(t, err)
}
