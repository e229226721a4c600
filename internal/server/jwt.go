package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/server/middleware"
)

// Claims are the API token claims.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// JWTService issues and validates API tokens.
type JWTService struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTService creates a new JWT service with the given configuration.
func NewJWTService(cfg *config.JWTConfig) *JWTService {
	return &JWTService{config: cfg, now: time.Now}
}

// GenerateToken issues a token for subject with the given scope.
func (s *JWTService) GenerateToken(subject, scope string) (string, error) {
	if scope != middleware.ScopeOperator && scope != middleware.ScopeViewer {
		return "", fmt.Errorf("unknown scope %q", scope)
	}
	now := s.now()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.config.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.config.ExpirationHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a token and returns its principal.
func (s *JWTService) ValidateToken(tokenString string) (middleware.Principal, error) {
	if tokenString == "" {
		return middleware.Principal{}, fmt.Errorf("token string is empty")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithIssuer(s.config.Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return middleware.Principal{}, fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return middleware.Principal{}, fmt.Errorf("invalid token signature: %w", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return middleware.Principal{}, fmt.Errorf("malformed token: %w", err)
		}
		return middleware.Principal{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return middleware.Principal{}, fmt.Errorf("token is not valid")
	}
	if claims.Scope != middleware.ScopeOperator && claims.Scope != middleware.ScopeViewer {
		return middleware.Principal{}, fmt.Errorf("token has unknown scope %q", claims.Scope)
	}
	return middleware.Principal{Subject: claims.Subject, Scope: claims.Scope}, nil
}
