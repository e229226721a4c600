// Package middleware provides HTTP middleware for authentication and authorization.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// principalKey is the context key for the authenticated principal.
const principalKey ContextKey = "principal"

// Scopes a token can carry. An operator may start and stop batches; a
// viewer may only read.
const (
	ScopeOperator = "operator"
	ScopeViewer   = "viewer"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Scope   string
}

// CanOperate reports whether p may change engine state.
func (p Principal) CanOperate() bool {
	return p.Scope == ScopeOperator
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (Principal, error)
}

// AuthMiddleware validates bearer tokens and stores the principal in the
// request context. A nil validator disables authentication; every request
// then acts as an operator.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil {
				ctx := context.WithValue(r.Context(), principalKey, Principal{Subject: "local", Scope: ScopeOperator})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			p, err := validator.ValidateToken(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOperator rejects callers without the operator scope.
func RequireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r)
		if err != nil || !p.CanOperate() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>", or
// from the access_token query parameter for EventSource clients, which
// cannot set headers.
func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return parts[1], true
	}
	if t := strings.TrimSpace(r.URL.Query().Get("access_token")); t != "" {
		return t, true
	}
	return "", false
}

// GetPrincipal extracts the authenticated principal from the request context.
func GetPrincipal(r *http.Request) (Principal, error) {
	p, ok := r.Context().Value(principalKey).(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("principal not found in request context")
	}
	return p, nil
}
