package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenValidator accepts a fixed set of tokens.
type testTokenValidator map[string]Principal

func (v testTokenValidator) ValidateToken(tokenString string) (Principal, error) {
	p, ok := v[tokenString]
	if !ok {
		return Principal{}, fmt.Errorf("invalid token")
	}
	return p, nil
}

func echoPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := GetPrincipal(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s/%s", p.Subject, p.Scope)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	v := testTokenValidator{
		"op":   {Subject: "alice", Scope: ScopeOperator},
		"view": {Subject: "bob", Scope: ScopeViewer},
	}
	h := AuthMiddleware(v)(http.HandlerFunc(echoPrincipal))

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"valid bearer", "Bearer op", "", http.StatusOK, "alice/operator"},
		{"case-insensitive scheme", "bearer view", "", http.StatusOK, "bob/viewer"},
		{"query token", "", "?access_token=view", http.StatusOK, "bob/viewer"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer nope", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic op", "", http.StatusUnauthorized, ""},
		{"extra parts", "Bearer op extra", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/batches/current"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(h, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	h := AuthMiddleware(nil)(http.HandlerFunc(echoPrincipal))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local/operator", rec.Body.String())
}

func TestRequireOperator(t *testing.T) {
	v := testTokenValidator{
		"op":   {Subject: "alice", Scope: ScopeOperator},
		"view": {Subject: "bob", Scope: ScopeViewer},
	}
	h := AuthMiddleware(v)(RequireOperator(echoPrincipal))

	req := httptest.NewRequest(http.MethodPost, "/batches", nil)
	req.Header.Set("Authorization", "Bearer view")
	assert.Equal(t, http.StatusForbidden, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/batches", nil)
	req.Header.Set("Authorization", "Bearer op")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
}

func TestGetPrincipal_Missing(t *testing.T) {
	_, err := GetPrincipal(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}
