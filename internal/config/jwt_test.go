package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadJWTConfig_UnsetDisablesAuth(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	cfg, err := LoadJWTConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadJWTConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef-secret")
	t.Setenv("JWT_EXPIRATION_HOURS", "")

	cfg, err := LoadJWTConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 24, cfg.ExpirationHours)
	assert.Equal(t, "veo-automator", cfg.Issuer)
}

func TestLoadJWTConfig_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		expiration string
		wantErr    string
	}{
		{"short secret", "short", "24", "at least 16 characters"},
		{"non-numeric expiration", "0123456789abcdef", "soon", "invalid JWT_EXPIRATION_HOURS"},
		{"zero expiration", "0123456789abcdef", "0", "at least 1 hour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", tt.secret)
			t.Setenv("JWT_EXPIRATION_HOURS", tt.expiration)

			cfg, err := LoadJWTConfig()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
