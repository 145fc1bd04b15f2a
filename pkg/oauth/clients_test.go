package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndVerifySecret(t *testing.T) {
	r := NewClientRegistry()
	reg, err := r.Register(RegisterParams{
		DisplayName:   "app",
		RedirectURIs:  []string{"https://app/cb"},
		GrantTypes:    []string{"authorization_code"},
		AllowedScopes: "write read",
	})
	require.NoError(t, err)
	assert.Equal(t, "read write", reg.Record.AllowedScopes, "scopes normalize to ascending priority order")

	assert.True(t, r.VerifySecret(reg.ClientID, reg.ClientSecret))
	assert.False(t, r.VerifySecret(reg.ClientID, "wrong-secret"))
}

func TestRegisterRejectsInvalidScope(t *testing.T) {
	r := NewClientRegistry()
	_, err := r.Register(RegisterParams{AllowedScopes: "superuser"})
	require.Error(t, err)
}

func TestRevokeRemovesClient(t *testing.T) {
	r := NewClientRegistry()
	reg, err := r.Register(RegisterParams{AllowedScopes: "read"})
	require.NoError(t, err)

	r.Revoke(reg.ClientID)
	_, ok := r.Get(reg.ClientID)
	assert.False(t, ok)
}
