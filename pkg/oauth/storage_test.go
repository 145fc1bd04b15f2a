package oauth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth_state.json")
	ctx := context.Background()

	s1, err := OpenFileStorage(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveRefreshToken(ctx, RefreshToken{
		Token: "refresh_abc", ClientID: "client_1", ExpiresAt: time.Now().Add(time.Hour),
	}))

	s2, err := OpenFileStorage(path)
	require.NoError(t, err)
	rt, ok, err := s2.GetRefreshToken(ctx, "refresh_abc", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "client_1", rt.ClientID)
}

func TestFileStorageRevokedTombstoneOnlyVisibleWithIncludeRevoked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth_state.json")
	ctx := context.Background()
	s, err := OpenFileStorage(path)
	require.NoError(t, err)

	require.NoError(t, s.SaveRefreshToken(ctx, RefreshToken{Token: "refresh_abc", ClientID: "client_1", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.RevokeRefreshToken(ctx, "refresh_abc"))

	_, ok, err := s.GetRefreshToken(ctx, "refresh_abc", false)
	require.NoError(t, err)
	assert.False(t, ok)

	rt, ok, err := s.GetRefreshToken(ctx, "refresh_abc", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rt.Revoked)
}

func TestMemoryStorageAuthorizationCodeLifecycle(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	ac := AuthorizationCode{Code: "auth_abc", ClientID: "client_1", ExpiresAt: time.Now().Add(time.Minute)}

	require.NoError(t, s.SaveAuthorizationCode(ctx, ac))
	got, ok, err := s.GetAuthorizationCode(ctx, "auth_abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Used)

	got.Used = true
	require.NoError(t, s.UpdateAuthorizationCode(ctx, got))
	got, _, _ = s.GetAuthorizationCode(ctx, "auth_abc")
	assert.True(t, got.Used)

	require.NoError(t, s.DeleteAuthorizationCode(ctx, "auth_abc"))
	_, ok, _ = s.GetAuthorizationCode(ctx, "auth_abc")
	assert.False(t, ok)
}
