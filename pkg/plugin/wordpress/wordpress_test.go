package wordpress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmpkit/cmp-gateway/pkg/plugin"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Plugin, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	p, err := New(map[string]string{"url": srv.URL, "username": "admin", "app_password": "secret"})
	require.NoError(t, err)
	return p.(*Plugin), srv.Close
}

func TestNewRejectsMissingURL(t *testing.T) {
	_, err := New(map[string]string{"username": "a", "app_password": "b"})
	require.Error(t, err)
	var cfgErr *plugin.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	_, err := New(map[string]string{"url": "http://example.test"})
	require.Error(t, err)
}

func TestListPosts(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-json/wp/v2/posts", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": 1, "title": "hello"}})
	})
	defer closeFn()

	result, err := p.Call(context.Background(), "list_posts", map[string]any{})
	require.NoError(t, err)
	posts := result.([]map[string]any)
	require.Len(t, posts, 1)
	assert.EqualValues(t, 1, posts[0]["id"])
}

func TestCreatePostRequiresTitle(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called when validation fails")
	})
	defer closeFn()

	_, err := p.Call(context.Background(), "create_post", map[string]any{})
	var valErr *plugin.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestCreatePost(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "status": "draft"})
	})
	defer closeFn()

	result, err := p.Call(context.Background(), "create_post", map[string]any{"title": "t", "content": "c"})
	require.NoError(t, err)
	post := result.(map[string]any)
	assert.EqualValues(t, 42, post["id"])
}

func TestAuthenticationFailureClassified(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer closeFn()

	_, err := p.Call(context.Background(), "list_posts", map[string]any{})
	var authErr *plugin.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestUnknownMethod(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeFn()

	_, err := p.Call(context.Background(), "nonexistent", nil)
	assert.Equal(t, plugin.ErrUnknownMethod{MethodName: "nonexistent"}, err)
}

func TestHealthCheck(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-json/wp/v2/users/me", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
	})
	defer closeFn()

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, status)
}

func TestSpecsAreNamespaceable(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeFn()

	specs := p.Specs()
	require.Len(t, specs, 3)
	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
	}
	assert.True(t, names["list_posts"])
	assert.True(t, names["create_post"])
	assert.True(t, names["delete_post"])
}
