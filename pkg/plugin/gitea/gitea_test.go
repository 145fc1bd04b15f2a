package gitea

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
	p, err := New(map[string]string{"url": srv.URL, "token": "tok_abc"})
	require.NoError(t, err)
	return p.(*Plugin), srv.Close
}

func TestNewRejectsMissingToken(t *testing.T) {
	_, err := New(map[string]string{"url": "http://example.test"})
	require.Error(t, err)
	var cfgErr *plugin.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestListRepos(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token tok_abc", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"name": "repo1"}}})
	})
	defer closeFn()

	result, err := p.Call(context.Background(), "list_repos", nil)
	require.NoError(t, err)
	repos := result.([]any)
	require.Len(t, repos, 1)
}

func TestCreateIssueRequiresOwnerAndRepo(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called when validation fails")
	})
	defer closeFn()

	_, err := p.Call(context.Background(), "create_issue", map[string]any{"title": "bug"})
	var valErr *plugin.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestCreateIssue(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/repos/acme/widgets/issues", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 7})
	})
	defer closeFn()

	result, err := p.Call(context.Background(), "create_issue", map[string]any{
		"owner": "acme", "repo": "widgets", "title": "bug",
	})
	require.NoError(t, err)
	issue := result.(map[string]any)
	assert.EqualValues(t, 7, issue["number"])
}

func TestGetFileContentIncludesRef(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "aGVsbG8="})
	})
	defer closeFn()

	result, err := p.Call(context.Background(), "get_file_content", map[string]any{
		"owner": "acme", "repo": "widgets", "path": "README.md", "ref": "main",
	})
	require.NoError(t, err)
	content := result.(map[string]any)
	assert.Equal(t, "aGVsbG8=", content["content"])
}

func TestAuthenticationFailureClassified(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	defer closeFn()

	_, err := p.Call(context.Background(), "list_repos", nil)
	var authErr *plugin.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}
