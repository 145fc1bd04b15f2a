package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmpkit/cmp-gateway/pkg/apikey"
	"github.com/cmpkit/cmp-gateway/pkg/middleware"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
	"github.com/cmpkit/cmp-gateway/pkg/tools"
)

func echoHandler() mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, _ := json.Marshal(req.Params.Arguments)
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}}}, nil
	}
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.New()
	reg.RegisterNamespace("wordpress")
	require.NoError(t, reg.Register(tools.ToolDefinition{
		Name:          "wordpress_list_posts",
		InputSchema:   &jsonschema.Schema{Type: "object"},
		Handler:       echoHandler(),
		RequiredScope: reqcontext.ScopeRead,
	}))
	require.NoError(t, reg.Register(tools.ToolDefinition{
		Name:          "system_health",
		InputSchema:   &jsonschema.Schema{Type: "object"},
		Handler:       echoHandler(),
		RequiredScope: reqcontext.ScopeAdmin,
	}))
	return reg
}

func testFactory(t *testing.T) *Factory {
	t.Helper()
	keys, err := apikey.Open(filepath.Join(t.TempDir(), "api_keys.json"))
	require.NoError(t, err)
	stack := &middleware.Stack{MasterKey: "sk-test", APIKeys: keys}
	return NewFactory(testRegistry(t), stack, &mcp.Implementation{Name: "cmp-gateway-test", Version: "0.0.0"})
}

func TestPresetsIncludeAdminSystemAndPerPluginEntries(t *testing.T) {
	presets := Presets([]string{"wordpress", "wordpress_advanced"})
	require.Len(t, presets, 4)
	assert.Equal(t, "/", presets[0].Path)
	assert.Equal(t, "/system", presets[1].Path)
	assert.Equal(t, "/wordpress", presets[2].Path)
	assert.Equal(t, "/wordpress-advanced", presets[3].Path)
	assert.Equal(t, "Wordpress Advanced", presets[3].DisplayName)
}

func TestBuildFiltersByPluginType(t *testing.T) {
	f := testFactory(t)
	ep := f.Build(Config{Path: "/wordpress", PluginTypes: []string{"wordpress"}})
	assert.Equal(t, 1, ep.ToolCount, "system_health must not appear on a wordpress-scoped endpoint")
}

func TestBuildSystemEndpointOnlyIncludesSystemTools(t *testing.T) {
	f := testFactory(t)
	ep := f.Build(Config{Path: "/system", PluginTypes: []string{systemPluginType}, RequireMasterKey: true})
	assert.Equal(t, 1, ep.ToolCount)
}

func TestBuildRespectsBlacklist(t *testing.T) {
	f := testFactory(t)
	ep := f.Build(Config{Path: "/wordpress", PluginTypes: []string{"wordpress"}, ToolBlacklist: []string{"wordpress_list_posts"}})
	assert.Equal(t, 0, ep.ToolCount)
}

func TestBuildRespectsMaxTools(t *testing.T) {
	f := testFactory(t)
	ep := f.Build(Config{Path: "/", MaxTools: 1})
	assert.Equal(t, 1, ep.ToolCount)
}

func TestSiteFilterPinsArgument(t *testing.T) {
	f := testFactory(t)
	ep := f.Build(Project("wordpress", "site4", "wordpress_site4"))
	assert.Equal(t, "/project/site4", ep.Config.Path)
	assert.Equal(t, 1, ep.ToolCount)

	handler := pinSite("wordpress", "wordpress_site4", echoHandler())
	req := &mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"site": "attacker-controlled-site"}

	res, err := handler(context.Background(), req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &decoded))
	assert.Equal(t, "site4", decoded["site"], "pinSite must override a caller-supplied site argument")
}

func TestEndpointServeHTTPPropagatesAuthHeader(t *testing.T) {
	f := testFactory(t)
	ep := f.Build(Config{Path: "/wordpress", PluginTypes: []string{"wordpress"}})
	assert.NotNil(t, ep.Server)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	ep.ServeHTTP(rec, req)
	assert.NotEqual(t, 0, rec.Code)
}
