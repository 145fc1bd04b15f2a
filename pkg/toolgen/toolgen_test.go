package toolgen

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmpkit/cmp-gateway/pkg/plugin"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
	"github.com/cmpkit/cmp-gateway/pkg/site"
)

type recordedCall struct {
	method string
	args   map[string]any
}

type fakePlugin struct {
	calls  []recordedCall
	result any
	err    error
}

func (p *fakePlugin) Specs() []plugin.Spec { return nil }

func (p *fakePlugin) Call(_ context.Context, method string, args map[string]any) (any, error) {
	p.calls = append(p.calls, recordedCall{method: method, args: args})
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return "ok", nil
}

func (p *fakePlugin) HealthCheck(context.Context) (string, error) {
	return `{"status":"ok"}`, nil
}

func newFactory(p *fakePlugin) plugin.Factory {
	return func(map[string]string) (plugin.Plugin, error) { return p, nil }
}

func listPostsSpec() plugin.Spec {
	return plugin.Spec{
		Name:        "list_posts",
		MethodName:  "list_posts",
		Description: "List blog posts",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"limit": {Type: "integer"}},
		},
		Scope: reqcontext.ScopeRead,
	}
}

func callTool(t *testing.T, handler mcp.ToolHandler, ctx context.Context, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	req := &mcp.CallToolRequest{}
	req.Params.Arguments = decoded
	res, err := handler(ctx, req)
	require.NoError(t, err)
	return res
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestGenerateSingleTenantAutoSelectsSite(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{"url": "https://a"}})

	fp := &fakePlugin{}
	gen := New(sites, nil)
	defs := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))
	require.Len(t, defs, 1)
	def := defs[0]

	assert.Equal(t, "wordpress_list_posts", def.Name)
	assert.Equal(t, "[UNIFIED] List blog posts", def.Description)
	require.Contains(t, def.InputSchema.Properties, "site")
	assert.NotContains(t, def.InputSchema.Required, "site", "single-tenant site param is optional")

	res := callTool(t, def.Handler, context.Background(), map[string]any{})
	assert.False(t, res.IsError)
	assert.Equal(t, "ok", textOf(t, res))
	require.Len(t, fp.calls, 1)
	assert.Equal(t, "list_posts", fp.calls[0].method)
}

func TestGenerateMultiTenantRequiresSite(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{"url": "https://a"}})
	sites.RegisterSite(site.Config{SiteID: "site4", PluginType: "wordpress", Settings: map[string]string{"url": "https://b"}})

	fp := &fakePlugin{}
	gen := New(sites, nil)
	def := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]

	assert.Contains(t, def.InputSchema.Required, "site")
	assert.NotEmpty(t, def.InputSchema.Properties["site"].Enum)

	res := callTool(t, def.Handler, context.Background(), map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "required")

	res = callTool(t, def.Handler, context.Background(), map[string]any{"site": "site4"})
	assert.False(t, res.IsError)
}

func TestGenerateNoTenantsConfigured(t *testing.T) {
	sites := site.New()
	fp := &fakePlugin{}
	gen := New(sites, nil)
	def := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]

	res := callTool(t, def.Handler, context.Background(), map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "no tenant sites")
}

func TestTenantIsolationDeniesMismatchedProject(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{}})
	sites.RegisterSite(site.Config{SiteID: "site4", PluginType: "wordpress", Settings: map[string]string{}})

	fp := &fakePlugin{}
	gen := New(sites, nil)
	def := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]

	ctx := reqcontext.WithCaller(context.Background(), reqcontext.Caller{ProjectID: "wordpress_site4", Scope: "admin"})

	res := callTool(t, def.Handler, ctx, map[string]any{"site": "site1"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "Access denied")

	res = callTool(t, def.Handler, ctx, map[string]any{"site": "site4"})
	assert.False(t, res.IsError)
}

func TestTenantIsolationBypassedForGlobalCaller(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{}})
	sites.RegisterSite(site.Config{SiteID: "site4", PluginType: "wordpress", Settings: map[string]string{}})

	fp := &fakePlugin{}
	gen := New(sites, nil)
	def := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]

	ctx := reqcontext.WithCaller(context.Background(), reqcontext.Caller{ProjectID: reqcontext.GlobalProject, IsGlobal: true})

	for _, s := range []string{"site1", "site4"} {
		res := callTool(t, def.Handler, ctx, map[string]any{"site": s})
		assert.False(t, res.IsError)
	}
}

func TestTenantIsolationResolvesCallerAlias(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site4", PluginType: "wordpress", Alias: "main", Settings: map[string]string{}})

	fp := &fakePlugin{}
	gen := New(sites, nil)
	def := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]

	ctx := reqcontext.WithCaller(context.Background(), reqcontext.Caller{ProjectID: "wordpress_main"})
	res := callTool(t, def.Handler, ctx, map[string]any{"site": "site4"})
	assert.False(t, res.IsError)
}

func TestArgumentCoercionDropsEmptyAndParsesJSONStrings(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{}})

	fp := &fakePlugin{}
	gen := New(sites, nil)
	def := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]

	res := callTool(t, def.Handler, context.Background(), map[string]any{
		"title":   "",
		"meta":    `{"featured":true}`,
		"tags":    `["a","b"]`,
		"excerpt": "plain text",
	})
	assert.False(t, res.IsError)
	require.Len(t, fp.calls, 1)
	args := fp.calls[0].args

	assert.NotContains(t, args, "title")
	assert.NotContains(t, args, "site")
	assert.Equal(t, "plain text", args["excerpt"])
	assert.Equal(t, map[string]any{"featured": true}, args["meta"])
	assert.Equal(t, []any{"a", "b"}, args["tags"])
}

func TestErrorSanitization(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{}})
	gen := New(sites, nil)

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"configuration", &plugin.ConfigurationError{Message: "missing api_key"}, "not configured correctly"},
		{"authentication", &plugin.AuthenticationError{Message: "bad credentials"}, "authentication with the upstream service failed"},
		{"validation", &plugin.ValidationError{Message: "bad limit"}, "invalid arguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := &fakePlugin{err: tc.err}
			def := gen.Generate("wordpress", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]
			res := callTool(t, def.Handler, context.Background(), map[string]any{})
			assert.True(t, res.IsError)
			assert.Contains(t, textOf(t, res), tc.want)
		})
	}
}

func TestGenerateFallsBackToRelatedPluginTenants(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{}})

	fp := &fakePlugin{}
	gen := New(sites, map[string]string{"woocommerce": "wordpress"})
	def := gen.Generate("woocommerce", []plugin.Spec{listPostsSpec()}, newFactory(fp))[0]

	res := callTool(t, def.Handler, context.Background(), map[string]any{})
	assert.False(t, res.IsError, "falls back to wordpress's single tenant")
}

func TestDescriptionPrefixNotDoubled(t *testing.T) {
	sites := site.New()
	sites.RegisterSite(site.Config{SiteID: "site1", PluginType: "wordpress", Settings: map[string]string{}})
	spec := listPostsSpec()
	spec.Description = "[UNIFIED] Already prefixed"

	gen := New(sites, nil)
	def := gen.Generate("wordpress", []plugin.Spec{spec}, newFactory(&fakePlugin{}))[0]
	assert.Equal(t, "[UNIFIED] Already prefixed", def.Description)
}
