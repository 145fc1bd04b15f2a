// Package endpoint builds per-mount-path MCP servers from the global
// Tool Registry: one *mcp.Server per endpoint, filtered to the tools its
// policy allows and wrapped in the Auth -> RateLimit -> Audit
// middleware stack. It is grounded on the teacher's
// pkg/gateway/custom_transport.go (mcp.NewServer + ServerOptions
// construction) and dynamic_mcps.go (per-tool registration via
// server.AddTool), generalized from the teacher's single built-in
// server to many policy-scoped servers built from one shared registry.
package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
	"github.com/cmpkit/cmp-gateway/pkg/middleware"
	"github.com/cmpkit/cmp-gateway/pkg/tools"
)

// Config is one endpoint's immutable policy, fixed at registration.
type Config struct {
	Path             string
	DisplayName      string
	Description      string
	PluginTypes      []string // empty means "all"
	RequireMasterKey bool
	AllowedScopes    []string // empty means "all"
	ToolWhitelist    []string // nil means "no whitelist restriction"
	ToolBlacklist    []string
	SiteFilter       string // full_id; "" unless this is a per-tenant endpoint
	MaxTools         int    // 0 means "unlimited"
}

// allowsTool applies blacklist then whitelist, per spec order.
func (c Config) allowsTool(name string) bool {
	for _, b := range c.ToolBlacklist {
		if b == name {
			return false
		}
	}
	if len(c.ToolWhitelist) == 0 {
		return true
	}
	for _, w := range c.ToolWhitelist {
		if w == name {
			return true
		}
	}
	return false
}

func (c Config) allowsPluginType(pt string) bool {
	if len(c.PluginTypes) == 0 {
		return true
	}
	for _, allowed := range c.PluginTypes {
		if allowed == pt {
			return true
		}
	}
	return false
}

// Endpoint is one built, mountable MCP server plus the metadata needed
// to report it (tool count, path) back to operators.
type Endpoint struct {
	Config    Config
	Server    *mcp.Server
	ToolCount int

	httpHandler http.Handler
}

// ServeHTTP extracts the Authorization header into the request context
// before delegating to the MCP streamable HTTP transport, so the Auth
// middleware stage can read it from inside the tool handler.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := middleware.WithRawAuthHeader(r.Context(), r.Header.Get("Authorization"))
	e.httpHandler.ServeHTTP(w, r.WithContext(ctx))
}

// Factory builds Endpoint values from the global Tool Registry and the
// shared middleware Stack.
type Factory struct {
	tools          *tools.Registry
	stack          *middleware.Stack
	implementation *mcp.Implementation
}

// NewFactory returns a Factory. implementation is reused (by value) as
// the Implementation descriptor for every *mcp.Server it builds.
func NewFactory(toolRegistry *tools.Registry, stack *middleware.Stack, implementation *mcp.Implementation) *Factory {
	return &Factory{tools: toolRegistry, stack: stack, implementation: implementation}
}

// Build constructs one Endpoint from cfg: filters the registry, wraps
// each surviving tool's handler in the middleware stack (and, for a
// site_filter endpoint, the tenant-pinning shim), and mounts the result
// on a fresh *mcp.Server.
func (f *Factory) Build(cfg Config) *Endpoint {
	server := mcp.NewServer(f.implementation, &mcp.ServerOptions{HasTools: true})

	policy := middleware.Policy{
		RequireMasterKey: cfg.RequireMasterKey,
		AllowedScopes:    cfg.AllowedScopes,
		PluginTypes:      cfg.PluginTypes,
	}

	count := 0
	for _, def := range f.tools.All() {
		if !cfg.allowsPluginType(def.PluginType) {
			continue
		}
		if !cfg.allowsTool(def.Name) {
			continue
		}
		if cfg.MaxTools > 0 && count >= cfg.MaxTools {
			cmplog.Logf("endpoint %s: max_tools reached, dropping %q", cfg.Path, def.Name)
			continue
		}

		handler := def.Handler
		if cfg.SiteFilter != "" {
			handler = pinSite(def.PluginType, cfg.SiteFilter, handler)
		}
		wrapped := f.stack.Wrap(def.Name, policy, cfg.allowsTool, def.RequiredScope, handler)

		server.AddTool(def.AsMCPTool(), wrapped)
		count++
	}

	httpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	return &Endpoint{Config: cfg, Server: server, ToolCount: count, httpHandler: httpHandler}
}

// pinSite forces the "site" argument to fullID's bare site id on every
// call, regardless of what the wire supplied — a per-tenant endpoint
// must not let the caller address a different tenant.
func pinSite(pluginType, fullID string, next mcp.ToolHandler) mcp.ToolHandler {
	siteID := strings.TrimPrefix(fullID, pluginType+"_")

	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if req.Params.Arguments != nil {
			raw, err := json.Marshal(req.Params.Arguments)
			if err == nil {
				_ = json.Unmarshal(raw, &args)
			}
		}
		args["site"] = siteID
		req.Params.Arguments = args
		return next(ctx, req)
	}
}

// Project builds the dynamic per-tenant endpoint at
// /project/{alias_or_full_id} for one plugin type and tenant.
func Project(pluginType, aliasOrFullID, fullID string) Config {
	return Config{
		Path:        "/project/" + aliasOrFullID,
		DisplayName: fullID,
		Description: "Per-tenant endpoint pinned to " + fullID,
		PluginTypes: []string{pluginType},
		SiteFilter:  fullID,
	}
}
