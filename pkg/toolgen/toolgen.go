// Package toolgen turns one plugin's specs into registrable
// tools.ToolDefinition values: it injects the site parameter, prefixes
// descriptions, and wraps each spec's invocation in tenant resolution,
// tenant-isolation enforcement, and argument coercion. It is grounded on
// the teacher's pkg/gateway/dynamic_mcps.go, which builds the same
// *mcp.Tool + handler pairs for its own built-in tools, generalized here
// from a handful of hardcoded tools to an arbitrary plugin's spec list.
package toolgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
	"github.com/cmpkit/cmp-gateway/pkg/plugin"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
	"github.com/cmpkit/cmp-gateway/pkg/site"
	"github.com/cmpkit/cmp-gateway/pkg/tools"
)

const unifiedPrefix = "[UNIFIED] "

// Generator composes tools.ToolDefinition values for a plugin type from
// its Site Registry-backed tenant set.
type Generator struct {
	sites *site.Registry

	// fallback maps a plugin type to the plugin type whose tenants it
	// should fall back to when it has none of its own configured (e.g.
	// "woocommerce" -> "wordpress").
	fallback map[string]string
}

// New returns a Generator reading tenants from sites, with an optional
// fallback plugin-type mapping (nil is fine).
func New(sites *site.Registry, fallback map[string]string) *Generator {
	if fallback == nil {
		fallback = make(map[string]string)
	}
	return &Generator{sites: sites, fallback: fallback}
}

// tenantPluginType returns the plugin type whose Site Registry entries
// should be consulted for pluginType: itself if it has any configured
// tenants, otherwise its configured fallback (logged), otherwise itself.
func (g *Generator) tenantPluginType(pluginType string) string {
	if len(g.sites.ListSites(pluginType)) > 0 {
		return pluginType
	}
	if fb, ok := g.fallback[pluginType]; ok && len(g.sites.ListSites(fb)) > 0 {
		cmplog.Logf("toolgen: %s has no configured tenants, falling back to %s", pluginType, fb)
		return fb
	}
	return pluginType
}

// Generate builds one ToolDefinition per spec exposed by a plugin of the
// given type, bound to factory for per-tenant instantiation.
func (g *Generator) Generate(pluginType string, specs []plugin.Spec, factory plugin.Factory) []tools.ToolDefinition {
	tenantType := g.tenantPluginType(pluginType)
	tenants := g.sites.ListSites(tenantType)
	// ListSites also lists aliases; a single site reachable under its
	// alias still counts as one tenant.
	if len(tenants) > 1 && g.sites.GetCountByType()[tenantType] == 1 {
		if cfg, err := g.sites.GetSiteConfig(tenantType, tenants[0]); err == nil {
			tenants = []string{cfg.SiteID}
		}
	}

	defs := make([]tools.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, g.buildTool(pluginType, tenantType, tenants, spec, factory))
	}
	return defs
}

func (g *Generator) buildTool(pluginType, tenantType string, tenants []string, spec plugin.Spec, factory plugin.Factory) tools.ToolDefinition {
	name := pluginType + "_" + spec.Name
	schema := injectSiteParameter(spec.InputSchema, tenants)
	description := spec.Description
	if !strings.HasPrefix(description, unifiedPrefix) {
		description = unifiedPrefix + description
	}

	scope := spec.Scope
	if scope == "" {
		scope = reqcontext.ScopeRead
	}

	return tools.ToolDefinition{
		Name:          name,
		Description:   description,
		InputSchema:   schema,
		RequiredScope: scope,
		PluginType:    pluginType,
		Handler:       g.buildHandler(pluginType, tenantType, tenants, spec, factory),
	}
}

// injectSiteParameter returns a copy of schema (or a fresh object schema
// if nil) with a "site" property added per the single-tenant/
// multi-tenant rule.
func injectSiteParameter(schema *jsonschema.Schema, tenants []string) *jsonschema.Schema {
	out := cloneSchema(schema)
	if out.Properties == nil {
		out.Properties = make(map[string]*jsonschema.Schema)
	}

	if len(tenants) == 1 {
		out.Properties["site"] = &jsonschema.Schema{
			Type:        "string",
			Description: "Tenant site identifier (single site configured; defaults to it if omitted)",
			Default:     json.RawMessage(fmt.Sprintf("%q", tenants[0])),
		}
		return out
	}

	enum := make([]any, len(tenants))
	for i, t := range tenants {
		enum[i] = t
	}
	out.Properties["site"] = &jsonschema.Schema{
		Type:        "string",
		Description: "Tenant site identifier to operate on",
		Enum:        enum,
	}
	out.Required = append([]string{"site"}, out.Required...)
	return out
}

func cloneSchema(schema *jsonschema.Schema) *jsonschema.Schema {
	if schema == nil {
		return &jsonschema.Schema{Type: "object", Properties: make(map[string]*jsonschema.Schema)}
	}
	out := *schema
	out.Properties = make(map[string]*jsonschema.Schema, len(schema.Properties))
	for k, v := range schema.Properties {
		out.Properties[k] = v
	}
	out.Required = append([]string(nil), schema.Required...)
	if out.Type == "" {
		out.Type = "object"
	}
	return out
}

func (g *Generator) buildHandler(pluginType, tenantType string, tenants []string, spec plugin.Spec, factory plugin.Factory) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decodeArguments(req)
		if err != nil {
			return errorResult(fmt.Sprintf("Error: %v", err)), nil
		}

		siteID, errText := resolveSiteArgument(args, tenants)
		if errText != "" {
			return errorResult(errText), nil
		}

		cfg, err := g.sites.GetSiteConfig(tenantType, siteID)
		if err != nil {
			return errorResult(fmt.Sprintf("Error: unknown site %q for %s", siteID, pluginType)), nil
		}

		if errText := checkTenantIsolation(ctx, g.sites, pluginType, cfg.SiteID); errText != "" {
			return errorResult(errText), nil
		}

		p, err := factory(cfg.Settings)
		if err != nil {
			return errorResult(sanitizeError(err)), nil
		}

		delete(args, "site")
		filtered := coerceArguments(args)

		result, err := p.Call(ctx, spec.MethodName, filtered)
		if err != nil {
			return errorResult(sanitizeError(err)), nil
		}

		return textResult(result), nil
	}
}

// decodeArguments marshals then unmarshals the request's arguments into
// a plain map, the same round trip the teacher's tool handlers use to
// get from the wire representation to a typed Go value.
func decodeArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if req.Params.Arguments == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// resolveSiteArgument reads the "site" argument, auto-selecting when
// exactly one tenant is configured. It returns an error text (never
// both return values set).
func resolveSiteArgument(args map[string]any, tenants []string) (siteID string, errText string) {
	if raw, ok := args["site"]; ok && raw != nil {
		if s, ok := raw.(string); ok && s != "" {
			return s, ""
		}
	}

	switch len(tenants) {
	case 0:
		return "", "Error: no tenant sites are configured for this tool"
	case 1:
		return tenants[0], ""
	default:
		return "", "Error: the \"site\" parameter is required when multiple sites are configured"
	}
}

// checkTenantIsolation enforces that a scoped caller cannot address a
// tenant outside their project, normalizing the caller's project through
// alias resolution first.
func checkTenantIsolation(ctx context.Context, sites *site.Registry, pluginType, resolvedSiteID string) string {
	caller, ok := reqcontext.FromContext(ctx)
	if !ok || caller.ProjectID == reqcontext.GlobalProject {
		return ""
	}

	callerProject := caller.ProjectID
	if strings.HasPrefix(callerProject, pluginType+"_") {
		alias := strings.TrimPrefix(callerProject, pluginType+"_")
		if cfg, err := sites.GetSiteConfig(pluginType, alias); err == nil {
			callerProject = cfg.FullID()
		}
	}

	resolvedFullID := pluginType + "_" + resolvedSiteID
	if callerProject != resolvedFullID {
		return "Error: Access denied: this API key is not authorized for this tenant"
	}
	return ""
}

// coerceArguments drops nil/empty-string values and JSON-decodes string
// values that look like an object or array literal, leaving everything
// else untouched.
func coerceArguments(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s == "" {
				continue
			}
			trimmed := strings.TrimSpace(s)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				var parsed any
				if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
					out[k] = parsed
					continue
				}
			}
			out[k] = s
			continue
		}
		out[k] = v
	}
	return out
}

// sanitizeError translates known upstream exception kinds into
// actionable text without leaking internals; anything else degrades to
// the error's plain message.
func sanitizeError(err error) string {
	var cfgErr *plugin.ConfigurationError
	var authErr *plugin.AuthenticationError
	var valErr *plugin.ValidationError
	switch {
	case asError(err, &cfgErr):
		return "Error: plugin is not configured correctly: " + cfgErr.Message
	case asError(err, &authErr):
		return "Error: authentication with the upstream service failed: " + authErr.Message
	case asError(err, &valErr):
		return "Error: invalid arguments: " + valErr.Message
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func asError[T error](err error, target *T) bool {
	for err != nil {
		if t, ok := err.(T); ok {
			*target = t
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

func textResult(v any) *mcp.CallToolResult {
	if s, ok := v.(string); ok {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("Error: failed to encode result: %v", err))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}}}
}
