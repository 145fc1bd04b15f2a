// Package middleware is the per-endpoint Auth -> RateLimit -> Audit
// chain wrapped around every registered tool handler, the same
// decorator shape the teacher's withToolTelemetry (pkg/gateway/
// dynamic_mcps.go) uses around a single handler, generalized here to a
// stack of three concerns composed outermost-first on entry.
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cmpkit/cmp-gateway/pkg/apikey"
	"github.com/cmpkit/cmp-gateway/pkg/audit"
	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
	"github.com/cmpkit/cmp-gateway/pkg/oauth"
	"github.com/cmpkit/cmp-gateway/pkg/ratelimit"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

type rawHeaderKey struct{}

// WithRawAuthHeader attaches the unparsed Authorization header value to
// ctx, for Stack.Auth to read. The HTTP transport layer (pkg/endpoint)
// sets this before handing the request off to the MCP session so it
// survives into the per-tool-call context.
func WithRawAuthHeader(ctx context.Context, header string) context.Context {
	return context.WithValue(ctx, rawHeaderKey{}, header)
}

func rawAuthHeaderFromContext(ctx context.Context) string {
	h, _ := ctx.Value(rawHeaderKey{}).(string)
	return h
}

// Policy is the subset of an endpoint's configuration the Auth stage
// enforces, independent of how the endpoint itself is represented.
type Policy struct {
	RequireMasterKey bool
	AllowedScopes     []string // empty means "all"
	PluginTypes       []string // empty means "all"
}

// AccessChecker reports whether a tool name is permitted under the
// endpoint's whitelist/blacklist, consulted a second time by Auth as
// defense in depth (pkg/endpoint performs the authoritative filtering
// at registration time).
type AccessChecker func(toolName string) bool

// Stack holds the process-global singletons the three middleware
// stages consult. One Stack is shared by every endpoint.
type Stack struct {
	MasterKey string
	APIKeys   *apikey.Store
	OAuth     *oauth.Server
	Limiter   *ratelimit.Limiter
	Audit     *audit.Logger
}

// toolError renders msg as a tool-level error result rather than a
// transport-level failure, per the spec's "never thrown as server
// errors" failure semantics.
func toolError(msg string) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + msg}},
		IsError: true,
	}, nil
}

// Wrap composes Auth(outermost) -> RateLimit -> Audit -> handler for
// one tool under one endpoint policy.
func (s *Stack) Wrap(toolName string, policy Policy, allows AccessChecker, requiredScope reqcontext.Scope, handler mcp.ToolHandler) mcp.ToolHandler {
	return s.auth(toolName, policy, allows, requiredScope, s.rateLimit(toolName, s.auditWrap(toolName, handler)))
}

// auth classifies the Authorization header, populates the Request
// Context, and enforces endpoint-level and tool-level access policy.
// reqcontext.Clear exists for implementations that carry the caller in
// shared mutable per-goroutine state; here the caller lives only in the
// context value chain derived for this call, so it is already
// unreachable the instant this function returns on any exit path,
// without needing an explicit clear.
func (s *Stack) auth(toolName string, policy Policy, allows AccessChecker, requiredScope reqcontext.Scope, next mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		header := strings.TrimSpace(rawAuthHeaderFromContext(ctx))

		caller, errText := s.classify(header, policy)
		if errText != "" {
			return toolError(errText)
		}

		ctx = reqcontext.WithCaller(ctx, caller)

		if policy.RequireMasterKey && !caller.IsGlobal {
			return toolError("master key required for this endpoint")
		}
		if len(policy.AllowedScopes) > 0 && !scopeIntersects(caller.Scope, policy.AllowedScopes) {
			return toolError("insufficient scope for this endpoint")
		}
		if caller.ProjectID != reqcontext.GlobalProject && len(policy.PluginTypes) > 0 {
			if !projectMatchesPluginTypes(caller.ProjectID, policy.PluginTypes) {
				return toolError("this project is not authorized for this endpoint")
			}
		}
		if allows != nil && !allows(toolName) {
			return toolError("tool is not available on this endpoint")
		}
		if requiredScope != "" && !reqcontext.Satisfies(caller.Scope, requiredScope) {
			return toolError("insufficient scope for this tool")
		}

		return next(ctx, req)
	}
}

// classify turns a raw Authorization header into a caller identity, or
// an error message on rejection. An empty header (with
// require_master_key false) yields an anonymous read-scoped caller.
func (s *Stack) classify(header string, policy Policy) (reqcontext.Caller, string) {
	if header == "" {
		if policy.RequireMasterKey {
			return reqcontext.Caller{}, "missing Authorization header"
		}
		return reqcontext.Caller{ProjectID: reqcontext.GlobalProject, Scope: string(reqcontext.ScopeRead)}, ""
	}

	token := strings.TrimPrefix(header, "Bearer ")

	switch {
	case strings.HasPrefix(token, "sk-"):
		if s.MasterKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.MasterKey)) != 1 {
			return reqcontext.Caller{}, "invalid master key"
		}
		return reqcontext.Caller{KeyID: "master", ProjectID: reqcontext.GlobalProject, Scope: string(reqcontext.ScopeAdmin), IsGlobal: true}, ""

	case strings.HasPrefix(token, "cmp_"):
		key, err := s.APIKeys.Validate(token, "", reqcontext.ScopeRead, true)
		if err != nil {
			return reqcontext.Caller{}, "invalid API key"
		}
		return reqcontext.Caller{
			KeyID:     key.KeyID,
			ProjectID: key.ProjectID,
			Scope:     key.Scope,
			IsGlobal:  key.ProjectID == reqcontext.GlobalProject,
		}, ""

	default:
		if s.OAuth == nil {
			return reqcontext.Caller{}, "OAuth is not configured for this gateway"
		}
		claims, err := s.OAuth.ValidateAccessToken(token)
		if err != nil {
			return reqcontext.Caller{}, "invalid or expired access token"
		}
		return reqcontext.Caller{
			KeyID:     claims.JTI,
			ProjectID: claims.ProjectID,
			Scope:     claims.Scope,
			IsGlobal:  claims.ProjectID == reqcontext.GlobalProject,
		}, ""
	}
}

func scopeIntersects(callerScope string, allowed []string) bool {
	callerFields := strings.Fields(callerScope)
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	for _, f := range callerFields {
		if allowedSet[f] {
			return true
		}
	}
	return false
}

func projectMatchesPluginTypes(projectID string, pluginTypes []string) bool {
	for _, pt := range pluginTypes {
		if strings.HasPrefix(projectID, pt+"_") {
			return true
		}
	}
	return false
}

// rateLimit computes a client identifier from the (already-classified)
// caller, its key id or "anonymous", and rejects over-limit calls before
// they reach the handler.
func (s *Stack) rateLimit(toolName string, next mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.Limiter == nil {
			return next(ctx, req)
		}

		clientID := clientIdentifier(ctx)
		pluginType := pluginTypeOf(toolName)

		decision := s.Limiter.Admit(clientID, pluginType)
		if !decision.Allowed {
			return toolError(fmt.Sprintf("Rate limit exceeded. Retry after %d seconds", int(decision.RetryAfter.Round(time.Second).Seconds())))
		}
		return next(ctx, req)
	}
}

func clientIdentifier(ctx context.Context) string {
	if caller, ok := reqcontext.FromContext(ctx); ok && caller.KeyID != "" {
		return caller.KeyID
	}
	return "anonymous"
}

func pluginTypeOf(toolName string) string {
	if i := strings.IndexByte(toolName, '_'); i > 0 {
		return toolName[:i]
	}
	return ""
}

// auditWrap records a tool_call audit entry for every invocation: INFO
// with duration on success, WARNING with the error text on failure.
func (s *Stack) auditWrap(toolName string, next mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		caller, _ := reqcontext.FromContext(ctx)

		result, err := next(ctx, req)
		duration := time.Since(start)

		if s.Audit == nil {
			return result, err
		}

		success := err == nil && (result == nil || !result.IsError)
		fields := map[string]any{
			"duration_ms": duration.Milliseconds(),
			"project_id":  caller.ProjectID,
		}

		level := audit.LevelInfo
		message := fmt.Sprintf("tool call %s completed", toolName)
		if !success {
			level = audit.LevelWarning
			message = fmt.Sprintf("tool call %s failed", toolName)
			if err != nil {
				fields["error"] = err.Error()
			} else if result != nil && len(result.Content) > 0 {
				if tc, ok := result.Content[0].(*mcp.TextContent); ok {
					fields["error"] = tc.Text
				}
			}
		}

		ok := success
		if logErr := s.Audit.Append(audit.Entry{
			EventType: audit.EventToolCall,
			Level:     level,
			ProjectID: caller.ProjectID,
			ToolName:  toolName,
			Success:   &ok,
			Message:   message,
			Fields:    fields,
		}); logErr != nil {
			cmplog.Logf("middleware: failed to record audit entry: %v", logErr)
		}

		return result, err
	}
}
