// Package reqcontext is the ambient per-request identity slot consulted
// by tool handlers for tenant-isolation checks. It generalizes the
// teacher's pkg/gateway/auth.go contextKey/IdentityFromContext pattern
// from a single identity string to the full caller identity record.
package reqcontext

import "context"

// GlobalProject is the sentinel project id that bypasses tenant isolation.
const GlobalProject = "*"

// Scope is one of the three privilege levels a caller can hold.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// Caller is the authenticated identity attached to a request by the auth
// middleware and read by tool handlers for tenant-isolation decisions.
type Caller struct {
	KeyID     string
	ProjectID string
	Scope     string // normalized, space-separated subset of read/write/admin
	IsGlobal  bool
}

type contextKey string

const callerKey contextKey = "cmp.caller"

// WithCaller returns a context carrying the given caller identity.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// FromContext returns the caller identity set on ctx, if any.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// Clear returns a context with no caller identity. Middleware must route
// through this (or a fresh context) on every exit path — success, tool
// error, or auth error — so no caller identity survives past its request.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, callerKey, nil)
}
