// Package plugin is the gateway's external-collaborator contract for
// upstream integrations (WordPress, Gitea, and the like). Per the
// design notes, dynamic dispatch onto a plugin method is modeled as a
// message-passing pair — Specs() to discover what a plugin can do,
// Call() to invoke it by name — rather than reflection-based method
// lookup, the same separation the teacher's pkg/plugins/interface.go
// draws between the stable Plugin Code Interfaces and their providers.
package plugin

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

// Spec is one operation a plugin exposes to the tool generator.
type Spec struct {
	Name        string
	MethodName  string
	Description string
	InputSchema *jsonschema.Schema
	Scope       reqcontext.Scope // zero value defaults to ScopeRead at registration
}

// Plugin is one configured upstream integration instance, scoped to a
// single tenant. A Factory produces one per (plugin type, site).
type Plugin interface {
	// Specs lists the operations this plugin exposes.
	Specs() []Spec

	// Call invokes the named operation with its filtered keyword
	// arguments and returns its result (typically a string, or any
	// JSON-marshalable value).
	Call(ctx context.Context, methodName string, args map[string]any) (any, error)

	// HealthCheck reports plugin/upstream reachability as a JSON string,
	// satisfying pkg/health.Checker.
	HealthCheck(ctx context.Context) (string, error)
}

// Factory constructs a Plugin bound to one tenant's configuration
// (the Settings map from a site.Config).
type Factory func(config map[string]string) (Plugin, error)

// ConfigurationError signals that a plugin could not be constructed or
// operated because its tenant configuration is missing or malformed.
type ConfigurationError struct{ Message string }

func (e *ConfigurationError) Error() string { return e.Message }

// AuthenticationError signals that the upstream rejected the plugin's
// credentials.
type AuthenticationError struct{ Message string }

func (e *AuthenticationError) Error() string { return e.Message }

// ValidationError signals that caller-supplied arguments were
// syntactically valid but semantically rejected by the plugin — the
// statically-typed stand-in for the source's ValueError.
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string { return e.Message }

// ErrUnknownMethod is returned by a well-behaved Plugin.Call when asked
// to invoke a method name absent from its own Specs().
type ErrUnknownMethod struct{ MethodName string }

func (e ErrUnknownMethod) Error() string {
	return fmt.Sprintf("plugin: unknown method %q", e.MethodName)
}
