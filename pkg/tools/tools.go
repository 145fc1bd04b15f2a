// Package tools holds the gateway's flat, process-global table of
// registered tool definitions. It is deliberately minimal: registration
// bookkeeping only, with the MCP wire types (mcp.Tool, mcp.ToolHandler)
// carried through untouched, the same way the teacher's dynamic_mcps.go
// builds *mcp.Tool + handler pairs and hands them to the server as a
// unit (there: ToolRegistration; here: ToolDefinition).
package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

// ToolDefinition is one registered tool: its wire-level shape plus the
// gateway-internal metadata (required scope, owning plugin type) used by
// the endpoint policy and tool generator.
type ToolDefinition struct {
	Name          string
	Description   string
	InputSchema   *jsonschema.Schema
	Handler       mcp.ToolHandler
	RequiredScope reqcontext.Scope
	PluginType    string // "" for a system tool
}

// AsMCPTool returns the wire-level *mcp.Tool for registration against an
// *mcp.Server.
func (d ToolDefinition) AsMCPTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
	}
}

// ErrDuplicateName is returned by Register when name is already taken.
type ErrDuplicateName struct{ Name string }

func (e ErrDuplicateName) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// Registry is the flat name -> ToolDefinition table, plus the set of
// known plugin-type namespaces used for longest-prefix-match extraction.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]ToolDefinition
	namespaces map[string]bool
}

// New returns an empty tool registry.
func New() *Registry {
	return &Registry{
		tools:      make(map[string]ToolDefinition),
		namespaces: make(map[string]bool),
	}
}

// RegisterNamespace declares pluginType as a known tool-name prefix
// family, so PluginTypeOf can resolve names under it. The gateway
// registers one per plugin type it has a factory for.
func (r *Registry) RegisterNamespace(pluginType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namespaces[pluginType] = true
}

// Register installs def under def.Name, failing if the name is taken.
func (r *Registry) Register(def ToolDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return ErrDuplicateName{Name: def.Name}
	}
	if def.PluginType == "" {
		def.PluginType = r.pluginTypeOfLocked(def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// RegisterMany installs defs best-effort: duplicates and other failures
// are skipped with a log line; it returns the count that succeeded.
func (r *Registry) RegisterMany(defs []ToolDefinition) int {
	succeeded := 0
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			cmplog.Logf("tools: skipping %q: %v", def.Name, err)
			continue
		}
		succeeded++
	}
	return succeeded
}

// Get returns the tool definition registered under name.
func (r *Registry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// All returns every registered tool, sorted by name.
func (r *Registry) All() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]ToolDefinition, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

// PluginTypeOf returns the plugin-type namespace owning name via
// longest-prefix-match, or "" if name matches no known namespace (a
// system tool).
func (r *Registry) PluginTypeOf(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pluginTypeOfLocked(name)
}

func (r *Registry) pluginTypeOfLocked(name string) string {
	best := ""
	for ns := range r.namespaces {
		prefix := ns + "_"
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return ""
	}
	return strings.TrimSuffix(best, "_")
}
