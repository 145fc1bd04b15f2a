// Package site is the tenant registry: it discovers per-tenant
// configuration from the process environment, resolves the alias ->
// full_id mapping with first-writer-wins conflict tracking, and answers
// lookups by (plugin_type, id_or_alias). Its discovery scan is modeled on
// the teacher's pkg/gateway/auth.go loadAuthTokens, which also buckets
// env-var-encoded records out of os.Environ() with a single pass.
package site

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
)

// reserved holds the fixed set of sub-key tokens that can never be
// interpreted as a site id during discovery, per the data model.
var reserved = map[string]bool{
	"limit": true, "rate": true, "config": true, "debug": true, "log": true,
	"level": true, "mode": true, "timeout": true, "retry": true, "max": true,
	"min": true, "default": true, "global": true, "enabled": true, "disabled": true,
	"host": true, "port": true, "path": true, "key": true, "secret": true,
	"token": true, "advanced": true, "basic": true, "simple": true, "pro": true,
	"premium": true, "standard": true,
}

// Config is one tenant's configuration as discovered from (or supplied
// to register alongside) the environment.
type Config struct {
	SiteID     string
	PluginType string
	Alias      string
	Settings   map[string]string
}

// FullID is the registry-wide unique key for a site: plugin_type + "_" + site_id.
func (c Config) FullID() string {
	return c.PluginType + "_" + c.SiteID
}

type perType struct {
	byID  map[string]Config
	alias map[string]string // alias -> site_id
}

// Registry is a process-global table of discovered/registered tenants,
// keyed by plugin type.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*perType

	// aliasConflicts records, per plugin type, aliases that were claimed
	// more than once: alias -> full_ids of every loser.
	aliasConflicts map[string]map[string][]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		types:          make(map[string]*perType),
		aliasConflicts: make(map[string]map[string][]string),
	}
}

func (r *Registry) typeTable(pluginType string) *perType {
	t, ok := r.types[pluginType]
	if !ok {
		t = &perType{byID: make(map[string]Config), alias: make(map[string]string)}
		r.types[pluginType] = t
	}
	return t
}

// envPattern matches PLUGIN_TYPE_SITEID_KEY entries; it is applied once
// per candidate plugin type prefix by the caller (Discover).
func envPattern(pluginType string) *regexp.Regexp {
	prefix := strings.ToUpper(pluginType)
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_([A-Z0-9_]+?)_(.+)$`)
}

// Discover scans the process environment for tenants of the given plugin
// types and registers every surviving candidate. It returns the number of
// sites newly registered (aliases notwithstanding).
func (r *Registry) Discover(pluginTypes []string, environ []string) int {
	discovered := 0
	for _, pluginType := range pluginTypes {
		pattern := envPattern(pluginType)
		candidates := make(map[string]map[string]string) // site_id -> sub-key -> value
		aliasOf := make(map[string]string)

		for _, kv := range environ {
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				continue
			}
			k, v := kv[:eq], kv[eq+1:]

			m := pattern.FindStringSubmatch(k)
			if m == nil {
				continue
			}
			siteID := strings.ToLower(m[1])
			subKey := m[2]

			if reserved[siteID] {
				continue
			}

			if strings.EqualFold(subKey, "ALIAS") {
				aliasOf[siteID] = strings.ToLower(v)
				continue
			}

			settings, ok := candidates[siteID]
			if !ok {
				settings = make(map[string]string)
				candidates[siteID] = settings
			}
			settings[strings.ToLower(subKey)] = v
		}

		ids := make([]string, 0, len(candidates))
		for id := range candidates {
			ids = append(ids, id)
		}
		sort.Strings(ids) // deterministic registration order for alias-conflict reproducibility

		for _, id := range ids {
			cfg := Config{
				SiteID:     id,
				PluginType: pluginType,
				Alias:      aliasOf[id],
				Settings:   candidates[id],
			}
			r.RegisterSite(cfg)
			discovered++
		}
	}
	return discovered
}

// RegisterSite installs cfg under its plugin type by both site id and
// (if present and unclaimed) alias, updating the alias conflict table on
// collision. First writer of an alias wins.
func (r *Registry) RegisterSite(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.typeTable(cfg.PluginType)
	t.byID[cfg.SiteID] = cfg

	if cfg.Alias == "" {
		return
	}

	if existingID, claimed := t.alias[cfg.Alias]; claimed {
		if existingID != cfg.SiteID {
			conflicts := r.aliasConflicts[cfg.PluginType]
			if conflicts == nil {
				conflicts = make(map[string][]string)
				r.aliasConflicts[cfg.PluginType] = conflicts
			}
			conflicts[cfg.Alias] = append(conflicts[cfg.Alias], cfg.FullID())
		}
		return
	}

	t.alias[cfg.Alias] = cfg.SiteID
}

// notFound wraps a generic, non-leaking message as a NotFound error:
// lookups never enumerate known tenant ids in the error text.
func notFound() error {
	return errdefs.NotFound(fmt.Errorf("no such tenant"))
}

// IsNotFound reports whether err is a tenant-lookup-miss error.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// GetSiteConfig resolves (pluginType, idOrAlias) to a tenant config, first
// by exact site id, then via the alias table.
func (r *Registry) GetSiteConfig(pluginType, idOrAlias string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[pluginType]
	if !ok {
		return Config{}, notFound()
	}

	if cfg, ok := t.byID[idOrAlias]; ok {
		return cfg, nil
	}
	if siteID, ok := t.alias[idOrAlias]; ok {
		if cfg, ok := t.byID[siteID]; ok {
			return cfg, nil
		}
	}
	return Config{}, notFound()
}

// GetEffectivePathSuffix returns the alias for fullID's site if and only
// if that alias is unambiguously claimed by this site; otherwise it
// returns fullID itself.
func (r *Registry) GetEffectivePathSuffix(pluginType, siteID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[pluginType]
	if !ok {
		return pluginType + "_" + siteID
	}
	for alias, owner := range t.alias {
		if owner == siteID {
			return alias
		}
	}
	return pluginType + "_" + siteID
}

// ListSites returns the deduplicated, sorted union of site ids and
// aliases registered under pluginType.
func (r *Registry) ListSites(pluginType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[pluginType]
	if !ok {
		return nil
	}

	seen := make(map[string]bool, len(t.byID)+len(t.alias))
	for id := range t.byID {
		seen[id] = true
	}
	for alias := range t.alias {
		seen[alias] = true
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetCountByType returns the distinct-site count per plugin type; aliases
// do not double-count.
func (r *Registry) GetCountByType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.types))
	for pluginType, t := range r.types {
		out[pluginType] = len(t.byID)
	}
	return out
}

// AliasConflicts returns, for pluginType, every alias that was claimed by
// more than one site, mapped to the full_ids of the losing claimants.
func (r *Registry) AliasConflicts(pluginType string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.aliasConflicts[pluginType]
	out := make(map[string][]string, len(src))
	for alias, losers := range src {
		out[alias] = append([]string(nil), losers...)
	}
	return out
}
