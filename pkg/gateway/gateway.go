// Package gateway wires every component into one running process: it
// constructs the Site Registry, Tool Registry, API-Key Store, Rate
// Limiter, Audit Logger, Health Monitor, and OAuth subsystem, generates
// tools per configured plugin, builds the preset and dynamic endpoints,
// and serves them over HTTP with graceful shutdown. It plays the role of
// the teacher's pkg/gateway.Gateway, generalized from one built-in MCP
// server to many policy-scoped ones sharing a registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cmpkit/cmp-gateway/pkg/apikey"
	"github.com/cmpkit/cmp-gateway/pkg/audit"
	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
	"github.com/cmpkit/cmp-gateway/pkg/endpoint"
	"github.com/cmpkit/cmp-gateway/pkg/gatewayconfig"
	"github.com/cmpkit/cmp-gateway/pkg/health"
	"github.com/cmpkit/cmp-gateway/pkg/middleware"
	"github.com/cmpkit/cmp-gateway/pkg/oauth"
	"github.com/cmpkit/cmp-gateway/pkg/plugin"
	"github.com/cmpkit/cmp-gateway/pkg/plugin/gitea"
	"github.com/cmpkit/cmp-gateway/pkg/plugin/wordpress"
	"github.com/cmpkit/cmp-gateway/pkg/ratelimit"
	"github.com/cmpkit/cmp-gateway/pkg/site"
	"github.com/cmpkit/cmp-gateway/pkg/toolgen"
	"github.com/cmpkit/cmp-gateway/pkg/tools"
)

// implementation is the fixed MCP server identity reported to every
// connecting client, across every endpoint.
var implementation = &mcp.Implementation{Name: "cmp-gateway", Version: "0.1.0"}

// pluginFactories is the fixed table of upstream plugins this build
// knows how to construct, keyed by plugin type. Real deployments add
// entries here per supported product family.
var pluginFactories = map[string]plugin.Factory{
	wordpress.PluginType: wordpress.New,
	gitea.PluginType:     gitea.New,
}

// Gateway is the fully wired, running process: every shared singleton
// plus the mux serving every built endpoint.
type Gateway struct {
	Config Config

	Sites    *site.Registry
	Tools    *tools.Registry
	APIKeys  *apikey.Store
	Limiter  *ratelimit.Limiter
	Audit    *audit.Logger
	Health   *health.Monitor
	OAuth    *oauth.Server
	Clients  *oauth.ClientRegistry
	CSRF     *oauth.CSRFStore
	Stack    *middleware.Stack
	Endpoint *endpoint.Factory

	mux    *http.ServeMux
	server *http.Server
}

// Config is an alias of gatewayconfig.Config; tests build one with
// gatewayconfig.Load over a synthetic environment.
type Config = gatewayconfig.Config

// New constructs every component and builds the fixed endpoint table,
// but does not start listening.
func New(cfg Config) (*Gateway, error) {
	sites := site.New()
	sites.Discover(pluginTypes(), os.Environ())

	toolRegistry := tools.New()
	for pt := range pluginFactories {
		toolRegistry.RegisterNamespace(pt)
	}

	apiKeys, err := apikey.Open(cfg.DataDir + "/api_keys.json")
	if err != nil {
		return nil, fmt.Errorf("gateway: open api key store: %w", err)
	}

	auditLog, err := audit.Open(cfg.LogDir+"/audit.log", audit.Options{})
	if err != nil {
		return nil, fmt.Errorf("gateway: open audit log: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimits, cfg.RateLimitOverrides)
	healthMonitor := health.New(health.Options{})

	var storage oauth.Storage
	if cfg.OAuthStorageType == "memory" {
		storage = oauth.NewMemoryStorage()
	} else {
		storage, err = oauth.OpenFileStorage(cfg.OAuthStoragePath)
		if err != nil {
			return nil, fmt.Errorf("gateway: open oauth storage: %w", err)
		}
	}

	clients := oauth.NewClientRegistry()
	tokenManager := oauth.NewTokenManager([]byte(cfg.OAuthJWTSecretKey), "cmp-gateway", cfg.OAuthAccessTokenTTL)
	oauthServer := oauth.NewServer(storage, clients, tokenManager, auditLog, cfg.OAuthRefreshTokenTTL)
	csrf := oauth.NewCSRFStore()

	stack := &middleware.Stack{
		MasterKey: cfg.MasterAPIKey,
		APIKeys:   apiKeys,
		OAuth:     oauthServer,
		Limiter:   limiter,
		Audit:     auditLog,
	}

	generator := toolgen.New(sites, nil)
	for pt, factory := range pluginFactories {
		specs, err := specsOf(pt, factory, sites)
		if err != nil {
			cmplog.Logf("gateway: %s: %v", pt, err)
			continue
		}
		toolRegistry.RegisterMany(generator.Generate(pt, specs, factory))
	}

	factory := endpoint.NewFactory(toolRegistry, stack, implementation)

	g := &Gateway{
		Config:   cfg,
		Sites:    sites,
		Tools:    toolRegistry,
		APIKeys:  apiKeys,
		Limiter:  limiter,
		Audit:    auditLog,
		Health:   healthMonitor,
		OAuth:    oauthServer,
		Clients:  clients,
		CSRF:     csrf,
		Stack:    stack,
		Endpoint: factory,
	}

	g.mux = g.buildMux()
	g.server = &http.Server{Addr: cfg.ListenAddr, Handler: g.mux}
	return g, nil
}

// PluginTypes returns every plugin type this build knows how to
// construct, for callers (notably the CLI's `sites` subcommand) that
// need to enumerate tenants across all of them.
func (g *Gateway) PluginTypes() []string {
	return pluginTypes()
}

func pluginTypes() []string {
	out := make([]string, 0, len(pluginFactories))
	for pt := range pluginFactories {
		out = append(out, pt)
	}
	return out
}

// specsOf asks one tenant's plugin instance for its spec list. Every
// tenant of the same plugin type is assumed to expose the same tool
// surface, so the first configured tenant (if any) stands in for the
// type; a plugin type with no configured tenants contributes no tools.
func specsOf(pluginType string, factory plugin.Factory, sites *site.Registry) ([]plugin.Spec, error) {
	tenants := sites.ListSites(pluginType)
	if len(tenants) == 0 {
		return nil, nil
	}
	cfg, err := sites.GetSiteConfig(pluginType, tenants[0])
	if err != nil {
		return nil, err
	}
	p, err := factory(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("construct plugin to list specs: %w", err)
	}
	return p.Specs(), nil
}

// buildMux mounts the preset endpoints, the dynamic per-tenant endpoint
// constructor, the OAuth HTTP surface, and the always-public health
// route.
func (g *Gateway) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	for _, cfg := range endpoint.Presets(pluginTypes()) {
		ep := g.Endpoint.Build(cfg)
		mux.Handle(cfg.Path, ep)
		cmplog.Logf("gateway: mounted endpoint %q (%d tools)", cfg.Path, ep.ToolCount)
	}

	mux.HandleFunc("/project/", g.handleDynamicProject)
	mux.HandleFunc("/healthz", g.handleHealthz)
	g.mountOAuth(mux)

	return mux
}

// handleDynamicProject builds, on every request (cheap given a shared
// Tool Registry and Stack), the per-tenant endpoint named by the
// path suffix, trying every configured plugin type until one resolves
// the alias or full id.
func (g *Gateway) handleDynamicProject(w http.ResponseWriter, r *http.Request) {
	aliasOrFullID := strings.TrimPrefix(r.URL.Path, "/project/")
	if aliasOrFullID == "" {
		http.NotFound(w, r)
		return
	}

	for _, pt := range pluginTypes() {
		cfg, err := g.Sites.GetSiteConfig(pt, aliasOrFullID)
		if err != nil {
			continue
		}
		ep := g.Endpoint.Build(endpoint.Project(pt, aliasOrFullID, cfg.FullID()))
		ep.ServeHTTP(w, r)
		return
	}

	http.Error(w, "unknown tenant", http.StatusNotFound)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checkers := make(map[string]health.Checker)
	for _, pt := range pluginTypes() {
		factory := pluginFactories[pt]
		for _, tenant := range g.Sites.ListSites(pt) {
			cfg, err := g.Sites.GetSiteConfig(pt, tenant)
			if err != nil {
				continue
			}
			p, err := factory(cfg.Settings)
			if err != nil {
				continue
			}
			checkers[cfg.FullID()] = p
		}
	}

	status := g.Health.CheckAllProjectsHealth(r.Context(), checkers)

	w.Header().Set("Content-Type", "application/json")
	if status.Status != health.SystemHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, `{"status":%q}`, status.Status)
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
// before returning.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		cmplog.Logf("gateway: listening on %s", g.Config.ListenAddr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		cmplog.Logf("gateway: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := g.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return <-errCh
	}
}
