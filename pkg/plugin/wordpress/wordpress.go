// Package wordpress is an upstream plugin stub for the WordPress REST
// API: a thin, untrusted-fetch-style HTTP client (grounded on the
// teacher's pkg/fetch.Untrusted) exposing a handful of content-management
// tool specs, enough to exercise the Tool Generator end to end.
package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/cmpkit/cmp-gateway/pkg/plugin"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

// PluginType is the tool-name-prefix namespace this plugin registers
// under.
const PluginType = "wordpress"

// Plugin is one tenant's configured WordPress site: base URL plus
// application-password credentials.
type Plugin struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// New is a plugin.Factory for WordPress: config carries "url",
// "username", and "app_password" keys from the site's settings map.
func New(config map[string]string) (plugin.Plugin, error) {
	url := strings.TrimSuffix(config["url"], "/")
	if url == "" {
		return nil, &plugin.ConfigurationError{Message: "wordpress site is missing a \"url\" setting"}
	}
	if config["username"] == "" || config["app_password"] == "" {
		return nil, &plugin.ConfigurationError{Message: "wordpress site is missing \"username\"/\"app_password\" credentials"}
	}

	return &Plugin{
		baseURL:  url,
		username: config["username"],
		password: config["app_password"],
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Specs lists every tool this plugin exposes, before the Tool Generator
// namespaces and site-scopes them.
func (p *Plugin) Specs() []plugin.Spec {
	return []plugin.Spec{
		{
			Name:        "list_posts",
			MethodName:  "list_posts",
			Description: "List published WordPress posts.",
			Scope:       reqcontext.ScopeRead,
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"search": {Type: "string", Description: "Optional full-text search term"},
					"per_page": {Type: "integer", Description: "Results per page (default 10)"},
				},
			},
		},
		{
			Name:        "create_post",
			MethodName:  "create_post",
			Description: "Create a new WordPress post.",
			Scope:       reqcontext.ScopeWrite,
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"title":   {Type: "string"},
					"content": {Type: "string"},
					"status":  {Type: "string", Enum: []any{"draft", "publish", "pending"}},
				},
				Required: []string{"title", "content"},
			},
		},
		{
			Name:        "delete_post",
			MethodName:  "delete_post",
			Description: "Delete a WordPress post by id.",
			Scope:       reqcontext.ScopeAdmin,
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"post_id": {Type: "integer"}},
				Required:   []string{"post_id"},
			},
		},
	}
}

// Call dispatches methodName to its upstream REST operation.
func (p *Plugin) Call(ctx context.Context, methodName string, args map[string]any) (any, error) {
	switch methodName {
	case "list_posts":
		return p.listPosts(ctx, args)
	case "create_post":
		return p.createPost(ctx, args)
	case "delete_post":
		return p.deletePost(ctx, args)
	default:
		return nil, plugin.ErrUnknownMethod{MethodName: methodName}
	}
}

// HealthCheck confirms the site is reachable with valid credentials.
func (p *Plugin) HealthCheck(ctx context.Context) (string, error) {
	_, err := p.do(ctx, http.MethodGet, "/wp-json/wp/v2/users/me", nil)
	if err != nil {
		return "", err
	}
	return `{"status":"ok"}`, nil
}

func (p *Plugin) listPosts(ctx context.Context, args map[string]any) (any, error) {
	path := "/wp-json/wp/v2/posts"
	if search, ok := args["search"].(string); ok && search != "" {
		path += "?search=" + search
	}
	raw, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var posts []map[string]any
	if err := json.Unmarshal(raw, &posts); err != nil {
		return nil, fmt.Errorf("wordpress: decode list_posts response: %w", err)
	}
	return posts, nil
}

func (p *Plugin) createPost(ctx context.Context, args map[string]any) (any, error) {
	if _, ok := args["title"]; !ok {
		return nil, &plugin.ValidationError{Message: "\"title\" is required"}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("wordpress: encode create_post body: %w", err)
	}
	raw, err := p.do(ctx, http.MethodPost, "/wp-json/wp/v2/posts", body)
	if err != nil {
		return nil, err
	}
	var post map[string]any
	if err := json.Unmarshal(raw, &post); err != nil {
		return nil, fmt.Errorf("wordpress: decode create_post response: %w", err)
	}
	return post, nil
}

func (p *Plugin) deletePost(ctx context.Context, args map[string]any) (any, error) {
	id, ok := args["post_id"]
	if !ok {
		return nil, &plugin.ValidationError{Message: "\"post_id\" is required"}
	}
	path := fmt.Sprintf("/wp-json/wp/v2/posts/%v?force=true", id)
	raw, err := p.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("wordpress: decode delete_post response: %w", err)
	}
	return result, nil
}

// do issues one authenticated request, limiting the response body the
// same way the teacher's fetch.Untrusted caps untrusted payload size.
func (p *Plugin) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.username, p.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wordpress: request failed: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &plugin.AuthenticationError{Message: "wordpress rejected the configured credentials"}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("wordpress: %s %s: %s", method, path, resp.Status)
	}
	return buf, nil
}
