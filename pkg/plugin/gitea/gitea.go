// Package gitea is an upstream plugin stub for the Gitea REST API,
// exposing a handful of source-control tool specs on a bearer-token
// authenticated client (grounded on the teacher's pkg/fetch.Untrusted
// request/size-limit shape).
package gitea

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
const PluginType = "gitea"

// Plugin is one tenant's configured Gitea instance: base URL plus a
// personal access token.
type Plugin struct {
	baseURL string
	token   string
	client  *http.Client
}

// New is a plugin.Factory for Gitea: config carries "url" and "token"
// keys from the site's settings map.
func New(config map[string]string) (plugin.Plugin, error) {
	url := strings.TrimSuffix(config["url"], "/")
	if url == "" {
		return nil, &plugin.ConfigurationError{Message: "gitea site is missing a \"url\" setting"}
	}
	if config["token"] == "" {
		return nil, &plugin.ConfigurationError{Message: "gitea site is missing a \"token\" setting"}
	}

	return &Plugin{
		baseURL: url,
		token:   config["token"],
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Specs lists every tool this plugin exposes, before the Tool Generator
// namespaces and site-scopes them.
func (p *Plugin) Specs() []plugin.Spec {
	return []plugin.Spec{
		{
			Name:        "list_repos",
			MethodName:  "list_repos",
			Description: "List repositories visible to the configured token.",
			Scope:       reqcontext.ScopeRead,
			InputSchema: &jsonschema.Schema{Type: "object"},
		},
		{
			Name:        "create_issue",
			MethodName:  "create_issue",
			Description: "Open a new issue on a repository.",
			Scope:       reqcontext.ScopeWrite,
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"owner": {Type: "string"},
					"repo":  {Type: "string"},
					"title": {Type: "string"},
					"body":  {Type: "string"},
				},
				Required: []string{"owner", "repo", "title"},
			},
		},
		{
			Name:        "get_file_content",
			MethodName:  "get_file_content",
			Description: "Fetch a file's contents from a repository at a ref.",
			Scope:       reqcontext.ScopeRead,
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"owner": {Type: "string"},
					"repo":  {Type: "string"},
					"path":  {Type: "string"},
					"ref":   {Type: "string", Description: "Branch, tag, or commit SHA (default: repo's default branch)"},
				},
				Required: []string{"owner", "repo", "path"},
			},
		},
	}
}

// Call dispatches methodName to its upstream REST operation.
func (p *Plugin) Call(ctx context.Context, methodName string, args map[string]any) (any, error) {
	switch methodName {
	case "list_repos":
		return p.listRepos(ctx)
	case "create_issue":
		return p.createIssue(ctx, args)
	case "get_file_content":
		return p.getFileContent(ctx, args)
	default:
		return nil, plugin.ErrUnknownMethod{MethodName: methodName}
	}
}

// HealthCheck confirms the instance is reachable with a valid token.
func (p *Plugin) HealthCheck(ctx context.Context) (string, error) {
	_, err := p.do(ctx, http.MethodGet, "/api/v1/user", nil)
	if err != nil {
		return "", err
	}
	return `{"status":"ok"}`, nil
}

func (p *Plugin) listRepos(ctx context.Context) (any, error) {
	raw, err := p.do(ctx, http.MethodGet, "/api/v1/repos/search", nil)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("gitea: decode list_repos response: %w", err)
	}
	return body["data"], nil
}

func (p *Plugin) createIssue(ctx context.Context, args map[string]any) (any, error) {
	owner, _ := args["owner"].(string)
	repo, _ := args["repo"].(string)
	if owner == "" || repo == "" {
		return nil, &plugin.ValidationError{Message: "\"owner\" and \"repo\" are required"}
	}

	payload := map[string]any{"title": args["title"], "body": args["body"]}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gitea: encode create_issue body: %w", err)
	}

	raw, err := p.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/repos/%s/%s/issues", owner, repo), body)
	if err != nil {
		return nil, err
	}
	var issue map[string]any
	if err := json.Unmarshal(raw, &issue); err != nil {
		return nil, fmt.Errorf("gitea: decode create_issue response: %w", err)
	}
	return issue, nil
}

func (p *Plugin) getFileContent(ctx context.Context, args map[string]any) (any, error) {
	owner, _ := args["owner"].(string)
	repo, _ := args["repo"].(string)
	path, _ := args["path"].(string)
	if owner == "" || repo == "" || path == "" {
		return nil, &plugin.ValidationError{Message: "\"owner\", \"repo\", and \"path\" are required"}
	}

	url := fmt.Sprintf("/api/v1/repos/%s/%s/contents/%s", owner, repo, path)
	if ref, ok := args["ref"].(string); ok && ref != "" {
		url += "?ref=" + ref
	}

	raw, err := p.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("gitea: decode get_file_content response: %w", err)
	}
	return content, nil
}

func (p *Plugin) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitea: request failed: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &plugin.AuthenticationError{Message: "gitea rejected the configured token"}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gitea: %s %s: %s", method, path, resp.Status)
	}
	return buf, nil
}
