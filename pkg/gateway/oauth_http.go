package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cmpkit/cmp-gateway/pkg/oauth"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

// mountOAuth registers the authorization server's wire surface.
// /authorize and /token implement RFC 6749/PKCE as a JSON API; the
// consent/login UI itself (HTML rendering, CSRF form glue) is external
// collaborator territory, so /authorize here simply issues a code, bound
// to the caller's API key when one is presented.
func (g *Gateway) mountOAuth(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", g.handleAuthorize)
	mux.HandleFunc("/token", g.handleToken)
	mux.HandleFunc("/oauth/csrf", g.handleCSRFToken)
	mux.HandleFunc("/oauth/clients", g.handleOAuthClients)
}

func writeOAuthError(w http.ResponseWriter, err error) {
	oerr, ok := err.(*oauth.Error)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oerr.Code,
		"error_description": oerr.Description,
	})
}

func (g *Gateway) requireMasterKey(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || g.Config.MasterAPIKey == "" || token != g.Config.MasterAPIKey {
		http.Error(w, "master key required", http.StatusUnauthorized)
		return false
	}
	return true
}

// handleAuthorize validates the request and issues a one-time
// authorization code. A Bearer API key is optional; when one is presented
// and valid, its key id, project and scope are attached to the code; an
// invalid one is rejected. csrf_token must have been minted by /oauth/csrf and is consumed
// here (one-time use).
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if !g.CSRF.Consume(q.Get("csrf_token")) {
		http.Error(w, "invalid or expired csrf_token", http.StatusBadRequest)
		return
	}

	req := oauth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	if _, err := g.OAuth.ValidateAuthorizeRequest(req); err != nil {
		writeOAuthError(w, err)
		return
	}

	var apiKeyMeta *oauth.APIKeyMeta
	if raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); raw != "" {
		key, err := g.APIKeys.Validate(raw, "", reqcontext.ScopeRead, true)
		if err != nil {
			http.Error(w, "invalid API key presented for login", http.StatusUnauthorized)
			return
		}
		apiKeyMeta = &oauth.APIKeyMeta{KeyID: key.KeyID, ProjectID: key.ProjectID, Scope: key.Scope}
	}

	code, err := g.OAuth.IssueCode(r.Context(), req, "", apiKeyMeta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code})
}

func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := clientCredentialsFromRequest(r)

	var (
		tokens oauth.IssuedTokens
		err    error
	)

	switch grant := r.FormValue("grant_type"); grant {
	case "authorization_code":
		tokens, err = g.OAuth.ExchangeCode(r.Context(), oauth.ExchangeCodeParams{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         r.FormValue("code"),
			RedirectURI:  r.FormValue("redirect_uri"),
			CodeVerifier: r.FormValue("code_verifier"),
		})
	case "refresh_token":
		tokens, err = g.OAuth.Refresh(r.Context(), oauth.RefreshParams{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: r.FormValue("refresh_token"),
		})
	case "client_credentials":
		tokens, err = g.OAuth.ClientCredentials(r.Context(), oauth.ClientCredentialsParams{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scope:        r.FormValue("scope"),
		})
	default:
		http.Error(w, `unsupported_grant_type`, http.StatusBadRequest)
		return
	}

	if err != nil {
		writeOAuthError(w, err)
		return
	}

	resp := map[string]any{
		"access_token": tokens.AccessToken,
		"token_type":   "Bearer",
		"scope":        tokens.Claims.Scope,
	}
	if tokens.RefreshToken != "" {
		resp["refresh_token"] = tokens.RefreshToken
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func clientCredentialsFromRequest(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func (g *Gateway) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := g.CSRF.GenerateToken()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"csrf_token": token})
}

// handleOAuthClients is the register/list/revoke management surface
// named but not detailed by the spec, guarded by the master key.
func (g *Gateway) handleOAuthClients(w http.ResponseWriter, r *http.Request) {
	if !g.requireMasterKey(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.Clients.List())

	case http.MethodPost:
		var params oauth.RegisterParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		registered, err := g.Clients.Register(params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registered)

	case http.MethodDelete:
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
			return
		}
		g.Clients.Revoke(clientID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
