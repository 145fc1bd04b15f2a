package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cmpkit/cmp-gateway/pkg/audit"
	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
)

// codeTTL and defaultRefresh are the spec's default lifetimes.
const (
	codeTTL        = 300 * time.Second
	defaultRefresh = 7 * 24 * time.Hour
)

// Server orchestrates the authorization-code+PKCE, refresh-rotation, and
// client-credentials flows over a Storage, ClientRegistry, and
// TokenManager. It is the process-global OAuth authorization server.
type Server struct {
	storage    Storage
	clients    *ClientRegistry
	tokens     *TokenManager
	auditLog   *audit.Logger // optional; nil disables security-event logging
	refreshTTL time.Duration
}

// NewServer wires a Server from its collaborators. auditLog may be nil.
func NewServer(storage Storage, clients *ClientRegistry, tokens *TokenManager, auditLog *audit.Logger, refreshTTL time.Duration) *Server {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefresh
	}
	return &Server{storage: storage, clients: clients, tokens: tokens, auditLog: auditLog, refreshTTL: refreshTTL}
}

func (s *Server) logSecurityEvent(eventType audit.EventType, message string, fields map[string]any) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.Append(audit.Entry{EventType: eventType, Level: audit.LevelCritical, Message: message, Fields: fields}); err != nil {
		cmplog.Logf("oauth: failed to record security event: %v", err)
	}
}

// AuthorizeRequest is the input to ValidateAuthorizeRequest.
type AuthorizeRequest struct {
	ClientID            string
	ResponseType        string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizeRequest applies the fixed rejection order from the
// spec: unknown client, bad response_type, ungranted grant, bad
// redirect_uri, missing/invalid PKCE, then scope.
func (s *Server) ValidateAuthorizeRequest(req AuthorizeRequest) (Client, error) {
	client, ok := s.clients.Get(req.ClientID)
	if !ok {
		return Client{}, errInvalidClient("unknown client_id")
	}
	if req.ResponseType != "code" {
		return Client{}, errUnsupportedResponse(`response_type must be "code"`)
	}
	if !client.allowsGrant("authorization_code") {
		return Client{}, errUnauthorizedClient("client is not authorized for the authorization_code grant")
	}
	if !client.allowsRedirect(req.RedirectURI) {
		return Client{}, errInvalidRequest("redirect_uri is not registered for this client")
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod != "S256" {
		return Client{}, errInvalidRequest("PKCE code_challenge with method S256 is required")
	}
	if err := s.validateScope(client, req.Scope); err != nil {
		return Client{}, err
	}
	return client, nil
}

func (s *Server) validateScope(client Client, requested string) error {
	allowed := make(map[string]bool)
	for _, f := range strings.Fields(client.AllowedScopes) {
		allowed[f] = true
	}
	for _, f := range strings.Fields(requested) {
		if !allowed[f] {
			return errInvalidScope(fmt.Sprintf("scope %q is not allowed for this client", f))
		}
	}
	return nil
}

// APIKeyMeta carries the API key a user authenticated with during login
// at /authorize, so the eventual access token inherits its project/scope.
type APIKeyMeta struct {
	KeyID     string
	ProjectID string
	Scope     string
}

// IssueCode mints and persists a fresh authorization code for a request
// that has already passed ValidateAuthorizeRequest.
func (s *Server) IssueCode(ctx context.Context, req AuthorizeRequest, userID string, apiKey *APIKeyMeta) (string, error) {
	suffix, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("oauth: generate code: %w", err)
	}
	code := "auth_" + suffix

	ac := AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().UTC().Add(codeTTL),
		UserID:              userID,
	}
	if apiKey != nil {
		ac.HasAPIKeyMeta = true
		ac.APIKeyID = apiKey.KeyID
		ac.APIKeyProject = apiKey.ProjectID
		ac.APIKeyScope = apiKey.Scope
	}

	if err := s.storage.SaveAuthorizationCode(ctx, ac); err != nil {
		return "", fmt.Errorf("oauth: save code: %w", err)
	}
	return code, nil
}

// IssuedTokens is the result of a successful code exchange or refresh.
type IssuedTokens struct {
	AccessToken  string
	RefreshToken string
	Claims       AccessTokenClaims
}

// ExchangeCodeParams are the inputs to ExchangeCode.
type ExchangeCodeParams struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeCode implements the code exchange state machine: fresh -> used
// | expired, with reuse of an already-used code treated as a critical
// security event.
func (s *Server) ExchangeCode(ctx context.Context, p ExchangeCodeParams) (IssuedTokens, error) {
	if !s.clients.VerifySecret(p.ClientID, p.ClientSecret) {
		return IssuedTokens{}, errInvalidClient("client authentication failed")
	}

	ac, ok, err := s.storage.GetAuthorizationCode(ctx, p.Code)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: load code: %w", err)
	}
	if !ok || ac.expired(time.Now().UTC()) {
		return IssuedTokens{}, errInvalidGrant("authorization code is invalid or expired")
	}
	if ac.Used {
		s.logSecurityEvent(audit.EventError, "authorization code replay detected", map[string]any{
			"client_id": p.ClientID, "code": p.Code,
		})
		return IssuedTokens{}, errInvalidGrant("authorization code has already been used")
	}
	if ac.ClientID != p.ClientID {
		return IssuedTokens{}, errInvalidGrant("authorization code was not issued to this client")
	}
	if ac.RedirectURI != p.RedirectURI {
		return IssuedTokens{}, errInvalidGrant("redirect_uri does not match the original authorization request")
	}
	if !VerifyPKCE(p.CodeVerifier, ac.CodeChallenge, ac.CodeChallengeMethod) {
		return IssuedTokens{}, errInvalidGrant("PKCE verification failed")
	}

	ac.Used = true
	if err := s.storage.UpdateAuthorizationCode(ctx, ac); err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: mark code used: %w", err)
	}

	scope := ac.Scope
	projectID := "*"
	if ac.HasAPIKeyMeta {
		scope = ac.APIKeyScope
		projectID = ac.APIKeyProject
	}

	return s.issueTokenPair(ctx, ac.ClientID, scope, projectID, ac.UserID, 0)
}

func (s *Server) issueTokenPair(ctx context.Context, clientID, scope, projectID, subject string, rotationCount int) (IssuedTokens, error) {
	accessToken, claims, err := s.tokens.IssueAccessToken(clientID, scope, projectID, subject)
	if err != nil {
		return IssuedTokens{}, err
	}
	if err := s.storage.SaveAccessTokenMeta(ctx, claims.JTI, claims); err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: save access token meta: %w", err)
	}

	refreshSuffix, err := randomURLSafe(32)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: generate refresh token: %w", err)
	}
	refreshToken := "refresh_" + refreshSuffix

	rt := RefreshToken{
		Token:             refreshToken,
		ClientID:          clientID,
		LinkedAccessToken: claims.JTI,
		Scope:             scope,
		ProjectID:         projectID,
		ExpiresAt:         time.Now().UTC().Add(s.refreshTTL),
		IssuedAt:          time.Now().UTC(),
		RotationCount:     rotationCount,
	}
	if err := s.storage.SaveRefreshToken(ctx, rt); err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: save refresh token: %w", err)
	}

	return IssuedTokens{AccessToken: accessToken, RefreshToken: refreshToken, Claims: claims}, nil
}

// RefreshParams are the inputs to Refresh.
type RefreshParams struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Refresh implements the refresh rotation state machine: live ->
// rotated(revoked) | rotated-reused(security_event).
func (s *Server) Refresh(ctx context.Context, p RefreshParams) (IssuedTokens, error) {
	if !s.clients.VerifySecret(p.ClientID, p.ClientSecret) {
		return IssuedTokens{}, errInvalidClient("client authentication failed")
	}

	rt, ok, err := s.storage.GetRefreshToken(ctx, p.RefreshToken, true)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: load refresh token: %w", err)
	}
	if !ok {
		return IssuedTokens{}, errInvalidGrant("refresh token is invalid")
	}
	if rt.Revoked {
		s.logSecurityEvent(audit.EventError, "refresh token reuse detected", map[string]any{
			"client_id": p.ClientID,
		})
		return IssuedTokens{}, errSecurityEvent("refresh token has already been rotated")
	}
	if rt.ClientID != p.ClientID {
		return IssuedTokens{}, errInvalidGrant("refresh token was not issued to this client")
	}
	if rt.expired(time.Now().UTC()) {
		return IssuedTokens{}, errInvalidGrant("refresh token has expired")
	}

	issued, err := s.issueTokenPair(ctx, rt.ClientID, rt.Scope, rt.ProjectID, "", rt.RotationCount+1)
	if err != nil {
		return IssuedTokens{}, err
	}

	if err := s.storage.RevokeRefreshToken(ctx, rt.Token); err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: revoke rotated refresh token: %w", err)
	}

	return issued, nil
}

// ClientCredentialsParams are the inputs to ClientCredentials.
type ClientCredentialsParams struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

// ClientCredentials implements the client_credentials grant: no refresh
// token is issued.
func (s *Server) ClientCredentials(ctx context.Context, p ClientCredentialsParams) (IssuedTokens, error) {
	client, ok := s.clients.Get(p.ClientID)
	if !ok || !s.clients.VerifySecret(p.ClientID, p.ClientSecret) {
		return IssuedTokens{}, errInvalidClient("client authentication failed")
	}
	if !client.allowsGrant("client_credentials") {
		return IssuedTokens{}, errUnauthorizedClient("client is not authorized for the client_credentials grant")
	}
	if err := s.validateScope(client, p.Scope); err != nil {
		return IssuedTokens{}, err
	}

	accessToken, claims, err := s.tokens.IssueAccessToken(p.ClientID, p.Scope, "*", "")
	if err != nil {
		return IssuedTokens{}, err
	}
	if err := s.storage.SaveAccessTokenMeta(ctx, claims.JTI, claims); err != nil {
		return IssuedTokens{}, fmt.Errorf("oauth: save access token meta: %w", err)
	}
	return IssuedTokens{AccessToken: accessToken, Claims: claims}, nil
}

// ValidateAccessToken is a thin pass-through to the TokenManager, kept on
// Server so callers only need one OAuth handle.
func (s *Server) ValidateAccessToken(token string) (AccessTokenClaims, error) {
	return s.tokens.ValidateAccessToken(token)
}
