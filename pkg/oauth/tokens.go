package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenManager signs and verifies JWT access tokens. Its signing call
// shape (jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{...}).
// SignedString(secret)) is grounded directly on goatkit-goatflow's
// internal/service/auth_service.go generateAccessToken/generateRefreshToken.
type TokenManager struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
}

// NewTokenManager returns a manager signing HS256 tokens with secret.
func NewTokenManager(secret []byte, issuer string, accessTTL time.Duration) *TokenManager {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &TokenManager{secret: secret, issuer: issuer, accessTTL: accessTTL}
}

// IssueAccessToken mints a signed JWT over the given claims, returning
// the token string and its claims, including the jti assigned to it.
func (tm *TokenManager) IssueAccessToken(clientID, scope, projectID, subject string) (string, AccessTokenClaims, error) {
	jti, err := randomURLSafe(16)
	if err != nil {
		return "", AccessTokenClaims{}, fmt.Errorf("oauth: generate jti: %w", err)
	}

	now := time.Now().UTC()
	exp := now.Add(tm.accessTTL)

	claims := jwt.MapClaims{
		"client_id":  clientID,
		"scope":      scope,
		"project_id": projectID,
		"iat":        now.Unix(),
		"nbf":        now.Unix(),
		"exp":        exp.Unix(),
		"jti":        jti,
	}
	if tm.issuer != "" {
		claims["iss"] = tm.issuer
	}
	if subject != "" {
		claims["sub"] = subject
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", AccessTokenClaims{}, fmt.Errorf("oauth: sign access token: %w", err)
	}

	return signed, AccessTokenClaims{
		ClientID: clientID, Scope: scope, ProjectID: projectID,
		IssuedAt: now, ExpiresAt: exp, JTI: jti, Subject: subject,
	}, nil
}

// ValidationError distinguishes an expired token from every other
// validation failure (the spec calls this out as a distinct kind).
type ValidationError struct {
	Expired bool
	Err     error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ValidateAccessToken verifies signature, exp, and nbf, returning the
// decoded claims.
func (tm *TokenManager) ValidateAccessToken(tokenString string) (AccessTokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return AccessTokenClaims{}, &ValidationError{Expired: true, Err: err}
		}
		return AccessTokenClaims{}, &ValidationError{Err: fmt.Errorf("oauth: invalid access token: %w", err)}
	}
	if !token.Valid {
		return AccessTokenClaims{}, &ValidationError{Err: fmt.Errorf("oauth: invalid access token")}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AccessTokenClaims{}, &ValidationError{Err: fmt.Errorf("oauth: malformed claims")}
	}

	out := AccessTokenClaims{
		ClientID:  stringClaim(claims, "client_id"),
		Scope:     stringClaim(claims, "scope"),
		ProjectID: stringClaim(claims, "project_id"),
		JTI:       stringClaim(claims, "jti"),
		Subject:   stringClaim(claims, "sub"),
	}
	if iat, ok := claims["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0).UTC()
	}
	if exp, ok := claims["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return out, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
