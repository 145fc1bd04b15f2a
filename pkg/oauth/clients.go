package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

// ClientRegistry is the process-global table of registered OAuth
// clients, addressable management endpoints register into.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewClientRegistry returns an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]Client)}
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// RegisterParams are the inputs to Register.
type RegisterParams struct {
	ClientID                string // generated if empty
	DisplayName             string
	RedirectURIs            []string
	GrantTypes              []string
	AllowedScopes           string
	TokenEndpointAuthMethod string
	Metadata                map[string]string
}

// Registered is Register's result: the raw client secret is surfaced
// exactly once.
type Registered struct {
	ClientID     string
	ClientSecret string
	Record       Client
}

// Register mints (or installs, if ClientID is given) a new OAuth client,
// normalizing its allowed scopes.
func (r *ClientRegistry) Register(p RegisterParams) (Registered, error) {
	scope, err := reqcontext.NormalizeScope(p.AllowedScopes)
	if err != nil {
		return Registered{}, fmt.Errorf("oauth: register client: %w", err)
	}

	clientID := p.ClientID
	if clientID == "" {
		suffix, err := randomURLSafe(12)
		if err != nil {
			return Registered{}, fmt.Errorf("oauth: generate client id: %w", err)
		}
		clientID = "client_" + suffix
	}

	secret, err := randomURLSafe(24)
	if err != nil {
		return Registered{}, fmt.Errorf("oauth: generate client secret: %w", err)
	}

	authMethod := p.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	rec := Client{
		ClientID:                clientID,
		SecretHashHex:           hashSecret(secret),
		DisplayName:             p.DisplayName,
		RedirectURIs:            p.RedirectURIs,
		GrantTypes:              p.GrantTypes,
		AllowedScopes:           scope,
		TokenEndpointAuthMethod: authMethod,
		Metadata:                p.Metadata,
	}

	r.mu.Lock()
	r.clients[clientID] = rec
	r.mu.Unlock()

	return Registered{ClientID: clientID, ClientSecret: secret, Record: rec}, nil
}

// Get returns the registered client, if any.
func (r *ClientRegistry) Get(clientID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// VerifySecret constant-time compares secret against the stored hash for
// clientID.
func (r *ClientRegistry) VerifySecret(clientID, secret string) bool {
	c, ok := r.Get(clientID)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(c.SecretHashHex)) == 1
}

// List returns every registered client.
func (r *ClientRegistry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Revoke removes clientID from the registry.
func (r *ClientRegistry) Revoke(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}
