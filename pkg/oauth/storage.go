package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Storage is the pluggable persistence contract for authorization codes
// and tokens. GetRefreshToken's includeRevoked parameter is the only
// entry point that can observe revoked tombstones — required for reuse
// detection.
type Storage interface {
	SaveAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (AuthorizationCode, bool, error)
	UpdateAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	DeleteAuthorizationCode(ctx context.Context, code string) error

	SaveAccessTokenMeta(ctx context.Context, jti string, claims AccessTokenClaims) error
	GetAccessTokenMeta(ctx context.Context, jti string) (AccessTokenClaims, bool, error)

	SaveRefreshToken(ctx context.Context, token RefreshToken) error
	GetRefreshToken(ctx context.Context, token string, includeRevoked bool) (RefreshToken, bool, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}

// MemoryStorage is an in-process Storage, suitable for tests and for
// OAUTH_STORAGE_TYPE=memory deployments.
type MemoryStorage struct {
	mu            sync.Mutex
	codes         map[string]AuthorizationCode
	accessTokens  map[string]AccessTokenClaims
	refreshTokens map[string]RefreshToken
}

// NewMemoryStorage returns an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		codes:         make(map[string]AuthorizationCode),
		accessTokens:  make(map[string]AccessTokenClaims),
		refreshTokens: make(map[string]RefreshToken),
	}
}

func (m *MemoryStorage) SaveAuthorizationCode(_ context.Context, code AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

func (m *MemoryStorage) GetAuthorizationCode(_ context.Context, code string) (AuthorizationCode, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	return c, ok, nil
}

func (m *MemoryStorage) UpdateAuthorizationCode(_ context.Context, code AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

func (m *MemoryStorage) DeleteAuthorizationCode(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, code)
	return nil
}

func (m *MemoryStorage) SaveAccessTokenMeta(_ context.Context, jti string, claims AccessTokenClaims) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessTokens[jti] = claims
	return nil
}

func (m *MemoryStorage) GetAccessTokenMeta(_ context.Context, jti string) (AccessTokenClaims, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.accessTokens[jti]
	return c, ok, nil
}

func (m *MemoryStorage) SaveRefreshToken(_ context.Context, token RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[token.Token] = token
	return nil
}

func (m *MemoryStorage) GetRefreshToken(_ context.Context, token string, includeRevoked bool) (RefreshToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refreshTokens[token]
	if ok && t.Revoked && !includeRevoked {
		return RefreshToken{}, false, nil
	}
	return t, ok, nil
}

func (m *MemoryStorage) RevokeRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refreshTokens[token]
	if !ok {
		return nil
	}
	t.Revoked = true
	m.refreshTokens[token] = t
	return nil
}

// fileSnapshot is the on-disk shape for FileStorage: every table
// rewritten in full on each mutation, mirroring the teacher's
// pkg/gateway/project.SaveProfile read-modify-rewrite idiom.
type fileSnapshot struct {
	Codes         map[string]AuthorizationCode `json:"codes"`
	AccessTokens  map[string]AccessTokenClaims `json:"access_tokens"`
	RefreshTokens map[string]RefreshToken      `json:"refresh_tokens"`
}

// FileStorage is a JSON-file-backed Storage with gofrs/flock
// single-writer coordination, the same locking idiom as the API-key
// store and audit log.
type FileStorage struct {
	mu   sync.Mutex
	path string
	snap fileSnapshot
}

// OpenFileStorage loads (or initializes) the OAuth state file at path.
func OpenFileStorage(path string) (*FileStorage, error) {
	fs := &FileStorage{
		path: path,
		snap: fileSnapshot{
			Codes:         make(map[string]AuthorizationCode),
			AccessTokens:  make(map[string]AccessTokenClaims),
			RefreshTokens: make(map[string]RefreshToken),
		},
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStorage) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "oauth: read storage file")
	}
	if err := json.Unmarshal(data, &fs.snap); err != nil {
		return errors.Wrap(err, "oauth: parse storage file")
	}
	if fs.snap.Codes == nil {
		fs.snap.Codes = make(map[string]AuthorizationCode)
	}
	if fs.snap.AccessTokens == nil {
		fs.snap.AccessTokens = make(map[string]AccessTokenClaims)
	}
	if fs.snap.RefreshTokens == nil {
		fs.snap.RefreshTokens = make(map[string]RefreshToken)
	}
	return nil
}

func (fs *FileStorage) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return errors.Wrap(err, "oauth: mkdir storage dir")
	}

	lock := flock.New(fs.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return errors.Wrap(err, "oauth: acquire storage lock")
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(fs.snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "oauth: marshal storage")
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "oauth: write temp storage")
	}
	return errors.Wrap(os.Rename(tmp, fs.path), "oauth: rename temp storage")
}

func (fs *FileStorage) SaveAuthorizationCode(_ context.Context, code AuthorizationCode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.snap.Codes[code.Code] = code
	return fs.persistLocked()
}

func (fs *FileStorage) GetAuthorizationCode(_ context.Context, code string) (AuthorizationCode, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c, ok := fs.snap.Codes[code]
	return c, ok, nil
}

func (fs *FileStorage) UpdateAuthorizationCode(_ context.Context, code AuthorizationCode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.snap.Codes[code.Code]; !ok {
		return fmt.Errorf("oauth: update authorization code: not found")
	}
	fs.snap.Codes[code.Code] = code
	return fs.persistLocked()
}

func (fs *FileStorage) DeleteAuthorizationCode(_ context.Context, code string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.snap.Codes, code)
	return fs.persistLocked()
}

func (fs *FileStorage) SaveAccessTokenMeta(_ context.Context, jti string, claims AccessTokenClaims) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.snap.AccessTokens[jti] = claims
	return fs.persistLocked()
}

func (fs *FileStorage) GetAccessTokenMeta(_ context.Context, jti string) (AccessTokenClaims, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c, ok := fs.snap.AccessTokens[jti]
	return c, ok, nil
}

func (fs *FileStorage) SaveRefreshToken(_ context.Context, token RefreshToken) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.snap.RefreshTokens[token.Token] = token
	return fs.persistLocked()
}

func (fs *FileStorage) GetRefreshToken(_ context.Context, token string, includeRevoked bool) (RefreshToken, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.snap.RefreshTokens[token]
	if ok && t.Revoked && !includeRevoked {
		return RefreshToken{}, false, nil
	}
	return t, ok, nil
}

func (fs *FileStorage) RevokeRefreshToken(_ context.Context, token string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.snap.RefreshTokens[token]
	if !ok {
		return nil
	}
	t.Revoked = true
	fs.snap.RefreshTokens[token] = t
	return fs.persistLocked()
}
