// Package apikey is the hashed per-project API-key store: JSON-file
// persistence with single-writer semantics, following the teacher's
// pkg/gateway/project.LoadProfiles/SaveProfile read-modify-rewrite idiom
// (read-existing-if-present, mutate in memory, json.MarshalIndent,
// os.WriteFile), plus the gofrs/flock advisory lock the teacher uses in
// pkg/db/db.go to coordinate single-writer access to a shared file.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

// Key is one stored API key record. The raw secret is never persisted,
// only its SHA-256 hash.
type Key struct {
	KeyID       string     `json:"key_id"`
	HashHex     string     `json:"key_hash"`
	ProjectID   string     `json:"project_id"` // reqcontext.GlobalProject ("*") for a master-equivalent key
	Scope       string     `json:"scope"`      // normalized, ascending-priority, space-separated
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`
	Description string     `json:"description,omitempty"`
	Revoked     bool       `json:"revoked"`
}

type fileFormat struct {
	Keys []Key `json:"keys"`
}

// Store is the process-global, JSON-file-backed API key table.
type Store struct {
	mu   sync.Mutex
	path string
	keys map[string]Key // key_id -> Key
}

// Open loads (or initializes) the key store at path. If path's directory
// is not writable, it falls back to a writable temp directory, logging a
// warning, per the spec's local-recovery rule.
func Open(path string) (*Store, error) {
	path = ensureWritablePath(path)

	s := &Store{path: path, keys: make(map[string]Key)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func ensureWritablePath(path string) string {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		probe := filepath.Join(dir, ".write_probe")
		if f, err := os.Create(probe); err == nil {
			f.Close()
			os.Remove(probe)
			return path
		}
	}
	cmplog.Logf("apikey: %q not writable, falling back to temp dir", dir)
	return filepath.Join(os.TempDir(), "cmp-gateway", filepath.Base(path))
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "apikey: read store")
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return errors.Wrap(err, "apikey: parse store")
	}
	for _, k := range ff.Keys {
		s.keys[k.KeyID] = k
	}
	return nil
}

// persist rewrites the entire file under an advisory file lock, giving
// at-most-one-writer semantics across processes as well as goroutines.
func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "apikey: mkdir store dir")
	}

	fileLock := flock.New(s.lockPath())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	locked, err := fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return errors.Wrap(err, "apikey: acquire store lock")
	}
	defer fileLock.Unlock()

	ff := fileFormat{Keys: make([]Key, 0, len(s.keys))}
	for _, k := range s.keys {
		ff.Keys = append(ff.Keys, k)
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return errors.Wrap(err, "apikey: marshal store")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "apikey: write temp store")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "apikey: rename temp store")
	}
	return nil
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	ProjectID   string // reqcontext.GlobalProject for a non-project-scoped key
	Scope       string // raw; normalized by NormalizeScope
	ExpiresAt   *time.Time
	Description string
}

// Created is the result of Create: the raw key is surfaced exactly once.
type Created struct {
	RawKey string
	Record Key
}

// Create mints a new key, rejecting any scope token outside
// {read,write,admin}.
func (s *Store) Create(p CreateParams) (Created, error) {
	scope, err := reqcontext.NormalizeScope(p.Scope)
	if err != nil {
		return Created{}, fmt.Errorf("apikey: create: %w", err)
	}

	rawSecret, err := randomURLSafe(32)
	if err != nil {
		return Created{}, errors.Wrap(err, "apikey: generate secret")
	}
	rawKey := "cmp_" + rawSecret

	idSuffix, err := randomURLSafe(16)
	if err != nil {
		return Created{}, errors.Wrap(err, "apikey: generate key id")
	}
	keyID := "key_" + idSuffix

	rec := Key{
		KeyID:       keyID,
		HashHex:     hashKey(rawKey),
		ProjectID:   p.ProjectID,
		Scope:       scope,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   p.ExpiresAt,
		Description: p.Description,
	}

	s.mu.Lock()
	s.keys[keyID] = rec
	err = s.persist()
	s.mu.Unlock()
	if err != nil {
		return Created{}, err
	}

	return Created{RawKey: rawKey, Record: rec}, nil
}

// ErrInvalid is returned by Validate for any rejection (revoked,
// expired, project mismatch, insufficient scope, unknown key) — the
// message deliberately does not distinguish these cases to an external
// caller.
var ErrInvalid = fmt.Errorf("invalid API key")

// Validate checks rawKey against the store for the given project and
// required scope. skipProjectCheck bypasses the project_id match (used
// by master-key-equivalent callers resolving a specific tenant).
func (s *Store) Validate(rawKey, projectID string, required reqcontext.Scope, skipProjectCheck bool) (Key, error) {
	hash := hashKey(rawKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Key
	for id, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k.HashHex), []byte(hash)) == 1 {
			rec := s.keys[id]
			found = &rec
			break
		}
	}
	if found == nil {
		return Key{}, ErrInvalid
	}
	if found.Revoked {
		return Key{}, ErrInvalid
	}
	if found.ExpiresAt != nil && time.Now().UTC().After(*found.ExpiresAt) {
		return Key{}, ErrInvalid
	}
	if !skipProjectCheck && found.ProjectID != reqcontext.GlobalProject && found.ProjectID != projectID {
		return Key{}, ErrInvalid
	}
	if !reqcontext.Satisfies(found.Scope, required) {
		return Key{}, ErrInvalid
	}

	now := time.Now().UTC()
	found.UsageCount++
	found.LastUsedAt = &now
	s.keys[found.KeyID] = *found

	if err := s.persist(); err != nil {
		return Key{}, err
	}
	return *found, nil
}

// Revoke marks keyID revoked.
func (s *Store) Revoke(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return fmt.Errorf("apikey: revoke: %w: %s", ErrInvalid, "unknown key id")
	}
	k.Revoked = true
	s.keys[keyID] = k
	return s.persist()
}

// List returns every key record for projectID (or every key, if
// projectID is reqcontext.GlobalProject).
func (s *Store) List(projectID string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Key, 0)
	for _, k := range s.keys {
		if projectID == reqcontext.GlobalProject || k.ProjectID == projectID {
			out = append(out, k)
		}
	}
	return out
}

// Rotate replaces every non-revoked key for projectID with a fresh key of
// the same scope, revoking the originals. It returns the newly created
// keys (each with its raw secret revealed once).
func (s *Store) Rotate(projectID string) ([]Created, error) {
	s.mu.Lock()
	var toRotate []Key
	for _, k := range s.keys {
		if k.ProjectID == projectID && !k.Revoked {
			toRotate = append(toRotate, k)
		}
	}
	s.mu.Unlock()

	created := make([]Created, 0, len(toRotate))
	for _, old := range toRotate {
		fresh, err := s.Create(CreateParams{
			ProjectID:   old.ProjectID,
			Scope:       old.Scope,
			ExpiresAt:   old.ExpiresAt,
			Description: old.Description,
		})
		if err != nil {
			return created, err
		}
		if err := s.Revoke(old.KeyID); err != nil {
			return created, err
		}
		created = append(created, fresh)
	}
	return created, nil
}
