// Package audit is the append-only JSON-lines audit log: size-based
// rotation, redaction of sensitive fields, and filtered queries. The
// open-schema Entry type and its enums are modeled directly on the
// teacher's pkg/policy/audit.go AuditEvent/AuditResult/AuditOutcomeReason
// shapes, generalized from policy-decision auditing to this gateway's
// broader event taxonomy (tool_call, authentication, health_check,
// error, system). File rotation and the gofrs/flock single-writer lock
// follow the same persistence idiom as the API-key store.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
)

// EventType is the audit taxonomy's top-level discriminator.
type EventType string

const (
	EventToolCall       EventType = "tool_call"
	EventAuthentication EventType = "authentication"
	EventHealthCheck    EventType = "health_check"
	EventError          EventType = "error"
	EventSystem         EventType = "system"
)

// Level is the audit entry's severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Entry is one open-schema audit record. Fixed fields are named; any
// additional event-specific data goes in Fields and is merged at the top
// level when serialized.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Level     Level          `json:"level"`
	ProjectID string         `json:"project_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"-"`
}

var sensitiveKeys = []string{
	"password", "app_password", "token", "api_key", "secret", "credential",
	"auth", "private_key", "access_token", "refresh_token",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redact recursively replaces any map value whose key case-insensitively
// contains a sensitive substring with the literal string "[REDACTED]".
func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val)
		}
		return out
	default:
		return v
	}
}

// marshal produces the single JSON object line for entry, with Fields
// merged at the top level (fixed fields win on key collision) and
// recursively redacted.
func (e Entry) marshal() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+7)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	out["event_type"] = e.EventType
	out["level"] = e.Level
	if e.ProjectID != "" {
		out["project_id"] = e.ProjectID
	}
	if e.ToolName != "" {
		out["tool_name"] = e.ToolName
	}
	if e.Success != nil {
		out["success"] = *e.Success
	}
	if e.Message != "" {
		out["message"] = e.Message
	}

	redacted := redact(out)
	buf, err := json.Marshal(redacted)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Logger is the process-global audit log writer.
type Logger struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	backupCount int
}

// Options configures a Logger.
type Options struct {
	MaxBytes    int64 // default 10 MiB
	BackupCount int   // default 5
}

// Open returns a Logger appending to path (directory created if absent),
// falling back to a writable temp directory on permission error.
func Open(path string, opts Options) (*Logger, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 * 1024 * 1024
	}
	if opts.BackupCount <= 0 {
		opts.BackupCount = 5
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		cmplog.Logf("audit: %q not writable (%v), falling back to temp dir", dir, err)
		path = filepath.Join(os.TempDir(), "cmp-gateway", filepath.Base(path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit: create fallback dir: %w", err)
		}
	}

	return &Logger{path: path, maxBytes: opts.MaxBytes, backupCount: opts.BackupCount}, nil
}

func (l *Logger) lockPath() string {
	return l.path + ".lock"
}

// rotate shifts current -> .1, .1 -> .2, ... dropping anything beyond
// backupCount. Caller must hold l.mu and the file lock.
func (l *Logger) rotate() error {
	for i := l.backupCount; i >= 1; i-- {
		src := l.backupName(i)
		if i == l.backupCount {
			os.Remove(src)
			continue
		}
		dst := l.backupName(i + 1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	return os.Rename(l.path, l.backupName(1))
}

func (l *Logger) backupName(n int) string {
	return fmt.Sprintf("%s.%d", l.path, n)
}

// Append writes entry as one newline-terminated JSON line, rotating the
// file first if it has reached maxBytes.
func (l *Logger) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := entry.marshal()
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fileLock := flock.New(l.lockPath())
	locked, err := fileLock.TryLock()
	if err != nil || !locked {
		return fmt.Errorf("audit: acquire log lock: %w", err)
	}
	defer fileLock.Unlock()

	if info, err := os.Stat(l.path); err == nil && info.Size() >= l.maxBytes {
		if err := l.rotate(); err != nil {
			cmplog.Logf("audit: rotation failed: %v", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// Filter narrows a Query: zero-value fields are not applied.
type Filter struct {
	EventType   EventType
	Level       Level
	ProjectID   string
	ToolName    string
	Since       time.Time
	Until       time.Time
	SuccessOnly bool
	Limit       int
}

func (f Filter) matches(raw map[string]any) bool {
	if f.EventType != "" && raw["event_type"] != string(f.EventType) {
		return false
	}
	if f.Level != "" && raw["level"] != string(f.Level) {
		return false
	}
	if f.ProjectID != "" && raw["project_id"] != f.ProjectID {
		return false
	}
	if f.ToolName != "" && raw["tool_name"] != f.ToolName {
		return false
	}
	if f.SuccessOnly {
		success, ok := raw["success"].(bool)
		if !ok || !success {
			return false
		}
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, ok := raw["timestamp"].(string)
		if !ok {
			return false
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && t.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && t.After(f.Until) {
			return false
		}
	}
	return true
}

// Query streams the log, applying filter, and returns up to filter.Limit
// matches in file order (oldest first).
func (l *Logger) Query(filter Filter) ([]map[string]any, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open log for query: %w", err)
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}
		if !filter.matches(raw) {
			continue
		}
		out = append(out, raw)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, scanner.Err()
}

// RecentEntries returns up to n entries, newest first.
func (l *Logger) RecentEntries(n int) ([]map[string]any, error) {
	all, err := l.Query(Filter{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		ti, _ := all[i]["timestamp"].(string)
		tj, _ := all[j]["timestamp"].(string)
		return ti > tj
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Stats is a derived summary over the full log.
type Stats struct {
	CountsByType  map[string]int
	CountsByLevel map[string]int
	SuccessRate   float64 // over entries carrying a "success" field
	FileSizeBytes int64
}

// Statistics computes Stats by a full scan of the log.
func (l *Logger) Statistics() (Stats, error) {
	entries, err := l.Query(Filter{})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{CountsByType: map[string]int{}, CountsByLevel: map[string]int{}}
	var successCarrying, successful int
	for _, e := range entries {
		if t, ok := e["event_type"].(string); ok {
			stats.CountsByType[t]++
		}
		if lv, ok := e["level"].(string); ok {
			stats.CountsByLevel[lv]++
		}
		if s, ok := e["success"].(bool); ok {
			successCarrying++
			if s {
				successful++
			}
		}
	}
	if successCarrying > 0 {
		stats.SuccessRate = float64(successful) / float64(successCarrying)
	}

	if info, err := os.Stat(l.path); err == nil {
		stats.FileSizeBytes = info.Size()
	}
	return stats, nil
}
