package reqcontext

import (
	"fmt"
	"sort"
	"strings"
)

// priority orders the three scopes from least to most privileged.
var priority = map[string]int{
	string(ScopeRead):  0,
	string(ScopeWrite): 1,
	string(ScopeAdmin): 2,
}

// Priority returns scope's privilege rank, or -1 if it is not one of
// read/write/admin.
func Priority(scope string) int {
	p, ok := priority[scope]
	if !ok {
		return -1
	}
	return p
}

// NormalizeScope validates and canonicalizes a raw scope string (as
// supplied when creating an API key or registering an OAuth client) into
// its ascending-priority, space-separated storage form. It rejects any
// token outside {read, write, admin}. normalize_scope(normalize_scope(s))
// == normalize_scope(s) by construction: the output is already the
// canonical form of itself.
func NormalizeScope(raw string) (string, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", fmt.Errorf("scope must not be empty")
	}

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if _, ok := priority[f]; !ok {
			return "", fmt.Errorf("invalid scope token %q: must be one of read, write, admin", f)
		}
		seen[f] = true
	}

	ordered := make([]string, 0, len(seen))
	for _, s := range []string{string(ScopeRead), string(ScopeWrite), string(ScopeAdmin)} {
		if seen[s] {
			ordered = append(ordered, s)
		}
	}
	sort.Strings(ordered) // alphabetical; orderedByPriority below restores priority order
	return strings.Join(orderedByPriority(ordered), " "), nil
}

func orderedByPriority(scopes []string) []string {
	sort.Slice(scopes, func(i, j int) bool { return priority[scopes[i]] < priority[scopes[j]] })
	return scopes
}

// MaxPriority returns the highest privilege rank present in a normalized
// (or raw, space-separated) scope string.
func MaxPriority(scope string) int {
	max := -1
	for _, f := range strings.Fields(scope) {
		if p := Priority(f); p > max {
			max = p
		}
	}
	return max
}

// Satisfies reports whether a caller holding scope can perform an
// operation requiring required: the key validates iff it either
// literally contains required or holds a scope of higher priority.
func Satisfies(scope string, required Scope) bool {
	return MaxPriority(scope) >= Priority(string(required))
}
