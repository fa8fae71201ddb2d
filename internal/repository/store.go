package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var (
	// ErrNotFound is returned by Store.Get when nothing lives at a path.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPath rejects paths the hierarchical backends cannot address.
	ErrInvalidPath = errors.New("invalid path")
)

// Store is a hierarchical key-value store addressed by slash separated
// paths such as "devices/M1". A path holds either a JSON document or a
// branch of deeper paths; Get on a branch assembles its descendants into a
// single JSON object. Writing a path replaces whatever lived at or below
// it, and writing JSON null deletes it.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value any) error
	// Update applies every path in updates atomically.
	Update(ctx context.Context, updates map[string]any) error
	Exists(ctx context.Context, path string) (bool, error)
}

// JoinPath builds a store path from segments.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// ValidateSegment reports whether s can be used as a single path segment.
// The rules are the Firebase key rules plus the glob characters the Redis
// backend relies on for reindex scans.
func ValidateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if len(s) > 768 {
		return fmt.Errorf("%w: segment longer than 768 bytes", ErrInvalidPath)
	}
	for _, r := range s {
		if unicode.IsControl(r) || strings.ContainsRune(".#$[]/*?\\", r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidPath, s, r)
		}
	}
	return nil
}

func cleanPath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if err := ValidateSegment(seg); err != nil {
			return "", err
		}
	}
	return p, nil
}

// encodeUpdates validates and marshals a multi-path update before any
// backend touches storage. A nil document means delete.
func encodeUpdates(updates map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(updates))
	for raw, v := range updates {
		p, err := cleanPath(raw)
		if err != nil {
			return nil, err
		}
		if p == "" {
			return nil, fmt.Errorf("%w: cannot write the root", ErrInvalidPath)
		}
		doc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p, err)
		}
		if string(doc) == "null" {
			doc = nil
		}
		out[p] = doc
	}

	paths := make([]string, 0, len(out))
	for p := range out {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for i := 1; i < len(paths); i++ {
		if strings.HasPrefix(paths[i], paths[i-1]+"/") {
			return nil, fmt.Errorf("%w: %s overlaps %s", ErrInvalidPath, paths[i], paths[i-1])
		}
	}
	return out, nil
}

// branches lists every branch holding p: its proper ancestors, nearest
// first, then the root "".
func branches(p string) []string {
	return append(ancestors(p), "")
}

// ancestors lists the proper ancestors of p, nearest first.
func ancestors(p string) []string {
	var out []string
	for i := strings.LastIndexByte(p, '/'); i > 0; i = strings.LastIndexByte(p[:i], '/') {
		out = append(out, p[:i])
	}
	return out
}

// assemble folds documents keyed by their path relative to a branch into
// one nested JSON object.
func assemble(docs map[string]json.RawMessage) (json.RawMessage, error) {
	root := map[string]any{}
	rels := make([]string, 0, len(docs))
	for rel := range docs {
		rels = append(rels, rel)
	}
	// Shorter paths first so a document shadows anything stale below it.
	sort.Slice(rels, func(i, j int) bool { return len(rels[i]) < len(rels[j]) })

	for _, rel := range rels {
		node := root
		segs := strings.Split(rel, "/")
		for i, seg := range segs {
			if i == len(segs)-1 {
				if _, taken := node[seg]; !taken {
					node[seg] = docs[rel]
				}
				break
			}
			next, ok := node[seg].(map[string]any)
			if !ok {
				if _, taken := node[seg]; taken {
					break
				}
				next = map[string]any{}
				node[seg] = next
			}
			node = next
		}
	}
	return json.Marshal(root)
}

// inject returns doc with the value at rest replaced by v, creating
// intermediate objects as needed. A nil v removes the key.
func inject(doc json.RawMessage, rest []string, v json.RawMessage) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		// Scalars are replaced by an object, as the hosted database does.
		obj = map[string]json.RawMessage{}
	}
	key := rest[0]
	if len(rest) == 1 {
		if v == nil {
			delete(obj, key)
		} else {
			obj[key] = v
		}
		return json.Marshal(obj)
	}
	child, err := inject(obj[key], rest[1:], v)
	if err != nil {
		return nil, err
	}
	if string(child) == "{}" {
		delete(obj, key)
	} else {
		obj[key] = child
	}
	return json.Marshal(obj)
}

// extract walks into doc along rest. It is used when a path lies inside a
// stored document rather than being a document itself.
func extract(doc json.RawMessage, rest []string) (json.RawMessage, bool) {
	cur := doc
	for _, seg := range rest {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[seg]
		if !ok || string(next) == "null" {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
