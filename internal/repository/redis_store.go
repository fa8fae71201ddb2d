package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis backed store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one Redis string per document path. Each branch also has
// a set listing the document paths below it, so branch reads and subtree
// replacement never scan the keyspace. Multi-path updates, index changes
// included, run inside MULTI/EXEC so readers never observe half a commit.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client. prefix namespaces every
// key and must not contain glob characters.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) key(p string) string {
	return s.prefix + p
}

// indexKey names the set of document paths below branch p. '#' cannot
// appear in a path segment, so index keys never collide with documents.
func (s *RedisStore) indexKey(p string) string {
	return s.prefix + "#" + p
}

func (s *RedisStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	if p != "" {
		b, err := s.rdb.Get(ctx, s.key(p)).Bytes()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis get %s: %w", p, err)
		}
	}

	paths, err := s.descendants(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		keys := make([]string, len(paths))
		for i, d := range paths {
			keys[i] = s.key(d)
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget under %s: %w", p, err)
		}
		strip := ""
		if p != "" {
			strip = p + "/"
		}
		below := make(map[string]json.RawMessage, len(paths))
		for i, v := range vals {
			if str, ok := v.(string); ok {
				below[strings.TrimPrefix(paths[i], strip)] = json.RawMessage(str)
			}
		}
		if len(below) > 0 {
			return assemble(below)
		}
	}

	a, doc, ok, err := s.nearestDocument(ctx, p)
	if err != nil {
		return nil, err
	}
	if ok {
		if v, ok := extract(doc, strings.Split(strings.TrimPrefix(p, a+"/"), "/")); ok {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

func (s *RedisStore) Update(ctx context.Context, updates map[string]any) error {
	encoded, err := encodeUpdates(updates)
	if err != nil {
		return err
	}

	type write struct {
		path string
		doc  json.RawMessage
		dels []string
	}
	writes := make([]write, 0, len(encoded))
	merged := make(map[string]json.RawMessage)

	// Reads happen before MULTI; the commit itself is all-or-nothing.
	for p, doc := range encoded {
		a, parent, ok, err := s.nearestDocument(ctx, p)
		if err != nil {
			return err
		}
		if ok {
			if prev, seen := merged[a]; seen {
				parent = prev
			}
			next, err := inject(parent, strings.Split(strings.TrimPrefix(p, a+"/"), "/"), doc)
			if err != nil {
				return err
			}
			merged[a] = next
			continue
		}
		dels, err := s.descendants(ctx, p)
		if err != nil {
			return err
		}
		writes = append(writes, write{path: p, doc: doc, dels: dels})
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			for _, d := range w.dels {
				pipe.Del(ctx, s.key(d))
				s.unindex(ctx, pipe, d)
			}
			if w.doc == nil {
				pipe.Del(ctx, s.key(w.path))
				s.unindex(ctx, pipe, w.path)
				continue
			}
			pipe.Set(ctx, s.key(w.path), []byte(w.doc), 0)
			s.index(ctx, pipe, w.path)
		}
		for a, doc := range merged {
			pipe.Set(ctx, s.key(a), []byte(doc), 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis multi-path update: %w", err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// descendants lists the document paths below p from its branch index.
func (s *RedisStore) descendants(ctx context.Context, p string) ([]string, error) {
	paths, err := s.rdb.SMembers(ctx, s.indexKey(p)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index %s: %w", p, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, p string) {
	for _, b := range branches(p) {
		pipe.SAdd(ctx, s.indexKey(b), p)
	}
}

// unindex removes p from every branch above it. Redis drops a set once its
// last member is removed.
func (s *RedisStore) unindex(ctx context.Context, pipe redis.Pipeliner, p string) {
	for _, b := range branches(p) {
		pipe.SRem(ctx, s.indexKey(b), p)
	}
}

// Reindex rebuilds the branch indexes from the document keys under the
// prefix and returns how many documents it indexed. It scans the whole
// keyspace, so it is meant for data written before the indexes existed.
func (s *RedisStore) Reindex(ctx context.Context) (int, error) {
	pipe := s.rdb.Pipeline()
	n := 0
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		p, err := cleanPath(strings.TrimPrefix(iter.Val(), s.prefix))
		if err != nil || p == "" {
			// Index sets and foreign keys.
			continue
		}
		s.index(ctx, pipe, p)
		n++
		if pipe.Len() >= 1000 {
			if _, err := pipe.Exec(ctx); err != nil {
				return n, fmt.Errorf("redis reindex: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("redis scan %s*: %w", s.prefix, err)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return n, fmt.Errorf("redis reindex: %w", err)
	}
	return n, nil
}

// nearestDocument finds the closest ancestor of p stored as a document.
func (s *RedisStore) nearestDocument(ctx context.Context, p string) (string, json.RawMessage, bool, error) {
	anc := ancestors(p)
	if len(anc) == 0 {
		return "", nil, false, nil
	}
	keys := make([]string, len(anc))
	for i, a := range anc {
		keys[i] = s.key(a)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return "", nil, false, fmt.Errorf("redis mget ancestors of %s: %w", p, err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			return anc[i], json.RawMessage(str), true, nil
		}
	}
	return "", nil, false, nil
}
