package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 256

// RedisStore keeps keys in an external redis server.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to the redis server at url (redis://host:port/db).
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, storeErr("open", "", fmt.Errorf("redis url is required"))
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, storeErr("open", "", fmt.Errorf("parsing redis url: %w", err))
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storeErr("open", "", fmt.Errorf("connecting to redis: %w", err))
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Begin starts a transaction. Reads go straight to the server; writes are
// buffered and applied atomically with MULTI/EXEC on Commit.
func (s *RedisStore) Begin(ctx context.Context) (Txn, error) {
	return &redisTxn{ctx: ctx, client: s.client, writes: make(map[string][]byte)}, nil
}

type redisTxn struct {
	ctx    context.Context
	client *redis.Client
	writes map[string][]byte
	order  []string
	done   bool
}

func (t *redisTxn) get(key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxnDone
	}
	if v, ok := t.writes[key]; ok {
		return v, true, nil
	}
	value, err := t.client.Get(t.ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, storeErr("get", key, err)
	}
	return value, true, nil
}

func (t *redisTxn) put(key string, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = value
	return nil
}

func (t *redisTxn) scan(prefix string) (map[string][]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	found := make(map[string][]byte)
	iter := t.client.Scan(t.ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	var keys []string
	for iter.Next(t.ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan", prefix, err)
	}
	if len(keys) > 0 {
		values, err := t.client.MGet(t.ctx, keys...).Result()
		if err != nil {
			return nil, storeErr("scan", prefix, err)
		}
		for i, key := range keys {
			if s, ok := values[i].(string); ok {
				found[key] = []byte(s)
			}
		}
	}
	for key, value := range t.writes {
		if strings.HasPrefix(key, prefix) {
			found[key] = value
		}
	}
	return found, nil
}

func (t *redisTxn) GetObject(namespace, id string) ([]byte, bool, error) {
	return t.get(ObjectKey(namespace, id))
}

func (t *redisTxn) PutObject(namespace, id string, value []byte) error {
	return t.put(ObjectKey(namespace, id), value)
}

func (t *redisTxn) GetRoot(namespace, alias string) (string, bool, error) {
	value, ok, err := t.get(RootKey(namespace, alias))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(value), true, nil
}

func (t *redisTxn) PutRoot(namespace, alias, id string) error {
	return t.put(RootKey(namespace, alias), []byte(id))
}

func (t *redisTxn) ListObjects(namespace string) ([]string, error) {
	prefix := ObjectPrefix(namespace)
	found, err := t.scan(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(found))
	for key := range found {
		ids = append(ids, strings.TrimPrefix(key, prefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *redisTxn) ListRoots(namespace string) (map[string]string, error) {
	prefix := RootPrefix(namespace)
	found, err := t.scan(prefix)
	if err != nil {
		return nil, err
	}
	roots := make(map[string]string, len(found))
	for key, value := range found {
		roots[strings.TrimPrefix(key, prefix)] = string(value)
	}
	return roots, nil
}

func (t *redisTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if len(t.order) == 0 {
		return nil
	}
	_, err := t.client.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		for _, key := range t.order {
			pipe.Set(t.ctx, key, t.writes[key], 0)
		}
		return nil
	})
	return storeErr("commit", "", err)
}

func (t *redisTxn) Rollback() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	t.writes = nil
	t.order = nil
	return nil
}

// escapeGlob quotes the characters redis treats specially in MATCH
// patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
