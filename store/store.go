// Package store persists cloudstate objects and roots in a transactional
// key-value store.
//
// Every backend uses the same key layout:
//
//	objects:{namespace}:{id}    -> serialized object payload
//	roots:{namespace}:{alias}   -> object id
//
// The layout is part of the on-disk format and must not change between
// versions.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	objectsPrefix = "objects:"
	rootsPrefix   = "roots:"
)

var (
	// ErrStore is matched by every *StoreError.
	ErrStore = errors.New("store error")

	// ErrTxnDone is returned when a committed or rolled back transaction
	// is used again.
	ErrTxnDone = errors.New("transaction already finished")
)

// Store opens transactions against one backend.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// Txn is a single store transaction. Writes become visible to other
// transactions only after Commit.
type Txn interface {
	GetObject(namespace, id string) ([]byte, bool, error)
	PutObject(namespace, id string, value []byte) error
	GetRoot(namespace, alias string) (string, bool, error)
	PutRoot(namespace, alias, id string) error

	// ListObjects returns the ids stored under namespace in key order.
	ListObjects(namespace string) ([]string, error)
	// ListRoots returns every alias -> id binding under namespace.
	ListRoots(namespace string) (map[string]string, error)

	Commit() error
	Rollback() error
}

// StoreError wraps a backend failure.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports ErrStore so callers can classify without a type switch.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// ObjectKey returns the key holding object id in namespace.
func ObjectKey(namespace, id string) string {
	return objectsPrefix + namespace + ":" + id
}

// RootKey returns the key holding the root alias in namespace.
func RootKey(namespace, alias string) string {
	return rootsPrefix + namespace + ":" + alias
}

// ObjectPrefix returns the common prefix of every object key in namespace.
func ObjectPrefix(namespace string) string {
	return objectsPrefix + namespace + ":"
}

// RootPrefix returns the common prefix of every root key in namespace.
func RootPrefix(namespace string) string {
	return rootsPrefix + namespace + ":"
}

// prefixEnd returns the exclusive upper bound of the range holding every
// key that starts with prefix. Prefixes always end in ':' so bumping the
// last byte to ';' is enough.
func prefixEnd(prefix string) string {
	return strings.TrimSuffix(prefix, ":") + ";"
}

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Path     string
	RedisURL string
}

// Open opens the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendDisk, "":
		return OpenDisk(ctx, opts.Path)
	case BackendMemory:
		return OpenMemory(ctx)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
