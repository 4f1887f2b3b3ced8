// Package bridge implements the four storage operations guest scripts use
// to reach the object store. Each call runs in its own store transaction.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/chazu/cloudstate/store"
)

// MaxNameLength bounds namespaces, ids and aliases.
const MaxNameLength = 256

var (
	// ErrInvalid is matched by every *BridgeError.
	ErrInvalid = errors.New("invalid storage name")

	// ErrUnavailable is returned by a Bridge with no store attached.
	ErrUnavailable = errors.New("storage is not available")
)

// BridgeError reports a namespace, id or alias that would break the key
// layout. It is returned before any transaction starts.
type BridgeError struct {
	Field  string
	Value  string
	Reason string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Is reports ErrInvalid.
func (e *BridgeError) Is(target error) bool { return target == ErrInvalid }

// Validate checks that value can be embedded in a store key.
func Validate(field, value string) error {
	switch {
	case value == "":
		return &BridgeError{Field: field, Value: value, Reason: "must not be empty"}
	case len(value) > MaxNameLength:
		return &BridgeError{Field: field, Value: value[:32] + "...", Reason: fmt.Sprintf("longer than %d bytes", MaxNameLength)}
	case !utf8.ValidString(value):
		return &BridgeError{Field: field, Value: value, Reason: "not valid UTF-8"}
	case strings.ContainsRune(value, ':'):
		return &BridgeError{Field: field, Value: value, Reason: "must not contain ':'"}
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return &BridgeError{Field: field, Value: value, Reason: "must not contain control characters"}
		}
	}
	return nil
}

// Bridge performs validated, namespaced operations against a store.
type Bridge struct {
	store store.Store
}

// New returns a bridge backed by s.
func New(s store.Store) *Bridge {
	return &Bridge{store: s}
}

// Unavailable returns a bridge that rejects every operation. Server state
// builds use it so compiling a script never touches the store.
func Unavailable() *Bridge {
	return &Bridge{}
}

// Store returns the backing store, or nil.
func (b *Bridge) Store() store.Store { return b.store }

// ObjectSet overwrites object id in namespace with value.
func (b *Bridge) ObjectSet(ctx context.Context, namespace, id string, value []byte) error {
	if err := validateAll("namespace", namespace, "id", id); err != nil {
		return err
	}
	return b.update(ctx, func(txn store.Txn) error {
		return txn.PutObject(namespace, id, value)
	})
}

// ObjectGet returns the payload of object id, or false when it was never
// set.
func (b *Bridge) ObjectGet(ctx context.Context, namespace, id string) ([]byte, bool, error) {
	if err := validateAll("namespace", namespace, "id", id); err != nil {
		return nil, false, err
	}
	var (
		value []byte
		found bool
	)
	err := b.view(ctx, func(txn store.Txn) error {
		var err error
		value, found, err = txn.GetObject(namespace, id)
		return err
	})
	return value, found, err
}

// RootSet binds alias to object id. The object does not have to exist.
func (b *Bridge) RootSet(ctx context.Context, namespace, alias, id string) error {
	if err := validateAll("namespace", namespace, "alias", alias, "id", id); err != nil {
		return err
	}
	return b.update(ctx, func(txn store.Txn) error {
		return txn.PutRoot(namespace, alias, id)
	})
}

// RootGet returns the id bound to alias, or false when unbound.
func (b *Bridge) RootGet(ctx context.Context, namespace, alias string) (string, bool, error) {
	if err := validateAll("namespace", namespace, "alias", alias); err != nil {
		return "", false, err
	}
	var (
		id    string
		found bool
	)
	err := b.view(ctx, func(txn store.Txn) error {
		var err error
		id, found, err = txn.GetRoot(namespace, alias)
		return err
	})
	return id, found, err
}

func (b *Bridge) update(ctx context.Context, fn func(store.Txn) error) error {
	if b.store == nil {
		return ErrUnavailable
	}
	txn, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

func (b *Bridge) view(ctx context.Context, fn func(store.Txn) error) error {
	if b.store == nil {
		return ErrUnavailable
	}
	txn, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()
	return fn(txn)
}

// validateAll takes alternating field names and values.
func validateAll(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := Validate(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// ListObjects returns the ids of every object in namespace, in key order.
func (b *Bridge) ListObjects(ctx context.Context, namespace string) ([]string, error) {
	if err := Validate("namespace", namespace); err != nil {
		return nil, err
	}
	var ids []string
	err := b.view(ctx, func(txn store.Txn) error {
		var err error
		ids, err = txn.ListObjects(namespace)
		return err
	})
	return ids, err
}

// ListRoots returns every alias in namespace with the id it is bound to.
func (b *Bridge) ListRoots(ctx context.Context, namespace string) (map[string]string, error) {
	if err := Validate("namespace", namespace); err != nil {
		return nil, err
	}
	var roots map[string]string
	err := b.view(ctx, func(txn store.Txn) error {
		var err error
		roots, err = txn.ListRoots(namespace)
		return err
	})
	return roots, err
}
