package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	ctx := context.Background()
	if url := os.Getenv("CLOUDSTATE_TEST_REDIS_URL"); url != "" {
		rs, err := OpenRedis(ctx, url)
		if err != nil {
			t.Fatalf("OpenRedis: %v", err)
		}
		if err := rs.client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("FlushDB: %v", err)
		}
		return rs
	}
	mr := miniredis.RunT(t)
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:            mr.Addr(),
		DisableIdentity: true,
	}))
}

// backends returns a fresh store for every backend. Redis runs against an
// in-process miniredis unless CLOUDSTATE_TEST_REDIS_URL names a server.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]Store)

	disk, err := OpenDisk(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	out[BackendDisk] = disk

	mem, err := OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	out[BackendMemory] = mem

	out[BackendRedis] = newTestRedis(t)

	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func put(t *testing.T, s Store, fn func(Txn) error) {
	t.Helper()
	txn, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		t.Fatalf("write: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// view runs fn in a transaction that is rolled back before returning. The
// memory backend has a single connection, so a read transaction must not
// outlive the check that uses it.
func view(t *testing.T, s Store, fn func(Txn)) {
	t.Helper()
	txn, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()
	fn(txn)
}

func getObject(t *testing.T, s Store, ns, id string) ([]byte, bool) {
	t.Helper()
	var (
		value []byte
		ok    bool
	)
	view(t, s, func(txn Txn) {
		var err error
		value, ok, err = txn.GetObject(ns, id)
		if err != nil {
			t.Fatalf("GetObject(%s, %s): %v", ns, id, err)
		}
	})
	return value, ok
}

func TestKeys(t *testing.T) {
	if got := ObjectKey("ns", "obj1"); got != "objects:ns:obj1" {
		t.Errorf("ObjectKey = %q", got)
	}
	if got := RootKey("ns", "main"); got != "roots:ns:main" {
		t.Errorf("RootKey = %q", got)
	}
	if got := prefixEnd(ObjectPrefix("ns")); got != "objects:ns;" {
		t.Errorf("prefixEnd = %q", got)
	}
}

func TestObjectRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			value := []byte{0, 1, 2, 0xff, 'x'}
			put(t, s, func(txn Txn) error { return txn.PutObject("ns", "x", value) })

			got, ok := getObject(t, s, "ns", "x")
			if !ok || !bytes.Equal(got, value) {
				t.Errorf("GetObject = %v, %v; want %v", got, ok, value)
			}
		})
	}
}

func TestObjectAbsent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, ok := getObject(t, s, "ns", "never-set")
			if ok || got != nil {
				t.Errorf("GetObject = %v, %v; want absent", got, ok)
			}
		})
	}
}

func TestOverwrite(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, func(txn Txn) error { return txn.PutObject("ns", "x", []byte("one")) })
			put(t, s, func(txn Txn) error { return txn.PutObject("ns", "x", []byte("two")) })
			got, _ := getObject(t, s, "ns", "x")
			if string(got) != "two" {
				t.Errorf("GetObject = %q, want %q", got, "two")
			}
		})
	}
}

func TestRootsAndDangling(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, func(txn Txn) error { return txn.PutRoot("ns", "a", "obj1") })

			view(t, s, func(txn Txn) {
				id, ok, err := txn.GetRoot("ns", "a")
				if err != nil {
					t.Fatalf("GetRoot: %v", err)
				}
				if !ok || id != "obj1" {
					t.Errorf("GetRoot = %q, %v; want obj1", id, ok)
				}
			})

			if _, ok := getObject(t, s, "ns", "obj1"); ok {
				t.Error("dangling root target should be absent")
			}
		})
	}
}

func TestNamespaceIsolation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, func(txn Txn) error {
				if err := txn.PutObject("ns1", "x", []byte("v1")); err != nil {
					return err
				}
				if err := txn.PutObject("ns2", "x", []byte("v2")); err != nil {
					return err
				}
				return txn.PutObject("ns10", "y", []byte("v3"))
			})

			for ns, want := range map[string]string{"ns1": "v1", "ns2": "v2"} {
				if got, _ := getObject(t, s, ns, "x"); string(got) != want {
					t.Errorf("GetObject(%s) = %q, want %q", ns, got, want)
				}
			}

			view(t, s, func(txn Txn) {
				ids, err := txn.ListObjects("ns1")
				if err != nil {
					t.Fatalf("ListObjects: %v", err)
				}
				if len(ids) != 1 || ids[0] != "x" {
					t.Errorf("ListObjects(ns1) = %v, want [x]", ids)
				}
			})
		})
	}
}

func TestListRoots(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, func(txn Txn) error {
				if err := txn.PutRoot("ns", "a", "1"); err != nil {
					return err
				}
				if err := txn.PutRoot("ns", "b", "2"); err != nil {
					return err
				}
				return txn.PutRoot("other", "c", "3")
			})
			view(t, s, func(txn Txn) {
				roots, err := txn.ListRoots("ns")
				if err != nil {
					t.Fatalf("ListRoots: %v", err)
				}
				if len(roots) != 2 || roots["a"] != "1" || roots["b"] != "2" {
					t.Errorf("ListRoots = %v", roots)
				}
			})
		})
	}
}

func TestRollbackDiscards(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			txn, err := s.Begin(context.Background())
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if err := txn.PutObject("ns", "gone", []byte("v")); err != nil {
				t.Fatalf("PutObject: %v", err)
			}
			if err := txn.Rollback(); err != nil {
				t.Fatalf("Rollback: %v", err)
			}
			if err := txn.Commit(); !errors.Is(err, ErrTxnDone) {
				t.Errorf("Commit after Rollback = %v, want ErrTxnDone", err)
			}

			if _, ok := getObject(t, s, "ns", "gone"); ok {
				t.Error("rolled back write is visible")
			}
		})
	}
}

func TestDiskSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenDisk(ctx, dir)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	put(t, s, func(txn Txn) error { return txn.PutObject("ns", "x", []byte("durable")) })
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenDisk(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, ok := getObject(t, s, "ns", "x"); !ok || string(got) != "durable" {
		t.Errorf("after reopen: %q %v", got, ok)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "tape"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestStoreErrorIs(t *testing.T) {
	err := storeErr("get", "objects:ns:x", errors.New("boom"))
	if !errors.Is(err, ErrStore) {
		t.Error("StoreError should match ErrStore")
	}
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "get" {
		t.Errorf("errors.As = %+v", se)
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("objects:a*b?:"); got != `objects:a\*b\?:` {
		t.Errorf("escapeGlob = %q", got)
	}
}
