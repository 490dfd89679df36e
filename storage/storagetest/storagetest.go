// Package storagetest holds the behavioural suite every storage.Repository
// backend must pass.
package storagetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/jmcleod/cloudcam/storage"
)

// Run exercises repo against the storage.Repository contract. The
// namespace is unique per call so a shared backend (redis) can be reused.
func Run(t *testing.T, repo storage.Repository, namespace string) {
	t.Helper()

	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}

	t.Run("GetUnknownNamespace", func(t *testing.T) {
		_, err := repo.Get(namespace+"-missing", "TOKEN", "current")
		if !errors.Is(err, storage.ErrNamespaceNotFound) && !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected not-found error, got %v", err)
		}
	})

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(namespace, "TOKEN", "current", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(namespace, "TOKEN", "current")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Ciphertext) != "cipher" || got.Scheme != "aes256gcm" {
			t.Errorf("unexpected envelope %+v", got)
		}
	})

	t.Run("Isolation", func(t *testing.T) {
		got, err := repo.Get(namespace, "TOKEN", "current")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got.Ciphertext[0] = 'X'
		again, _ := repo.Get(namespace, "TOKEN", "current")
		if again.Ciphertext[0] == 'X' {
			t.Error("repository returned shared memory")
		}
	})

	t.Run("GetMissingRecord", func(t *testing.T) {
		_, err := repo.Get(namespace, "TOKEN", "nope")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		if err := repo.Put(namespace, "TOKEN", "previous", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Put(namespace, "KEY", "current", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(namespace, "TOKEN")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if len(ids) != 2 || ids[0] != "current" || ids[1] != "previous" {
			t.Errorf("unexpected ids %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(namespace, "TOKEN", "previous"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(namespace, "TOKEN", "previous"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(namespace, "TOKEN", "previous"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
		}
	})
}
