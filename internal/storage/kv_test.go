package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"icgate/go-backend/internal/testutil/fsperm"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "identity/current"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := kv.Put(ctx, "identity/current", []byte("v1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := kv.Put(ctx, "identity/current", []byte("v2")); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	got, err := kv.Get(ctx, "identity/current")
	if err != nil || string(got) != "v2" {
		t.Fatalf("unexpected value %q err=%v", got, err)
	}

	for _, k := range []string{"identity/backups/b", "identity/backups/a", "registry/entries"} {
		if err := kv.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("put %s failed: %v", k, err)
		}
	}
	keys, err := kv.List(ctx, "identity/backups/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if want := []string{"identity/backups/a", "identity/backups/b"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := kv.Delete(ctx, "identity/backups/a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := kv.Delete(ctx, "identity/backups/a"); err != nil {
		t.Fatalf("second delete must be idempotent: %v", err)
	}
	if _, err := kv.Get(ctx, "identity/backups/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	if err := kv.Put(ctx, "../escape", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := kv.Get(ctx, "registry/entries"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestFileKV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("new file kv failed: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, dir)
	if err := kv.Put(context.Background(), "perm/check", []byte("x")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	fsperm.AssertPrivateFilePerm(t, filepath.Join(dir, "perm", "check"+fileSuffix))
	fsperm.AssertPrivateDirPerm(t, filepath.Join(dir, "perm"))
	exerciseKV(t, kv)
}

func TestFileKVSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("new file kv failed: %v", err)
	}
	if err := kv.Put(ctx, "registry/entries", []byte("[]")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	_ = kv.Close()

	reopened, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Get(ctx, "registry/entries")
	if err != nil || string(got) != "[]" {
		t.Fatalf("unexpected value after reopen %q err=%v", got, err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "etcd"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	kv, err := Open(context.Background(), Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	_ = kv.Close()
}

func TestEscapeHelpers(t *testing.T) {
	if got := escapeLike("a_b%c!"); got != "a!_b!%c!!" {
		t.Fatalf("unexpected like escape: %q", got)
	}
	if got := escapeGlob("a*b?"); got != `a\*b\?` {
		t.Fatalf("unexpected glob escape: %q", got)
	}
}
