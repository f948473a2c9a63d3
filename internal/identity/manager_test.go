package identity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"icgate/go-backend/internal/securestore"
	"icgate/go-backend/internal/storage"
)

// flakyKV fails Put for keys with failPrefix while enabled.
type flakyKV struct {
	storage.KV
	failPrefix string
	enabled    atomic.Bool
}

func (f *flakyKV) Put(ctx context.Context, key string, value []byte) error {
	if f.enabled.Load() && strings.HasPrefix(key, f.failPrefix) {
		return errors.New("disk full")
	}
	return f.KV.Put(ctx, key, value)
}

func newTestManager(t *testing.T, kv storage.KV, key securestore.Key) *Manager {
	t.Helper()
	step := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		step = step.Add(time.Second)
		return step
	}
	mgr, err := NewManager(Options{Store: kv, Key: key, Now: clock})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return mgr
}

func TestLoadGeneratesOnFirstStartAndReloads(t *testing.T) {
	kv := storage.NewMemoryKV()
	first := newTestManager(t, kv, testKey())
	if first.Current().IsAnonymous() {
		t.Fatal("first start with a key must generate an identity")
	}
	second := newTestManager(t, kv, testKey())
	if second.Current().Principal() != first.Current().Principal() {
		t.Fatal("reload must restore the persisted identity")
	}
}

func TestLoadFallsBackToAnonymous(t *testing.T) {
	kv := storage.NewMemoryKV()
	if mgr := newTestManager(t, kv, nil); !mgr.Current().IsAnonymous() {
		t.Fatal("no key must mean anonymous")
	}
	if _, err := kv.Get(context.Background(), currentRecordKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("anonymous fallback must not persist a record")
	}

	newTestManager(t, kv, testKey())
	before, _ := kv.Get(context.Background(), currentRecordKey)
	wrong := newTestManager(t, kv, securestore.RawKey(bytes.Repeat([]byte{1}, 32)))
	if !wrong.Current().IsAnonymous() {
		t.Fatal("undecryptable record must fall back to anonymous")
	}
	after, _ := kv.Get(context.Background(), currentRecordKey)
	if !bytes.Equal(before, after) {
		t.Fatal("undecryptable record must be left untouched")
	}
	if _, err := wrong.Current().Sign([]byte("x")); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
}

func TestRegenerateBacksUpAndReplaces(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, storage.NewMemoryKV(), testKey())
	original := mgr.Current().Principal()

	res, err := mgr.Regenerate(ctx, RegenerateOptions{})
	if err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if res.Identity.Principal == original.String() {
		t.Fatal("regenerate must change the principal")
	}
	if res.Backup == nil || res.Backup.Principal != original.String() || res.Backup.Reason != BackupReasonRegenerate {
		t.Fatalf("unexpected backup: %+v", res.Backup)
	}

	var sizes []int
	for i := 0; i < 3; i++ {
		if _, err := mgr.Regenerate(ctx, RegenerateOptions{}); err != nil {
			t.Fatalf("regenerate %d failed: %v", i, err)
		}
		list, err := mgr.Backups(ctx)
		if err != nil {
			t.Fatalf("backups failed: %v", err)
		}
		sizes = append(sizes, len(list))
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] < sizes[i-1] {
			t.Fatalf("backup list shrank: %v", sizes)
		}
	}
	list, _ := mgr.Backups(ctx)
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Fatal("backups must be ordered by creation time")
		}
	}
	if list[0].Principal != original.String() {
		t.Fatal("oldest backup must hold the original identity")
	}
}

func TestRegenerateWithoutRecordMakesNoBackup(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(Options{Store: storage.NewMemoryKV(), Key: testKey()})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	first, err := mgr.Regenerate(ctx, RegenerateOptions{})
	if err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if first.Backup != nil {
		t.Fatalf("no record to snapshot, got backup %+v", first.Backup)
	}
	second, err := mgr.Regenerate(ctx, RegenerateOptions{})
	if err != nil {
		t.Fatalf("second regenerate failed: %v", err)
	}
	if second.Backup == nil || second.Backup.Principal != first.Identity.Principal {
		t.Fatalf("second regenerate must back up the first identity, got %+v", second.Backup)
	}
	list, err := mgr.Backups(ctx)
	if err != nil {
		t.Fatalf("backups failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one backup, got %d", len(list))
	}
}

func TestRegenerateFailureLeavesStateIntact(t *testing.T) {
	ctx := context.Background()
	kv := &flakyKV{KV: storage.NewMemoryKV(), failPrefix: currentRecordKey}
	mgr := newTestManager(t, kv, testKey())
	before := mgr.Current().Principal()
	recordBefore, _ := kv.Get(ctx, currentRecordKey)

	kv.enabled.Store(true)
	if _, err := mgr.Regenerate(ctx, RegenerateOptions{}); err == nil {
		t.Fatal("expected regenerate to fail")
	}
	if mgr.Current().Principal() != before {
		t.Fatal("in-memory identity must be unchanged after failure")
	}
	recordAfter, _ := kv.Get(ctx, currentRecordKey)
	if !bytes.Equal(recordBefore, recordAfter) {
		t.Fatal("persisted record must be unchanged after failure")
	}
	list, err := mgr.Backups(ctx)
	if err != nil {
		t.Fatalf("backups failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("failed regenerate must not leave a backup, got %d", len(list))
	}
}

func TestRegenerateRequiresKey(t *testing.T) {
	mgr := newTestManager(t, storage.NewMemoryKV(), nil)
	if _, err := mgr.Regenerate(context.Background(), RegenerateOptions{}); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestReadersSeeOldOrNewDuringRegenerate(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, storage.NewMemoryKV(), testKey())

	seen := make(map[string]struct{})
	var seenMu sync.Mutex
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				id := mgr.Current()
				if id.Principal().String() != id.Public().Principal {
					t.Error("torn identity observed")
					return
				}
				seenMu.Lock()
				seen[id.Principal().String()] = struct{}{}
				seenMu.Unlock()
			}
		}()
	}

	valid := map[string]struct{}{mgr.Current().Principal().String(): {}}
	for i := 0; i < 3; i++ {
		res, err := mgr.Regenerate(ctx, RegenerateOptions{})
		if err != nil {
			t.Fatalf("regenerate failed: %v", err)
		}
		valid[res.Identity.Principal] = struct{}{}
	}
	close(stop)
	wg.Wait()

	for p := range seen {
		if _, ok := valid[p]; !ok {
			t.Fatalf("reader observed unknown principal %s", p)
		}
	}
}

func TestBackupExportRestore(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, storage.NewMemoryKV(), testKey())
	original := mgr.Current().Principal().String()

	info, err := mgr.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("create backup failed: %v", err)
	}
	if info.Reason != BackupReasonManual || info.Principal != original {
		t.Fatalf("unexpected backup info: %+v", info)
	}
	blob, err := mgr.ExportBackup(ctx, info.ID)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if bytes.Contains(blob, []byte("private_key")) {
		t.Fatal("exported backup must stay encrypted")
	}

	if _, err := mgr.Regenerate(ctx, RegenerateOptions{}); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	restored, err := mgr.RestoreBackup(ctx, info.ID)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.Principal != original || mgr.Current().Principal().String() != original {
		t.Fatal("restore must bring back the backed up identity")
	}
	list, _ := mgr.Backups(ctx)
	if last := list[len(list)-1]; last.Reason != BackupReasonRestore {
		t.Fatalf("restore must snapshot the replaced record, last backup reason %s", last.Reason)
	}

	if _, err := mgr.RestoreBackup(ctx, "missing"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}

	if _, err := mgr.Regenerate(ctx, RegenerateOptions{}); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	viaBlob, err := mgr.RestoreBlob(ctx, blob)
	if err != nil {
		t.Fatalf("restore blob failed: %v", err)
	}
	if viaBlob.Principal != original {
		t.Fatal("restore blob must bring back the exported identity")
	}
}

func TestRestoreWithWrongKeyFails(t *testing.T) {
	ctx := context.Background()
	source := newTestManager(t, storage.NewMemoryKV(), testKey())
	blob, err := source.ExportBackup(ctx, "")
	if err != nil {
		t.Fatalf("export current failed: %v", err)
	}

	target := newTestManager(t, storage.NewMemoryKV(), securestore.RawKey(bytes.Repeat([]byte{9}, 32)))
	before := target.Current().Principal()
	if _, err := target.RestoreBlob(ctx, blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if target.Current().Principal() != before {
		t.Fatal("failed restore must not change the identity")
	}
}
