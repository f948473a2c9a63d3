package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"icgate/go-backend/internal/storage"
)

const (
	ledgerID  = "ryjl3-tyaaa-aaaaa-aaaba-cai"
	ledgerDID = `service : { balance : (principal) -> (nat) query; transfer : (principal, nat) -> (bool) }`
)

type failingKV struct {
	storage.KV
	failPut atomic.Bool
}

func (f *failingKV) Put(ctx context.Context, key string, value []byte) error {
	if f.failPut.Load() {
		return errors.New("disk full")
	}
	return f.KV.Put(ctx, key, value)
}

type countingFetcher struct {
	calls atomic.Int32
	text  string
	err   error
}

func (c *countingFetcher) FetchInterface(context.Context, Entry) (string, error) {
	c.calls.Add(1)
	return c.text, c.err
}

func newTestRegistry(t *testing.T, store storage.KV, f Fetcher) *Registry {
	t.Helper()
	r, err := New(Options{
		Store:    store,
		Fetcher:  f,
		Networks: []string{"mainnet", "local"},
		Now:      func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestAddGetListRemove(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryKV()
	r := newTestRegistry(t, store, nil)

	for _, name := range []string{"ledger", "wallet", "dex"} {
		if _, err := r.Add(ctx, name, ledgerID, ""); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}
	if _, err := r.Add(ctx, "ledger", ledgerID, "mainnet"); !IsKind(err, DuplicateName) {
		t.Fatalf("expected DuplicateName, got %v", err)
	}
	e, err := r.Get("ledger")
	if err != nil || e.Network != "mainnet" || e.CanisterID.String() != ledgerID {
		t.Fatalf("Get: %+v %v", e, err)
	}
	list := r.List()
	if len(list) != 3 || list[0].Name != "ledger" || list[2].Name != "dex" {
		t.Fatalf("unexpected order %+v", list)
	}

	if err := r.Remove(ctx, "wallet"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove(ctx, "wallet"); !IsKind(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := r.Get("wallet"); !errors.Is(err, &Error{Kind: NotFound}) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	reloaded := newTestRegistry(t, store, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := reloaded.List()
	if len(got) != 2 || got[0].Name != "ledger" || got[1].Name != "dex" || !got[0].AddedAt.Equal(e.AddedAt) {
		t.Fatalf("persisted entries differ: %+v", got)
	}
}

func TestAddRejectsInvalidEntries(t *testing.T) {
	r := newTestRegistry(t, storage.NewMemoryKV(), nil)
	cases := []struct{ name, id, network string }{
		{"", ledgerID, ""},
		{"bad/name", ledgerID, ""},
		{"ledger", "not-a-principal", ""},
		{"ledger", ledgerID, "testnet"},
	}
	for _, tc := range cases {
		if _, err := r.Add(context.Background(), tc.name, tc.id, tc.network); !IsKind(err, InvalidEntry) {
			t.Fatalf("Add(%q, %q, %q): expected InvalidEntry, got %v", tc.name, tc.id, tc.network, err)
		}
	}
	if len(r.List()) != 0 {
		t.Fatalf("invalid entries must not be stored")
	}
}

func TestAddRollsBackOnPersistFailure(t *testing.T) {
	store := &failingKV{KV: storage.NewMemoryKV()}
	r := newTestRegistry(t, store, nil)
	store.failPut.Store(true)
	if _, err := r.Add(context.Background(), "ledger", ledgerID, ""); err == nil {
		t.Fatalf("expected persistence error")
	}
	if _, err := r.Get("ledger"); !IsKind(err, NotFound) {
		t.Fatalf("entry must not exist after failed add: %v", err)
	}
}

func TestResolveOrderCacheStoreFetch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryKV()
	fetcher := &countingFetcher{text: ledgerDID}
	r := newTestRegistry(t, store, fetcher)
	if _, err := r.Add(ctx, "ledger", ledgerID, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	doc, err := r.ResolveMethods(ctx, "ledger")
	if err != nil {
		t.Fatalf("ResolveMethods: %v", err)
	}
	if m, ok := doc.Method("balance"); !ok || m.Mode.String() != "query" {
		t.Fatalf("balance missing or not a query")
	}
	again, err := r.ResolveMethods(ctx, "ledger")
	if err != nil || again != doc || fetcher.calls.Load() != 1 {
		t.Fatalf("second resolution should hit the cache (fetches=%d)", fetcher.calls.Load())
	}

	if _, err := store.Get(ctx, interfaceKey("ledger")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("interface text should be written behind, got %v", err)
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if raw, err := store.Get(ctx, interfaceKey("ledger")); err != nil || string(raw) != ledgerDID {
		t.Fatalf("flushed interface text: %q %v", raw, err)
	}

	fresh := newTestRegistry(t, store, fetcher)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := fresh.ResolveMethods(ctx, "ledger"); err != nil || fetcher.calls.Load() != 1 {
		t.Fatalf("persisted text should be preferred over fetching: %v (fetches=%d)", err, fetcher.calls.Load())
	}

	if err := fresh.Invalidate(ctx, "ledger"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := fresh.ResolveMethods(ctx, "ledger"); err != nil || fetcher.calls.Load() != 2 {
		t.Fatalf("invalidated entry should be fetched again (fetches=%d)", fetcher.calls.Load())
	}
}

func TestResolveFailureKeepsPreviousCache(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{text: ledgerDID}
	r := newTestRegistry(t, storage.NewMemoryKV(), fetcher)
	if _, err := r.Add(ctx, "ledger", ledgerID, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.ResolveMethods(ctx, "ledger"); err != nil {
		t.Fatalf("ResolveMethods: %v", err)
	}
	if err := r.Invalidate(ctx, "ledger"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	fetcher.text = "service : { broken"
	if _, err := r.ResolveMethods(ctx, "ledger"); !IsKind(err, InterfaceUnavailable) {
		t.Fatalf("expected InterfaceUnavailable for unparseable text, got %v", err)
	}
	fetcher.text, fetcher.err = "", errors.New("connection refused")
	if _, err := r.ResolveMethods(ctx, "ledger"); !IsKind(err, InterfaceUnavailable) {
		t.Fatalf("expected InterfaceUnavailable for fetch error, got %v", err)
	}
	if _, err := r.ResolveMethods(ctx, "missing"); !IsKind(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestLateFetchForRemovedEntryIsDiscarded(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	r := newTestRegistry(t, storage.NewMemoryKV(), FetcherFunc(func(context.Context, Entry) (string, error) {
		close(started)
		<-release
		return ledgerDID, nil
	}))
	if _, err := r.Add(ctx, "ledger", ledgerID, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := r.ResolveMethods(ctx, "ledger")
		done <- err
	}()
	<-started
	if err := r.Remove(ctx, "ledger"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Add(ctx, "ledger", ledgerID, "local"); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("ResolveMethods: %v", err)
	}
	r.mu.RLock()
	cached := r.byName["ledger"].doc
	_, queued := r.pending["ledger"]
	r.mu.RUnlock()
	if cached != nil || queued {
		t.Fatalf("result of a fetch for a replaced entry must be discarded")
	}
}

func TestTouchPersistsOnClose(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryKV()
	r := newTestRegistry(t, store, nil)
	if _, err := r.Add(ctx, "ledger", ledgerID, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Touch("ledger"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Add(ctx, "other", ledgerID, ""); err == nil {
		t.Fatalf("closed registry must reject mutations")
	}
	reloaded := newTestRegistry(t, store, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e, _ := reloaded.Get("ledger"); e.LastUsedAt.IsZero() {
		t.Fatalf("last used time was not persisted")
	}
}

func TestDirAndChainFetchers(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ledger.did"), []byte(ledgerDID), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := newTestRegistry(t, storage.NewMemoryKV(), nil)
	e, err := r.Add(context.Background(), "ledger", ledgerID, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	text, err := DirFetcher{Dir: dir}.FetchInterface(context.Background(), e)
	if err != nil || text != ledgerDID {
		t.Fatalf("DirFetcher: %q %v", text, err)
	}
	if _, err := (DirFetcher{Dir: t.TempDir()}).FetchInterface(context.Background(), e); !errors.Is(err, ErrNoInterface) {
		t.Fatalf("expected ErrNoInterface, got %v", err)
	}

	boom := errors.New("boom")
	chain := ChainFetcher{
		FetcherFunc(func(context.Context, Entry) (string, error) { return "", boom }),
		DirFetcher{},
		DirFetcher{Dir: dir},
	}
	if text, err := chain.FetchInterface(context.Background(), e); err != nil || text != ledgerDID {
		t.Fatalf("chain: %q %v", text, err)
	}
	if _, err := chain[:2].FetchInterface(context.Background(), e); !errors.Is(err, boom) {
		t.Fatalf("chain should report the real failure, got %v", err)
	}
}

func TestDashboardFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/canisters/"+ledgerID {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"canister_id":"` + ledgerID + `","candid_interface":"service : {}"}`))
	}))
	defer srv.Close()

	r := newTestRegistry(t, storage.NewMemoryKV(), nil)
	e, _ := r.Add(context.Background(), "ledger", ledgerID, "")
	f := DashboardFetcher{BaseURL: srv.URL + "/canisters/", Client: srv.Client()}
	if text, err := f.FetchInterface(context.Background(), e); err != nil || text != "service : {}" {
		t.Fatalf("dashboard: %q %v", text, err)
	}
	e.Network = "local"
	if _, err := f.FetchInterface(context.Background(), e); !errors.Is(err, ErrNoInterface) {
		t.Fatalf("non-mainnet entries should be skipped, got %v", err)
	}
}
