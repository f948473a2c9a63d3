// Package registry keeps the named canisters the daemon can call and the
// parsed interface documents of each.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"icgate/go-backend/internal/candid"
	"icgate/go-backend/internal/principal"
	"icgate/go-backend/internal/storage"
)

const (
	entriesKey         = "registry/entries"
	interfaceKeyPrefix = "registry/interfaces/"
	maxNameLen         = 64
	persistVersion     = 1
)

type Entry struct {
	Name       string              `json:"name"`
	CanisterID principal.Principal `json:"canister_id"`
	Network    string              `json:"network"`
	AddedAt    time.Time           `json:"added_at"`
	LastUsedAt time.Time           `json:"last_used_at"`
}

// Observer receives interface resolution outcomes. It may be nil.
type Observer interface {
	ObserveInterfaceResolution(source, outcome string)
}

type Options struct {
	Store   storage.KV
	Fetcher Fetcher
	// Networks restricts the network names entries may use. Empty allows any.
	Networks       []string
	DefaultNetwork string
	Logger         *slog.Logger
	Now            func() time.Time
	Observer       Observer
}

// Registry maps names to canister entries.
//
// writeMu serializes mutations and store I/O. mu guards the in-memory maps
// and is held only for reads and swaps, never across the network or store.
type Registry struct {
	store          storage.KV
	fetcher        Fetcher
	networks       map[string]bool
	defaultNetwork string
	logger         *slog.Logger
	now            func() time.Time
	observer       Observer

	writeMu sync.Mutex

	mu      sync.RWMutex
	order   []string
	byName  map[string]*slot
	gen     uint64
	pending map[string]string
	touched bool
	closed  bool
}

// slot is the live state of one entry. gen changes whenever the entry is
// replaced or its cache invalidated, so late fetch results can be dropped.
type slot struct {
	entry Entry
	gen   uint64
	doc   *candid.Document
}

type persistedEntries struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry: store is required")
	}
	r := &Registry{
		store:          opts.Store,
		fetcher:        opts.Fetcher,
		defaultNetwork: strings.TrimSpace(opts.DefaultNetwork),
		logger:         opts.Logger,
		now:            opts.Now,
		observer:       opts.Observer,
		byName:         make(map[string]*slot),
		pending:        make(map[string]string),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.defaultNetwork == "" {
		r.defaultNetwork = "mainnet"
	}
	if len(opts.Networks) > 0 {
		r.networks = make(map[string]bool, len(opts.Networks))
		for _, n := range opts.Networks {
			r.networks[strings.TrimSpace(n)] = true
		}
	}
	return r, nil
}

// Load replaces the in-memory entries with the persisted list.
func (r *Registry) Load(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	raw, err := r.store.Get(ctx, entriesKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: load entries: %w", err)
	}
	var state persistedEntries
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("registry: load entries: %w", err)
	}
	if state.Version != persistVersion {
		return fmt.Errorf("registry: unsupported entries version %d", state.Version)
	}
	order := make([]string, 0, len(state.Entries))
	byName := make(map[string]*slot, len(state.Entries))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range state.Entries {
		if _, dup := byName[e.Name]; dup || validateName(e.Name) != nil {
			r.logger.Warn("registry.load.skip_entry", "name", e.Name)
			continue
		}
		r.gen++
		byName[e.Name] = &slot{entry: e, gen: r.gen}
		order = append(order, e.Name)
	}
	r.order, r.byName = order, byName
	r.logger.Info("registry.loaded", "entries", len(order))
	return nil
}

// Add registers a canister under a unique name.
func (r *Registry) Add(ctx context.Context, name, canisterID, network string) (Entry, error) {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return Entry{}, &Error{Kind: InvalidEntry, Name: name, Err: err}
	}
	id, err := principal.FromText(strings.TrimSpace(canisterID))
	if err != nil {
		return Entry{}, &Error{Kind: InvalidEntry, Name: name, Err: err}
	}
	network = strings.TrimSpace(network)
	if network == "" {
		network = r.defaultNetwork
	}
	if r.networks != nil && !r.networks[network] {
		return Entry{}, &Error{Kind: InvalidEntry, Name: name, Err: fmt.Errorf("unknown network %q", network)}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.usable(); err != nil {
		return Entry{}, err
	}
	r.mu.RLock()
	_, exists := r.byName[name]
	r.mu.RUnlock()
	if exists {
		return Entry{}, &Error{Kind: DuplicateName, Name: name}
	}
	entry := Entry{Name: name, CanisterID: id, Network: network, AddedAt: r.now().UTC()}
	entries := append(r.snapshot(), entry)
	if err := r.persistEntries(ctx, entries); err != nil {
		return Entry{}, err
	}
	r.mu.Lock()
	r.gen++
	r.byName[name] = &slot{entry: entry, gen: r.gen}
	r.order = append(r.order, name)
	r.mu.Unlock()
	r.logger.Info("registry.entry.added", "name", name, "canister_id", id.String(), "network", network)
	return entry, nil
}

// Remove deletes an entry and its persisted interface text.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.usable(); err != nil {
		return err
	}
	r.mu.RLock()
	_, exists := r.byName[name]
	r.mu.RUnlock()
	if !exists {
		return &Error{Kind: NotFound, Name: name}
	}
	entries := r.snapshot()
	kept := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	if err := r.persistEntries(ctx, kept); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byName, name)
	delete(r.pending, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if err := r.store.Delete(ctx, interfaceKey(name)); err != nil {
		r.logger.Warn("registry.interface.delete_failed", "name", name, "error", err)
	}
	r.logger.Info("registry.entry.removed", "name", name)
	return nil
}

func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	if !ok {
		return Entry{}, &Error{Kind: NotFound, Name: name}
	}
	return s.entry, nil
}

// List returns entries in insertion order.
func (r *Registry) List() []Entry {
	return r.snapshot()
}

func (r *Registry) snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].entry)
	}
	return out
}

// ResolveMethods returns the interface document of an entry, looking at the
// in-memory cache, then the persisted interface text, then the fetcher.
func (r *Registry) ResolveMethods(ctx context.Context, name string) (*candid.Document, error) {
	r.mu.RLock()
	s, ok := r.byName[name]
	var (
		entry Entry
		gen   uint64
		doc   *candid.Document
	)
	if ok {
		entry, gen, doc = s.entry, s.gen, s.doc
	}
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: NotFound, Name: name}
	}
	if doc != nil {
		r.observe("cache", "hit")
		return doc, nil
	}

	raw, err := r.store.Get(ctx, interfaceKey(name))
	switch {
	case err == nil:
		doc, perr := candid.Parse(string(raw))
		if perr == nil {
			r.observe("store", "hit")
			r.install(name, gen, doc, "")
			return doc, nil
		}
		r.logger.Warn("registry.interface.stored_unparseable", "name", name, "error", perr)
	case !errors.Is(err, storage.ErrNotFound):
		r.logger.Warn("registry.interface.store_read_failed", "name", name, "error", err)
	}

	if r.fetcher == nil {
		r.observe("fetch", "unavailable")
		return nil, &Error{Kind: InterfaceUnavailable, Name: name, Err: ErrNoInterface}
	}
	text, err := r.fetcher.FetchInterface(ctx, entry)
	if err != nil {
		r.observe("fetch", "error")
		return nil, &Error{Kind: InterfaceUnavailable, Name: name, Err: err}
	}
	doc, err = candid.Parse(text)
	if err != nil {
		r.observe("fetch", "unparseable")
		return nil, &Error{Kind: InterfaceUnavailable, Name: name, Err: err}
	}
	r.observe("fetch", "ok")
	r.install(name, gen, doc, text)
	r.logger.Info("registry.interface.fetched", "name", name, "methods", doc.Len(), "duplicates", len(doc.Duplicates))
	return doc, nil
}

// install caches doc unless the entry changed while it was being resolved.
// A non-empty text is queued for write-behind.
func (r *Registry) install(name string, gen uint64, doc *candid.Document, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	if !ok || s.gen != gen {
		r.logger.Debug("registry.interface.discarded", "name", name)
		return
	}
	s.doc = doc
	if text != "" {
		r.pending[name] = text
	}
}

// Invalidate drops the cached and persisted interface so the next resolution
// fetches it again.
func (r *Registry) Invalidate(ctx context.Context, name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.Lock()
	s, ok := r.byName[name]
	if ok {
		r.gen++
		s.gen = r.gen
		s.doc = nil
		delete(r.pending, name)
	}
	r.mu.Unlock()
	if !ok {
		return &Error{Kind: NotFound, Name: name}
	}
	if err := r.store.Delete(ctx, interfaceKey(name)); err != nil {
		return fmt.Errorf("registry: invalidate %q: %w", name, err)
	}
	r.logger.Info("registry.interface.invalidated", "name", name)
	return nil
}

// Touch records a use of the entry. The timestamp is persisted on Flush.
func (r *Registry) Touch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	if !ok {
		return &Error{Kind: NotFound, Name: name}
	}
	s.entry.LastUsedAt = r.now().UTC()
	r.touched = true
	return nil
}

// Flush persists queued interface texts and last-used timestamps.
func (r *Registry) Flush(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.flushLocked(ctx)
}

func (r *Registry) flushLocked(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	touched := r.touched
	r.pending = make(map[string]string)
	r.touched = false
	r.mu.Unlock()

	var errs []error
	for name, text := range pending {
		if err := r.store.Put(ctx, interfaceKey(name), []byte(text)); err != nil {
			errs = append(errs, fmt.Errorf("registry: persist interface %q: %w", name, err))
			r.requeue(name, text)
		}
	}
	if touched {
		if err := r.persistEntries(ctx, r.snapshot()); err != nil {
			errs = append(errs, err)
			r.mu.Lock()
			r.touched = true
			r.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) requeue(name, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return
	}
	if _, newer := r.pending[name]; !newer {
		r.pending[name] = text
	}
}

// Close flushes and rejects further mutations. The store is not closed.
func (r *Registry) Close(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	err := r.flushLocked(ctx)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return err
}

func (r *Registry) usable() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.New("registry: closed")
	}
	return nil
}

func (r *Registry) persistEntries(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.Marshal(persistedEntries{Version: persistVersion, Entries: entries})
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, entriesKey, raw); err != nil {
		return fmt.Errorf("registry: persist entries: %w", err)
	}
	return nil
}

func (r *Registry) observe(source, outcome string) {
	if r.observer != nil {
		r.observer.ObserveInterfaceResolution(source, outcome)
	}
}

func interfaceKey(name string) string { return interfaceKeyPrefix + name }

// validateName accepts names that are also valid storage key segments.
func validateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("name must be 1-%d characters", maxNameLen)
	}
	if name == "." || name == ".." {
		return errors.New("name is reserved")
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return fmt.Errorf("name contains %q", c)
		}
	}
	return nil
}
