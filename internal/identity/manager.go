package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"icgate/go-backend/internal/securestore"
	"icgate/go-backend/internal/storage"
)

const (
	currentRecordKey = "identity/current"
	backupKeyPrefix  = "identity/backups/"
)

// Observer receives identity mutation outcomes. It may be nil.
type Observer interface {
	ObserveIdentityMutation(op, outcome string)
}

type Options struct {
	Store storage.KV
	// Key seals the identity record. A nil Key leaves the process on the
	// anonymous identity and disables mutations.
	Key     securestore.Key
	KeyType KeyType
	Logger  *slog.Logger
	Now     func() time.Time
	// PhraseBits is the entropy of phrases minted by Regenerate.
	PhraseBits int
	Observer   Observer
}

// Manager owns the single active identity of the process.
//
// writeMu serializes mutations across store I/O. mu guards the in-memory
// identity and is only held for pointer reads and swaps, so readers never
// wait on storage and never see a half-applied mutation.
type Manager struct {
	store      storage.KV
	key        securestore.Key
	keyType    KeyType
	logger     *slog.Logger
	now        func() time.Time
	phraseBits int
	observer   Observer

	writeMu sync.Mutex

	mu      sync.RWMutex
	current *Identity
	record  *EncryptedRecord

	attempts passphraseGate
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("identity: store is required")
	}
	kt := opts.KeyType
	if kt == "" {
		kt = KeySecp256k1
	}
	if !kt.Valid() {
		return nil, ErrUnsupportedKeyType
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bits := opts.PhraseBits
	if bits == 0 {
		bits = 128
	}
	return &Manager{
		store:      opts.Store,
		key:        opts.Key,
		keyType:    kt,
		logger:     logger,
		now:        now,
		phraseBits: bits,
		observer:   opts.Observer,
		current:    Anonymous(),
		attempts:   passphraseGate{now: now},
	}, nil
}

// Load establishes the active identity: the persisted record if it can be
// decrypted, a freshly generated one on first start, otherwise anonymous.
// An undecryptable record is left in place. Only store failures are errors.
func (m *Manager) Load(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	raw, err := m.store.Get(ctx, currentRecordKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if m.key == nil {
			m.logger.Warn("identity passphrase not configured, using anonymous identity")
			m.swap(Anonymous(), nil)
			return nil
		}
		id, err := Generate(m.keyType)
		if err != nil {
			return fmt.Errorf("identity: generate: %w", err)
		}
		if _, err := m.replaceLocked(ctx, id, ""); err != nil {
			return err
		}
		m.logger.Info("identity generated", "principal", id.Principal().String(), "key_type", string(id.KeyType()))
		return nil
	case err != nil:
		return fmt.Errorf("identity: load record: %w", err)
	}

	rec, err := parseRecord(raw)
	if err != nil {
		m.logger.Warn("identity record is malformed, using anonymous identity", "error", err)
		m.swap(Anonymous(), nil)
		return nil
	}
	if m.key == nil {
		m.logger.Warn("identity record present but passphrase not configured, using anonymous identity", "principal", rec.Principal)
		m.swap(Anonymous(), nil)
		return nil
	}
	id, err := Decrypt(rec, m.key)
	if err != nil {
		m.logger.Warn("identity record could not be decrypted, using anonymous identity", "principal", rec.Principal, "error", err)
		m.swap(Anonymous(), nil)
		return nil
	}
	m.swap(id, rec)
	m.logger.Info("identity loaded", "principal", rec.Principal, "origin", string(rec.Origin))
	return nil
}

// Current returns the active identity. The value is immutable.
func (m *Manager) Current() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Public() Public {
	return m.Current().Public()
}

type RegenerateOptions struct {
	// WithPhrase derives the new identity from a freshly minted secret
	// phrase, returned once in the result.
	WithPhrase bool
}

type RegenerateResult struct {
	Identity Public      `json:"identity"`
	Backup   *BackupInfo `json:"backup,omitempty"`
	Phrase   string      `json:"phrase,omitempty"`
}

// Regenerate backs up the current record, then replaces the identity with a
// new one. If persistence fails the previous identity, record and backup
// list are left as they were. Before any record has been persisted there is
// nothing to snapshot, so no backup is made and Backup is nil.
func (m *Manager) Regenerate(ctx context.Context, opts RegenerateOptions) (*RegenerateResult, error) {
	if m.key == nil {
		return nil, ErrPassphraseRequired
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var (
		id     *Identity
		phrase string
		err    error
	)
	if opts.WithPhrase {
		id, phrase, err = newPhraseIdentity(m.phraseBits, m.keyType)
	} else {
		id, err = Generate(m.keyType)
	}
	if err != nil {
		m.observe("regenerate", "error")
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	backup, err := m.replaceLocked(ctx, id, BackupReasonRegenerate)
	if err != nil {
		m.observe("regenerate", "error")
		return nil, err
	}
	m.observe("regenerate", "ok")
	m.logger.Info("identity regenerated", "principal", id.Principal().String(), "with_phrase", opts.WithPhrase)
	return &RegenerateResult{Identity: id.Public(), Backup: backup, Phrase: phrase}, nil
}

// replaceLocked persists id as the current record, snapshotting the previous
// record first when reason is set. Caller holds writeMu.
func (m *Manager) replaceLocked(ctx context.Context, id *Identity, reason BackupReason) (*BackupInfo, error) {
	rec, err := Encrypt(id, m.key)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt: %w", err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return m.commitLocked(ctx, id, rec, payload, reason)
}

func (m *Manager) commitLocked(ctx context.Context, id *Identity, rec *EncryptedRecord, payload []byte, reason BackupReason) (*BackupInfo, error) {
	var backup *storedBackup
	if reason != "" {
		var err error
		backup, err = m.snapshotLocked(ctx, reason)
		if err != nil && !errors.Is(err, ErrNoRecord) {
			return nil, err
		}
	}
	if err := m.store.Put(ctx, currentRecordKey, payload); err != nil {
		if backup != nil {
			if derr := m.store.Delete(ctx, backup.key); derr != nil {
				m.logger.Error("identity backup rollback failed", "backup_id", backup.Info.ID, "error", derr)
			}
		}
		return nil, fmt.Errorf("identity: persist record: %w", err)
	}
	m.swap(id, rec)
	if backup == nil {
		return nil, nil
	}
	info := backup.Info
	return &info, nil
}

func (m *Manager) swap(id *Identity, rec *EncryptedRecord) {
	m.mu.Lock()
	m.current = id
	m.record = rec
	m.mu.Unlock()
}

func (m *Manager) currentRecord() *EncryptedRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record
}

func (m *Manager) observe(op, outcome string) {
	if m.observer != nil {
		m.observer.ObserveIdentityMutation(op, outcome)
	}
}
