package identity

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"icgate/go-backend/internal/storage"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

type BackupReason string

const (
	BackupReasonRegenerate BackupReason = "regenerate"
	BackupReasonManual     BackupReason = "manual"
	BackupReasonRestore    BackupReason = "restore"
	BackupReasonImport     BackupReason = "import"
)

type BackupInfo struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	Reason    BackupReason `json:"reason"`
	Principal string       `json:"principal,omitempty"`
}

// storedBackup is immutable once written. Record holds the exact bytes of
// the encrypted record that was current at CreatedAt.
type storedBackup struct {
	Info   BackupInfo `json:"info"`
	Record []byte     `json:"record"`

	key string
}

// CreateBackup snapshots the current record on request.
func (m *Manager) CreateBackup(ctx context.Context) (BackupInfo, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	b, err := m.snapshotLocked(ctx, BackupReasonManual)
	if err != nil {
		m.observe("backup", "error")
		return BackupInfo{}, err
	}
	m.observe("backup", "ok")
	return b.Info, nil
}

// Backups lists backups oldest first.
func (m *Manager) Backups(ctx context.Context) ([]BackupInfo, error) {
	all, err := m.loadBackups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BackupInfo, 0, len(all))
	for _, b := range all {
		out = append(out, b.Info)
	}
	return out, nil
}

// ExportBackup returns the encrypted record of a backup, or of the current
// identity when id is empty. The result is never decrypted.
func (m *Manager) ExportBackup(ctx context.Context, id string) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		raw, err := m.store.Get(ctx, currentRecordKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoRecord
		}
		return raw, err
	}
	b, err := m.findBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b.Record...), nil
}

// RestoreBackup makes a backup the current identity. The backup must decrypt
// under the configured key; the record it replaces is backed up first.
func (m *Manager) RestoreBackup(ctx context.Context, id string) (Public, error) {
	if m.key == nil {
		return Public{}, ErrPassphraseRequired
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	b, err := m.findBackup(ctx, id)
	if err != nil {
		return Public{}, err
	}
	restored, err := m.restoreLocked(ctx, b.Record, BackupReasonRestore)
	if err != nil {
		m.observe("restore", "error")
		return Public{}, err
	}
	m.observe("restore", "ok")
	m.logger.Info("identity restored from backup", "backup_id", id, "principal", restored.Principal)
	return restored, nil
}

// RestoreBlob makes a previously exported record the current identity.
func (m *Manager) RestoreBlob(ctx context.Context, blob []byte) (Public, error) {
	if m.key == nil {
		return Public{}, ErrPassphraseRequired
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	restored, err := m.restoreLocked(ctx, blob, BackupReasonImport)
	if err != nil {
		m.observe("restore_blob", "error")
		return Public{}, err
	}
	m.observe("restore_blob", "ok")
	m.logger.Info("identity restored from exported record", "principal", restored.Principal)
	return restored, nil
}

func (m *Manager) restoreLocked(ctx context.Context, raw []byte, reason BackupReason) (Public, error) {
	rec, err := parseRecord(raw)
	if err != nil {
		return Public{}, err
	}
	id, err := Decrypt(rec, m.key)
	if err != nil {
		return Public{}, err
	}
	if _, err := m.commitLocked(ctx, id, rec, append([]byte(nil), raw...), reason); err != nil {
		return Public{}, err
	}
	return id.Public(), nil
}

// snapshotLocked copies the current record bytes into a new backup. Caller
// holds writeMu.
func (m *Manager) snapshotLocked(ctx context.Context, reason BackupReason) (*storedBackup, error) {
	raw, err := m.store.Get(ctx, currentRecordKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read current record: %w", err)
	}
	createdAt := m.now().UTC()
	b := &storedBackup{
		Info: BackupInfo{
			ID:        backupID(createdAt, raw),
			CreatedAt: createdAt,
			Reason:    reason,
		},
		Record: raw,
	}
	if rec, err := parseRecord(raw); err == nil {
		b.Info.Principal = rec.Principal
	}
	b.key = backupKey(createdAt, b.Info.ID)
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, b.key, payload); err != nil {
		return nil, fmt.Errorf("identity: persist backup: %w", err)
	}
	return b, nil
}

func (m *Manager) loadBackups(ctx context.Context) ([]*storedBackup, error) {
	keys, err := m.store.List(ctx, backupKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("identity: list backups: %w", err)
	}
	out := make([]*storedBackup, 0, len(keys))
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("identity: read backup: %w", err)
		}
		var b storedBackup
		if err := json.Unmarshal(raw, &b); err != nil {
			m.logger.Warn("skipping unreadable identity backup", "key", k, "error", err)
			continue
		}
		b.key = k
		out = append(out, &b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Info.CreatedAt.Equal(out[j].Info.CreatedAt) {
			return out[i].Info.CreatedAt.Before(out[j].Info.CreatedAt)
		}
		return out[i].Info.ID < out[j].Info.ID
	})
	return out, nil
}

func (m *Manager) findBackup(ctx context.Context, id string) (*storedBackup, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrBackupNotFound
	}
	all, err := m.loadBackups(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		if b.Info.ID == id {
			return b, nil
		}
	}
	return nil, ErrBackupNotFound
}

// backupKey sorts lexically in creation order.
func backupKey(createdAt time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s", backupKeyPrefix, createdAt.UnixNano(), id)
}

func backupID(createdAt time.Time, record []byte) string {
	h, _ := blake2b.New256(nil)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	h.Write(ts[:])
	h.Write(record)
	sum := h.Sum(nil)
	return base58.Encode(sum[:16])
}
