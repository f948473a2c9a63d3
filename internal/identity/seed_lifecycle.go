package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"icgate/go-backend/internal/mnemonic"
	"icgate/go-backend/internal/securestore"
)

func newPhraseIdentity(bits int, kt KeyType) (*Identity, string, error) {
	phrase, err := mnemonic.Generate(bits)
	if err != nil {
		return nil, "", err
	}
	id, err := DeriveFromPhrase(phrase, kt)
	if err != nil {
		return nil, "", err
	}
	return id, phrase, nil
}

// ImportPhrase replaces the current identity with the one derived from
// phrase, backing up the previous record.
func (m *Manager) ImportPhrase(ctx context.Context, phrase string) (*RegenerateResult, error) {
	if m.key == nil {
		return nil, ErrPassphraseRequired
	}
	if strings.TrimSpace(phrase) == "" {
		return nil, fmt.Errorf("%w: empty phrase", mnemonic.ErrInvalidWordCount)
	}
	id, err := DeriveFromPhrase(phrase, m.keyType)
	if err != nil {
		m.observe("import_phrase", "error")
		return nil, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	backup, err := m.replaceLocked(ctx, id, BackupReasonImport)
	if err != nil {
		m.observe("import_phrase", "error")
		return nil, err
	}
	m.observe("import_phrase", "ok")
	m.logger.Info("identity imported from phrase", "principal", id.Principal().String())
	return &RegenerateResult{Identity: id.Public(), Backup: backup}, nil
}

// ExportPhrase reveals the secret phrase of a phrase-derived identity after
// re-checking the passphrase against the persisted record. Wrong passphrases
// lock further attempts with exponential backoff.
func (m *Manager) ExportPhrase(passphrase string) (string, error) {
	if strings.TrimSpace(passphrase) == "" {
		return "", ErrPassphraseRequired
	}
	if err := m.attempts.ensureUnlocked(); err != nil {
		return "", err
	}
	rec := m.currentRecord()
	if rec == nil {
		return "", ErrNoRecord
	}
	if rec.Origin != OriginPhrase {
		return "", ErrPhraseUnavailable
	}
	id, err := Decrypt(rec, securestore.Passphrase(passphrase))
	if err != nil {
		m.attempts.onFailure()
		return "", ErrInvalidPassphrase
	}
	m.attempts.reset()
	if !mnemonic.Validate(id.phrase) {
		return "", fmt.Errorf("%w: stored phrase is corrupt", ErrInvalidRecord)
	}
	return id.phrase, nil
}

type passphraseGate struct {
	mu             sync.Mutex
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func (g *passphraseGate) ensureUnlocked() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lockedUntil.IsZero() {
		return nil
	}
	if g.now().Before(g.lockedUntil) {
		return ErrPassphraseLocked
	}
	return nil
}

func (g *passphraseGate) onFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failedAttempts++
	g.lockedUntil = g.now().Add(failedAttemptBackoff(g.failedAttempts))
}

func (g *passphraseGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failedAttempts = 0
	g.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
