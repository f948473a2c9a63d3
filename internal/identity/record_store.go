package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"icgate/go-backend/internal/principal"
	"icgate/go-backend/internal/securestore"
)

const recordVersion = 1

// EncryptedRecord is the at-rest form of an identity. Only the header
// fields are readable without the key; they are bound to the ciphertext as
// associated data.
type EncryptedRecord struct {
	Version   uint32               `json:"version"`
	Principal string               `json:"principal"`
	KeyType   KeyType              `json:"key_type"`
	Origin    Origin               `json:"origin"`
	CreatedAt time.Time            `json:"created_at"`
	Sealed    securestore.Envelope `json:"sealed"`
}

type recordPayload struct {
	PrivateKey []byte `json:"private_key"`
	Phrase     string `json:"phrase,omitempty"`
}

// Encrypt seals the identity under key with a fresh salt and nonce.
func Encrypt(id *Identity, key securestore.Key) (*EncryptedRecord, error) {
	if id == nil || id.key == nil {
		return nil, ErrNoSigningKey
	}
	rec := &EncryptedRecord{
		Version:   recordVersion,
		Principal: id.principal.String(),
		KeyType:   id.keyType,
		Origin:    id.origin,
		CreatedAt: id.createdAt.UTC(),
	}
	priv := id.key.privateBytes()
	defer zeroBytes(priv)
	plaintext, err := json.Marshal(recordPayload{PrivateKey: priv, Phrase: id.phrase})
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	env, err := securestore.EncryptEnvelope(key, plaintext, rec.associatedData())
	if err != nil {
		return nil, err
	}
	rec.Sealed = *env
	return rec, nil
}

// Decrypt opens a record. Any authentication failure is ErrDecryptionFailed
// and yields no identity.
func Decrypt(rec *EncryptedRecord, key securestore.Key) (*Identity, error) {
	if rec == nil || rec.Version != recordVersion {
		return nil, ErrInvalidRecord
	}
	plaintext, err := securestore.DecryptEnvelope(key, &rec.Sealed, rec.associatedData())
	if err != nil {
		if errors.Is(err, securestore.ErrAuthFailed) {
			return nil, ErrDecryptionFailed
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer zeroBytes(plaintext)

	var payload recordPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidRecord, err)
	}
	defer zeroBytes(payload.PrivateKey)
	kp, err := keyFromPrivate(rec.KeyType, payload.PrivateKey)
	if err != nil {
		return nil, err
	}
	id := newIdentity(kp, rec.KeyType, rec.Origin, payload.Phrase, rec.CreatedAt)
	if id.principal.String() != rec.Principal {
		return nil, fmt.Errorf("%w: principal mismatch", ErrInvalidRecord)
	}
	return id, nil
}

func parseRecord(raw []byte) (*EncryptedRecord, error) {
	var rec EncryptedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidRecord, rec.Version)
	}
	if _, err := principal.FromText(rec.Principal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &rec, nil
}

func (r *EncryptedRecord) associatedData() []byte {
	return fmt.Appendf(nil, "icgate-identity-v%d|%s|%s|%s|%d", r.Version, r.Principal, r.KeyType, r.Origin, r.CreatedAt.UnixNano())
}
