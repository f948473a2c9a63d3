package identity

import (
	"time"

	"icgate/go-backend/internal/platform/apperr"
	"icgate/go-backend/internal/principal"
)

type Origin string

const (
	OriginGenerated Origin = "generated"
	OriginPhrase    Origin = "phrase"
	OriginAnonymous Origin = "anonymous"
)

type KeyType string

const (
	KeySecp256k1 KeyType = "secp256k1"
	KeyEd25519   KeyType = "ed25519"
)

func (k KeyType) Valid() bool {
	return k == KeySecp256k1 || k == KeyEd25519
}

var (
	ErrNoSigningKey       = apperr.New(apperr.CategoryCrypto, "NoSigningKey", "identity has no signing key")
	ErrDecryptionFailed   = apperr.New(apperr.CategoryCrypto, "DecryptionFailed", "identity record could not be decrypted")
	ErrPassphraseRequired = apperr.New(apperr.CategoryCrypto, "PassphraseRequired", "identity passphrase is not configured")
	ErrInvalidPassphrase  = apperr.New(apperr.CategoryCrypto, "InvalidPassphrase", "invalid passphrase")
	ErrPassphraseLocked   = apperr.New(apperr.CategoryCrypto, "PassphraseLocked", "passphrase attempts are temporarily locked")
	ErrPhraseUnavailable  = apperr.New(apperr.CategoryCrypto, "PhraseUnavailable", "identity was not derived from a secret phrase")
	ErrInvalidRecord      = apperr.New(apperr.CategoryCrypto, "InvalidRecord", "identity record is malformed")
	ErrBackupNotFound     = apperr.New(apperr.CategoryStorage, "BackupNotFound", "identity backup not found")
	ErrNoRecord           = apperr.New(apperr.CategoryStorage, "NoRecord", "no persisted identity record")
	ErrUnsupportedKeyType = apperr.New(apperr.CategoryCrypto, "UnsupportedKeyType", "unsupported key type")
)

// Identity is an immutable signing identity. Private material never leaves
// the value except through Encrypt.
type Identity struct {
	principal principal.Principal
	publicKey []byte
	key       keyPair
	origin    Origin
	keyType   KeyType
	phrase    string
	createdAt time.Time
}

// Public is the shareable view of an identity.
type Public struct {
	Principal string    `json:"principal"`
	PublicKey []byte    `json:"public_key,omitempty"`
	Origin    Origin    `json:"origin"`
	KeyType   KeyType   `json:"key_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (id *Identity) Principal() principal.Principal { return id.principal }

// PublicKey is the DER SubjectPublicKeyInfo, nil for the anonymous identity.
func (id *Identity) PublicKey() []byte { return append([]byte(nil), id.publicKey...) }

func (id *Identity) Origin() Origin       { return id.origin }
func (id *Identity) KeyType() KeyType     { return id.keyType }
func (id *Identity) CreatedAt() time.Time { return id.createdAt }
func (id *Identity) IsAnonymous() bool    { return id.key == nil }

// Sign signs msg with the identity key. The anonymous identity cannot sign.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id.key == nil {
		return nil, ErrNoSigningKey
	}
	return id.key.sign(msg)
}

func (id *Identity) Public() Public {
	return Public{
		Principal: id.principal.String(),
		PublicKey: id.PublicKey(),
		Origin:    id.origin,
		KeyType:   id.keyType,
		CreatedAt: id.createdAt,
	}
}

// PrincipalOf returns the principal an identity signs as.
func PrincipalOf(id *Identity) principal.Principal {
	if id == nil {
		return principal.Anonymous()
	}
	return id.principal
}
