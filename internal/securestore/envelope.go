package securestore

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	tagSize         = chacha20poly1305.Overhead

	KDFArgon2id = "argon2id"
	KDFRaw      = "raw"
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrWeakKDF    = errors.New("securestore kdf parameters below policy")
)

// Default argon2id cost. Envelopes carrying weaker parameters are refused.
const (
	DefaultKDFTime     = uint32(2)
	DefaultKDFMemoryKB = uint32(64 * 1024)
	DefaultKDFThreads  = uint8(1)
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time,omitempty"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb,omitempty"`
	KDFThreads  uint8  `json:"kdf_threads,omitempty"`
	Salt        []byte `json:"salt,omitempty"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
	Tag         []byte `json:"tag"`
}

// Key is the secret an envelope is sealed under.
type Key interface {
	kdf() string
	derive(env *Envelope) ([]byte, error)
}

type passphraseKey string

// Passphrase returns a Key stretched with argon2id.
func Passphrase(p string) Key { return passphraseKey(p) }

func (passphraseKey) kdf() string { return KDFArgon2id }

func (k passphraseKey) derive(env *Envelope) ([]byte, error) {
	if env.KDFTime < DefaultKDFTime || env.KDFMemoryKB < DefaultKDFMemoryKB || env.KDFThreads < 1 {
		return nil, ErrWeakKDF
	}
	if len(env.Salt) != saltSize {
		return nil, ErrInvalid
	}
	return argon2.IDKey([]byte(k), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize), nil
}

type rawKey []byte

// RawKey returns a Key used directly as the AEAD key. It must be 32 bytes.
func RawKey(b []byte) Key { return rawKey(append([]byte(nil), b...)) }

func (rawKey) kdf() string { return KDFRaw }

func (k rawKey) derive(*Envelope) ([]byte, error) {
	if len(k) != chacha20poly1305.KeySize {
		return nil, ErrInvalid
	}
	return append([]byte(nil), k...), nil
}

// EncryptEnvelope seals plaintext with a fresh salt and nonce. aad is bound
// to the ciphertext but not stored.
func EncryptEnvelope(key Key, plaintext, aad []byte) (*Envelope, error) {
	env := &Envelope{
		Version: envelopeVersion,
		KDF:     key.kdf(),
	}
	if env.KDF == KDFArgon2id {
		env.KDFTime = DefaultKDFTime
		env.KDFMemoryKB = DefaultKDFMemoryKB
		env.KDFThreads = DefaultKDFThreads
		env.Salt = make([]byte, saltSize)
		if _, err := rand.Read(env.Salt); err != nil {
			return nil, err
		}
	}
	k, err := key.derive(env)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(k)

	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, env.Nonce, plaintext, aad)
	split := len(sealed) - tagSize
	env.Ciphertext = sealed[:split:split]
	env.Tag = sealed[split:]
	return env, nil
}

// DecryptEnvelope returns the plaintext only if the tag verifies.
func DecryptEnvelope(key Key, env *Envelope, aad []byte) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != key.kdf() {
		return nil, ErrInvalid
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.Tag) != tagSize {
		return nil, ErrInvalid
	}
	k, err := key.derive(env)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(k)

	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	plaintext, err := aead.Open(nil, env.Nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
