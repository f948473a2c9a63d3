package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"icgate/go-backend/internal/principal"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// DER SubjectPublicKeyInfo prefixes for the supported key types.
var (
	secp256k1DERPrefix = mustHex("3056301006072a8648ce3d020106052b8104000a034200")
	ed25519DERPrefix   = mustHex("302a300506032b6570032100")
)

type keyPair interface {
	publicKeyDER() []byte
	sign(msg []byte) ([]byte, error)
	privateBytes() []byte
}

type secp256k1Key struct {
	priv *secp256k1.PrivateKey
}

func (k secp256k1Key) publicKeyDER() []byte {
	pub := k.priv.PubKey().SerializeUncompressed()
	out := make([]byte, 0, len(secp256k1DERPrefix)+len(pub))
	out = append(out, secp256k1DERPrefix...)
	return append(out, pub...)
}

// sign returns the 64-byte r||s ECDSA signature over sha256(msg).
func (k secp256k1Key) sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	compact := ecdsa.SignCompact(k.priv, digest[:], false)
	return compact[1:], nil
}

func (k secp256k1Key) privateBytes() []byte { return k.priv.Serialize() }

type ed25519Key struct {
	priv ed25519.PrivateKey
}

func (k ed25519Key) publicKeyDER() []byte {
	pub := k.priv.Public().(ed25519.PublicKey)
	out := make([]byte, 0, len(ed25519DERPrefix)+len(pub))
	out = append(out, ed25519DERPrefix...)
	return append(out, pub...)
}

func (k ed25519Key) sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, msg), nil
}

func (k ed25519Key) privateBytes() []byte { return append([]byte(nil), k.priv.Seed()...) }

func keyFromPrivate(kt KeyType, raw []byte) (keyPair, error) {
	switch kt {
	case KeySecp256k1:
		if len(raw) != secp256k1.PrivKeyBytesLen {
			return nil, fmt.Errorf("%w: secp256k1 key must be 32 bytes", ErrInvalidRecord)
		}
		return secp256k1Key{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
	case KeyEd25519:
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: ed25519 seed must be 32 bytes", ErrInvalidRecord)
		}
		return ed25519Key{priv: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// Generate returns a fresh random identity.
func Generate(kt KeyType) (*Identity, error) {
	var key keyPair
	switch kt {
	case KeySecp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		key = secp256k1Key{priv: priv}
	case KeyEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		key = ed25519Key{priv: priv}
	default:
		return nil, ErrUnsupportedKeyType
	}
	return newIdentity(key, kt, OriginGenerated, "", time.Now().UTC()), nil
}

// Anonymous returns the identity that signs nothing.
func Anonymous() *Identity {
	return &Identity{
		principal: principal.Anonymous(),
		origin:    OriginAnonymous,
	}
}

func newIdentity(key keyPair, kt KeyType, origin Origin, phrase string, createdAt time.Time) *Identity {
	der := key.publicKeyDER()
	return &Identity{
		principal: principal.SelfAuthenticating(der),
		publicKey: der,
		key:       key,
		origin:    origin,
		keyType:   kt,
		phrase:    phrase,
		createdAt: createdAt,
	}
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
