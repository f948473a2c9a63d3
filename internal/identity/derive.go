package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"icgate/go-backend/internal/mnemonic"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/accounts"
	"golang.org/x/crypto/hkdf"
)

// DerivationPath is the BIP44 path registered for the network's coin type.
const DerivationPath = "m/44'/223'/0'/0/0"

const (
	hkdfInfoEd25519 = "icgate/identity/ed25519/v1"
	hardenedOffset  = 0x80000000
)

var (
	bip32MasterKey       = []byte("Bitcoin seed")
	errInvalidDerivedKey = errors.New("derived key is out of range")
)

// DeriveFromPhrase deterministically derives an identity from a secret
// phrase. The same phrase and key type always give the same principal.
func DeriveFromPhrase(phrase string, kt KeyType) (*Identity, error) {
	normalized := mnemonic.Normalize(phrase)
	seed, err := mnemonic.Seed(normalized, "")
	if err != nil {
		return nil, err
	}
	defer zeroBytes(seed)

	var key keyPair
	switch kt {
	case KeySecp256k1:
		priv, err := deriveSecp256k1(seed, DerivationPath)
		if err != nil {
			return nil, err
		}
		key = secp256k1Key{priv: priv}
	case KeyEd25519:
		signingSeed, err := hkdfExpand(seed, hkdfInfoEd25519, ed25519.SeedSize)
		if err != nil {
			return nil, err
		}
		key = ed25519Key{priv: ed25519.NewKeyFromSeed(signingSeed)}
		zeroBytes(signingSeed)
	default:
		return nil, ErrUnsupportedKeyType
	}
	return newIdentity(key, kt, OriginPhrase, normalized, time.Now().UTC()), nil
}

// deriveSecp256k1 walks a BIP32 private derivation path from seed.
func deriveSecp256k1(seed []byte, path string) (*secp256k1.PrivateKey, error) {
	dp, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, fmt.Errorf("parse derivation path: %w", err)
	}

	mac := hmac.New(sha512.New, bip32MasterKey)
	mac.Write(seed)
	sum := mac.Sum(nil)

	var key secp256k1.ModNScalar
	if overflow := key.SetByteSlice(sum[:32]); overflow || key.IsZero() {
		return nil, errInvalidDerivedKey
	}
	chain := append([]byte(nil), sum[32:]...)

	for _, index := range dp {
		data := make([]byte, 0, 37)
		if index >= hardenedOffset {
			kb := key.Bytes()
			data = append(data, 0)
			data = append(data, kb[:]...)
		} else {
			data = append(data, secp256k1.NewPrivateKey(&key).PubKey().SerializeCompressed()...)
		}
		data = binary.BigEndian.AppendUint32(data, index)

		mac := hmac.New(sha512.New, chain)
		mac.Write(data)
		sum = mac.Sum(nil)

		var tweak secp256k1.ModNScalar
		if overflow := tweak.SetByteSlice(sum[:32]); overflow {
			return nil, errInvalidDerivedKey
		}
		key.Add(&tweak)
		if key.IsZero() {
			return nil, errInvalidDerivedKey
		}
		chain = append(chain[:0], sum[32:]...)
	}
	return secp256k1.NewPrivateKey(&key), nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
