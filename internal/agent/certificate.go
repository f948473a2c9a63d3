package agent

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-varint"

	"icgate/go-backend/internal/principal"
)

// MainnetRootKey is the DER-encoded BLS public key of the main network.
var MainnetRootKey = mustDecodeHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100814c0e6ec71fab583b08bd81373c255c3c371b2e84863c98a4f1e08b74235d14fb5d9c0cd546d9685f913a0c0b2cc5341583bf4b4392e467db96d65b9bb4cb717112f8472e0d5a4d14505ffd7484b01291091c5f87b98883463f98091a0baaae")

var blsDERPrefix = mustDecodeHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100")

const blsDST = "BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"

var (
	ErrCertificateSignature = errors.New("agent: certificate signature invalid")
	ErrCertificateStale     = errors.New("agent: certificate is too old")
	ErrCanisterRange        = errors.New("agent: canister is outside the delegated subnet ranges")
)

// Certificate is a signed state tree.
type Certificate struct {
	Tree       *HashTree
	Signature  []byte
	Delegation *Delegation
}

type Delegation struct {
	SubnetID    []byte `cbor:"subnet_id"`
	Certificate []byte `cbor:"certificate"`
}

type rawCertificate struct {
	Tree       cbor.RawMessage `cbor:"tree"`
	Signature  []byte          `cbor:"signature"`
	Delegation *Delegation     `cbor:"delegation,omitempty"`
}

func ParseCertificate(raw []byte) (*Certificate, error) {
	var rc rawCertificate
	if err := cbor.Unmarshal(stripSelfDescribe(raw), &rc); err != nil {
		return nil, fmt.Errorf("agent: certificate: %w", err)
	}
	tree, err := ParseHashTree(rc.Tree)
	if err != nil {
		return nil, fmt.Errorf("agent: certificate: %w", err)
	}
	return &Certificate{Tree: tree, Signature: rc.Signature, Delegation: rc.Delegation}, nil
}

func (c *Certificate) MarshalCBOR() ([]byte, error) {
	tree, err := c.Tree.MarshalCBOR()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(rawCertificate{Tree: tree, Signature: c.Signature, Delegation: c.Delegation})
}

// Time is the certified state time.
func (c *Certificate) Time() (time.Time, error) {
	res, raw := c.Tree.Lookup([]byte("time"))
	if res != LookupFound {
		return time.Time{}, fmt.Errorf("agent: certificate time is %s", res)
	}
	nanos, _, err := varint.FromUvarint(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("agent: certificate time: %w", err)
	}
	return time.Unix(0, int64(nanos)), nil
}

// verifier checks certificates against a root key.
type verifier struct {
	rootKey []byte
	maxAge  time.Duration
	now     func() time.Time
}

// Verify checks the signature chain to the root key, the canister range of a
// delegation and the certificate age. canister may be zero for certificates
// not tied to a canister.
func (v *verifier) Verify(c *Certificate, canister principal.Principal) error {
	key, err := v.signingKey(c, canister)
	if err != nil {
		return err
	}
	if err := verifyBLS(key, c.Tree.Digest(), c.Signature); err != nil {
		return err
	}
	if v.maxAge <= 0 {
		return nil
	}
	certified, err := c.Time()
	if err != nil {
		return err
	}
	if age := v.now().Sub(certified); age > v.maxAge {
		return fmt.Errorf("%w: %s old", ErrCertificateStale, age.Round(time.Second))
	}
	return nil
}

func (v *verifier) signingKey(c *Certificate, canister principal.Principal) ([]byte, error) {
	if c.Delegation == nil {
		return v.rootKey, nil
	}
	parent, err := ParseCertificate(c.Delegation.Certificate)
	if err != nil {
		return nil, err
	}
	if parent.Delegation != nil {
		return nil, errors.New("agent: nested delegations are not allowed")
	}
	if err := verifyBLS(v.rootKey, parent.Tree.Digest(), parent.Signature); err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	subnet := c.Delegation.SubnetID
	if canister.Len() > 0 {
		res, raw := parent.Tree.Lookup([]byte("subnet"), subnet, []byte("canister_ranges"))
		if res != LookupFound {
			return nil, fmt.Errorf("%w: ranges %s", ErrCanisterRange, res)
		}
		var ranges [][2][]byte
		if err := cbor.Unmarshal(raw, &ranges); err != nil {
			return nil, fmt.Errorf("agent: canister ranges: %w", err)
		}
		if !inRanges(ranges, canister.Bytes()) {
			return nil, ErrCanisterRange
		}
	}
	res, key := parent.Tree.Lookup([]byte("subnet"), subnet, []byte("public_key"))
	if res != LookupFound {
		return nil, fmt.Errorf("agent: subnet public key is %s", res)
	}
	return key, nil
}

func inRanges(ranges [][2][]byte, id []byte) bool {
	for _, r := range ranges {
		if bytes.Compare(r[0], id) <= 0 && bytes.Compare(id, r[1]) <= 0 {
			return true
		}
	}
	return false
}

func verifyBLS(derKey []byte, root [32]byte, sig []byte) error {
	if !bytes.HasPrefix(derKey, blsDERPrefix) || len(derKey) != len(blsDERPrefix)+bls12381.SizeOfG2AffineCompressed {
		return errors.New("agent: root key is not a DER BLS12-381 key")
	}
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(derKey[len(blsDERPrefix):]); err != nil {
		return fmt.Errorf("agent: public key: %w", err)
	}
	var s bls12381.G1Affine
	if _, err := s.SetBytes(sig); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateSignature, err)
	}
	msg := append(domainSep("ic-state-root"), root[:]...)
	hm, err := bls12381.HashToG1(msg, []byte(blsDST))
	if err != nil {
		return err
	}
	_, _, _, g2 := bls12381.Generators()
	var negSig bls12381.G1Affine
	negSig.Neg(&s)
	ok, err := bls12381.PairingCheck([]bls12381.G1Affine{negSig, hm}, []bls12381.G2Affine{g2, pk})
	if err != nil {
		return err
	}
	if !ok {
		return ErrCertificateSignature
	}
	return nil
}

// BLSPublicKeyDER wraps a compressed G2 point in the DER envelope.
func BLSPublicKeyDER(compressed []byte) []byte {
	return append(append([]byte(nil), blsDERPrefix...), compressed...)
}

func stripSelfDescribe(raw []byte) []byte {
	if len(raw) >= 3 && raw[0] == 0xd9 && raw[1] == 0xd9 && raw[2] == 0xf7 {
		return raw[3:]
	}
	return raw
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
