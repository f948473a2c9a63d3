// Package principal implements the network's textual and binary principal
// identifiers used for identities and canister addresses.
package principal

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/multiformats/go-base32"
)

const (
	MaxLength = 29

	selfAuthenticatingSuffix = 0x02
	anonymousSuffix          = 0x04
	groupSize                = 5
)

var (
	ErrTooLong      = errors.New("principal is too long")
	ErrInvalidText  = errors.New("principal text is invalid")
	ErrBadChecksum  = errors.New("principal checksum mismatch")
	ErrNotCanonical = errors.New("principal text is not canonical")
)

var (
	textEncoding    = base32.StdEncoding.WithPadding(base32.NoPadding)
	managementCanon = Principal{}
	anonymousCanon  = Principal{raw: string([]byte{anonymousSuffix})}
)

// Principal is an immutable, comparable identifier.
type Principal struct {
	raw string
}

func FromBytes(b []byte) (Principal, error) {
	if len(b) > MaxLength {
		return Principal{}, ErrTooLong
	}
	return Principal{raw: string(b)}, nil
}

// SelfAuthenticating derives the principal of a DER encoded public key.
func SelfAuthenticating(derPublicKey []byte) Principal {
	sum := sha256.Sum224(derPublicKey)
	out := make([]byte, 0, len(sum)+1)
	out = append(out, sum[:]...)
	out = append(out, selfAuthenticatingSuffix)
	return Principal{raw: string(out)}
}

func Anonymous() Principal { return anonymousCanon }

// Management is the address of the management canister, "aaaaa-aa".
func Management() Principal { return managementCanon }

// FromText parses the dash-grouped base32 form and rejects anything
// that would not round-trip to the same text.
func FromText(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Principal{}, fmt.Errorf("%w: empty", ErrInvalidText)
	}
	compact := strings.ToUpper(strings.ReplaceAll(s, "-", ""))
	decoded, err := textEncoding.DecodeString(compact)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	if len(decoded) < 4 {
		return Principal{}, fmt.Errorf("%w: too short", ErrInvalidText)
	}
	body := decoded[4:]
	if len(body) > MaxLength {
		return Principal{}, ErrTooLong
	}
	if binary.BigEndian.Uint32(decoded[:4]) != crc32.ChecksumIEEE(body) {
		return Principal{}, ErrBadChecksum
	}
	p := Principal{raw: string(body)}
	if p.String() != strings.ToLower(s) {
		return Principal{}, ErrNotCanonical
	}
	return p, nil
}

// MustFromText is for constants and tests.
func MustFromText(s string) Principal {
	p, err := FromText(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Principal) Bytes() []byte { return []byte(p.raw) }

func (p Principal) Len() int { return len(p.raw) }

func (p Principal) IsAnonymous() bool { return p == anonymousCanon }

func (p Principal) IsSelfAuthenticating() bool {
	return len(p.raw) == sha256.Size224+1 && p.raw[len(p.raw)-1] == selfAuthenticatingSuffix
}

func (p Principal) String() string {
	body := []byte(p.raw)
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(body))
	buf = append(buf, body...)
	enc := strings.ToLower(textEncoding.EncodeToString(buf))

	var b strings.Builder
	b.Grow(len(enc) + len(enc)/groupSize)
	for i := 0; i < len(enc); i += groupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := min(i+groupSize, len(enc))
		b.WriteString(enc[i:end])
	}
	return b.String()
}

func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := FromText(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
