package agent

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"github.com/multiformats/go-varint"
)

// RequestID is the representation-independent hash of a request content map.
type RequestID [32]byte

// domainSeparator prefixes signed request ids.
var domainSeparator = []byte("\x0Aic-request")

// Content is the body of a request, shared by call, query and read_state.
type Content struct {
	RequestType   string     `cbor:"request_type"`
	CanisterID    []byte     `cbor:"canister_id,omitempty"`
	MethodName    string     `cbor:"method_name,omitempty"`
	Arg           []byte     `cbor:"arg,omitempty"`
	Sender        []byte     `cbor:"sender"`
	IngressExpiry uint64     `cbor:"ingress_expiry"`
	Nonce         []byte     `cbor:"nonce,omitempty"`
	Paths         [][][]byte `cbor:"paths,omitempty"`
}

// ID hashes the fields that are present, with the same omission rules the
// CBOR encoding uses.
func (c *Content) ID() RequestID {
	type pair struct{ k, v [32]byte }
	var pairs []pair
	add := func(key string, value [32]byte) {
		pairs = append(pairs, pair{k: sha256.Sum256([]byte(key)), v: value})
	}
	add("request_type", sha256.Sum256([]byte(c.RequestType)))
	if len(c.CanisterID) > 0 {
		add("canister_id", sha256.Sum256(c.CanisterID))
	}
	if c.MethodName != "" {
		add("method_name", sha256.Sum256([]byte(c.MethodName)))
	}
	if len(c.Arg) > 0 {
		add("arg", sha256.Sum256(c.Arg))
	}
	add("sender", sha256.Sum256(c.Sender))
	add("ingress_expiry", sha256.Sum256(varint.ToUvarint(c.IngressExpiry)))
	if len(c.Nonce) > 0 {
		add("nonce", sha256.Sum256(c.Nonce))
	}
	if len(c.Paths) > 0 {
		outer := sha256.New()
		for _, path := range c.Paths {
			inner := sha256.New()
			for _, label := range path {
				h := sha256.Sum256(label)
				inner.Write(h[:])
			}
			outer.Write(inner.Sum(nil))
		}
		var h [32]byte
		copy(h[:], outer.Sum(nil))
		add("paths", h)
	}

	sort.Slice(pairs, func(i, j int) bool {
		if c := bytes.Compare(pairs[i].k[:], pairs[j].k[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(pairs[i].v[:], pairs[j].v[:]) < 0
	})
	h := sha256.New()
	for _, p := range pairs {
		h.Write(p.k[:])
		h.Write(p.v[:])
	}
	var id RequestID
	copy(id[:], h.Sum(nil))
	return id
}

// SigningPayload is what the sender signs.
func (id RequestID) SigningPayload() []byte {
	return append(append([]byte(nil), domainSeparator...), id[:]...)
}
