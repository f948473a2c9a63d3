package agent

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type nodeTag uint8

const (
	tagEmpty nodeTag = iota
	tagFork
	tagLabeled
	tagLeaf
	tagPruned
)

// HashTree is a node of a certified state tree.
type HashTree struct {
	tag   nodeTag
	left  *HashTree
	right *HashTree
	label []byte
	value []byte // leaf contents or pruned digest
}

// LookupResult classifies a path lookup.
type LookupResult int

const (
	LookupAbsent LookupResult = iota
	LookupFound
	LookupUnknown
)

func (r LookupResult) String() string {
	switch r {
	case LookupFound:
		return "found"
	case LookupUnknown:
		return "unknown"
	default:
		return "absent"
	}
}

const maxTreeDepth = 256

// ParseHashTree decodes the CBOR array form of a tree.
func ParseHashTree(raw []byte) (*HashTree, error) {
	return parseTree(raw, 0)
}

func parseTree(raw []byte, depth int) (*HashTree, error) {
	if depth > maxTreeDepth {
		return nil, errors.New("hash tree too deep")
	}
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("hash tree node: %w", err)
	}
	if len(parts) == 0 {
		return nil, errors.New("hash tree node: empty array")
	}
	var tag uint8
	if err := cbor.Unmarshal(parts[0], &tag); err != nil {
		return nil, fmt.Errorf("hash tree tag: %w", err)
	}
	want := map[nodeTag]int{tagEmpty: 1, tagFork: 3, tagLabeled: 3, tagLeaf: 2, tagPruned: 2}
	n, ok := want[nodeTag(tag)]
	if !ok || len(parts) != n {
		return nil, fmt.Errorf("hash tree node: tag %d with %d elements", tag, len(parts))
	}
	t := &HashTree{tag: nodeTag(tag)}
	var err error
	switch t.tag {
	case tagFork:
		if t.left, err = parseTree(parts[1], depth+1); err != nil {
			return nil, err
		}
		if t.right, err = parseTree(parts[2], depth+1); err != nil {
			return nil, err
		}
	case tagLabeled:
		if err = cbor.Unmarshal(parts[1], &t.label); err != nil {
			return nil, fmt.Errorf("hash tree label: %w", err)
		}
		if t.left, err = parseTree(parts[2], depth+1); err != nil {
			return nil, err
		}
	case tagLeaf, tagPruned:
		if err = cbor.Unmarshal(parts[1], &t.value); err != nil {
			return nil, fmt.Errorf("hash tree value: %w", err)
		}
		if t.tag == tagPruned && len(t.value) != sha256.Size {
			return nil, errors.New("hash tree: pruned digest must be 32 bytes")
		}
	}
	return t, nil
}

func (t *HashTree) MarshalCBOR() ([]byte, error) {
	switch t.tag {
	case tagEmpty:
		return cbor.Marshal([]any{uint8(tagEmpty)})
	case tagFork:
		return cbor.Marshal([]any{uint8(tagFork), t.left, t.right})
	case tagLabeled:
		return cbor.Marshal([]any{uint8(tagLabeled), t.label, t.left})
	default:
		return cbor.Marshal([]any{uint8(t.tag), t.value})
	}
}

func domainSep(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// Digest reconstructs the root hash.
func (t *HashTree) Digest() [32]byte {
	h := sha256.New()
	switch t.tag {
	case tagEmpty:
		h.Write(domainSep("ic-hashtree-empty"))
	case tagFork:
		l, r := t.left.Digest(), t.right.Digest()
		h.Write(domainSep("ic-hashtree-fork"))
		h.Write(l[:])
		h.Write(r[:])
	case tagLabeled:
		sub := t.left.Digest()
		h.Write(domainSep("ic-hashtree-labeled"))
		h.Write(t.label)
		h.Write(sub[:])
	case tagLeaf:
		h.Write(domainSep("ic-hashtree-leaf"))
		h.Write(t.value)
	case tagPruned:
		var out [32]byte
		copy(out[:], t.value)
		return out
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Lookup walks labels from the root. A pruned branch on the way makes the
// answer unknown rather than absent.
func (t *HashTree) Lookup(path ...[]byte) (LookupResult, []byte) {
	cur := t
	for _, label := range path {
		next, res := cur.findLabel(label)
		if res != LookupFound {
			return res, nil
		}
		cur = next
	}
	switch cur.tag {
	case tagLeaf:
		return LookupFound, cur.value
	case tagPruned:
		return LookupUnknown, nil
	default:
		return LookupAbsent, nil
	}
}

func (t *HashTree) findLabel(label []byte) (*HashTree, LookupResult) {
	var (
		flat   []*HashTree
		pruned bool
	)
	t.flatten(&flat)
	for _, n := range flat {
		switch n.tag {
		case tagLabeled:
			if bytes.Equal(n.label, label) {
				return n.left, LookupFound
			}
		case tagPruned:
			pruned = true
		}
	}
	if pruned {
		return nil, LookupUnknown
	}
	return nil, LookupAbsent
}

func (t *HashTree) flatten(out *[]*HashTree) {
	switch t.tag {
	case tagFork:
		t.left.flatten(out)
		t.right.flatten(out)
	case tagEmpty:
	default:
		*out = append(*out, t)
	}
}

// Tree constructors, used to build certificates in tests and fixtures.

func Empty() *HashTree { return &HashTree{tag: tagEmpty} }

func Fork(l, r *HashTree) *HashTree { return &HashTree{tag: tagFork, left: l, right: r} }

func Labeled(label []byte, sub *HashTree) *HashTree {
	return &HashTree{tag: tagLabeled, label: label, left: sub}
}

func Leaf(v []byte) *HashTree { return &HashTree{tag: tagLeaf, value: v} }

func Pruned(digest [32]byte) *HashTree {
	return &HashTree{tag: tagPruned, value: digest[:]}
}
