package candid

import (
	"bytes"
	"fmt"
	"io"
	"math/big"

	"github.com/multiformats/go-varint"
)

var big127 = big.NewInt(0x7f)

func writeLen(buf *bytes.Buffer, n int) {
	buf.Write(varint.ToUvarint(uint64(n)))
}

func writeULEB(buf *bytes.Buffer, v *big.Int) {
	if v.IsUint64() && v.Uint64() <= varint.MaxValueUvarint63 {
		buf.Write(varint.ToUvarint(v.Uint64()))
		return
	}
	n := new(big.Int).Set(v)
	low := new(big.Int)
	for {
		low.And(n, big127)
		n.Rsh(n, 7)
		b := byte(low.Uint64())
		if n.Sign() == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

func writeSLEB(buf *bytes.Buffer, v *big.Int) {
	n := new(big.Int).Set(v)
	low := new(big.Int)
	for {
		low.And(n, big127)
		b := byte(low.Uint64())
		n.Rsh(n, 7) // arithmetic shift for negative values
		done := (n.Sign() == 0 && b&0x40 == 0) || (n.Cmp(big.NewInt(-1)) == 0 && b&0x40 != 0)
		if done {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

func writeSLEBInt(buf *bytes.Buffer, v int64) {
	writeSLEB(buf, big.NewInt(v))
}

// reader walks a message. It implements io.ByteReader for varint.
type reader struct {
	data []byte
	pos  int
}

var _ io.ByteReader = (*reader)(nil)

func (r *reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// count reads a length prefix, bounded by the bytes left in the message
// times perByte so absurd lengths fail before allocation.
func (r *reader) count(perByte int) (int, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	limit := uint64(r.remaining()) * uint64(perByte)
	if perByte == 0 {
		limit = 1 << 20
	}
	if n > limit {
		return 0, fmt.Errorf("length %d exceeds message size", n)
	}
	return int(n), nil
}

func (r *reader) uint32LEB() (uint32, error) {
	v, err := r.bigULEB()
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() || v.Uint64() > 0xffffffff {
		return 0, fmt.Errorf("field id %s overflows 32 bits", v)
	}
	return uint32(v.Uint64()), nil
}

// maxLEBBytes bounds nat and int values to 7168 bits.
const maxLEBBytes = 1024

// lebGroups returns the bytes of one LEB128 number, continuation bits
// included.
func (r *reader) lebGroups() ([]byte, error) {
	start := r.pos
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if r.pos-start > maxLEBBytes {
			return nil, fmt.Errorf("integer exceeds %d bytes", maxLEBBytes)
		}
		if b&0x80 == 0 {
			return r.data[start:r.pos], nil
		}
	}
}

// packGroups joins 7-bit groups, least significant first, into a
// magnitude in one pass.
func packGroups(groups []byte) *big.Int {
	le := make([]byte, (7*len(groups)+7)/8)
	for i, g := range groups {
		v := uint(g & 0x7f)
		bit := 7 * i
		le[bit/8] |= byte(v << (bit % 8))
		if bit%8 > 1 {
			le[bit/8+1] |= byte(v >> (8 - bit%8))
		}
	}
	for i, j := 0, len(le)-1; i < j; i, j = i+1, j-1 {
		le[i], le[j] = le[j], le[i]
	}
	return new(big.Int).SetBytes(le)
}

func (r *reader) bigULEB() (*big.Int, error) {
	groups, err := r.lebGroups()
	if err != nil {
		return nil, err
	}
	return packGroups(groups), nil
}

func (r *reader) bigSLEB() (*big.Int, error) {
	groups, err := r.lebGroups()
	if err != nil {
		return nil, err
	}
	out := packGroups(groups)
	if groups[len(groups)-1]&0x40 != 0 {
		out.Sub(out, new(big.Int).Lsh(big.NewInt(1), uint(7*len(groups))))
	}
	return out, nil
}

func (r *reader) sleb() (int64, error) {
	v, err := r.bigSLEB()
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("type reference %s out of range", v)
	}
	return v.Int64(), nil
}

func (r *reader) skipLEB() error {
	_, err := r.lebGroups()
	return err
}
