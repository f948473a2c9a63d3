package candid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"

	"icgate/go-backend/internal/principal"
)

type wireField struct {
	id  uint32
	typ int64
}

type wireType struct {
	op      int64
	elem    int64
	fields  []wireField
	args    []int64
	results []int64
	methods []wireField
	names   []string
}

var primitiveOps = map[int64]Kind{}

func init() {
	for k, op := range opcodes {
		if k.primitive() {
			primitiveOps[op] = k
		}
	}
}

// zeroSizeAllowance is the number of vector elements a message may hold
// beyond its byte length. Elements of null, reserved or empty record types
// take no bytes on the wire.
const zeroSizeAllowance = 1 << 16

type decoder struct {
	r     *reader
	table []wireType
	types *TypeTable
	// budget is shared by every vector in the message, nested or skipped.
	budget int
}

func (dec *decoder) charge(n int) error {
	if n > dec.budget {
		return fmt.Errorf("message exceeds its element budget")
	}
	dec.budget -= n
	return nil
}

// DecodeResults decodes a reply against the declared result types. Values
// the declared types do not mention are dropped; missing optional values
// come back as nil.
func (d *Document) DecodeResults(params []Param, data []byte) ([]any, error) {
	r := &reader{data: data}
	head, err := r.take(len(magic))
	if err != nil || string(head) != magic {
		return nil, &DecodeError{Msg: "missing DIDL header"}
	}
	dec := &decoder{r: r, types: d.Types, budget: len(data) + zeroSizeAllowance}
	if err := dec.readTable(); err != nil {
		return nil, err
	}
	nargs, err := r.count(1)
	if err != nil {
		return nil, malformed("", "argument count: %v", err)
	}
	wireArgs := make([]int64, nargs)
	for i := range wireArgs {
		ref, err := r.sleb()
		if err != nil {
			return nil, malformed("", "argument type: %v", err)
		}
		if err := dec.checkRef(ref); err != nil {
			return nil, err
		}
		wireArgs[i] = ref
	}

	out := make([]any, len(params))
	for i, p := range params {
		path := argPath(i, p)
		if i >= len(wireArgs) {
			if !d.Types.optional(p.Type) {
				return nil, mismatch(path, "missing result")
			}
			continue
		}
		v, err := dec.value(wireArgs[i], p.Type, path, 0)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	for i := len(params); i < len(wireArgs); i++ {
		if err := dec.skip(wireArgs[i], 0); err != nil {
			return nil, malformed("args["+strconv.Itoa(i)+"]", "%v", err)
		}
	}
	if r.remaining() != 0 {
		return nil, malformed("", "%d trailing bytes", r.remaining())
	}
	return out, nil
}

func malformed(path, format string, args ...any) error {
	return &DecodeError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

func mismatch(path, format string, args ...any) error {
	return &DecodeError{Path: path, Msg: fmt.Sprintf(format, args...), Mismatch: true}
}

func isMismatch(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Mismatch
}

func (dec *decoder) readTable() error {
	r := dec.r
	n, err := r.count(1)
	if err != nil {
		return malformed("", "type table size: %v", err)
	}
	dec.table = make([]wireType, n)
	for i := range dec.table {
		op, err := r.sleb()
		if err != nil {
			return malformed("", "type %d: %v", i, err)
		}
		wt := wireType{op: op}
		switch op {
		case opcodes[KindOpt], opcodes[KindVec]:
			if wt.elem, err = r.sleb(); err != nil {
				return malformed("", "type %d: %v", i, err)
			}
		case opcodes[KindRecord], opcodes[KindVariant]:
			cnt, err := r.count(1)
			if err != nil {
				return malformed("", "type %d: %v", i, err)
			}
			for j := 0; j < cnt; j++ {
				id, err := r.uint32LEB()
				if err != nil {
					return malformed("", "type %d: %v", i, err)
				}
				ref, err := r.sleb()
				if err != nil {
					return malformed("", "type %d: %v", i, err)
				}
				if j > 0 && id <= wt.fields[j-1].id {
					return malformed("", "type %d: field ids not strictly increasing", i)
				}
				wt.fields = append(wt.fields, wireField{id: id, typ: ref})
			}
		case opcodes[KindFunc]:
			if wt.args, err = dec.refList(); err != nil {
				return malformed("", "type %d: %v", i, err)
			}
			if wt.results, err = dec.refList(); err != nil {
				return malformed("", "type %d: %v", i, err)
			}
			anns, err := r.count(1)
			if err != nil {
				return malformed("", "type %d: %v", i, err)
			}
			if _, err := r.take(anns); err != nil {
				return malformed("", "type %d: %v", i, err)
			}
		case opcodes[KindService]:
			cnt, err := r.count(1)
			if err != nil {
				return malformed("", "type %d: %v", i, err)
			}
			for j := 0; j < cnt; j++ {
				name, err := dec.text()
				if err != nil {
					return malformed("", "type %d: %v", i, err)
				}
				ref, err := r.sleb()
				if err != nil {
					return malformed("", "type %d: %v", i, err)
				}
				wt.names = append(wt.names, name)
				wt.methods = append(wt.methods, wireField{typ: ref})
			}
		default:
			return malformed("", "type %d: unexpected opcode %d", i, op)
		}
		dec.table[i] = wt
	}
	for i, wt := range dec.table {
		refs := append([]int64{}, wt.args...)
		refs = append(refs, wt.results...)
		if wt.op == opcodes[KindOpt] || wt.op == opcodes[KindVec] {
			refs = append(refs, wt.elem)
		}
		for _, f := range wt.fields {
			refs = append(refs, f.typ)
		}
		for _, m := range wt.methods {
			refs = append(refs, m.typ)
		}
		for _, ref := range refs {
			if err := dec.checkRef(ref); err != nil {
				return malformed("", "type %d: %v", i, err)
			}
		}
	}
	return nil
}

func (dec *decoder) refList() ([]int64, error) {
	n, err := dec.r.count(1)
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		if out[i], err = dec.r.sleb(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (dec *decoder) checkRef(ref int64) error {
	if ref >= 0 {
		if ref >= int64(len(dec.table)) {
			return malformed("", "type index %d out of range", ref)
		}
		return nil
	}
	if _, ok := primitiveOps[ref]; !ok {
		return malformed("", "unknown primitive opcode %d", ref)
	}
	return nil
}

// op returns the constructor opcode of a wire type reference.
func (dec *decoder) op(ref int64) int64 {
	if ref < 0 {
		return ref
	}
	return dec.table[ref].op
}

func (dec *decoder) text() (string, error) {
	n, err := dec.r.count(1)
	if err != nil {
		return "", err
	}
	raw, err := dec.r.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("text is not valid UTF-8")
	}
	return string(raw), nil
}

func (dec *decoder) principal() (principal.Principal, error) {
	flag, err := dec.r.ReadByte()
	if err != nil {
		return principal.Principal{}, err
	}
	if flag != 1 {
		return principal.Principal{}, fmt.Errorf("opaque references are not supported")
	}
	n, err := dec.r.count(1)
	if err != nil {
		return principal.Principal{}, err
	}
	raw, err := dec.r.take(n)
	if err != nil {
		return principal.Principal{}, err
	}
	return principal.FromBytes(raw)
}

func (dec *decoder) value(wire int64, declared TypeID, path string, depth int) (any, error) {
	if depth > maxDepth {
		return nil, malformed(path, "value nested too deeply")
	}
	want := dec.types.resolved(declared)
	op := dec.op(wire)

	switch want.Kind {
	case KindReserved:
		if err := dec.skip(wire, depth); err != nil {
			return nil, malformed(path, "%v", err)
		}
		return nil, nil
	case KindOpt:
		return dec.opt(wire, want, path, depth)
	}

	if op == opcodes[KindEmpty] {
		return nil, malformed(path, "empty type has no values")
	}
	wantOp := opcodes[want.Kind]
	if op != wantOp && !(want.Kind == KindInt && op == opcodes[KindNat]) {
		return nil, mismatch(path, "expected %s, message has %s", want.Kind, opName(op))
	}

	r := dec.r
	switch want.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		b, err := r.ReadByte()
		if err != nil || b > 1 {
			return nil, malformed(path, "invalid bool")
		}
		return b == 1, nil
	case KindNat:
		v, err := r.bigULEB()
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return v, nil
	case KindInt:
		var (
			v   *big.Int
			err error
		)
		if op == opcodes[KindNat] {
			v, err = r.bigULEB()
		} else {
			v, err = r.bigSLEB()
		}
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return v, nil
	case KindNat8, KindNat16, KindNat32, KindNat64, KindInt8, KindInt16, KindInt32, KindInt64:
		return dec.fixed(want.Kind, path)
	case KindFloat32:
		raw, err := r.take(4)
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), nil
	case KindFloat64:
		raw, err := r.take(8)
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), nil
	case KindText:
		s, err := dec.text()
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return s, nil
	case KindPrincipal:
		p, err := dec.principal()
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return p, nil
	case KindService:
		p, err := dec.principal()
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return p.String(), nil
	case KindFunc:
		flag, err := r.ReadByte()
		if err != nil || flag != 1 {
			return nil, malformed(path, "unsupported func reference")
		}
		p, err := dec.principal()
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		method, err := dec.text()
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return map[string]any{"principal": p.String(), "method": method}, nil
	case KindVec:
		return dec.vec(wire, want, path, depth)
	case KindRecord:
		return dec.record(wire, want, path, depth)
	case KindVariant:
		return dec.variant(wire, want, path, depth)
	}
	return nil, malformed(path, "cannot decode %s", want.Kind)
}

// opt implements the optional coercions: null and reserved decode as none,
// and a value that does not fit the element type decodes as none.
func (dec *decoder) opt(wire int64, want Node, path string, depth int) (any, error) {
	op := dec.op(wire)
	switch op {
	case opcodes[KindNull], opcodes[KindReserved]:
		return nil, nil
	case opcodes[KindOpt]:
		flag, err := dec.r.ReadByte()
		if err != nil || flag > 1 {
			return nil, malformed(path, "invalid option flag")
		}
		if flag == 0 {
			return nil, nil
		}
		return dec.tryOrSkip(dec.table[wire].elem, want.Elem, path, depth)
	}
	return dec.tryOrSkip(wire, want.Elem, path, depth)
}

func (dec *decoder) tryOrSkip(wire int64, declared TypeID, path string, depth int) (any, error) {
	start, budget := dec.r.pos, dec.budget
	v, err := dec.value(wire, declared, path, depth+1)
	if err == nil {
		return v, nil
	}
	if !isMismatch(err) {
		return nil, err
	}
	dec.r.pos, dec.budget = start, budget
	if err := dec.skip(wire, depth); err != nil {
		return nil, malformed(path, "%v", err)
	}
	return nil, nil
}

func (dec *decoder) fixed(k Kind, path string) (any, error) {
	raw, err := dec.r.take(fixedBounds[k].bytes)
	if err != nil {
		return nil, malformed(path, "%v", err)
	}
	switch k {
	case KindNat8:
		return raw[0], nil
	case KindNat16:
		return binary.LittleEndian.Uint16(raw), nil
	case KindNat32:
		return binary.LittleEndian.Uint32(raw), nil
	case KindNat64:
		return binary.LittleEndian.Uint64(raw), nil
	case KindInt8:
		return int8(raw[0]), nil
	case KindInt16:
		return int16(binary.LittleEndian.Uint16(raw)), nil
	case KindInt32:
		return int32(binary.LittleEndian.Uint32(raw)), nil
	default:
		return int64(binary.LittleEndian.Uint64(raw)), nil
	}
}

func (dec *decoder) vec(wire int64, want Node, path string, depth int) (any, error) {
	elemWire := dec.table[wire].elem
	n, err := dec.r.count(elemSize(dec.op(elemWire)))
	if err != nil {
		return nil, malformed(path, "%v", err)
	}
	if err := dec.charge(n); err != nil {
		return nil, malformed(path, "%v", err)
	}
	if dec.types.resolved(want.Elem).Kind == KindNat8 && elemWire == opcodes[KindNat8] {
		raw, err := dec.r.take(n)
		if err != nil {
			return nil, malformed(path, "%v", err)
		}
		return append([]byte(nil), raw...), nil
	}
	items := make([]any, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		v, err := dec.value(elemWire, want.Elem, path+"["+strconv.Itoa(i)+"]", depth+1)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

// elemSize is 0 for element types that may occupy no bytes.
func elemSize(op int64) int {
	switch op {
	case opcodes[KindNull], opcodes[KindReserved], opcodes[KindRecord]:
		return 0
	}
	return 1
}

func (dec *decoder) record(wire int64, want Node, path string, depth int) (any, error) {
	got := make(map[uint32]any, len(want.Fields))
	for _, wf := range dec.table[wire].fields {
		idx := fieldIndex(want.Fields, wf.id)
		if idx < 0 {
			if err := dec.skip(wf.typ, depth+1); err != nil {
				return nil, malformed(path, "%v", err)
			}
			continue
		}
		f := want.Fields[idx]
		v, err := dec.value(wf.typ, f.Type, path+"."+f.Label(), depth+1)
		if err != nil {
			return nil, err
		}
		got[f.ID] = v
	}
	for _, f := range want.Fields {
		if _, ok := got[f.ID]; !ok && !dec.types.optional(f.Type) {
			return nil, mismatch(path+"."+f.Label(), "field missing from message")
		}
	}
	if isTuple(want) {
		out := make([]any, len(want.Fields))
		for i, f := range want.Fields {
			out[i] = got[f.ID]
		}
		return out, nil
	}
	out := make(map[string]any, len(want.Fields))
	for _, f := range want.Fields {
		out[f.Label()] = got[f.ID]
	}
	return out, nil
}

func (dec *decoder) variant(wire int64, want Node, path string, depth int) (any, error) {
	fields := dec.table[wire].fields
	idx, err := dec.r.count(0)
	if err != nil {
		return nil, malformed(path, "%v", err)
	}
	if idx >= len(fields) {
		return nil, malformed(path, "variant index %d out of range", idx)
	}
	wf := fields[idx]
	di := fieldIndex(want.Fields, wf.id)
	if di < 0 {
		return nil, mismatch(path, "variant tag %d is not declared", wf.id)
	}
	f := want.Fields[di]
	v, err := dec.value(wf.typ, f.Type, path+"."+f.Label(), depth+1)
	if err != nil {
		return nil, err
	}
	return map[string]any{f.Label(): v}, nil
}

func fieldIndex(fields []Field, id uint32) int {
	for i, f := range fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// skip consumes a value of a wire type without decoding it.
func (dec *decoder) skip(wire int64, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("value nested too deeply")
	}
	r := dec.r
	if wire < 0 {
		k := primitiveOps[wire]
		switch k {
		case KindNull, KindReserved:
			return nil
		case KindEmpty:
			return fmt.Errorf("empty type has no values")
		case KindNat, KindInt:
			return r.skipLEB()
		case KindText:
			_, err := dec.text()
			return err
		case KindPrincipal:
			_, err := dec.principal()
			return err
		case KindBool, KindNat8, KindInt8:
			_, err := r.take(1)
			return err
		case KindNat16, KindInt16:
			_, err := r.take(2)
			return err
		case KindNat32, KindInt32, KindFloat32:
			_, err := r.take(4)
			return err
		default:
			_, err := r.take(8)
			return err
		}
	}
	wt := dec.table[wire]
	switch wt.op {
	case opcodes[KindOpt]:
		flag, err := r.ReadByte()
		if err != nil {
			return err
		}
		if flag == 1 {
			return dec.skip(wt.elem, depth+1)
		}
		return nil
	case opcodes[KindVec]:
		n, err := r.count(elemSize(dec.op(wt.elem)))
		if err != nil {
			return err
		}
		if err := dec.charge(n); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := dec.skip(wt.elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	case opcodes[KindRecord]:
		for _, f := range wt.fields {
			if err := dec.skip(f.typ, depth+1); err != nil {
				return err
			}
		}
		return nil
	case opcodes[KindVariant]:
		idx, err := r.count(0)
		if err != nil {
			return err
		}
		if idx >= len(wt.fields) {
			return fmt.Errorf("variant index %d out of range", idx)
		}
		return dec.skip(wt.fields[idx].typ, depth+1)
	case opcodes[KindFunc]:
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		if _, err := dec.principal(); err != nil {
			return err
		}
		_, err := dec.text()
		return err
	case opcodes[KindService]:
		_, err := dec.principal()
		return err
	}
	return fmt.Errorf("unknown wire type %d", wt.op)
}

func opName(op int64) string {
	for k, code := range opcodes {
		if code == op {
			return k.String()
		}
	}
	return strconv.FormatInt(op, 10)
}
