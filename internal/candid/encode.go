package candid

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"unicode/utf8"

	"icgate/go-backend/internal/principal"
)

const magic = "DIDL"

// maxDepth bounds value nesting in both directions.
const maxDepth = 128

var opcodes = map[Kind]int64{
	KindNull:      -1,
	KindBool:      -2,
	KindNat:       -3,
	KindInt:       -4,
	KindNat8:      -5,
	KindNat16:     -6,
	KindNat32:     -7,
	KindNat64:     -8,
	KindInt8:      -9,
	KindInt16:     -10,
	KindInt32:     -11,
	KindInt64:     -12,
	KindFloat32:   -13,
	KindFloat64:   -14,
	KindText:      -15,
	KindReserved:  -16,
	KindEmpty:     -17,
	KindOpt:       -18,
	KindVec:       -19,
	KindRecord:    -20,
	KindVariant:   -21,
	KindFunc:      -22,
	KindService:   -23,
	KindPrincipal: -24,
}

var annotationCodes = map[string]byte{"query": 1, "oneway": 2, "composite_query": 3}

// tableBuilder emits the type table for a set of argument types. Each
// composite gets its index before its body is built so recursive types
// refer back to themselves.
type tableBuilder struct {
	types   *TypeTable
	index   map[TypeID]int64
	entries [][]byte
}

func newTableBuilder(types *TypeTable) *tableBuilder {
	return &tableBuilder{types: types, index: make(map[TypeID]int64)}
}

func (b *tableBuilder) ref(id TypeID) (int64, error) {
	id = b.types.Resolve(id)
	if id < 0 || b.types.nodes[id].Kind == KindRef {
		return 0, fmt.Errorf("unresolved type")
	}
	n := b.types.nodes[id]
	if n.Kind.primitive() {
		return opcodes[n.Kind], nil
	}
	if idx, ok := b.index[id]; ok {
		return idx, nil
	}
	idx := int64(len(b.entries))
	b.index[id] = idx
	b.entries = append(b.entries, nil)

	var buf bytes.Buffer
	writeSLEBInt(&buf, opcodes[n.Kind])
	switch n.Kind {
	case KindOpt, KindVec:
		elem, err := b.ref(n.Elem)
		if err != nil {
			return 0, err
		}
		writeSLEBInt(&buf, elem)
	case KindRecord, KindVariant:
		writeLen(&buf, len(n.Fields))
		for _, f := range n.Fields {
			ft, err := b.ref(f.Type)
			if err != nil {
				return 0, err
			}
			writeULEB(&buf, new(big.Int).SetUint64(uint64(f.ID)))
			writeSLEBInt(&buf, ft)
		}
	case KindFunc:
		if err := b.params(&buf, n.Func.Args); err != nil {
			return 0, err
		}
		if err := b.params(&buf, n.Func.Results); err != nil {
			return 0, err
		}
		writeLen(&buf, len(n.Func.Annotations))
		for _, a := range n.Func.Annotations {
			buf.WriteByte(annotationCodes[a])
		}
	case KindService:
		methods := append([]ServiceMethod(nil), n.Methods...)
		sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
		writeLen(&buf, len(methods))
		for _, m := range methods {
			mt, err := b.ref(m.Type)
			if err != nil {
				return 0, err
			}
			writeLen(&buf, len(m.Name))
			buf.WriteString(m.Name)
			writeSLEBInt(&buf, mt)
		}
	}
	b.entries[idx] = buf.Bytes()
	return idx, nil
}

func (b *tableBuilder) params(buf *bytes.Buffer, ps []Param) error {
	writeLen(buf, len(ps))
	for _, p := range ps {
		r, err := b.ref(p.Type)
		if err != nil {
			return err
		}
		writeSLEBInt(buf, r)
	}
	return nil
}

// EncodeArgs serializes JSON-like values against the declared parameter
// types. Missing trailing arguments are allowed only for optional types.
func (d *Document) EncodeArgs(params []Param, values []any) ([]byte, error) {
	if len(values) > len(params) {
		return nil, &EncodeError{Msg: fmt.Sprintf("expected at most %d arguments, got %d", len(params), len(values))}
	}
	for i := len(values); i < len(params); i++ {
		if !d.Types.optional(params[i].Type) {
			return nil, &EncodeError{Path: argPath(i, params[i]), Msg: "missing required argument"}
		}
	}

	tb := newTableBuilder(d.Types)
	refs := make([]int64, len(params))
	for i, p := range params {
		r, err := tb.ref(p.Type)
		if err != nil {
			return nil, &EncodeError{Path: argPath(i, p), Msg: err.Error()}
		}
		refs[i] = r
	}

	var out bytes.Buffer
	out.WriteString(magic)
	writeLen(&out, len(tb.entries))
	for _, e := range tb.entries {
		out.Write(e)
	}
	writeLen(&out, len(refs))
	for _, r := range refs {
		writeSLEBInt(&out, r)
	}
	enc := &encoder{types: d.Types, buf: &out}
	for i, p := range params {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if err := enc.value(p.Type, v, argPath(i, p), 0); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

func argPath(i int, p Param) string {
	if p.Name != "" {
		return p.Name
	}
	return "args[" + strconv.Itoa(i) + "]"
}

type encoder struct {
	types *TypeTable
	buf   *bytes.Buffer
}

func (e *encoder) fail(path, format string, args ...any) error {
	return &EncodeError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

func (e *encoder) value(id TypeID, v any, path string, depth int) error {
	if depth > maxDepth {
		return e.fail(path, "value nested too deeply")
	}
	n := e.types.resolved(id)
	switch n.Kind {
	case KindNull:
		if v != nil {
			return e.fail(path, "expected null, got %T", v)
		}
	case KindReserved:
	case KindEmpty:
		return e.fail(path, "type empty has no values")
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return e.fail(path, "expected bool, got %T", v)
		}
		if b {
			e.buf.WriteByte(1)
		} else {
			e.buf.WriteByte(0)
		}
	case KindNat, KindInt:
		x, err := toBigInt(v)
		if err != nil {
			return e.fail(path, "%v", err)
		}
		if n.Kind == KindNat {
			if x.Sign() < 0 {
				return e.fail(path, "nat cannot be negative")
			}
			writeULEB(e.buf, x)
		} else {
			writeSLEB(e.buf, x)
		}
	case KindNat8, KindNat16, KindNat32, KindNat64, KindInt8, KindInt16, KindInt32, KindInt64:
		return e.fixed(n.Kind, v, path)
	case KindFloat32, KindFloat64:
		f, err := toFloat(v)
		if err != nil {
			return e.fail(path, "%v", err)
		}
		if n.Kind == KindFloat32 {
			e.buf.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))))
		} else {
			e.buf.Write(binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)))
		}
	case KindText:
		s, ok := v.(string)
		if !ok {
			return e.fail(path, "expected text, got %T", v)
		}
		if !utf8.ValidString(s) {
			return e.fail(path, "text is not valid UTF-8")
		}
		writeLen(e.buf, len(s))
		e.buf.WriteString(s)
	case KindPrincipal, KindService:
		p, err := toPrincipal(v)
		if err != nil {
			return e.fail(path, "%v", err)
		}
		writePrincipal(e.buf, p)
	case KindOpt:
		if v == nil {
			e.buf.WriteByte(0)
			return nil
		}
		e.buf.WriteByte(1)
		return e.value(n.Elem, v, path, depth+1)
	case KindVec:
		return e.vec(n, v, path, depth)
	case KindRecord:
		return e.record(n, v, path, depth)
	case KindVariant:
		return e.variant(n, v, path, depth)
	case KindFunc:
		return e.funcRef(v, path)
	default:
		return e.fail(path, "cannot encode %s", n.Kind)
	}
	return nil
}

var fixedBounds = map[Kind]struct {
	bytes  int
	signed bool
}{
	KindNat8: {1, false}, KindNat16: {2, false}, KindNat32: {4, false}, KindNat64: {8, false},
	KindInt8: {1, true}, KindInt16: {2, true}, KindInt32: {4, true}, KindInt64: {8, true},
}

func (e *encoder) fixed(k Kind, v any, path string) error {
	x, err := toBigInt(v)
	if err != nil {
		return e.fail(path, "%v", err)
	}
	spec := fixedBounds[k]
	bits := uint(spec.bytes * 8)
	var word uint64
	if spec.signed {
		lo := new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), bits-1))
		hi := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits-1), big.NewInt(1))
		if x.Cmp(lo) < 0 || x.Cmp(hi) > 0 {
			return e.fail(path, "%s out of range for %s", x, k)
		}
		word = uint64(x.Int64())
	} else {
		hi := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))
		if x.Sign() < 0 || x.Cmp(hi) > 0 {
			return e.fail(path, "%s out of range for %s", x, k)
		}
		word = x.Uint64()
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], word)
	e.buf.Write(tmp[:spec.bytes])
	return nil
}

func (e *encoder) vec(n Node, v any, path string, depth int) error {
	if e.types.resolved(n.Elem).Kind == KindNat8 {
		switch b := v.(type) {
		case []byte:
			writeLen(e.buf, len(b))
			e.buf.Write(b)
			return nil
		case string:
			raw, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return e.fail(path, "blob must be base64: %v", err)
			}
			writeLen(e.buf, len(raw))
			e.buf.Write(raw)
			return nil
		}
	}
	items, ok := v.([]any)
	if !ok {
		return e.fail(path, "expected array, got %T", v)
	}
	writeLen(e.buf, len(items))
	for i, item := range items {
		if err := e.value(n.Elem, item, path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) record(n Node, v any, path string, depth int) error {
	if items, ok := v.([]any); ok && isTuple(n) {
		if len(items) != len(n.Fields) {
			return e.fail(path, "expected tuple of %d values, got %d", len(n.Fields), len(items))
		}
		for i, f := range n.Fields {
			if err := e.value(f.Type, items[i], path+"."+f.Label(), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if v == nil && len(n.Fields) == 0 {
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return e.fail(path, "expected object, got %T", v)
	}
	used := 0
	for _, f := range n.Fields {
		if f.Name != "" {
			_, byName := obj[f.Name]
			_, byID := obj[strconv.FormatUint(uint64(f.ID), 10)]
			if byName && byID {
				return e.fail(path+"."+f.Label(), "field set by both name and id")
			}
		}
		fv, present := lookupField(obj, f)
		if present {
			used++
		} else if !e.types.optional(f.Type) {
			return e.fail(path+"."+f.Label(), "missing required field")
		}
		if err := e.value(f.Type, fv, path+"."+f.Label(), depth+1); err != nil {
			return err
		}
	}
	if used != len(obj) {
		for key := range obj {
			if _, ok := findField(n.Fields, key); !ok {
				return e.fail(path+"."+key, "unknown field")
			}
		}
	}
	return nil
}

func (e *encoder) variant(n Node, v any, path string, depth int) error {
	var (
		tag   string
		inner any
	)
	switch x := v.(type) {
	case string:
		tag = x
	case map[string]any:
		if len(x) != 1 {
			return e.fail(path, "variant needs exactly one tag, got %d", len(x))
		}
		for k, val := range x {
			tag, inner = k, val
		}
	default:
		return e.fail(path, "expected variant tag, got %T", v)
	}
	idx, ok := findField(n.Fields, tag)
	if !ok {
		return e.fail(path, "unknown variant tag %q", tag)
	}
	writeLen(e.buf, idx)
	return e.value(n.Fields[idx].Type, inner, path+"."+tag, depth+1)
}

func (e *encoder) funcRef(v any, path string) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return e.fail(path, "expected {principal, method}, got %T", v)
	}
	p, err := toPrincipal(obj["principal"])
	if err != nil {
		return e.fail(path+".principal", "%v", err)
	}
	method, ok := obj["method"].(string)
	if !ok || !utf8.ValidString(method) {
		return e.fail(path+".method", "expected method name")
	}
	e.buf.WriteByte(1)
	writePrincipal(e.buf, p)
	writeLen(e.buf, len(method))
	e.buf.WriteString(method)
	return nil
}

func writePrincipal(buf *bytes.Buffer, p principal.Principal) {
	buf.WriteByte(1)
	raw := p.Bytes()
	writeLen(buf, len(raw))
	buf.Write(raw)
}

// lookupField finds a record value by name or by numeric id.
func lookupField(obj map[string]any, f Field) (any, bool) {
	if f.Name != "" {
		if v, ok := obj[f.Name]; ok {
			return v, true
		}
	}
	v, ok := obj[strconv.FormatUint(uint64(f.ID), 10)]
	return v, ok
}

func findField(fields []Field, key string) (int, bool) {
	for i, f := range fields {
		if f.Name == key {
			return i, true
		}
	}
	id, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, false
	}
	for i, f := range fields {
		if f.ID == uint32(id) {
			return i, true
		}
	}
	return 0, false
}

func toBigInt(v any) (*big.Int, error) {
	switch x := v.(type) {
	case json.Number:
		return parseBigInt(string(x))
	case string:
		return parseBigInt(x)
	case *big.Int:
		if x == nil {
			return nil, fmt.Errorf("expected number, got nil")
		}
		return x, nil
	case big.Int:
		return &x, nil
	case int:
		return big.NewInt(int64(x)), nil
	case int8:
		return big.NewInt(int64(x)), nil
	case int16:
		return big.NewInt(int64(x)), nil
	case int32:
		return big.NewInt(int64(x)), nil
	case int64:
		return big.NewInt(x), nil
	case uint:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) || x != math.Trunc(x) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		out, _ := big.NewFloat(x).Int(nil)
		return out, nil
	}
	return nil, fmt.Errorf("expected integer, got %T", v)
}

func parseBigInt(s string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("expected float, got %T", v)
}

func toPrincipal(v any) (principal.Principal, error) {
	switch x := v.(type) {
	case principal.Principal:
		return x, nil
	case string:
		return principal.FromText(x)
	}
	return principal.Principal{}, fmt.Errorf("expected principal text, got %T", v)
}
