package candid

import "strconv"

// Kind enumerates the type constructors of the interface language.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNat
	KindInt
	KindNat8
	KindNat16
	KindNat32
	KindNat64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindText
	KindReserved
	KindEmpty
	KindPrincipal
	KindOpt
	KindVec
	KindRecord
	KindVariant
	KindFunc
	KindService
	// KindRef is a named reference; Target holds the resolved node.
	KindRef
)

var kindNames = [...]string{
	KindNull:      "null",
	KindBool:      "bool",
	KindNat:       "nat",
	KindInt:       "int",
	KindNat8:      "nat8",
	KindNat16:     "nat16",
	KindNat32:     "nat32",
	KindNat64:     "nat64",
	KindInt8:      "int8",
	KindInt16:     "int16",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindText:      "text",
	KindReserved:  "reserved",
	KindEmpty:     "empty",
	KindPrincipal: "principal",
	KindOpt:       "opt",
	KindVec:       "vec",
	KindRecord:    "record",
	KindVariant:   "variant",
	KindFunc:      "func",
	KindService:   "service",
	KindRef:       "ref",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func (k Kind) primitive() bool { return k <= KindPrincipal }

var primitiveKinds = map[string]Kind{
	"null":      KindNull,
	"bool":      KindBool,
	"nat":       KindNat,
	"int":       KindInt,
	"nat8":      KindNat8,
	"nat16":     KindNat16,
	"nat32":     KindNat32,
	"nat64":     KindNat64,
	"int8":      KindInt8,
	"int16":     KindInt16,
	"int32":     KindInt32,
	"int64":     KindInt64,
	"float32":   KindFloat32,
	"float64":   KindFloat64,
	"text":      KindText,
	"reserved":  KindReserved,
	"empty":     KindEmpty,
	"principal": KindPrincipal,
}

var keywords = map[string]bool{
	"type": true, "import": true, "service": true, "opt": true, "vec": true,
	"record": true, "variant": true, "func": true, "blob": true,
	"query": true, "oneway": true, "composite_query": true,
}

// TypeID indexes a node in a TypeTable.
type TypeID int

const noType TypeID = -1

type Field struct {
	ID uint32
	// Name is empty for fields addressed by numeric id only.
	Name string
	Type TypeID
}

// Label is the name callers use for the field in JSON-like values.
func (f Field) Label() string {
	if f.Name != "" {
		return f.Name
	}
	return strconv.FormatUint(uint64(f.ID), 10)
}

type Param struct {
	Name string `json:"name,omitempty"`
	Type TypeID `json:"-"`
}

type FuncType struct {
	Args        []Param
	Results     []Param
	Annotations []string
}

type ServiceMethod struct {
	Name string
	Type TypeID
	Pos  int
}

type Node struct {
	Kind    Kind
	Elem    TypeID
	Fields  []Field
	Func    *FuncType
	Methods []ServiceMethod
	Name    string
	Target  TypeID
	Pos     int
}

// TypeTable is the arena all type nodes of a document live in. Named types
// are KindRef nodes so recursive definitions need no pointers.
type TypeTable struct {
	nodes []Node
	prims map[Kind]TypeID
}

func newTypeTable() *TypeTable {
	return &TypeTable{prims: make(map[Kind]TypeID)}
}

func (t *TypeTable) add(n Node) TypeID {
	t.nodes = append(t.nodes, n)
	return TypeID(len(t.nodes) - 1)
}

func (t *TypeTable) primitive(k Kind) TypeID {
	if id, ok := t.prims[k]; ok {
		return id
	}
	id := t.add(Node{Kind: k, Elem: noType, Target: noType})
	t.prims[k] = id
	return id
}

func (t *TypeTable) Len() int { return len(t.nodes) }

// Node returns a copy of the node at id.
func (t *TypeTable) Node(id TypeID) Node {
	return t.nodes[id]
}

// Resolve follows named references to the defining node.
func (t *TypeTable) Resolve(id TypeID) TypeID {
	for steps := 0; id >= 0 && t.nodes[id].Kind == KindRef && steps <= len(t.nodes); steps++ {
		id = t.nodes[id].Target
	}
	return id
}

func (t *TypeTable) resolved(id TypeID) Node {
	return t.nodes[t.Resolve(id)]
}

// optional reports whether a missing value of this type decodes as null.
func (t *TypeTable) optional(id TypeID) bool {
	switch t.resolved(id).Kind {
	case KindOpt, KindNull, KindReserved:
		return true
	}
	return false
}

// isTuple reports whether a record has only positional fields 0..n-1.
func isTuple(n Node) bool {
	if n.Kind != KindRecord || len(n.Fields) == 0 {
		return false
	}
	for i, f := range n.Fields {
		if f.Name != "" || f.ID != uint32(i) {
			return false
		}
	}
	return true
}
