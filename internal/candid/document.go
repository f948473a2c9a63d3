package candid

import (
	"fmt"
	"strings"
)

// CallMode is how a method is executed by the network.
type CallMode int

const (
	ModeUpdate CallMode = iota
	ModeQuery
)

func (m CallMode) String() string {
	if m == ModeQuery {
		return "query"
	}
	return "update"
}

func (m CallMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *CallMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "query":
		*m = ModeQuery
	case "update":
		*m = ModeUpdate
	default:
		return fmt.Errorf("candid: unknown call mode %q", text)
	}
	return nil
}

type Method struct {
	Name    string
	Args    []Param
	Results []Param
	Mode    CallMode
	// Oneway methods are updates without a reply.
	Oneway bool
	// Composite queries may call other queries; they execute as queries.
	Composite bool
	Pos       Position
}

type Duplicate struct {
	Kind string   `json:"kind"`
	Name string   `json:"name"`
	Pos  Position `json:"position"`
}

// Document is the method catalog of one interface text. It is immutable
// after Parse returns.
type Document struct {
	Types      *TypeTable
	Named      map[string]TypeID
	InitArgs   []Param
	Duplicates []Duplicate

	methods map[string]*Method
	order   []string
}

func newDocument() *Document {
	return &Document{
		Types:   newTypeTable(),
		Named:   make(map[string]TypeID),
		methods: make(map[string]*Method),
	}
}

func (d *Document) Method(name string) (*Method, bool) {
	m, ok := d.methods[name]
	return m, ok
}

// Methods returns methods in declaration order.
func (d *Document) Methods() []*Method {
	out := make([]*Method, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.methods[name])
	}
	return out
}

func (d *Document) Len() int { return len(d.order) }
