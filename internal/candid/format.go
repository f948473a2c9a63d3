package candid

import "strings"

// TypeString renders a type in interface syntax. Named types print by name.
func (t *TypeTable) TypeString(id TypeID) string {
	var b strings.Builder
	t.write(&b, id, 0)
	return b.String()
}

func (t *TypeTable) write(b *strings.Builder, id TypeID, depth int) {
	if id < 0 || int(id) >= len(t.nodes) {
		b.WriteString("?")
		return
	}
	n := t.nodes[id]
	if depth > maxDepth {
		b.WriteString("...")
		return
	}
	switch n.Kind {
	case KindRef:
		b.WriteString(n.Name)
	case KindOpt:
		b.WriteString("opt ")
		t.write(b, n.Elem, depth+1)
	case KindVec:
		if t.resolved(n.Elem).Kind == KindNat8 && t.nodes[n.Elem].Kind != KindRef {
			b.WriteString("blob")
			return
		}
		b.WriteString("vec ")
		t.write(b, n.Elem, depth+1)
	case KindRecord, KindVariant:
		b.WriteString(n.Kind.String())
		b.WriteString(" {")
		for i, f := range n.Fields {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(" ")
			variantTag := n.Kind == KindVariant && t.resolved(f.Type).Kind == KindNull
			switch {
			case f.Name != "" && variantTag:
				b.WriteString(f.Name)
				continue
			case f.Name != "":
				b.WriteString(f.Name)
				b.WriteString(" : ")
			case !isTuple(n):
				b.WriteString(f.Label())
				b.WriteString(" : ")
			}
			t.write(b, f.Type, depth+1)
		}
		if len(n.Fields) > 0 {
			b.WriteString(" ")
		}
		b.WriteString("}")
	case KindFunc:
		b.WriteString("func ")
		t.writeFunc(b, n.Func, depth)
	case KindService:
		b.WriteString("service {")
		for _, m := range n.Methods {
			b.WriteString(" ")
			b.WriteString(m.Name)
			b.WriteString(" : ")
			t.write(b, m.Type, depth+1)
			b.WriteString(";")
		}
		b.WriteString(" }")
	default:
		b.WriteString(n.Kind.String())
	}
}

func (t *TypeTable) writeFunc(b *strings.Builder, fn *FuncType, depth int) {
	t.writeParams(b, fn.Args, depth)
	b.WriteString(" -> ")
	t.writeParams(b, fn.Results, depth)
	for _, a := range fn.Annotations {
		b.WriteString(" ")
		b.WriteString(a)
	}
}

func (t *TypeTable) writeParams(b *strings.Builder, ps []Param, depth int) {
	b.WriteString("(")
	for i, p := range ps {
		if i > 0 {
			b.WriteString(", ")
		}
		if p.Name != "" {
			b.WriteString(p.Name)
			b.WriteString(" : ")
		}
		t.write(b, p.Type, depth+1)
	}
	b.WriteString(")")
}

// Signature renders a method the way it would be declared.
func (d *Document) Signature(m *Method) string {
	fn := &FuncType{Args: m.Args, Results: m.Results}
	switch {
	case m.Composite:
		fn.Annotations = []string{"composite_query"}
	case m.Mode == ModeQuery:
		fn.Annotations = []string{"query"}
	case m.Oneway:
		fn.Annotations = []string{"oneway"}
	}
	var b strings.Builder
	d.Types.writeFunc(&b, fn, 0)
	return b.String()
}
