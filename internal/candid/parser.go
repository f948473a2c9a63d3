package candid

import (
	"errors"
	"sort"
)

type declKind int

const (
	declType declKind = iota
	declService
)

type decl struct {
	kind declKind
	toks []token
}

// Parse turns interface text into a method catalog. A document with only
// whitespace and comments yields an empty catalog.
func Parse(src string) (*Document, error) {
	lines := newLineIndex(src)
	doc, err := parse(src)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Pos = lines.locate(pe.Pos.Offset)
		}
		return nil, err
	}
	for i := range doc.Duplicates {
		doc.Duplicates[i].Pos = lines.locate(doc.Duplicates[i].Pos.Offset)
	}
	for _, m := range doc.methods {
		m.Pos = lines.locate(m.Pos.Offset)
	}
	return doc, nil
}

func parse(src string) (*Document, error) {
	text, err := stripComments(src)
	if err != nil {
		return nil, err
	}
	spans, err := segment(text)
	if err != nil {
		return nil, err
	}
	decls := make([]decl, 0, len(spans))
	for _, s := range spans {
		toks, err := lex(text, s)
		if err != nil {
			return nil, err
		}
		head := toks[0]
		switch {
		case head.is(tokIdent, "type"):
			decls = append(decls, decl{kind: declType, toks: toks})
		case head.is(tokIdent, "service"):
			decls = append(decls, decl{kind: declService, toks: toks})
		case head.is(tokIdent, "import"):
			return nil, errAt(UnsupportedSyntax, head.off, "imports are not supported")
		default:
			return nil, errAt(UnsupportedSyntax, head.off, "expected a type or service declaration")
		}
	}

	p := &parser{doc: newDocument()}
	p.names = p.doc.Named
	// Pass 1: every named type gets a reference slot so bodies may refer
	// forward or recursively.
	owners := make(map[int]TypeID, len(decls))
	for i, d := range decls {
		if d.kind != declType {
			continue
		}
		name := d.toks[1]
		if name.kind != tokIdent {
			return nil, errAt(UnsupportedSyntax, name.off, "expected a type name")
		}
		if _, prim := primitiveKinds[name.text]; prim || keywords[name.text] {
			return nil, errAt(UnsupportedSyntax, name.off, "%q is reserved", name.text)
		}
		if _, dup := p.names[name.text]; dup {
			p.doc.Duplicates = append(p.doc.Duplicates, Duplicate{Kind: "type", Name: name.text, Pos: Position{Offset: name.off}})
			continue
		}
		id := p.doc.Types.add(Node{Kind: KindRef, Name: name.text, Elem: noType, Target: noType, Pos: name.off})
		p.names[name.text] = id
		owners[i] = id
	}

	// Pass 2: bodies.
	var service *decl
	for i := range decls {
		d := &decls[i]
		if d.kind == declService {
			if service != nil {
				return nil, errAt(UnsupportedSyntax, d.toks[0].off, "only one service declaration is supported")
			}
			service = d
			continue
		}
		p.reset(d.toks[2:])
		if !d.toks[2].is(tokPunct, "=") {
			return nil, errAt(UnsupportedSyntax, d.toks[2].off, "expected '=' after type name")
		}
		p.next()
		body, err := p.datatype()
		if err != nil {
			return nil, err
		}
		if err := p.expectEOF(); err != nil {
			return nil, err
		}
		if ref, ok := owners[i]; ok {
			p.doc.Types.nodes[ref].Target = body
		}
	}
	if err := p.checkCycles(); err != nil {
		return nil, err
	}
	if service != nil {
		if err := p.serviceDecl(service.toks); err != nil {
			return nil, err
		}
	}
	return p.doc, nil
}

type parser struct {
	doc   *Document
	names map[string]TypeID
	toks  []token
	pos   int
}

func (p *parser) reset(toks []token) {
	p.toks, p.pos = toks, 0
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(text string) bool {
	if p.peek().is(tokPunct, text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(text string) error {
	if t := p.peek(); !t.is(tokPunct, text) {
		return errAt(UnsupportedSyntax, t.off, "expected %q, found %s", text, describe(t))
	}
	p.pos++
	return nil
}

func (p *parser) expectEOF() error {
	if t := p.peek(); t.kind != tokEOF {
		return errAt(UnsupportedSyntax, t.off, "unexpected %s", describe(t))
	}
	return nil
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of declaration"
	case tokText:
		return "text literal"
	default:
		return "\"" + t.text + "\""
	}
}

func (p *parser) types() *TypeTable { return p.doc.Types }

func (p *parser) datatype() (TypeID, error) {
	t := p.next()
	if t.kind != tokIdent {
		return noType, errAt(UnsupportedSyntax, t.off, "expected a type, found %s", describe(t))
	}
	if k, ok := primitiveKinds[t.text]; ok {
		return p.types().primitive(k), nil
	}
	switch t.text {
	case "blob":
		return p.types().add(Node{Kind: KindVec, Elem: p.types().primitive(KindNat8), Target: noType, Pos: t.off}), nil
	case "opt", "vec":
		elem, err := p.datatype()
		if err != nil {
			return noType, err
		}
		kind := KindOpt
		if t.text == "vec" {
			kind = KindVec
		}
		return p.types().add(Node{Kind: kind, Elem: elem, Target: noType, Pos: t.off}), nil
	case "record", "variant":
		fields, err := p.fields(t.text == "variant")
		if err != nil {
			return noType, err
		}
		kind := KindRecord
		if t.text == "variant" {
			kind = KindVariant
		}
		return p.types().add(Node{Kind: kind, Fields: fields, Elem: noType, Target: noType, Pos: t.off}), nil
	case "func":
		fn, err := p.functype()
		if err != nil {
			return noType, err
		}
		return p.types().add(Node{Kind: KindFunc, Func: fn, Elem: noType, Target: noType, Pos: t.off}), nil
	case "service":
		methods, err := p.actortype()
		if err != nil {
			return noType, err
		}
		return p.types().add(Node{Kind: KindService, Methods: methods, Elem: noType, Target: noType, Pos: t.off}), nil
	}
	if keywords[t.text] {
		return noType, errAt(UnsupportedSyntax, t.off, "unexpected keyword %q", t.text)
	}
	id, ok := p.names[t.text]
	if !ok {
		return noType, errAt(UnresolvedTypeReference, t.off, "type %q is not defined", t.text)
	}
	return id, nil
}

func (p *parser) fields(variant bool) ([]Field, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var (
		fields []Field
		seen   = make(map[uint32]token)
		nextID uint32
	)
	for !p.accept("}") {
		t := p.peek()
		var f Field
		label := t.kind == tokIdent || t.kind == tokText || t.kind == tokNat
		labeled := label && p.peekAt(1).is(tokPunct, ":")
		// A bare variant tag is shorthand for "tag : null".
		bare := variant && label && (p.peekAt(1).is(tokPunct, ";") || p.peekAt(1).is(tokPunct, "}"))
		switch {
		case labeled || bare:
			p.next()
			if t.kind == tokNat {
				id, err := parseNat(t)
				if err != nil {
					return nil, err
				}
				f.ID = id
			} else {
				f.Name, f.ID = t.text, IDLHash(t.text)
			}
			if labeled {
				p.next()
				typ, err := p.datatype()
				if err != nil {
					return nil, err
				}
				f.Type = typ
			} else {
				f.Type = p.types().primitive(KindNull)
			}
		default:
			typ, err := p.datatype()
			if err != nil {
				return nil, err
			}
			f.ID, f.Type = nextID, typ
		}
		if prev, dup := seen[f.ID]; dup {
			return nil, errAt(UnsupportedSyntax, t.off, "field id %d already used at offset %d", f.ID, prev.off)
		}
		seen[f.ID] = t
		nextID = f.ID + 1
		fields = append(fields, f)
		if !p.accept(";") {
			if err := p.expect("}"); err != nil {
				return nil, err
			}
			break
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
	return fields, nil
}

func (p *parser) params() ([]Param, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var out []Param
	for !p.accept(")") {
		var prm Param
		t := p.peek()
		if (t.kind == tokIdent || t.kind == tokText) && p.peekAt(1).is(tokPunct, ":") {
			prm.Name = t.text
			p.next()
			p.next()
		}
		typ, err := p.datatype()
		if err != nil {
			return nil, err
		}
		prm.Type = typ
		out = append(out, prm)
		if !p.accept(",") {
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			break
		}
	}
	return out, nil
}

func (p *parser) functype() (*FuncType, error) {
	args, err := p.params()
	if err != nil {
		return nil, err
	}
	if err := p.expect("->"); err != nil {
		return nil, err
	}
	results, err := p.params()
	if err != nil {
		return nil, err
	}
	fn := &FuncType{Args: args, Results: results}
	for p.peek().kind == tokIdent {
		t := p.next()
		switch t.text {
		case "query", "oneway", "composite_query":
			fn.Annotations = append(fn.Annotations, t.text)
		default:
			return nil, errAt(UnsupportedSyntax, t.off, "unknown annotation %q", t.text)
		}
		if t.text == "oneway" && len(results) > 0 {
			return nil, errAt(UnsupportedSyntax, t.off, "oneway function cannot return results")
		}
	}
	if len(fn.Annotations) > 1 {
		return nil, errAt(UnsupportedSyntax, p.peek().off, "at most one annotation is allowed")
	}
	return fn, nil
}

func (p *parser) actortype() ([]ServiceMethod, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var (
		methods []ServiceMethod
		seen    = make(map[string]bool)
	)
	for !p.accept("}") {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokText {
			return nil, errAt(UnsupportedSyntax, t.off, "expected a method name, found %s", describe(t))
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		var typ TypeID
		if p.peek().is(tokPunct, "(") {
			start := p.peek().off
			fn, err := p.functype()
			if err != nil {
				return nil, err
			}
			typ = p.types().add(Node{Kind: KindFunc, Func: fn, Elem: noType, Target: noType, Pos: start})
		} else {
			ref, err := p.datatype()
			if err != nil {
				return nil, err
			}
			typ = ref
		}
		if seen[t.text] {
			p.doc.Duplicates = append(p.doc.Duplicates, Duplicate{Kind: "method", Name: t.text, Pos: Position{Offset: t.off}})
		} else {
			seen[t.text] = true
			methods = append(methods, ServiceMethod{Name: t.text, Type: typ, Pos: t.off})
		}
		if !p.accept(";") {
			if err := p.expect("}"); err != nil {
				return nil, err
			}
			break
		}
	}
	return methods, nil
}

// checkCycles rejects named types that only alias each other.
func (p *parser) checkCycles() error {
	nodes := p.types().nodes
	for _, id := range p.names {
		seen := map[TypeID]bool{}
		for cur := id; nodes[cur].Kind == KindRef; cur = nodes[cur].Target {
			if seen[cur] {
				return errAt(UnresolvedTypeReference, nodes[id].Pos, "type %q resolves only to itself", nodes[id].Name)
			}
			seen[cur] = true
		}
	}
	return nil
}

func (p *parser) serviceDecl(toks []token) error {
	p.reset(toks[1:])
	if p.peek().kind == tokIdent {
		p.next()
	}
	if err := p.expect(":"); err != nil {
		return err
	}
	if p.peek().is(tokPunct, "(") {
		init, err := p.params()
		if err != nil {
			return err
		}
		if err := p.expect("->"); err != nil {
			return err
		}
		p.doc.InitArgs = init
	}
	var methods []ServiceMethod
	if p.peek().is(tokPunct, "{") {
		ms, err := p.actortype()
		if err != nil {
			return err
		}
		methods = ms
	} else {
		t := p.peek()
		ref, err := p.datatype()
		if err != nil {
			return err
		}
		n := p.types().resolved(ref)
		if n.Kind != KindService {
			return errAt(UnsupportedSyntax, t.off, "%q is not a service type", t.text)
		}
		methods = n.Methods
	}
	if err := p.expectEOF(); err != nil {
		return err
	}
	for _, sm := range methods {
		fnNode := p.types().resolved(sm.Type)
		if fnNode.Kind != KindFunc {
			return errAt(UnsupportedSyntax, sm.Pos, "method %q is not a function type", sm.Name)
		}
		fn := fnNode.Func
		m := &Method{Name: sm.Name, Args: fn.Args, Results: fn.Results, Pos: Position{Offset: sm.Pos}}
		for _, a := range fn.Annotations {
			switch a {
			case "query":
				m.Mode = ModeQuery
			case "composite_query":
				m.Mode, m.Composite = ModeQuery, true
			case "oneway":
				m.Oneway = true
			}
		}
		p.doc.methods[m.Name] = m
		p.doc.order = append(p.doc.order, m.Name)
	}
	return nil
}
