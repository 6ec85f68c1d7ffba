package manifest

import (
	"fmt"
	"strings"
	"unicode"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
)

// EntityType is a type annotated with @entity in the schema.
type EntityType struct {
	Name   string
	Fields []Field
}

// Field is one field of an entity type. Type is the named base type with
// list and non-null wrappers removed.
type Field struct {
	Name    string
	Type    string
	List    bool
	NonNull bool
	Derived bool
}

// ParseSchema extracts entity types from a GraphQL schema document. Only
// the type system subset needed for entity definitions is understood;
// other definitions are skipped.
func ParseSchema(doc string) ([]EntityType, error) {
	p := &schemaParser{toks: tokenize(doc)}
	var types []EntityType
	for !p.done() {
		if p.peekString() {
			p.next()
			continue
		}
		kw := p.next()
		switch kw {
		case "type":
			t, isEntity, err := p.objectType()
			if err != nil {
				return nil, err
			}
			if isEntity {
				types = append(types, t)
			}
		case "enum", "interface", "input", "schema", "extend", "scalar", "union", "directive":
			p.skipDefinition()
		default:
			return nil, errors.InvalidData(errors.PhaseParse, nil, fmt.Sprintf("schema: unexpected %q at top level", kw))
		}
	}
	return types, nil
}

// IndexDefinitions returns one attribute index per scalar field of every
// entity type. List and derived fields are not indexed.
func IndexDefinitions(id subgraphruntime.DeploymentID, types []EntityType) []entity.AttributeIndex {
	var defs []entity.AttributeIndex
	for _, t := range types {
		for _, f := range t.Fields {
			if f.List || f.Derived {
				continue
			}
			defs = append(defs, entity.AttributeIndex{
				Deployment: id,
				EntityType: t.Name,
				Attribute:  f.Name,
				FieldType:  f.Type,
			})
		}
	}
	return defs
}

var topLevel = map[string]bool{
	"type": true, "enum": true, "interface": true, "input": true, "schema": true,
	"extend": true, "scalar": true, "union": true, "directive": true,
}

type schemaParser struct {
	toks []string
	pos  int
}

func (p *schemaParser) done() bool { return p.pos >= len(p.toks) }

func (p *schemaParser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *schemaParser) peekString() bool {
	return strings.HasPrefix(p.peek(), `"`)
}

func (p *schemaParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *schemaParser) expect(want string) error {
	if got := p.next(); got != want {
		return errors.InvalidData(errors.PhaseParse, nil, fmt.Sprintf("schema: expected %q, got %q", want, got))
	}
	return nil
}

// skipBalanced skips from an opening bracket to its matching close.
func (p *schemaParser) skipBalanced(open, close string) error {
	if err := p.expect(open); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		if p.done() {
			return errors.InvalidData(errors.PhaseParse, nil, "schema: unterminated "+open)
		}
		switch p.next() {
		case open:
			depth++
		case close:
			depth--
		}
	}
	return nil
}

func (p *schemaParser) skipDefinition() {
	for !p.done() {
		switch tok := p.peek(); {
		case tok == "{":
			_ = p.skipBalanced("{", "}")
			return
		case topLevel[tok] || strings.HasPrefix(tok, `"`):
			return
		}
		p.next()
	}
}

// directives consumes @name(args) sequences and returns their names.
func (p *schemaParser) directives() ([]string, error) {
	var names []string
	for p.peek() == "@" {
		p.next()
		names = append(names, p.next())
		if p.peek() == "(" {
			if err := p.skipBalanced("(", ")"); err != nil {
				return nil, err
			}
		}
	}
	return names, nil
}

func (p *schemaParser) objectType() (EntityType, bool, error) {
	t := EntityType{Name: p.next()}
	if t.Name == "" || !isName(t.Name) {
		return t, false, errors.InvalidData(errors.PhaseParse, nil, fmt.Sprintf("schema: invalid type name %q", t.Name))
	}

	if p.peek() == "implements" {
		p.next()
		for p.peek() != "{" && p.peek() != "@" && !p.done() {
			p.next()
		}
	}
	dirs, err := p.directives()
	if err != nil {
		return t, false, err
	}
	isEntity := false
	for _, d := range dirs {
		if d == "entity" {
			isEntity = true
		}
	}

	if err := p.expect("{"); err != nil {
		return t, false, err
	}
	for p.peek() != "}" {
		if p.done() {
			return t, false, errors.InvalidData(errors.PhaseParse, nil, "schema: unterminated type "+t.Name)
		}
		if p.peekString() {
			p.next()
			continue
		}
		f, err := p.field()
		if err != nil {
			return t, false, fmt.Errorf("type %s: %w", t.Name, err)
		}
		t.Fields = append(t.Fields, f)
	}
	p.next()
	return t, isEntity, nil
}

func (p *schemaParser) field() (Field, error) {
	f := Field{Name: p.next()}
	if !isName(f.Name) {
		return f, errors.InvalidData(errors.PhaseParse, nil, fmt.Sprintf("schema: invalid field name %q", f.Name))
	}
	if p.peek() == "(" {
		if err := p.skipBalanced("(", ")"); err != nil {
			return f, err
		}
	}
	if err := p.expect(":"); err != nil {
		return f, err
	}

	if p.peek() == "[" {
		p.next()
		f.List = true
		f.Type = p.next()
		if p.peek() == "!" {
			p.next()
		}
		if err := p.expect("]"); err != nil {
			return f, err
		}
	} else {
		f.Type = p.next()
	}
	if !isName(f.Type) {
		return f, errors.InvalidData(errors.PhaseParse, nil, fmt.Sprintf("schema: invalid type %q for field %s", f.Type, f.Name))
	}
	if p.peek() == "!" {
		p.next()
		f.NonNull = true
	}

	dirs, err := p.directives()
	if err != nil {
		return f, err
	}
	for _, d := range dirs {
		if d == "derivedFrom" {
			f.Derived = true
		}
	}
	return f, nil
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

// tokenize splits a schema document into names, punctuators and string
// literals. Comments, commas and whitespace are dropped.
func tokenize(doc string) []string {
	var toks []string
	rs := []rune(doc)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r) || r == ',' || r == '\uFEFF':
			i++
		case r == '#':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '"':
			start := i
			if i+2 < len(rs) && rs[i+1] == '"' && rs[i+2] == '"' {
				i += 3
				for i < len(rs) && !(rs[i] == '"' && i+2 < len(rs) && rs[i+1] == '"' && rs[i+2] == '"') {
					i++
				}
				i += 3
			} else {
				i++
				for i < len(rs) && rs[i] != '"' && rs[i] != '\n' {
					if rs[i] == '\\' {
						i++
					}
					i++
				}
				i++
			}
			if i > len(rs) {
				i = len(rs)
			}
			toks = append(toks, string(rs[start:i]))
		case strings.ContainsRune("{}()[]:!@=|&$", r):
			toks = append(toks, string(r))
			i++
		default:
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && !strings.ContainsRune("{}()[]:!@=|&$,#\"", rs[i]) {
				i++
			}
			toks = append(toks, string(rs[start:i]))
		}
	}
	return toks
}
