// Package poc flattens POC template strings such as
// `LIBOBJ(WILDCARD).html(PAYLOAD)` into construct graphs with a level-by-level
// search order.
package poc

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// Reserved placeholder codes. They are resolved by structural position and
// never searched for in the graph.
const (
	LibraryObject = "LIBOBJ"
	Payload       = "PAYLOAD"
	Wildcard      = "WILDCARD"
)

var (
	// ErrUnsupported is returned for template syntax the flattener does not model.
	ErrUnsupported = errors.New("unsupported POC construct")
	// ErrInvalidTemplate is returned when the template does not parse to a
	// single expression.
	ErrInvalidTemplate = errors.New("invalid POC template")
)

// IsPlaceholder reports whether code is a reserved placeholder.
func IsPlaceholder(code string) bool {
	switch code {
	case LibraryObject, Payload, Wildcard:
		return true
	}
	return false
}

// Construct is one node of a flattened template.
type Construct struct {
	ID       string
	Type     schemas.NodeType
	Code     string
	Operator string
	Computed bool
	Parent   string
	Relation string
	Index    int
	Children []string
	Level    int
}

// IsLeaf reports whether the construct is an identifier or literal.
func (c *Construct) IsLeaf() bool {
	return c.Type.IsLeaf()
}

// Template is a flattened POC.
type Template struct {
	Source     string
	Constructs map[string]*Construct
	// SearchOrder lists construct ids level by level, shallowest first.
	SearchOrder [][]string
	Root        string
	Payloads    []string
	// Fullset holds every non-placeholder leaf code, sorted.
	Fullset []string
	// LibraryObject is the id of the LIBOBJ construct, if any.
	LibraryObject string
}

// Construct returns the construct with id, or nil.
func (t *Template) Construct(id string) *Construct {
	return t.Constructs[id]
}

// InFullset reports whether code is a required tag.
func (t *Template) InFullset(code string) bool {
	i := sort.SearchStrings(t.Fullset, code)
	return i < len(t.Fullset) && t.Fullset[i] == code
}

type options struct {
	location string
	mod      bool
}

// Option customizes Flatten.
type Option func(*options)

// WithLibraryObject binds the LIBOBJ placeholder. With mod set, LIBOBJ
// becomes a literal module id (e.g. a bundler's require("692")). Otherwise a
// non-empty location becomes a global identifier. An empty location leaves
// LIBOBJ structural.
func WithLibraryObject(location string, mod bool) Option {
	return func(o *options) {
		o.location = location
		o.mod = mod
	}
}

type pending struct {
	expr     ast.Node
	parent   string
	relation string
	index    int
	level    int
}

// Flatten parses source and returns its construct graph.
func Flatten(source string, opts ...Option) (*Template, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	program, err := parser.ParseFile(nil, "", source, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if len(program.Body) != 1 {
		return nil, fmt.Errorf("%w: expected one statement, found %d", ErrInvalidTemplate, len(program.Body))
	}
	stmt, ok := program.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return nil, fmt.Errorf("%w: expected an expression, found %T", ErrInvalidTemplate, program.Body[0])
	}

	t := &Template{Source: source, Constructs: make(map[string]*Construct)}
	queue := []pending{{expr: stmt.Expression}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		c := &Construct{
			ID:       "c" + strconv.Itoa(len(t.Constructs)),
			Parent:   p.parent,
			Relation: p.relation,
			Index:    p.index,
			Level:    p.level,
		}
		children, err := describe(p.expr, c)
		if err != nil {
			return nil, err
		}
		if c.Code == LibraryObject && c.IsLeaf() {
			bindLibraryObject(c, o)
			t.LibraryObject = c.ID
		}

		t.Constructs[c.ID] = c
		if p.parent == "" {
			t.Root = c.ID
		} else {
			parent := t.Constructs[p.parent]
			parent.Children = append(parent.Children, c.ID)
		}
		for len(t.SearchOrder) <= c.Level {
			t.SearchOrder = append(t.SearchOrder, nil)
		}
		t.SearchOrder[c.Level] = append(t.SearchOrder[c.Level], c.ID)

		for _, ch := range children {
			ch.parent = c.ID
			ch.level = c.Level + 1
			queue = append(queue, ch)
		}
	}

	seen := make(map[string]bool)
	for _, level := range t.SearchOrder {
		for _, id := range level {
			c := t.Constructs[id]
			if c.Code == Payload {
				t.Payloads = append(t.Payloads, id)
			}
			if c.IsLeaf() && !IsPlaceholder(c.Code) && !seen[c.Code] {
				seen[c.Code] = true
				t.Fullset = append(t.Fullset, c.Code)
			}
		}
	}
	sort.Strings(t.Fullset)
	return t, nil
}

func bindLibraryObject(c *Construct, o options) {
	switch {
	case o.location == "":
	case o.mod:
		c.Type = schemas.NodeLiteral
		c.Code = o.location
	default:
		c.Type = schemas.NodeIdentifier
		c.Code = o.location
	}
}

// describe fills c from expr and returns the child expressions to visit.
func describe(expr ast.Node, c *Construct) ([]pending, error) {
	switch n := expr.(type) {
	case *ast.Identifier:
		c.Type = schemas.NodeIdentifier
		c.Code = n.Name.String()
	case *ast.StringLiteral:
		c.Type = schemas.NodeLiteral
		c.Code = n.Value.String()
	case *ast.NumberLiteral:
		c.Type = schemas.NodeLiteral
		c.Code = n.Literal
	case *ast.BooleanLiteral:
		c.Type = schemas.NodeLiteral
		c.Code = strconv.FormatBool(n.Value)
	case *ast.NullLiteral:
		c.Type = schemas.NodeLiteral
		c.Code = "null"
	case *ast.ThisExpression:
		c.Type = schemas.NodeThisExpression
	case *ast.CallExpression:
		c.Type = schemas.NodeCallExpression
		return callChildren(n.Callee, n.ArgumentList), nil
	case *ast.NewExpression:
		c.Type = schemas.NodeNewExpression
		return callChildren(n.Callee, n.ArgumentList), nil
	case *ast.DotExpression:
		c.Type = schemas.NodeMemberExpression
		prop := n.Identifier
		return []pending{
			{expr: n.Left, relation: schemas.RelObject},
			{expr: &prop, relation: schemas.RelProperty},
		}, nil
	case *ast.BracketExpression:
		c.Type = schemas.NodeMemberExpression
		c.Computed = true
		return []pending{
			{expr: n.Left, relation: schemas.RelObject},
			{expr: n.Member, relation: schemas.RelProperty},
		}, nil
	case *ast.ObjectLiteral:
		c.Type = schemas.NodeObjectExpression
		out := make([]pending, 0, len(n.Value))
		for i, prop := range n.Value {
			out = append(out, pending{expr: prop, relation: schemas.RelProperties, index: i})
		}
		return out, nil
	case *ast.PropertyKeyed:
		c.Type = schemas.NodeProperty
		c.Computed = n.Computed
		return []pending{
			{expr: n.Key, relation: schemas.RelKey},
			{expr: n.Value, relation: schemas.RelValue},
		}, nil
	case *ast.PropertyShort:
		c.Type = schemas.NodeProperty
		key, value := n.Name, n.Name
		return []pending{
			{expr: &key, relation: schemas.RelKey},
			{expr: &value, relation: schemas.RelValue},
		}, nil
	case *ast.ArrayLiteral:
		c.Type = schemas.NodeArrayExpression
		var out []pending
		for i, el := range n.Value {
			if el != nil {
				out = append(out, pending{expr: el, relation: schemas.RelElements, index: i})
			}
		}
		return out, nil
	case *ast.BinaryExpression:
		c.Type = schemas.NodeBinaryExpression
		c.Operator = n.Operator.String()
		return []pending{
			{expr: n.Left, relation: schemas.RelLeft},
			{expr: n.Right, relation: schemas.RelRight},
		}, nil
	case *ast.AssignExpression:
		c.Type = schemas.NodeAssignmentExpression
		c.Operator = n.Operator.String()
		return []pending{
			{expr: n.Left, relation: schemas.RelLeft},
			{expr: n.Right, relation: schemas.RelRight},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, expr)
	}
	return nil, nil
}

func callChildren(callee ast.Expression, args []ast.Expression) []pending {
	out := []pending{{expr: callee, relation: schemas.RelCallee}}
	for i, a := range args {
		out = append(out, pending{expr: a, relation: schemas.RelArguments, index: i})
	}
	return out
}
