package hpg

import (
	"context"
	"strconv"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// Builder accumulates a page graph before it is written to a store. It
// assigns sequential node ids.
type Builder struct {
	prefix string
	nodes  []schemas.ProgramNode
	edges  []schemas.Edge
}

// NewBuilder returns a Builder whose ids are prefix followed by a counter.
func NewBuilder(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Add appends a node and returns its id. An empty id is assigned.
func (b *Builder) Add(n schemas.ProgramNode) string {
	if n.ID == "" {
		n.ID = b.prefix + strconv.Itoa(len(b.nodes)+1)
	}
	b.nodes = append(b.nodes, n)
	return n.ID
}

// AST links child under parent through relation.
func (b *Builder) AST(parent, child, relation string, index int) {
	b.edges = append(b.edges, schemas.Edge{From: parent, To: child, Kind: schemas.EdgeAST, RelationType: relation, Index: index})
}

// CFG links a control flow successor.
func (b *Builder) CFG(from, to string) {
	b.edges = append(b.edges, schemas.Edge{From: from, To: to, Kind: schemas.EdgeCFG})
}

// PDG records that varname defined or used at from flows into to.
func (b *Builder) PDG(from, to, varname string) {
	b.edges = append(b.edges, schemas.Edge{From: from, To: to, Kind: schemas.EdgePDG, Arguments: varname})
}

// CG links a call expression to a function definition. arguments is the JSON
// argument-index to argument-code map.
func (b *Builder) CG(call, def, arguments string) {
	b.edges = append(b.edges, schemas.Edge{From: call, To: def, Kind: schemas.EdgeCG, Arguments: arguments})
}

func (b *Builder) Nodes() []schemas.ProgramNode { return b.nodes }
func (b *Builder) Edges() []schemas.Edge        { return b.edges }

// Node returns the node with id, or the zero node.
func (b *Builder) Node(id string) schemas.ProgramNode {
	for _, n := range b.nodes {
		if n.ID == id {
			return n
		}
	}
	return schemas.ProgramNode{}
}

// WriteTo loads the accumulated graph into w.
func (b *Builder) WriteTo(ctx context.Context, w schemas.GraphWriter) error {
	return w.WriteGraph(ctx, b.nodes, b.edges)
}

// Ident is a shorthand for an Identifier node.
func Ident(name string) schemas.ProgramNode {
	return schemas.ProgramNode{Type: schemas.NodeIdentifier, Code: name}
}

// StringLit is a shorthand for a string Literal node.
func StringLit(value string) schemas.ProgramNode {
	return schemas.ProgramNode{Type: schemas.NodeLiteral, Value: value, Raw: strconv.Quote(value), Kind: "string"}
}

// Typed is a shorthand for a node that carries only its type.
func Typed(t schemas.NodeType) schemas.ProgramNode {
	return schemas.ProgramNode{Type: t}
}
