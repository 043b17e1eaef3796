package reconstruct

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/xkilldash9x/hpgscan/api/schemas"
)

func leaf(id string, n schemas.ProgramNode, rel string, idx int) *schemas.Tree {
	n.ID = id
	return &schemas.Tree{Node: n, Relation: rel, Index: idx}
}

func ident(id, name, rel string, idx int) *schemas.Tree {
	return leaf(id, schemas.ProgramNode{Type: schemas.NodeIdentifier, Code: name}, rel, idx)
}

func str(id, v, rel string, idx int) *schemas.Tree {
	return leaf(id, schemas.ProgramNode{Type: schemas.NodeLiteral, Value: v, Raw: `'` + v + `'`, Kind: "string"}, rel, idx)
}

func node(id string, t schemas.NodeType, rel string, children ...*schemas.Tree) *schemas.Tree {
	return &schemas.Tree{Node: schemas.ProgramNode{ID: id, Type: t}, Relation: rel, Children: children}
}

// $.html(x, "<b>") with its arguments attached in reverse order.
func htmlCall() *schemas.Tree {
	member := node("m", schemas.NodeMemberExpression, schemas.RelCallee,
		ident("obj", "$", schemas.RelObject, 0),
		ident("prop", "html", schemas.RelProperty, 0))
	return node("call", schemas.NodeCallExpression, schemas.RelExpression,
		str("a1", "<b>", schemas.RelArguments, 1),
		ident("a0", "x", schemas.RelArguments, 0),
		member)
}

func TestReconstructCallExpression(t *testing.T) {
	got := Reconstruct(htmlCall())

	want := Result{
		Code:        `$.html(x, "<b>")`,
		Literals:    []string{"<b>"},
		Identifiers: map[string]string{"$": "obj", "x": "a0"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Reconstruct() mismatch (-want +got):\n%s", diff)
	}
}

func TestReconstructIsIdempotent(t *testing.T) {
	tree := node("stmt", schemas.NodeExpressionStatement, "", htmlCall())
	first := Reconstruct(tree)
	second := Reconstruct(tree)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second call differs (-first +second):\n%s", diff)
	}
	assert.Equal(t, `$.html(x, "<b>");`, first.Code)
}

func TestReconstructMemberExpressions(t *testing.T) {
	t.Run("computed property uses brackets", func(t *testing.T) {
		m := node("m", schemas.NodeMemberExpression, "", ident("o", "a", schemas.RelObject, 0), ident("p", "k", schemas.RelProperty, 0))
		m.Node.Computed = true
		got := Reconstruct(m)
		assert.Equal(t, "a[k]", got.Code)
		assert.Contains(t, got.Identifiers, "k")
	})

	t.Run("literal property uses brackets", func(t *testing.T) {
		m := node("m", schemas.NodeMemberExpression, "", ident("o", "a", schemas.RelObject, 0), str("p", "k", schemas.RelProperty, 0))
		assert.Equal(t, `a["k"]`, Code(m))
	})

	t.Run("dotted property is not an identifier use", func(t *testing.T) {
		m := node("m", schemas.NodeMemberExpression, "", ident("o", "a", schemas.RelObject, 0), ident("p", "b", schemas.RelProperty, 0))
		got := Reconstruct(m)
		assert.Equal(t, "a.b", got.Code)
		assert.NotContains(t, got.Identifiers, "b")
	})
}

func TestReconstructLiterals(t *testing.T) {
	t.Run("empty object marker renders raw text", func(t *testing.T) {
		re := leaf("r", schemas.ProgramNode{Type: schemas.NodeLiteral, Value: "{}", Raw: "/a+/g", Kind: "regex"}, "", 0)
		assert.Equal(t, "/a+/g", Code(re))
	})

	t.Run("string literals are quoted", func(t *testing.T) {
		assert.Equal(t, `"692"`, Code(str("s", "692", "", 0)))
	})

	t.Run("numbers render their raw text", func(t *testing.T) {
		n := leaf("n", schemas.ProgramNode{Type: schemas.NodeLiteral, Value: "16", Raw: "0x10", Kind: "number"}, "", 0)
		got := Reconstruct(n)
		assert.Equal(t, "0x10", got.Code)
		assert.Equal(t, []string{"16"}, got.Literals)
	})
}

func TestReconstructThisExpression(t *testing.T) {
	m := node("m", schemas.NodeMemberExpression, "",
		leaf("this", schemas.ProgramNode{Type: schemas.NodeThisExpression}, schemas.RelObject, 0),
		ident("p", "el", schemas.RelProperty, 0))
	got := Reconstruct(m)
	assert.Equal(t, "ThisExpression.el", got.Code)
	assert.Equal(t, "this", got.Identifiers[ThisIdentifier])
}

func TestReconstructStatements(t *testing.T) {
	decl := node("d", schemas.NodeVariableDeclaration, "",
		node("v", schemas.NodeVariableDeclarator, schemas.RelDeclarations,
			ident("y", "y", schemas.RelID, 0),
			node("c", schemas.NodeCallExpression, schemas.RelInit,
				ident("f", "require", schemas.RelCallee, 0),
				str("s", "692", schemas.RelArguments, 0))))
	decl.Node.Kind = "var"
	assert.Equal(t, `var y = require("692");`, Code(decl))

	fn := node("fn", schemas.NodeFunctionDeclaration, "",
		ident("id", "f", schemas.RelID, 0),
		ident("p", "p", schemas.RelParams, 0),
		node("b", schemas.NodeBlockStatement, schemas.RelBody,
			node("r", schemas.NodeReturnStatement, schemas.RelBody, ident("rp", "p", schemas.RelArgument, 0))))
	assert.Equal(t, "function f(p) { return p; }", Code(fn))

	obj := node("o", schemas.NodeObjectExpression, "")
	assert.Equal(t, "{}", Code(obj))
}

func TestReconstructFallback(t *testing.T) {
	unknown := node("u", schemas.NodeType("WithStatement"), "", ident("a", "a", "object", 0), ident("b", "b", "body", 0))
	assert.Equal(t, "a b", Code(unknown))
	assert.Equal(t, "", Code(nil))
}
