// Package reconstruct renders program graph subtrees back into source-like
// expression strings.
package reconstruct

import (
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// ThisIdentifier is the pseudo-identifier name used for ThisExpression so it
// participates in alias queries like a real identifier.
const ThisIdentifier = "ThisExpression"

// Result is the output of Reconstruct.
type Result struct {
	Code string
	// Literals holds literal values in first-seen order, without duplicates.
	Literals []string
	// Identifiers maps each identifier name to the node id that first
	// introduced it in the subtree.
	Identifiers map[string]string
}

// HasLiteral reports whether v occurs among the literal values.
func (r Result) HasLiteral(v string) bool {
	for _, l := range r.Literals {
		if l == v {
			return true
		}
	}
	return false
}

type renderer struct {
	literals    []string
	seenLiteral map[string]bool
	identifiers map[string]string
}

// Reconstruct renders tree. It does not modify tree and always returns the
// same output for the same input.
func Reconstruct(tree *schemas.Tree) Result {
	r := &renderer{seenLiteral: make(map[string]bool), identifiers: make(map[string]string)}
	if tree == nil {
		return Result{Identifiers: r.identifiers}
	}
	code := r.render(tree)
	return Result{Code: code, Literals: r.literals, Identifiers: r.identifiers}
}

// Code is a convenience wrapper returning only the rendered string.
func Code(tree *schemas.Tree) string {
	return Reconstruct(tree).Code
}

func (r *renderer) identifier(name, id string) {
	if name == "" {
		return
	}
	if _, ok := r.identifiers[name]; !ok {
		r.identifiers[name] = id
	}
}

func (r *renderer) literal(v string) {
	if !r.seenLiteral[v] {
		r.seenLiteral[v] = true
		r.literals = append(r.literals, v)
	}
}

// list returns the children attached through relation ordered by index.
func list(t *schemas.Tree, relation string) []*schemas.Tree {
	out := t.ChildrenBy(relation)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (r *renderer) renderAll(ts []*schemas.Tree, sep string) string {
	parts := make([]string, 0, len(ts))
	for _, c := range ts {
		parts = append(parts, r.render(c))
	}
	return strings.Join(parts, sep)
}

func (r *renderer) opt(t *schemas.Tree) string {
	if t == nil {
		return ""
	}
	return r.render(t)
}

func (r *renderer) render(t *schemas.Tree) string {
	n := t.Node
	switch n.Type {
	case schemas.NodeIdentifier:
		r.identifier(n.Code, n.ID)
		return n.Code

	case schemas.NodeThisExpression:
		r.identifier(ThisIdentifier, n.ID)
		return ThisIdentifier

	case schemas.NodeLiteral:
		r.literal(n.Value)
		return renderLiteral(n)

	case schemas.NodeTemplateLiteral:
		r.literal(n.Value)
		if n.Raw != "" {
			return n.Raw
		}
		return "`" + n.Value + "`"

	case schemas.NodeMemberExpression:
		obj := r.opt(t.Child(schemas.RelObject))
		prop := t.Child(schemas.RelProperty)
		if prop == nil {
			return obj
		}
		if n.Computed || prop.Node.Type != schemas.NodeIdentifier {
			return obj + "[" + r.render(prop) + "]"
		}
		// Non-computed property names are not variables.
		return obj + "." + prop.Node.Code

	case schemas.NodeCallExpression, schemas.NodeNewExpression:
		call := r.opt(t.Child(schemas.RelCallee)) + "(" + r.renderAll(list(t, schemas.RelArguments), ", ") + ")"
		if n.Type == schemas.NodeNewExpression {
			return "new " + call
		}
		return call

	case schemas.NodeBinaryExpression, schemas.NodeLogicalExpression:
		return r.opt(t.Child(schemas.RelLeft)) + " " + n.Operator + " " + r.opt(t.Child(schemas.RelRight))

	case schemas.NodeAssignmentExpression, schemas.NodeAssignmentPattern:
		op := n.Operator
		if op == "" {
			op = "="
		}
		return r.opt(t.Child(schemas.RelLeft)) + " " + op + " " + r.opt(t.Child(schemas.RelRight))

	case schemas.NodeUnaryExpression:
		arg := r.opt(t.Child(schemas.RelArgument))
		switch n.Operator {
		case "typeof", "void", "delete":
			return n.Operator + " " + arg
		}
		return n.Operator + arg

	case schemas.NodeUpdateExpression:
		arg := r.opt(t.Child(schemas.RelArgument))
		if n.Kind == "prefix" {
			return n.Operator + arg
		}
		return arg + n.Operator

	case schemas.NodeConditionalExpression:
		return r.opt(t.Child(schemas.RelTest)) + " ? " + r.opt(t.Child(schemas.RelConsequent)) + " : " + r.opt(t.Child(schemas.RelAlternate))

	case schemas.NodeSequenceExpression:
		return r.renderAll(list(t, schemas.RelExpressions), ", ")

	case schemas.NodeAwaitExpression:
		return "await " + r.opt(t.Child(schemas.RelArgument))

	case schemas.NodeSpreadElement, schemas.NodeRestElement:
		return "..." + r.opt(t.Child(schemas.RelArgument))

	case schemas.NodeObjectExpression, schemas.NodeObjectPattern:
		props := list(t, schemas.RelProperties)
		if len(props) == 0 {
			return "{}"
		}
		return "{" + r.renderAll(props, ", ") + "}"

	case schemas.NodeProperty:
		keyTree := t.Child(schemas.RelKey)
		value := r.opt(t.Child(schemas.RelValue))
		if keyTree == nil {
			return value
		}
		var key string
		switch {
		case n.Computed:
			key = "[" + r.render(keyTree) + "]"
		case keyTree.Node.Type == schemas.NodeIdentifier:
			key = keyTree.Node.Code
		default:
			key = r.render(keyTree)
		}
		return key + ": " + value

	case schemas.NodeArrayExpression, schemas.NodeArrayPattern:
		return "[" + r.renderAll(list(t, schemas.RelElements), ", ") + "]"

	case schemas.NodeFunctionDeclaration, schemas.NodeFunctionExpression:
		name := ""
		if id := t.Child(schemas.RelID); id != nil {
			name = " " + r.render(id)
		}
		return "function" + name + "(" + r.renderAll(list(t, schemas.RelParams), ", ") + ") " + r.opt(t.Child(schemas.RelBody))

	case schemas.NodeArrowFunctionExpression:
		return "(" + r.renderAll(list(t, schemas.RelParams), ", ") + ") => " + r.opt(t.Child(schemas.RelBody))

	case schemas.NodeMethodDefinition:
		return r.opt(t.Child(schemas.RelKey)) + strings.TrimPrefix(r.opt(t.Child(schemas.RelValue)), "function")

	case schemas.NodeVariableDeclaration:
		kind := n.Kind
		if kind == "" {
			kind = "var"
		}
		return kind + " " + r.renderAll(list(t, schemas.RelDeclarations), ", ") + ";"

	case schemas.NodeVariableDeclarator:
		id := r.opt(t.Child(schemas.RelID))
		if init := t.Child(schemas.RelInit); init != nil {
			return id + " = " + r.render(init)
		}
		return id

	case schemas.NodeExpressionStatement:
		return r.opt(t.Child(schemas.RelExpression)) + ";"

	case schemas.NodeReturnStatement:
		if arg := t.Child(schemas.RelArgument); arg != nil {
			return "return " + r.render(arg) + ";"
		}
		return "return;"

	case schemas.NodeThrowStatement:
		return "throw " + r.opt(t.Child(schemas.RelArgument)) + ";"

	case schemas.NodeBlockStatement, schemas.NodeClassBody:
		body := list(t, schemas.RelBody)
		if len(body) == 0 {
			return "{}"
		}
		return "{ " + r.renderAll(body, " ") + " }"

	case schemas.NodeProgram:
		return r.renderAll(list(t, schemas.RelBody), "\n")

	case schemas.NodeIfStatement:
		out := "if (" + r.opt(t.Child(schemas.RelTest)) + ") " + r.opt(t.Child(schemas.RelConsequent))
		if alt := t.Child(schemas.RelAlternate); alt != nil {
			out += " else " + r.render(alt)
		}
		return out

	case schemas.NodeForStatement:
		return "for (" + strings.TrimSuffix(r.opt(t.Child(schemas.RelInit)), ";") + "; " + r.opt(t.Child(schemas.RelTest)) + "; " +
			r.opt(t.Child(schemas.RelUpdate)) + ") " + r.opt(t.Child(schemas.RelBody))

	case schemas.NodeForInStatement, schemas.NodeForOfStatement:
		op := " in "
		if n.Type == schemas.NodeForOfStatement {
			op = " of "
		}
		return "for (" + strings.TrimSuffix(r.opt(t.Child(schemas.RelLeft)), ";") + op + r.opt(t.Child(schemas.RelRight)) + ") " + r.opt(t.Child(schemas.RelBody))

	case schemas.NodeWhileStatement:
		return "while (" + r.opt(t.Child(schemas.RelTest)) + ") " + r.opt(t.Child(schemas.RelBody))

	case schemas.NodeDoWhileStatement:
		return "do " + r.opt(t.Child(schemas.RelBody)) + " while (" + r.opt(t.Child(schemas.RelTest)) + ");"

	case schemas.NodeTryStatement:
		out := "try " + r.opt(t.Child(schemas.RelBlock))
		if h := t.Child(schemas.RelHandler); h != nil {
			out += " " + r.render(h)
		}
		if f := t.Child(schemas.RelFinalizer); f != nil {
			out += " finally " + r.render(f)
		}
		return out

	case schemas.NodeCatchClause:
		if p := t.Child(schemas.RelParam); p != nil {
			return "catch (" + r.render(p) + ") " + r.opt(t.Child(schemas.RelBody))
		}
		return "catch " + r.opt(t.Child(schemas.RelBody))

	case schemas.NodeSwitchStatement:
		return "switch (" + r.opt(t.Child(schemas.RelDiscriminant)) + ") { " + r.renderAll(list(t, schemas.RelCases), " ") + " }"

	case schemas.NodeSwitchCase:
		head := "default:"
		if test := t.Child(schemas.RelTest); test != nil {
			head = "case " + r.render(test) + ":"
		}
		if body := list(t, schemas.RelConsequent); len(body) > 0 {
			return head + " " + r.renderAll(body, " ")
		}
		return head

	case schemas.NodeBreakStatement, schemas.NodeContinueStatement:
		word := "break"
		if n.Type == schemas.NodeContinueStatement {
			word = "continue"
		}
		if l := t.Child(schemas.RelLabel); l != nil {
			return word + " " + r.render(l) + ";"
		}
		return word + ";"

	case schemas.NodeEmptyStatement:
		return ";"
	}

	// Generic fallback: join the children in edge order.
	return r.renderAll(t.Children, " ")
}

func renderLiteral(n schemas.ProgramNode) string {
	// A parsed value of "{}" stands in for values that do not serialize
	// (regular expressions); the raw text is the faithful rendering.
	if n.Value == "{}" && n.Raw != "" && n.Raw != n.Value {
		return n.Raw
	}
	if n.Kind == "string" {
		return strconv.Quote(n.Value)
	}
	if n.Raw != "" {
		return n.Raw
	}
	return n.Value
}
