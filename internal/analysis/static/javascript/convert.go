package javascript

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
)

// gnode is an imported node with its AST links. Ids are assigned when the
// tree is emitted into a Builder.
type gnode struct {
	node     schemas.ProgramNode
	parent   *gnode
	relation string
	index    int
	children []*gnode
}

func (g *gnode) attach(child *gnode, relation string, index int) {
	if child == nil {
		return
	}
	child.parent = g
	child.relation = relation
	child.index = index
	g.children = append(g.children, child)
}

// child returns the first child attached through relation.
func (g *gnode) child(relation string) *gnode {
	for _, c := range g.children {
		if c.relation == relation {
			return c
		}
	}
	return nil
}

func (g *gnode) list(relation string) []*gnode {
	var out []*gnode
	for _, c := range g.children {
		if c.relation == relation {
			out = append(out, c)
		}
	}
	return out
}

// tree converts the subtree into the store's Tree shape.
func (g *gnode) tree() *schemas.Tree {
	t := &schemas.Tree{Node: g.node, Relation: g.relation, Index: g.index}
	for _, c := range g.children {
		t.Children = append(t.Children, c.tree())
	}
	return t
}

// walk visits the subtree in pre-order.
func (g *gnode) walk(fn func(*gnode)) {
	fn(g)
	for _, c := range g.children {
		c.walk(fn)
	}
}

// converter turns one parsed script into gnodes.
type converter struct {
	page   string
	script Script
	// unknown counts tree-sitter kinds that fell through to the generic
	// conversion.
	unknown map[string]int
}

func (c *converter) text(n *sitter.Node) string {
	return NodeContent(n, c.script.Source)
}

func (c *converter) location(n *sitter.Node) schemas.Location {
	sp, ep := n.StartPoint(), n.EndPoint()
	loc := schemas.Location{
		File:        c.page,
		StartLine:   c.script.Line + int(sp.Row) + 1,
		StartColumn: int(sp.Column),
		EndLine:     c.script.Line + int(ep.Row) + 1,
		EndColumn:   int(ep.Column),
	}
	if sp.Row == 0 {
		loc.StartColumn += c.script.Column
	}
	if ep.Row == 0 {
		loc.EndColumn += c.script.Column
	}
	return loc
}

func (c *converter) newNode(n *sitter.Node, t schemas.NodeType) *gnode {
	return &gnode{node: schemas.ProgramNode{
		Type:     t,
		Location: c.location(n),
		Range: schemas.Range{
			Start: c.script.Offset + int(n.StartByte()),
			End:   c.script.Offset + int(n.EndByte()),
		},
	}}
}

// attachField converts the child stored under field and attaches it.
func (c *converter) attachField(g *gnode, n *sitter.Node, field, relation string) {
	g.attach(c.convert(n.ChildByFieldName(field)), relation, 0)
}

// attachList converts nodes and attaches them as an indexed relation.
func (c *converter) attachList(g *gnode, nodes []*sitter.Node, relation string) {
	i := 0
	for _, n := range nodes {
		if child := c.convert(n); child != nil {
			g.attach(child, relation, i)
			i++
		}
	}
}

// convert maps a tree-sitter node onto its ESTree-shaped counterpart. It
// returns nil for nodes that carry no graph content.
func (c *converter) convert(n *sitter.Node) *gnode {
	if n == nil || skippedKinds[n.Type()] {
		return nil
	}
	kind := n.Type()

	if kind == "parenthesized_expression" {
		return c.convert(firstNamed(n))
	}
	if identifierKinds[kind] {
		g := c.newNode(n, schemas.NodeIdentifier)
		g.node.Code = c.text(n)
		return g
	}

	switch kind {
	case "this":
		g := c.newNode(n, schemas.NodeThisExpression)
		g.node.Code = reconstruct.ThisIdentifier
		return g

	case "super":
		g := c.newNode(n, schemas.NodeIdentifier)
		g.node.Code = "super"
		return g

	case "string":
		raw := c.text(n)
		return c.literal(n, "string", unquoteString(raw), raw)

	case "number":
		raw := c.text(n)
		return c.literal(n, "number", raw, raw)

	case "true", "false":
		return c.literal(n, "boolean", kind, kind)

	case "null":
		return c.literal(n, "null", "null", "null")

	case "regex":
		raw := c.text(n)
		return c.literal(n, "regex", raw, raw)

	case "template_string":
		return c.templateString(n)

	case "program", "statement_block", "class_body":
		g := c.newNode(n, kindTypes[kind])
		c.attachList(g, namedChildren(n), schemas.RelBody)
		return g

	case "expression_statement":
		g := c.newNode(n, schemas.NodeExpressionStatement)
		g.attach(c.convert(firstNamed(n)), schemas.RelExpression, 0)
		return g

	case "lexical_declaration", "variable_declaration":
		g := c.newNode(n, schemas.NodeVariableDeclaration)
		g.node.Kind = "var"
		if first := n.Child(0); first != nil {
			g.node.Kind = first.Type()
		}
		c.attachList(g, namedChildren(n), schemas.RelDeclarations)
		return g

	case "variable_declarator":
		g := c.newNode(n, schemas.NodeVariableDeclarator)
		c.attachField(g, n, "name", schemas.RelID)
		c.attachField(g, n, "value", schemas.RelInit)
		return g

	case "call_expression", "new_expression":
		g := c.newNode(n, kindTypes[kind])
		callee := "function"
		if kind == "new_expression" {
			callee = "constructor"
		}
		c.attachField(g, n, callee, schemas.RelCallee)
		if args := n.ChildByFieldName("arguments"); args != nil {
			if args.Type() == "arguments" {
				c.attachList(g, namedChildren(args), schemas.RelArguments)
			} else {
				// Tagged template: the template is the only argument.
				g.attach(c.convert(args), schemas.RelArguments, 0)
			}
		}
		return g

	case "member_expression", "subscript_expression":
		g := c.newNode(n, schemas.NodeMemberExpression)
		c.attachField(g, n, "object", schemas.RelObject)
		if kind == "subscript_expression" {
			g.node.Computed = true
			c.attachField(g, n, "index", schemas.RelProperty)
		} else {
			c.attachField(g, n, "property", schemas.RelProperty)
		}
		return g

	case "assignment_expression", "augmented_assignment_expression":
		g := c.newNode(n, schemas.NodeAssignmentExpression)
		g.node.Operator = "="
		if op := n.ChildByFieldName("operator"); op != nil {
			g.node.Operator = op.Type()
		}
		c.attachField(g, n, "left", schemas.RelLeft)
		c.attachField(g, n, "right", schemas.RelRight)
		return g

	case "assignment_pattern", "object_assignment_pattern":
		g := c.newNode(n, schemas.NodeAssignmentPattern)
		c.attachField(g, n, "left", schemas.RelLeft)
		c.attachField(g, n, "right", schemas.RelRight)
		return g

	case "binary_expression":
		t := schemas.NodeBinaryExpression
		op := c.operator(n)
		if logicalOperators[op] {
			t = schemas.NodeLogicalExpression
		}
		g := c.newNode(n, t)
		g.node.Operator = op
		c.attachField(g, n, "left", schemas.RelLeft)
		c.attachField(g, n, "right", schemas.RelRight)
		return g

	case "unary_expression", "update_expression":
		g := c.newNode(n, kindTypes[kind])
		g.node.Operator = c.operator(n)
		if kind == "update_expression" {
			g.node.Kind = "postfix"
			if first := n.Child(0); first != nil && first.Type() == g.node.Operator {
				g.node.Kind = "prefix"
			}
		}
		g.attach(c.convert(firstNamed(n)), schemas.RelArgument, 0)
		return g

	case "ternary_expression":
		g := c.newNode(n, schemas.NodeConditionalExpression)
		c.attachField(g, n, "condition", schemas.RelTest)
		c.attachField(g, n, "consequence", schemas.RelConsequent)
		c.attachField(g, n, "alternative", schemas.RelAlternate)
		return g

	case "sequence_expression":
		g := c.newNode(n, schemas.NodeSequenceExpression)
		c.attachList(g, c.sequence(n, nil), schemas.RelExpressions)
		return g

	case "await_expression", "spread_element", "rest_pattern", "return_statement", "throw_statement":
		g := c.newNode(n, kindTypes[kind])
		g.attach(c.convert(firstNamed(n)), schemas.RelArgument, 0)
		return g

	case "function_declaration", "generator_function_declaration",
		"function", "function_expression", "generator_function", "arrow_function":
		g := c.newNode(n, kindTypes[kind])
		c.function(g, n)
		return g

	case "method_definition":
		g := c.newNode(n, schemas.NodeMethodDefinition)
		c.attachField(g, n, "name", schemas.RelKey)
		fn := c.newNode(n, schemas.NodeFunctionExpression)
		c.function(fn, n)
		g.attach(fn, schemas.RelValue, 0)
		return g

	case "class_declaration", "class":
		g := c.newNode(n, schemas.NodeClassDeclaration)
		c.attachField(g, n, "name", schemas.RelID)
		c.attachField(g, n, "body", schemas.RelBody)
		return g

	case "object", "object_pattern":
		g := c.newNode(n, kindTypes[kind])
		i := 0
		for _, p := range namedChildren(n) {
			prop := c.property(p)
			if prop != nil {
				g.attach(prop, schemas.RelProperties, i)
				i++
			}
		}
		return g

	case "array", "array_pattern":
		g := c.newNode(n, kindTypes[kind])
		c.attachList(g, namedChildren(n), schemas.RelElements)
		return g

	case "if_statement":
		g := c.newNode(n, schemas.NodeIfStatement)
		c.attachField(g, n, "condition", schemas.RelTest)
		c.attachField(g, n, "consequence", schemas.RelConsequent)
		if alt := n.ChildByFieldName("alternative"); alt != nil {
			// else_clause wraps the alternate statement.
			g.attach(c.convert(firstNamed(alt)), schemas.RelAlternate, 0)
		}
		return g

	case "for_statement":
		g := c.newNode(n, schemas.NodeForStatement)
		g.attach(c.clause(n.ChildByFieldName("initializer")), schemas.RelInit, 0)
		g.attach(c.clause(n.ChildByFieldName("condition")), schemas.RelTest, 0)
		c.attachField(g, n, "increment", schemas.RelUpdate)
		c.attachField(g, n, "body", schemas.RelBody)
		return g

	case "for_in_statement":
		t := schemas.NodeForInStatement
		if op := n.ChildByFieldName("operator"); op != nil && op.Type() == "of" {
			t = schemas.NodeForOfStatement
		}
		g := c.newNode(n, t)
		left := c.convert(n.ChildByFieldName("left"))
		if k := n.ChildByFieldName("kind"); k != nil && left != nil {
			decl := c.newNode(n, schemas.NodeVariableDeclaration)
			decl.node.Kind = k.Type()
			dtor := c.newNode(n.ChildByFieldName("left"), schemas.NodeVariableDeclarator)
			dtor.attach(left, schemas.RelID, 0)
			decl.attach(dtor, schemas.RelDeclarations, 0)
			left = decl
		}
		g.attach(left, schemas.RelLeft, 0)
		c.attachField(g, n, "right", schemas.RelRight)
		c.attachField(g, n, "body", schemas.RelBody)
		return g

	case "while_statement", "do_statement":
		g := c.newNode(n, kindTypes[kind])
		c.attachField(g, n, "condition", schemas.RelTest)
		c.attachField(g, n, "body", schemas.RelBody)
		return g

	case "try_statement":
		g := c.newNode(n, schemas.NodeTryStatement)
		c.attachField(g, n, "body", schemas.RelBlock)
		c.attachField(g, n, "handler", schemas.RelHandler)
		if fin := n.ChildByFieldName("finalizer"); fin != nil {
			g.attach(c.convert(fin.ChildByFieldName("body")), schemas.RelFinalizer, 0)
		}
		return g

	case "catch_clause":
		g := c.newNode(n, schemas.NodeCatchClause)
		c.attachField(g, n, "parameter", schemas.RelParam)
		c.attachField(g, n, "body", schemas.RelBody)
		return g

	case "switch_statement":
		g := c.newNode(n, schemas.NodeSwitchStatement)
		c.attachField(g, n, "value", schemas.RelDiscriminant)
		c.attachList(g, namedChildren(n.ChildByFieldName("body")), schemas.RelCases)
		return g

	case "switch_case", "switch_default":
		g := c.newNode(n, schemas.NodeSwitchCase)
		value := n.ChildByFieldName("value")
		if value != nil {
			g.attach(c.convert(value), schemas.RelTest, 0)
		}
		var body []*sitter.Node
		for _, s := range namedChildren(n) {
			if value != nil && s.StartByte() == value.StartByte() && s.EndByte() == value.EndByte() {
				continue
			}
			body = append(body, s)
		}
		c.attachList(g, body, schemas.RelConsequent)
		return g

	case "break_statement", "continue_statement":
		g := c.newNode(n, kindTypes[kind])
		c.attachField(g, n, "label", schemas.RelLabel)
		return g

	case "labeled_statement":
		g := c.newNode(n, schemas.NodeLabeledStatement)
		c.attachField(g, n, "label", schemas.RelLabel)
		c.attachField(g, n, "body", schemas.RelBody)
		return g

	case "empty_statement":
		return c.newNode(n, schemas.NodeEmptyStatement)
	}

	return c.generic(n)
}

func (c *converter) literal(n *sitter.Node, kind, value, raw string) *gnode {
	g := c.newNode(n, schemas.NodeLiteral)
	g.node.Kind = kind
	g.node.Value = value
	g.node.Raw = raw
	return g
}

// templateString converts a template without substitutions into a string
// literal and anything else into a TemplateLiteral over its expressions.
func (c *converter) templateString(n *sitter.Node) *gnode {
	raw := c.text(n)
	body := strings.TrimSuffix(strings.TrimPrefix(raw, "`"), "`")
	var subs []*sitter.Node
	for _, child := range namedChildren(n) {
		if child.Type() == "template_substitution" {
			subs = append(subs, firstNamed(child))
		}
	}
	if len(subs) == 0 {
		return c.literal(n, "string", body, raw)
	}
	g := c.newNode(n, schemas.NodeTemplateLiteral)
	g.node.Value = body
	g.node.Raw = raw
	c.attachList(g, subs, schemas.RelExpressions)
	return g
}

func (c *converter) operator(n *sitter.Node) string {
	if op := n.ChildByFieldName("operator"); op != nil {
		return op.Type()
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child != nil && !child.IsNamed() {
			return child.Type()
		}
	}
	return ""
}

// sequence flattens nested comma expressions.
func (c *converter) sequence(n *sitter.Node, acc []*sitter.Node) []*sitter.Node {
	for _, child := range namedChildren(n) {
		if child.Type() == "sequence_expression" {
			acc = c.sequence(child, acc)
			continue
		}
		acc = append(acc, child)
	}
	return acc
}

// clause converts a for-loop header part, unwrapping the expression
// statement tree-sitter uses for it.
func (c *converter) clause(n *sitter.Node) *gnode {
	if n == nil {
		return nil
	}
	switch n.Type() {
	case "empty_statement", ";":
		return nil
	case "expression_statement":
		return c.convert(firstNamed(n))
	}
	return c.convert(n)
}

// function attaches the name, parameters and body of any function form.
func (c *converter) function(g *gnode, n *sitter.Node) {
	if g.node.Type != schemas.NodeFunctionExpression || n.Type() != "method_definition" {
		c.attachField(g, n, "name", schemas.RelID)
	}
	if p := n.ChildByFieldName("parameter"); p != nil {
		// Arrow function with a single bare parameter.
		g.attach(c.convert(p), schemas.RelParams, 0)
	} else if params := n.ChildByFieldName("parameters"); params != nil {
		c.attachList(g, namedChildren(params), schemas.RelParams)
	}
	c.attachField(g, n, "body", schemas.RelBody)
}

// property converts an object member. Shorthand entries only carry a value.
func (c *converter) property(n *sitter.Node) *gnode {
	switch n.Type() {
	case "pair", "pair_pattern":
		g := c.newNode(n, schemas.NodeProperty)
		key := n.ChildByFieldName("key")
		if key != nil && key.Type() == "computed_property_name" {
			g.node.Computed = true
			key = firstNamed(key)
		}
		g.attach(c.convert(key), schemas.RelKey, 0)
		c.attachField(g, n, "value", schemas.RelValue)
		return g
	case "shorthand_property_identifier", "shorthand_property_identifier_pattern":
		g := c.newNode(n, schemas.NodeProperty)
		g.attach(c.convert(n), schemas.RelValue, 0)
		return g
	case "method_definition":
		g := c.newNode(n, schemas.NodeProperty)
		c.attachField(g, n, "name", schemas.RelKey)
		fn := c.newNode(n, schemas.NodeFunctionExpression)
		c.function(fn, n)
		g.attach(fn, schemas.RelValue, 0)
		return g
	}
	return c.convert(n)
}

// generic keeps unknown constructs in the graph with their field names as
// relations so the taint walk can still pass through them.
func (c *converter) generic(n *sitter.Node) *gnode {
	t, ok := kindTypes[n.Type()]
	if !ok {
		t = camelKind(n.Type())
		if c.unknown != nil {
			c.unknown[n.Type()]++
		}
	}
	g := c.newNode(n, t)
	counts := make(map[string]int)
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !child.IsNamed() || skippedKinds[child.Type()] {
			continue
		}
		relation := n.FieldNameForChild(i)
		if relation == "" {
			relation = schemas.RelBody
		}
		if converted := c.convert(child); converted != nil {
			g.attach(converted, relation, counts[relation])
			counts[relation]++
		}
	}
	return g
}
