package schemas

import (
	"errors"
)

// ErrNodeNotFound is returned by graph stores when a node id does not exist
// in the page graph.
var ErrNodeNotFound = errors.New("program node not found")

// -- Hybrid Program Graph (HPG) Data Model --

// NodeType is the ESTree type name of a program graph node.
type NodeType string

const (
	NodeProgram                  NodeType = "Program"
	NodeIdentifier               NodeType = "Identifier"
	NodeLiteral                  NodeType = "Literal"
	NodeTemplateLiteral          NodeType = "TemplateLiteral"
	NodeThisExpression           NodeType = "ThisExpression"
	NodeMemberExpression         NodeType = "MemberExpression"
	NodeCallExpression           NodeType = "CallExpression"
	NodeNewExpression            NodeType = "NewExpression"
	NodeAssignmentExpression     NodeType = "AssignmentExpression"
	NodeBinaryExpression         NodeType = "BinaryExpression"
	NodeLogicalExpression        NodeType = "LogicalExpression"
	NodeUnaryExpression          NodeType = "UnaryExpression"
	NodeUpdateExpression         NodeType = "UpdateExpression"
	NodeConditionalExpression    NodeType = "ConditionalExpression"
	NodeSequenceExpression       NodeType = "SequenceExpression"
	NodeAwaitExpression          NodeType = "AwaitExpression"
	NodeObjectExpression         NodeType = "ObjectExpression"
	NodeArrayExpression          NodeType = "ArrayExpression"
	NodeProperty                 NodeType = "Property"
	NodeSpreadElement            NodeType = "SpreadElement"
	NodeFunctionDeclaration      NodeType = "FunctionDeclaration"
	NodeFunctionExpression       NodeType = "FunctionExpression"
	NodeArrowFunctionExpression  NodeType = "ArrowFunctionExpression"
	NodeMethodDefinition         NodeType = "MethodDefinition"
	NodeClassDeclaration         NodeType = "ClassDeclaration"
	NodeClassBody                NodeType = "ClassBody"
	NodeVariableDeclaration      NodeType = "VariableDeclaration"
	NodeVariableDeclarator       NodeType = "VariableDeclarator"
	NodeExpressionStatement      NodeType = "ExpressionStatement"
	NodeReturnStatement          NodeType = "ReturnStatement"
	NodeBlockStatement           NodeType = "BlockStatement"
	NodeIfStatement              NodeType = "IfStatement"
	NodeForStatement             NodeType = "ForStatement"
	NodeForInStatement           NodeType = "ForInStatement"
	NodeForOfStatement           NodeType = "ForOfStatement"
	NodeWhileStatement           NodeType = "WhileStatement"
	NodeDoWhileStatement         NodeType = "DoWhileStatement"
	NodeSwitchStatement          NodeType = "SwitchStatement"
	NodeSwitchCase               NodeType = "SwitchCase"
	NodeTryStatement             NodeType = "TryStatement"
	NodeCatchClause              NodeType = "CatchClause"
	NodeThrowStatement           NodeType = "ThrowStatement"
	NodeBreakStatement           NodeType = "BreakStatement"
	NodeContinueStatement        NodeType = "ContinueStatement"
	NodeLabeledStatement         NodeType = "LabeledStatement"
	NodeEmptyStatement           NodeType = "EmptyStatement"
	NodeAssignmentPattern        NodeType = "AssignmentPattern"
	NodeRestElement              NodeType = "RestElement"
	NodeObjectPattern            NodeType = "ObjectPattern"
	NodeArrayPattern             NodeType = "ArrayPattern"
)

// IsFunction reports whether the type introduces a function scope.
func (t NodeType) IsFunction() bool {
	switch t {
	case NodeFunctionDeclaration, NodeFunctionExpression, NodeArrowFunctionExpression, NodeMethodDefinition:
		return true
	}
	return false
}

// IsLeaf reports whether the type is an identifier or literal.
func (t NodeType) IsLeaf() bool {
	return t == NodeIdentifier || t == NodeLiteral
}

// EdgeKind labels a directed edge of the HPG.
type EdgeKind string

const (
	EdgeAST EdgeKind = "AST_parentOf"
	EdgeCFG EdgeKind = "CFG_parentOf"
	EdgePDG EdgeKind = "PDG_parentOf"
	EdgeCG  EdgeKind = "CG_parentOf"
)

// AST relation names used on AST_parentOf edges.
const (
	RelLeft         = "left"
	RelRight        = "right"
	RelInit         = "init"
	RelID           = "id"
	RelParams       = "params"
	RelBody         = "body"
	RelArguments    = "arguments"
	RelCallee       = "callee"
	RelObject       = "object"
	RelProperty     = "property"
	RelValue        = "value"
	RelKey          = "key"
	RelArgument     = "argument"
	RelExpression   = "expression"
	RelDeclarations = "declarations"
	RelElements     = "elements"
	RelProperties   = "properties"
	RelExpressions  = "expressions"
	RelTest         = "test"
	RelConsequent   = "consequent"
	RelAlternate    = "alternate"
	RelUpdate       = "update"
	RelBlock        = "block"
	RelHandler      = "handler"
	RelFinalizer    = "finalizer"
	RelParam        = "param"
	RelCases        = "cases"
	RelDiscriminant = "discriminant"
	RelLabel        = "label"
	RelQuasis       = "quasis"
)

// Location is a source position of a node inside an analyzed page.
type Location struct {
	File        string `json:"file,omitempty"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
}

// Range is the byte offset pair of a node in the page source.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ProgramNode is a single node of the persisted program graph. Fields that do
// not apply to a node's Type are left at their zero value.
type ProgramNode struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	// Code is the identifier name for Identifier nodes.
	Code string `json:"code,omitempty"`
	// Value is the normalized literal value, Raw the literal source text.
	Value string `json:"value,omitempty"`
	Raw   string `json:"raw,omitempty"`
	// Kind holds the declaration kind (var/let/const) or the literal kind
	// (string/number/boolean/null/regex).
	Kind     string   `json:"kind,omitempty"`
	Operator string   `json:"operator,omitempty"`
	Computed bool     `json:"computed,omitempty"`
	Location Location `json:"location"`
	Range    Range    `json:"range"`
	// Tags is only populated when tag annotation is enabled.
	Tags []string `json:"tags,omitempty"`
}

// Text returns the identifier name or literal value of a leaf node.
func (n ProgramNode) Text() string {
	if n.Type == NodeIdentifier {
		return n.Code
	}
	return n.Value
}

// IsStringLiteral reports whether n is a string literal.
func (n ProgramNode) IsStringLiteral() bool {
	return n.Type == NodeLiteral && n.Kind == "string"
}

// Edge is a directed, labeled HPG edge.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
	// RelationType is set on AST edges.
	RelationType string `json:"relation_type,omitempty"`
	// Index orders list relations (arguments, params, body, ...).
	Index int `json:"index"`
	// Arguments is the variable name on PDG edges and the JSON encoded
	// argument-index to argument-code map on CG edges.
	Arguments string `json:"arguments,omitempty"`
}

// Child is a node reached through one AST edge.
type Child struct {
	Node     ProgramNode
	Relation string
	Index    int
}

// AncestorStep is one hop of an upward AST path. Relation and Index describe
// the edge from Node down to the previous step on the path.
type AncestorStep struct {
	Node     ProgramNode
	Relation string
	Index    int
	Depth    int
}

// Tree is a node with its recursively fetched AST children, in edge order.
type Tree struct {
	Node     ProgramNode
	Relation string
	Index    int
	Children []*Tree
}

// ChildrenBy returns the direct children attached through relation.
func (t *Tree) ChildrenBy(relation string) []*Tree {
	var out []*Tree
	for _, c := range t.Children {
		if c.Relation == relation {
			out = append(out, c)
		}
	}
	return out
}

// Child returns the first child attached through relation, or nil.
func (t *Tree) Child(relation string) *Tree {
	for _, c := range t.Children {
		if c.Relation == relation {
			return c
		}
	}
	return nil
}

// CallTarget is a function definition reached from a call expression over a
// CG_parentOf edge, with the edge's serialized argument mapping and the
// definition's formal parameters in declaration order.
type CallTarget struct {
	Definition ProgramNode
	Arguments  string
	Params     []ProgramNode
}
