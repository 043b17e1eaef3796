package javascript

import (
	"strings"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// kindTypes maps tree-sitter kinds onto ESTree node types for the kinds
// whose conversion is a plain rename. Kinds with structural differences are
// handled in convert.go.
var kindTypes = map[string]schemas.NodeType{
	"program":              schemas.NodeProgram,
	"expression_statement": schemas.NodeExpressionStatement,
	"lexical_declaration":  schemas.NodeVariableDeclaration,
	"variable_declaration": schemas.NodeVariableDeclaration,
	"variable_declarator":  schemas.NodeVariableDeclarator,
	"call_expression":      schemas.NodeCallExpression,
	"new_expression":       schemas.NodeNewExpression,
	"member_expression":    schemas.NodeMemberExpression,
	"subscript_expression": schemas.NodeMemberExpression,

	"assignment_expression":           schemas.NodeAssignmentExpression,
	"augmented_assignment_expression": schemas.NodeAssignmentExpression,

	"function_declaration":           schemas.NodeFunctionDeclaration,
	"generator_function_declaration": schemas.NodeFunctionDeclaration,
	"function":                       schemas.NodeFunctionExpression,
	"function_expression":            schemas.NodeFunctionExpression,
	"generator_function":             schemas.NodeFunctionExpression,
	"arrow_function":                 schemas.NodeArrowFunctionExpression,
	"method_definition":              schemas.NodeMethodDefinition,
	"class_declaration":              schemas.NodeClassDeclaration,
	"class":                          schemas.NodeClassDeclaration,
	"class_body":                     schemas.NodeClassBody,

	"return_statement":   schemas.NodeReturnStatement,
	"statement_block":    schemas.NodeBlockStatement,
	"if_statement":       schemas.NodeIfStatement,
	"for_statement":      schemas.NodeForStatement,
	"while_statement":    schemas.NodeWhileStatement,
	"do_statement":       schemas.NodeDoWhileStatement,
	"switch_statement":   schemas.NodeSwitchStatement,
	"switch_case":        schemas.NodeSwitchCase,
	"switch_default":     schemas.NodeSwitchCase,
	"try_statement":      schemas.NodeTryStatement,
	"catch_clause":       schemas.NodeCatchClause,
	"throw_statement":    schemas.NodeThrowStatement,
	"break_statement":    schemas.NodeBreakStatement,
	"continue_statement": schemas.NodeContinueStatement,
	"labeled_statement":  schemas.NodeLabeledStatement,
	"empty_statement":    schemas.NodeEmptyStatement,

	"unary_expression":    schemas.NodeUnaryExpression,
	"update_expression":   schemas.NodeUpdateExpression,
	"ternary_expression":  schemas.NodeConditionalExpression,
	"sequence_expression": schemas.NodeSequenceExpression,
	"await_expression":    schemas.NodeAwaitExpression,
	"spread_element":      schemas.NodeSpreadElement,
	"rest_pattern":        schemas.NodeRestElement,
	"object":              schemas.NodeObjectExpression,
	"object_pattern":      schemas.NodeObjectPattern,
	"array":               schemas.NodeArrayExpression,
	"array_pattern":       schemas.NodeArrayPattern,
	"pair":                schemas.NodeProperty,
	"pair_pattern":        schemas.NodeProperty,

	"assignment_pattern":        schemas.NodeAssignmentPattern,
	"object_assignment_pattern": schemas.NodeAssignmentPattern,
}

// identifierKinds are the tree-sitter kinds that become Identifier nodes.
var identifierKinds = map[string]bool{
	"identifier":                            true,
	"property_identifier":                   true,
	"shorthand_property_identifier":         true,
	"shorthand_property_identifier_pattern": true,
	"private_property_identifier":           true,
	"statement_identifier":                  true,
	"undefined":                             true,
}

// logicalOperators turn a binary_expression into a LogicalExpression.
var logicalOperators = map[string]bool{
	"&&": true,
	"||": true,
	"??": true,
}

// skippedKinds never produce graph nodes.
var skippedKinds = map[string]bool{
	"comment":        true,
	"hash_bang_line": true,
}

// camelKind turns an unmapped tree-sitter kind into a CamelCase type name so
// unknown constructs still round-trip through the store.
func camelKind(kind string) schemas.NodeType {
	var b strings.Builder
	for _, part := range strings.Split(kind, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return schemas.NodeType(b.String())
}
