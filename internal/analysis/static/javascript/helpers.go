package javascript

import (
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
)

// NodeContent extracts the string content of a node from the source byte slice.
func NodeContent(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	return node.Content(source)
}

// namedChildren returns the named children of node, comments excluded.
func namedChildren(node *sitter.Node) []*sitter.Node {
	if node == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, node.NamedChildCount())
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child == nil || skippedKinds[child.Type()] {
			continue
		}
		out = append(out, child)
	}
	return out
}

func firstNamed(node *sitter.Node) *sitter.Node {
	if kids := namedChildren(node); len(kids) > 0 {
		return kids[0]
	}
	return nil
}

// unquoteString returns the value of a JS string literal. Escapes Go cannot
// decode leave the raw body in place.
func unquoteString(raw string) string {
	if len(raw) < 2 {
		return raw
	}
	body := raw[1 : len(raw)-1]
	if !strings.ContainsRune(body, '\\') {
		return body
	}
	if raw[0] == '\'' {
		body = strings.ReplaceAll(body, `\'`, `'`)
		body = strings.ReplaceAll(body, `"`, `\"`)
	}
	if s, err := strconv.Unquote(`"` + body + `"`); err == nil {
		return s
	}
	return body
}

// flattenPropertyAccess flattens a chain of static property accesses into
// its segments (e.g., window.location.hash -> ["window", "location", "hash"]).
// Computed accesses and non-name roots yield nil.
func flattenPropertyAccess(g *gnode) []string {
	var path []string
	current := g
	for current != nil {
		switch current.node.Type {
		case schemas.NodeIdentifier:
			return append([]string{current.node.Code}, path...)
		case schemas.NodeThisExpression:
			return append([]string{reconstruct.ThisIdentifier}, path...)
		case schemas.NodeMemberExpression:
			prop := current.child(schemas.RelProperty)
			if current.node.Computed || prop == nil || prop.node.Type != schemas.NodeIdentifier {
				return nil
			}
			path = append([]string{prop.node.Code}, path...)
			current = current.child(schemas.RelObject)
		default:
			return nil
		}
	}
	return nil
}

// dottedName joins a flattened access path, or returns "" when the access
// is not static.
func dottedName(g *gnode) string {
	return strings.Join(flattenPropertyAccess(g), ".")
}
