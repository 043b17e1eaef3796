package results

import (
	"sort"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/poc"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
)

// step is one downward hop in a template or graph tree.
type step struct {
	relation string
	index    int
}

// treeIndex gives parent links over a fetched subtree.
type treeIndex struct {
	parent map[*schemas.Tree]*schemas.Tree
	nodes  []*schemas.Tree
}

func indexTree(root *schemas.Tree) *treeIndex {
	idx := &treeIndex{parent: make(map[*schemas.Tree]*schemas.Tree)}
	queue := []*schemas.Tree{root}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		idx.nodes = append(idx.nodes, t)
		for _, c := range t.Children {
			idx.parent[c] = t
			queue = append(queue, c)
		}
	}
	return idx
}

// pathBetween returns the hops from ancestor down to c, or false when
// ancestor is not above c.
func pathBetween(tpl *poc.Template, ancestor, c *poc.Construct) ([]step, bool) {
	var rev []step
	for cur := c; cur != nil; cur = tpl.Construct(cur.Parent) {
		if cur.ID == ancestor.ID {
			for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
				rev[i], rev[j] = rev[j], rev[i]
			}
			return rev, true
		}
		rev = append(rev, step{cur.Relation, cur.Index})
	}
	return nil, false
}

func descend(t *schemas.Tree, path []step) *schemas.Tree {
	for _, s := range path {
		var next *schemas.Tree
		for _, c := range t.Children {
			if c.Relation == s.relation && c.Index == s.index {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		t = next
	}
	return t
}

// climbPath walks up from t along path in reverse, checking every edge.
func (idx *treeIndex) climbPath(t *schemas.Tree, path []step) *schemas.Tree {
	for i := len(path) - 1; i >= 0; i-- {
		if t.Relation != path[i].relation || t.Index != path[i].index {
			return nil
		}
		t = idx.parent[t]
		if t == nil {
			return nil
		}
	}
	return t
}

func leafText(n schemas.ProgramNode) string {
	if n.Type == schemas.NodeIdentifier {
		return n.Code
	}
	if n.Type == schemas.NodeLiteral {
		return n.Value
	}
	return ""
}

// anchorLeaves lists the searchable leaves under a, excluding the subtree
// rooted at skip.
func anchorLeaves(tpl *poc.Template, a *poc.Construct, skip string) []*poc.Construct {
	var out []*poc.Construct
	queue := []*poc.Construct{a}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c.ID == skip {
			continue
		}
		if c.IsLeaf() && !poc.IsPlaceholder(c.Code) && c.ID != tpl.LibraryObject {
			out = append(out, c)
		}
		for _, id := range c.Children {
			if cc := tpl.Construct(id); cc != nil {
				queue = append(queue, cc)
			}
		}
	}
	return out
}

// payloadSlot locates the graph subtree occupying the PAYLOAD construct's
// position. Starting at the payload's parent and moving outward, it looks
// for a sibling leaf that occurs in the statement, climbs the same template
// path in the graph, and descends the path to the payload.
func payloadSlot(tpl *poc.Template, payloadID string, stmt *schemas.Tree) *schemas.Tree {
	payload := tpl.Construct(payloadID)
	if payload == nil {
		return nil
	}
	idx := indexTree(stmt)

	for a := tpl.Construct(payload.Parent); a != nil; a = tpl.Construct(a.Parent) {
		toPayload, _ := pathBetween(tpl, a, payload)
		for _, leaf := range anchorLeaves(tpl, a, payload.ID) {
			toLeaf, ok := pathBetween(tpl, a, leaf)
			if !ok {
				continue
			}
			for _, g := range idx.nodes {
				if leafText(g.Node) != leaf.Code || g.Node.Type != leaf.Type {
					continue
				}
				top := idx.climbPath(g, toLeaf)
				if top == nil || top.Node.Type != a.Type {
					continue
				}
				if slot := descend(top, toPayload); slot != nil {
					return slot
				}
			}
		}
	}
	return nil
}

// PayloadVariables returns the program variables feeding the POC's PAYLOAD
// slots in the matched statement, sorted by name. Names are only reported
// when they occur inside the statement.
func PayloadVariables(tpl *poc.Template, stmt *schemas.Tree) []schemas.PayloadVariable {
	if tpl == nil || stmt == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []schemas.PayloadVariable
	for _, id := range tpl.Payloads {
		slot := payloadSlot(tpl, id, stmt)
		if slot == nil {
			continue
		}
		for name, nodeID := range reconstruct.Reconstruct(slot).Identifiers {
			if seen[name] || tpl.InFullset(name) {
				continue
			}
			seen[name] = true
			out = append(out, schemas.PayloadVariable{Name: name, NodeID: nodeID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
