package taint

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
)

// nameDepth bounds subtree expansion when deriving a member expression name.
const nameDepth = 5

type itemKind int

const (
	tagItem itemKind = iota
	climbItem
)

// workItem is one unit of propagation. Tag items seed a node; climb items
// walk from `from` toward the statement `target`, carrying the expression
// whose value holds the taint.
type workItem struct {
	kind    itemKind
	node    schemas.ProgramNode
	carrier schemas.ProgramNode
	from    schemas.ProgramNode
	target  schemas.ProgramNode
}

// workQueue is a FIFO drained by propagate.
type workQueue struct {
	items []workItem
	head  int
}

func (q *workQueue) pushTag(n schemas.ProgramNode) {
	q.items = append(q.items, workItem{kind: tagItem, node: n})
}

func (q *workQueue) pushClimb(carrier, from, target schemas.ProgramNode) {
	q.items = append(q.items, workItem{kind: climbItem, carrier: carrier, from: from, target: target})
}

func (q *workQueue) pop() (workItem, bool) {
	if q.head >= len(q.items) {
		return workItem{}, false
	}
	it := q.items[q.head]
	q.items[q.head] = workItem{}
	q.head++
	return it, true
}

func (q *workQueue) drain() int {
	n := len(q.items) - q.head
	q.items, q.head = nil, 0
	return n
}

// propagate seeds tag at n and drains the resulting work queue. Only
// cancellation is returned as an error; store failures prune the affected
// branch.
func (e *Engine) propagate(ctx context.Context, n schemas.ProgramNode, tag string, state *State, info *LevelInfo) error {
	q := &workQueue{}
	q.pushTag(n)

	tagLimit := e.cfg.CallCountLimit
	climbLimit := 3 * tagLimit
	var tags, climbs int
	defer func() {
		info.TagCalls += tags
		info.Climbs += climbs
	}()

	for {
		if err := ctx.Err(); err != nil {
			q.drain()
			return err
		}
		it, ok := q.pop()
		if !ok {
			return nil
		}
		switch it.kind {
		case tagItem:
			tags++
			if tagLimit > 0 && tags > tagLimit {
				e.truncate(q, tag, "tag", info)
				return nil
			}
			e.tagNode(ctx, it.node, tag, state, q)
		case climbItem:
			climbs++
			if climbLimit > 0 && climbs > climbLimit {
				e.truncate(q, tag, "climb", info)
				return nil
			}
			e.climb(ctx, it, tag, state, q, info)
		}
	}
}

func (e *Engine) truncate(q *workQueue, tag, budget string, info *LevelInfo) {
	info.Truncated = true
	e.log.Warn("Propagation budget exhausted, dropping pending work",
		zap.String("tag", tag),
		zap.String("budget", budget),
		zap.Int("call_count_limit", e.cfg.CallCountLimit),
		zap.Int("dropped", q.drain()))
}

// tagNode records tag at n's statement and schedules further propagation.
func (e *Engine) tagNode(ctx context.Context, n schemas.ProgramNode, tag string, state *State, q *workQueue) {
	top, err := e.scope.Topmost(ctx, n)
	if err != nil {
		e.log.Debug("Cannot resolve statement for tagged node", zap.String("node_id", n.ID), zap.Error(err))
		return
	}
	if !state.visit(top.ID, tag) {
		return
	}
	if state.record(top, tag) {
		state.markRoot(top.ID)
	}
	e.annotate(ctx, top, tag)

	if !n.Type.IsLeaf() {
		for _, name := range e.namesOf(ctx, n) {
			e.followEdges(ctx, top, name, q)
		}
	}
	q.pushClimb(n, n, top)
}

// climb moves one stretch up from it.from, switching the carrier at
// assignments, declarators and calls.
func (e *Engine) climb(ctx context.Context, it workItem, tag string, state *State, q *workQueue, info *LevelInfo) {
	if it.from.ID == it.target.ID {
		e.dispatch(ctx, it.carrier, it.target, tag, state, q, info)
		return
	}

	steps, err := e.store.Ancestors(ctx, it.from.ID, e.cfg.AncestorDepth)
	if err != nil {
		e.log.Debug("Ancestor query failed", zap.String("node_id", it.from.ID), zap.Error(err))
		return
	}
	if len(steps) == 0 {
		e.log.Debug("Climb left the tree before reaching its statement",
			zap.String("node_id", it.from.ID), zap.String("target_id", it.target.ID))
		return
	}

	for i, s := range steps {
		if s.Node.ID == it.target.ID {
			q.pushClimb(it.carrier, it.target, it.target)
			return
		}
		child := it.from
		if i > 0 {
			child = steps[i-1].Node
		}

		switch s.Node.Type {
		case schemas.NodeAssignmentExpression:
			carrier := it.carrier
			if s.Relation == schemas.RelRight {
				carrier = e.childOr(ctx, s.Node, schemas.RelLeft, carrier)
			}
			q.pushClimb(carrier, s.Node, it.target)
			return
		case schemas.NodeVariableDeclarator:
			carrier := it.carrier
			if s.Relation == schemas.RelInit {
				carrier = e.childOr(ctx, s.Node, schemas.RelID, carrier)
			}
			q.pushClimb(carrier, s.Node, it.target)
			return
		case schemas.NodeCallExpression, schemas.NodeNewExpression:
			if s.Relation == schemas.RelArguments {
				e.handleCallDefinition(ctx, s.Node, child, s.Index, state, q)
			}
			q.pushClimb(s.Node, s.Node, it.target)
			return
		}
	}
	q.pushClimb(it.carrier, steps[len(steps)-1].Node, it.target)
}

func (e *Engine) childOr(ctx context.Context, n schemas.ProgramNode, relation string, fallback schemas.ProgramNode) schemas.ProgramNode {
	child, err := e.store.GetChildByRelation(ctx, n.ID, relation)
	if err != nil || child == nil {
		return fallback
	}
	return *child
}

// dispatch handles a climb that reached its statement.
func (e *Engine) dispatch(ctx context.Context, carrier, target schemas.ProgramNode, tag string, state *State, q *workQueue, info *LevelInfo) {
	switch target.Type {
	case schemas.NodeProgram:
		return
	case schemas.NodeReturnStatement:
		e.followReturn(ctx, target, tag, state, q, info)
	}
	for _, name := range e.namesOf(ctx, carrier) {
		e.followEdges(ctx, target, name, q)
	}
}

// followReturn carries tag from a return statement to the receivers of
// call sites that this taint path already reached.
func (e *Engine) followReturn(ctx context.Context, ret schemas.ProgramNode, tag string, state *State, q *workQueue, info *LevelInfo) {
	fn, err := e.scope.ScopeOf(ctx, ret)
	if err != nil || !fn.Type.IsFunction() {
		return
	}
	sites, ok := state.Cache.CallSites[fn.ID]
	if !ok {
		sites, err = e.store.GetCallSites(ctx, fn.ID)
		if err != nil {
			e.log.Debug("Call site query failed", zap.String("function_id", fn.ID), zap.Error(err))
			return
		}
		state.Cache.CallSites[fn.ID] = sites
	}

	for _, site := range sites {
		top, err := e.scope.Topmost(ctx, site)
		if err != nil || !state.Visited(top.ID, tag) {
			continue
		}
		parent, err := e.store.GetParent(ctx, site.ID)
		if err != nil || parent == nil {
			continue
		}

		var receiver *schemas.ProgramNode
		switch {
		case parent.Node.Type == schemas.NodeVariableDeclarator && parent.Relation == schemas.RelInit:
			receiver, _ = e.store.GetChildByRelation(ctx, parent.Node.ID, schemas.RelID)
		case parent.Node.Type == schemas.NodeAssignmentExpression && parent.Relation == schemas.RelRight:
			receiver, _ = e.store.GetChildByRelation(ctx, parent.Node.ID, schemas.RelLeft)
		case (parent.Node.Type == schemas.NodeCallExpression || parent.Node.Type == schemas.NodeNewExpression) &&
			parent.Relation == schemas.RelArguments:
			e.handleCallDefinition(ctx, parent.Node, site, parent.Index, state, q)
			info.ReturnLinks++
			continue
		}
		if receiver == nil {
			continue
		}
		info.ReturnLinks++
		q.pushTag(*receiver)
		for _, name := range e.namesOf(ctx, *receiver) {
			e.followEdges(ctx, top, name, q)
		}
	}
}

// followEdges tags the occurrences of varname in every statement that
// depends on it through a PDG edge out of ctxNode.
func (e *Engine) followEdges(ctx context.Context, ctxNode schemas.ProgramNode, varname string, q *workQueue) {
	targets, err := e.store.GetForwardPDGTargets(ctx, ctxNode.ID, varname)
	if err != nil {
		e.log.Debug("PDG query failed", zap.String("node_id", ctxNode.ID), zap.String("varname", varname), zap.Error(err))
		return
	}
	for _, t := range targets {
		for _, n := range e.locate(ctx, t, varname) {
			q.pushTag(n)
		}
	}
}

// locate finds the sub-nodes of target that spell varname. Dotted names
// prefer member expressions with the same full path and fall back to any
// member expression ending in the last segment.
func (e *Engine) locate(ctx context.Context, target schemas.ProgramNode, varname string) []schemas.ProgramNode {
	segments := strings.Split(varname, ".")
	last := segments[len(segments)-1]
	candidates, err := e.store.FindByCodeOrValue(ctx, last, target.ID)
	if err != nil {
		e.log.Debug("Scoped lookup failed", zap.String("node_id", target.ID), zap.Error(err))
		return nil
	}

	var exact, partial []schemas.ProgramNode
	for _, c := range candidates {
		if c.Type != schemas.NodeIdentifier && c.Type != schemas.NodeThisExpression {
			continue
		}
		parent, err := e.store.GetParent(ctx, c.ID)
		if err != nil {
			continue
		}
		if len(segments) == 1 {
			if parent == nil || !isStaticKey(parent) {
				exact = append(exact, c)
			}
			continue
		}

		if parent == nil || parent.Node.Type != schemas.NodeMemberExpression || parent.Relation != schemas.RelProperty {
			continue
		}
		if e.dottedName(ctx, parent.Node) == varname {
			exact = append(exact, parent.Node)
		} else {
			partial = append(partial, parent.Node)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return partial
}

// isStaticKey reports whether the child position names a property rather
// than reading a variable.
func isStaticKey(p *schemas.Child) bool {
	switch p.Node.Type {
	case schemas.NodeMemberExpression:
		return p.Relation == schemas.RelProperty && !p.Node.Computed
	case schemas.NodeProperty, schemas.NodeMethodDefinition:
		return p.Relation == schemas.RelKey && !p.Node.Computed
	}
	return false
}

// namesOf returns the variable names a node's value is bound to: the node's
// own name for identifiers, and the full dotted path plus root identifier
// for member expressions.
func (e *Engine) namesOf(ctx context.Context, n schemas.ProgramNode) []string {
	switch n.Type {
	case schemas.NodeIdentifier:
		return []string{n.Code}
	case schemas.NodeThisExpression:
		return []string{reconstruct.ThisIdentifier}
	case schemas.NodeMemberExpression:
	default:
		return nil
	}

	tree, err := e.store.GetSubtree(ctx, n.ID, nameDepth)
	if err != nil {
		e.log.Debug("Cannot derive member name", zap.String("node_id", n.ID), zap.Error(err))
		return nil
	}
	parts, full := memberPath(tree)
	if len(parts) == 0 {
		return nil
	}
	var names []string
	if full && len(parts) > 1 {
		names = append(names, strings.Join(parts, "."))
	}
	return append(names, parts[0])
}

func (e *Engine) dottedName(ctx context.Context, member schemas.ProgramNode) string {
	tree, err := e.store.GetSubtree(ctx, member.ID, nameDepth)
	if err != nil {
		return ""
	}
	parts, full := memberPath(tree)
	if !full {
		return ""
	}
	return strings.Join(parts, ".")
}

// memberPath splits a static member chain into its segments. full is false
// when the chain contains a computed or non-identifier step; parts then
// holds the prefix up to that step.
func memberPath(t *schemas.Tree) (parts []string, full bool) {
	if t == nil {
		return nil, false
	}
	switch t.Node.Type {
	case schemas.NodeIdentifier:
		return []string{t.Node.Code}, true
	case schemas.NodeThisExpression:
		return []string{reconstruct.ThisIdentifier}, true
	case schemas.NodeMemberExpression:
		parts, full = memberPath(t.Child(schemas.RelObject))
		if !full {
			return parts, false
		}
		prop := t.Child(schemas.RelProperty)
		if prop == nil || t.Node.Computed || prop.Node.Type != schemas.NodeIdentifier {
			return parts, false
		}
		return append(parts, prop.Node.Code), true
	}
	return nil, false
}
