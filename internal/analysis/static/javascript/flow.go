package javascript

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
	"github.com/xkilldash9x/hpgscan/internal/analysis/scope"
	"github.com/xkilldash9x/hpgscan/internal/hpg"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// emit assigns ids in pre-order and writes nodes and AST edges.
func emit(b *hpg.Builder, g *gnode) {
	g.node.ID = b.Add(g.node)
	for _, c := range g.children {
		emit(b, c)
		b.AST(g.node.ID, c.node.ID, c.relation, c.index)
	}
}

// controlFlow links sibling statements of every statement list, and each
// function (and the Program) to its first statement.
func controlFlow(b *hpg.Builder, root *gnode) {
	root.walk(func(g *gnode) {
		var stmts []*gnode
		switch g.node.Type {
		case schemas.NodeProgram:
			stmts = g.list(schemas.RelBody)
			if len(stmts) > 0 {
				b.CFG(g.node.ID, stmts[0].node.ID)
			}
		case schemas.NodeBlockStatement:
			stmts = g.list(schemas.RelBody)
			if len(stmts) > 0 && g.parent != nil && g.parent.node.Type.IsFunction() && g.relation == schemas.RelBody {
				b.CFG(g.parent.node.ID, stmts[0].node.ID)
			}
		case schemas.NodeSwitchCase:
			stmts = g.list(schemas.RelConsequent)
		}
		for i := 1; i < len(stmts); i++ {
			b.CFG(stmts[i-1].node.ID, stmts[i].node.ID)
		}
	})
}

// -- Reaching definitions --

// fscope holds the definition sites of one function scope.
type fscope struct {
	parent *fscope
	defs   map[string][]string
}

func newScope(parent *fscope) *fscope {
	return &fscope{parent: parent, defs: make(map[string][]string)}
}

func (s *fscope) lookup(name string) *fscope {
	for cur := s; cur != nil; cur = cur.parent {
		if _, ok := cur.defs[name]; ok {
			return cur
		}
	}
	return nil
}

func (s *fscope) define(name, site string) {
	sites := s.defs[name]
	if len(sites) > 0 && sites[len(sites)-1] == site {
		return
	}
	s.defs[name] = append(sites, site)
}

type pendingDef struct {
	scope *fscope
	name  string
	site  string
}

type deferredUse struct {
	scope *fscope
	name  string
	site  string
}

// dataflow computes PDG edges. Definitions made by a statement become
// visible once the statement has been walked, so `x = x + 1` reads the
// previous x. Uses that cannot be resolved in their own scope at the time
// they are seen are resolved after the walk against every definition of
// the scope that owns the name.
type dataflow struct {
	b        *hpg.Builder
	global   *fscope
	pending  []pendingDef
	deferred []deferredUse
	seen     map[[3]string]bool
	edges    int
}

func newDataflow(b *hpg.Builder) *dataflow {
	return &dataflow{b: b, global: newScope(nil), seen: make(map[[3]string]bool)}
}

func (d *dataflow) run(root *gnode) {
	d.visit(root, d.global, nil)
	for _, u := range d.deferred {
		if s := u.scope.lookup(u.name); s != nil {
			for _, site := range s.defs[u.name] {
				d.edge(site, u.site, u.name)
			}
		}
	}
}

func (d *dataflow) edge(from, to, name string) {
	if from == to {
		return
	}
	key := [3]string{from, to, name}
	if d.seen[key] {
		return
	}
	d.seen[key] = true
	d.edges++
	d.b.PDG(from, to, name)
}

func (d *dataflow) use(name string, sc *fscope, top *gnode) {
	if top == nil || name == "" {
		return
	}
	if sites, ok := sc.defs[name]; ok {
		for _, site := range sites {
			d.edge(site, top.node.ID, name)
		}
		return
	}
	d.deferred = append(d.deferred, deferredUse{scope: sc, name: name, site: top.node.ID})
}

// owner picks the scope an assignment to name writes into: the scope that
// already defines it, then the scope of its root segment, then global.
func (d *dataflow) owner(name string, sc *fscope) *fscope {
	if s := sc.lookup(name); s != nil {
		return s
	}
	if root, _, dotted := strings.Cut(name, "."); dotted {
		if root == reconstruct.ThisIdentifier {
			return sc
		}
		if s := sc.lookup(root); s != nil {
			return s
		}
	}
	return d.global
}

func (d *dataflow) queueDef(s *fscope, name string, top *gnode) {
	if top == nil || name == "" {
		return
	}
	d.pending = append(d.pending, pendingDef{scope: s, name: name, site: top.node.ID})
}

func (d *dataflow) visit(g *gnode, sc *fscope, top *gnode) {
	t := g.node.Type
	if t.IsFunction() && t != schemas.NodeMethodDefinition {
		d.function(g, sc)
		return
	}

	if scope.IsCFGLevel(t) {
		mark := len(d.pending)
		d.statement(g, sc, g)
		for _, p := range d.pending[mark:] {
			p.scope.define(p.name, p.site)
		}
		d.pending = d.pending[:mark]
		return
	}
	d.statement(g, sc, top)
}

// statement handles g under the statement-level node top.
func (d *dataflow) statement(g *gnode, sc *fscope, top *gnode) {
	switch g.node.Type {
	case schemas.NodeIdentifier:
		if !isReference(g) {
			return
		}
		if isBindingTarget(g) {
			d.queueDef(d.owner(g.node.Code, sc), g.node.Code, top)
			return
		}
		d.use(g.node.Code, sc, top)
		return

	case schemas.NodeThisExpression:
		d.use(reconstruct.ThisIdentifier, sc, top)
		return

	case schemas.NodeVariableDeclarator:
		for _, name := range bindingNames(g.child(schemas.RelID)) {
			d.queueDef(sc, name, top)
		}
		d.defaults(g.child(schemas.RelID), sc, top)
		if init := g.child(schemas.RelInit); init != nil {
			d.visit(init, sc, top)
		}
		return

	case schemas.NodeAssignmentExpression:
		left := g.child(schemas.RelLeft)
		if left != nil {
			switch left.node.Type {
			case schemas.NodeIdentifier:
				d.queueDef(d.owner(left.node.Code, sc), left.node.Code, top)
				if g.node.Operator != "=" {
					d.use(left.node.Code, sc, top)
				}
			case schemas.NodeMemberExpression:
				if name := dottedName(left); name != "" && strings.Contains(name, ".") {
					d.queueDef(d.owner(name, sc), name, top)
				}
				d.members(left, sc, top, g.node.Operator == "=")
			default:
				for _, name := range bindingNames(left) {
					d.queueDef(d.owner(name, sc), name, top)
				}
				d.defaults(left, sc, top)
			}
		}
		if right := g.child(schemas.RelRight); right != nil {
			d.visit(right, sc, top)
		}
		return

	case schemas.NodeMemberExpression:
		d.members(g, sc, top, false)
		return

	case schemas.NodeCatchClause:
		for _, name := range bindingNames(g.child(schemas.RelParam)) {
			d.queueDef(sc, name, top)
		}
		if body := g.child(schemas.RelBody); body != nil {
			d.visit(body, sc, top)
		}
		return

	case schemas.NodeClassDeclaration:
		if id := g.child(schemas.RelID); id != nil && id.node.Type == schemas.NodeIdentifier {
			d.queueDef(sc, id.node.Code, top)
		}
		if body := g.child(schemas.RelBody); body != nil {
			d.visit(body, sc, top)
		}
		return
	}

	for _, c := range g.children {
		d.visit(c, sc, top)
	}
}

// members records the dotted uses of a member chain and walks its
// non-static parts. skipSelf leaves out the chain's own full path, which is
// being written.
func (d *dataflow) members(g *gnode, sc *fscope, top *gnode, skipSelf bool) {
	if !skipSelf {
		if name := dottedName(g); strings.Contains(name, ".") {
			d.use(name, sc, top)
		}
	}
	if obj := g.child(schemas.RelObject); obj != nil {
		d.visit(obj, sc, top)
	}
	if prop := g.child(schemas.RelProperty); prop != nil && g.node.Computed {
		d.visit(prop, sc, top)
	}
}

// defaults walks default values and computed keys inside a binding pattern.
func (d *dataflow) defaults(p *gnode, sc *fscope, top *gnode) {
	if p == nil {
		return
	}
	switch p.node.Type {
	case schemas.NodeAssignmentPattern:
		d.defaults(p.child(schemas.RelLeft), sc, top)
		if right := p.child(schemas.RelRight); right != nil {
			d.visit(right, sc, top)
		}
	case schemas.NodeObjectPattern, schemas.NodeArrayPattern, schemas.NodeRestElement:
		for _, c := range p.children {
			d.defaults(c, sc, top)
		}
	case schemas.NodeProperty:
		if key := p.child(schemas.RelKey); key != nil && p.node.Computed {
			d.visit(key, sc, top)
		}
		d.defaults(p.child(schemas.RelValue), sc, top)
	}
}

// function opens a new scope. Parameters are defined at the function node
// itself; a declaration's name is defined in the enclosing scope.
func (d *dataflow) function(g *gnode, sc *fscope) {
	inner := newScope(sc)
	if id := g.child(schemas.RelID); id != nil && id.node.Type == schemas.NodeIdentifier {
		if g.node.Type == schemas.NodeFunctionDeclaration {
			sc.define(id.node.Code, g.node.ID)
		} else {
			inner.define(id.node.Code, g.node.ID)
		}
	}
	for _, p := range g.list(schemas.RelParams) {
		for _, name := range bindingNames(p) {
			inner.define(name, g.node.ID)
		}
	}
	for _, p := range g.list(schemas.RelParams) {
		d.defaults(p, inner, g)
	}
	if body := g.child(schemas.RelBody); body != nil {
		mark := len(d.pending)
		d.visit(body, inner, g)
		for _, p := range d.pending[mark:] {
			p.scope.define(p.name, p.site)
		}
		d.pending = d.pending[:mark]
	}
}

// isReference reports whether an identifier names a variable rather than a
// property key or label.
func isReference(g *gnode) bool {
	p := g.parent
	if p == nil {
		return true
	}
	switch p.node.Type {
	case schemas.NodeMemberExpression:
		return g.relation != schemas.RelProperty || p.node.Computed
	case schemas.NodeProperty, schemas.NodeMethodDefinition:
		return g.relation != schemas.RelKey || p.node.Computed
	case schemas.NodeLabeledStatement, schemas.NodeBreakStatement, schemas.NodeContinueStatement:
		return g.relation != schemas.RelLabel
	}
	return true
}

// isBindingTarget reports identifiers written by a for-in/of head.
func isBindingTarget(g *gnode) bool {
	p := g.parent
	if p == nil || g.relation != schemas.RelLeft {
		return false
	}
	return p.node.Type == schemas.NodeForInStatement || p.node.Type == schemas.NodeForOfStatement
}

// bindingNames lists the identifiers bound by a declaration target.
func bindingNames(p *gnode) []string {
	if p == nil {
		return nil
	}
	switch p.node.Type {
	case schemas.NodeIdentifier:
		return []string{p.node.Code}
	case schemas.NodeAssignmentPattern:
		return bindingNames(p.child(schemas.RelLeft))
	case schemas.NodeRestElement:
		return bindingNames(p.child(schemas.RelArgument))
	case schemas.NodeArrayPattern:
		var out []string
		for _, e := range p.list(schemas.RelElements) {
			out = append(out, bindingNames(e)...)
		}
		return out
	case schemas.NodeObjectPattern:
		var out []string
		for _, prop := range p.list(schemas.RelProperties) {
			out = append(out, bindingNames(prop)...)
		}
		return out
	case schemas.NodeProperty:
		if v := p.child(schemas.RelValue); v != nil {
			return bindingNames(v)
		}
		return bindingNames(p.child(schemas.RelKey))
	}
	return nil
}

// -- Call graph --

// callGraph links call expressions to the definitions their callee name
// resolves to. Resolution is by name only.
func callGraph(b *hpg.Builder, root *gnode, logger *zap.Logger) int {
	defs := make(map[string][]*gnode)
	root.walk(func(g *gnode) {
		switch g.node.Type {
		case schemas.NodeFunctionDeclaration:
			if id := g.child(schemas.RelID); id != nil {
				defs[id.node.Code] = append(defs[id.node.Code], g)
			}
		case schemas.NodeVariableDeclarator:
			id, init := g.child(schemas.RelID), g.child(schemas.RelInit)
			if id != nil && id.node.Type == schemas.NodeIdentifier && isFunctionValue(init) {
				defs[id.node.Code] = append(defs[id.node.Code], init)
			}
		case schemas.NodeAssignmentExpression:
			right := g.child(schemas.RelRight)
			if name := dottedName(g.child(schemas.RelLeft)); name != "" && isFunctionValue(right) {
				defs[name] = append(defs[name], right)
			}
		}
	})

	edges := 0
	root.walk(func(g *gnode) {
		if g.node.Type != schemas.NodeCallExpression && g.node.Type != schemas.NodeNewExpression {
			return
		}
		targets := defs[dottedName(g.child(schemas.RelCallee))]
		if len(targets) == 0 {
			return
		}
		args := make(map[string]string)
		for _, a := range g.list(schemas.RelArguments) {
			args[strconv.Itoa(a.index)] = reconstruct.Code(a.tree())
		}
		encoded, err := json.Marshal(args)
		if err != nil {
			logger.Debug("Cannot encode call arguments", zap.String("node_id", g.node.ID), zap.Error(err))
			return
		}
		for _, fn := range targets {
			b.CG(g.node.ID, fn.node.ID, string(encoded))
			edges++
		}
	})
	return edges
}

func isFunctionValue(g *gnode) bool {
	if g == nil {
		return false
	}
	return g.node.Type == schemas.NodeFunctionExpression || g.node.Type == schemas.NodeArrowFunctionExpression
}
