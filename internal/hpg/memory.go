package hpg

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"go.uber.org/zap"
)

// MemoryGraph is an in-process GraphStore for a single page. It is what the
// analyze command uses when no database is configured, and what tests use.
type MemoryGraph struct {
	mu        sync.RWMutex
	nodes     map[string]schemas.ProgramNode
	programID string
	// out and in index every edge by endpoint, in insertion order.
	out    map[string][]schemas.Edge
	in     map[string][]schemas.Edge
	byText map[string][]string
	log    *zap.Logger
}

var (
	_ schemas.GraphStore  = (*MemoryGraph)(nil)
	_ schemas.GraphWriter = (*MemoryGraph)(nil)
)

// NewMemoryGraph creates an empty page graph.
func NewMemoryGraph(logger *zap.Logger) *MemoryGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryGraph{
		nodes:  make(map[string]schemas.ProgramNode),
		out:    make(map[string][]schemas.Edge),
		in:     make(map[string][]schemas.Edge),
		byText: make(map[string][]string),
		log:    logger.Named("MemoryGraph"),
	}
}

// AddNode adds a node. Node ids are immutable once added.
func (g *MemoryGraph) AddNode(node schemas.ProgramNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNodeLocked(node)
}

func (g *MemoryGraph) addNodeLocked(node schemas.ProgramNode) error {
	if node.ID == "" {
		return fmt.Errorf("node of type '%s' has no id", node.Type)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with id '%s' already exists", node.ID)
	}
	if node.Type == schemas.NodeProgram {
		if g.programID != "" {
			return fmt.Errorf("page already has a Program node '%s'", g.programID)
		}
		g.programID = node.ID
	}
	g.nodes[node.ID] = node
	if node.Code != "" {
		g.byText[node.Code] = append(g.byText[node.Code], node.ID)
	}
	if node.Value != "" && node.Value != node.Code {
		g.byText[node.Value] = append(g.byText[node.Value], node.ID)
	}
	return nil
}

// AddEdge adds an edge between two existing nodes.
func (g *MemoryGraph) AddEdge(edge schemas.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(edge)
}

func (g *MemoryGraph) addEdgeLocked(edge schemas.Edge) error {
	if _, exists := g.nodes[edge.From]; !exists {
		return fmt.Errorf("source node with id '%s' not found for edge", edge.From)
	}
	if _, exists := g.nodes[edge.To]; !exists {
		return fmt.Errorf("destination node with id '%s' not found for edge", edge.To)
	}
	if edge.Kind == schemas.EdgeAST && len(g.parentEdgesLocked(edge.To)) > 0 {
		return fmt.Errorf("node with id '%s' already has an AST parent", edge.To)
	}
	g.out[edge.From] = append(g.out[edge.From], edge)
	g.in[edge.To] = append(g.in[edge.To], edge)
	return nil
}

// WriteGraph loads a whole page graph. Nodes are added before edges.
func (g *MemoryGraph) WriteGraph(ctx context.Context, nodes []schemas.ProgramNode, edges []schemas.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range nodes {
		if err := g.addNodeLocked(n); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if err := g.addEdgeLocked(e); err != nil {
			return err
		}
	}
	g.log.Debug("Page graph loaded", zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
	return nil
}

// Len returns the number of nodes.
func (g *MemoryGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *MemoryGraph) GetByID(ctx context.Context, id string) (*schemas.ProgramNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node with id '%s': %w", id, schemas.ErrNodeNotFound)
	}
	return &node, nil
}

func (g *MemoryGraph) Program(ctx context.Context) (*schemas.ProgramNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.programID == "" {
		return nil, fmt.Errorf("page has no Program node: %w", schemas.ErrNodeNotFound)
	}
	node := g.nodes[g.programID]
	return &node, nil
}

func (g *MemoryGraph) parentEdgesLocked(id string) []schemas.Edge {
	var out []schemas.Edge
	for _, e := range g.in[id] {
		if e.Kind == schemas.EdgeAST {
			out = append(out, e)
		}
	}
	return out
}

func (g *MemoryGraph) GetParent(ctx context.Context, id string) (*schemas.Child, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := g.parentEdgesLocked(id)
	if len(edges) == 0 {
		return nil, nil
	}
	e := edges[0]
	return &schemas.Child{Node: g.nodes[e.From], Relation: e.RelationType, Index: e.Index}, nil
}

func (g *MemoryGraph) childrenLocked(id, relation string) []schemas.Child {
	var out []schemas.Child
	for _, e := range g.out[id] {
		if e.Kind != schemas.EdgeAST {
			continue
		}
		if relation != "" && e.RelationType != relation {
			continue
		}
		out = append(out, schemas.Child{Node: g.nodes[e.To], Relation: e.RelationType, Index: e.Index})
	}
	return out
}

func (g *MemoryGraph) GetChildren(ctx context.Context, id string, relation string) ([]schemas.Child, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.childrenLocked(id, relation), nil
}

func (g *MemoryGraph) GetChildByRelation(ctx context.Context, id string, relation string) (*schemas.ProgramNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	children := g.childrenLocked(id, relation)
	if len(children) == 0 {
		return nil, nil
	}
	return &children[0].Node, nil
}

func (g *MemoryGraph) GetSubtree(ctx context.Context, id string, maxDepth int) (*schemas.Tree, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	root, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node with id '%s': %w", id, schemas.ErrNodeNotFound)
	}
	tree := &schemas.Tree{Node: root}
	type frame struct {
		t     *schemas.Tree
		depth int
	}
	stack := []frame{{tree, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if maxDepth > 0 && f.depth >= maxDepth {
			continue
		}
		for _, c := range g.childrenLocked(f.t.Node.ID, "") {
			ct := &schemas.Tree{Node: c.Node, Relation: c.Relation, Index: c.Index}
			f.t.Children = append(f.t.Children, ct)
			stack = append(stack, frame{ct, f.depth + 1})
		}
	}
	return tree, nil
}

func (g *MemoryGraph) Ancestors(ctx context.Context, id string, maxDepth int) ([]schemas.AncestorStep, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var steps []schemas.AncestorStep
	current := id
	for depth := 1; depth <= maxDepth; depth++ {
		edges := g.parentEdgesLocked(current)
		if len(edges) == 0 {
			break
		}
		e := edges[0]
		steps = append(steps, schemas.AncestorStep{Node: g.nodes[e.From], Relation: e.RelationType, Index: e.Index, Depth: depth})
		current = e.From
	}
	return steps, nil
}

func (g *MemoryGraph) isDescendantLocked(id, scopeID string) bool {
	for current, hops := id, 0; hops < len(g.nodes); hops++ {
		if current == scopeID {
			return true
		}
		edges := g.parentEdgesLocked(current)
		if len(edges) == 0 {
			return false
		}
		current = edges[0].From
	}
	return false
}

func (g *MemoryGraph) FindByCodeOrValue(ctx context.Context, code string, scopeID string) ([]schemas.ProgramNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []schemas.ProgramNode
	for _, id := range g.byText[code] {
		if scopeID != "" && !g.isDescendantLocked(id, scopeID) {
			continue
		}
		out = append(out, g.nodes[id])
	}
	return out, nil
}

func (g *MemoryGraph) GetForwardPDGTargets(ctx context.Context, id string, varname string) ([]schemas.ProgramNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []schemas.ProgramNode
	seen := make(map[string]bool)
	for _, e := range g.out[id] {
		if e.Kind != schemas.EdgePDG || e.Arguments != varname || seen[e.To] {
			continue
		}
		seen[e.To] = true
		out = append(out, g.nodes[e.To])
	}
	return out, nil
}

func (g *MemoryGraph) GetCallSites(ctx context.Context, funcID string) ([]schemas.ProgramNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []schemas.ProgramNode
	for _, e := range g.in[funcID] {
		if e.Kind == schemas.EdgeCG {
			out = append(out, g.nodes[e.From])
		}
	}
	return out, nil
}

func (g *MemoryGraph) GetCallTargets(ctx context.Context, callID string) ([]schemas.CallTarget, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []schemas.CallTarget
	for _, e := range g.out[callID] {
		if e.Kind != schemas.EdgeCG {
			continue
		}
		target := schemas.CallTarget{Definition: g.nodes[e.To], Arguments: e.Arguments}
		for _, p := range g.childrenLocked(e.To, schemas.RelParams) {
			target.Params = append(target.Params, p.Node)
		}
		out = append(out, target)
	}
	return out, nil
}

func (g *MemoryGraph) AnnotateTags(ctx context.Context, id string, tags []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node with id '%s': %w", id, schemas.ErrNodeNotFound)
	}
	node.Tags = mergeTags(node.Tags, tags)
	g.nodes[id] = node
	return nil
}

func mergeTags(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range add {
		if !seen[t] {
			seen[t] = true
			existing = append(existing, t)
		}
	}
	return existing
}
