// Package scope resolves the statement-level ("topmost") ancestor and the
// enclosing function scope of program graph nodes. Results are memoized for
// the lifetime of one page's analysis.
package scope

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"go.uber.org/zap"
)

// scopeSearchDepth bounds the single upward query used by ScopeOf.
const scopeSearchDepth = 64

// cfgLevel is the closed set of statement-level node types.
var cfgLevel = map[schemas.NodeType]bool{
	schemas.NodeExpressionStatement:     true,
	schemas.NodeVariableDeclaration:     true,
	schemas.NodeReturnStatement:         true,
	schemas.NodeIfStatement:             true,
	schemas.NodeForStatement:            true,
	schemas.NodeForInStatement:          true,
	schemas.NodeForOfStatement:          true,
	schemas.NodeWhileStatement:          true,
	schemas.NodeDoWhileStatement:        true,
	schemas.NodeSwitchStatement:         true,
	schemas.NodeTryStatement:            true,
	schemas.NodeThrowStatement:          true,
	schemas.NodeBreakStatement:          true,
	schemas.NodeContinueStatement:       true,
	schemas.NodeLabeledStatement:        true,
	schemas.NodeEmptyStatement:          true,
	schemas.NodeClassDeclaration:        true,
	schemas.NodeFunctionDeclaration:     true,
	schemas.NodeFunctionExpression:      true,
	schemas.NodeArrowFunctionExpression: true,
}

// IsCFGLevel reports whether t is a statement-level type.
func IsCFGLevel(t schemas.NodeType) bool {
	return cfgLevel[t]
}

// Resolver memoizes Topmost and ScopeOf for one page graph. It is safe for
// concurrent use, though the taint engine uses it from a single goroutine.
type Resolver struct {
	store schemas.GraphStore
	log   *zap.Logger

	mu      sync.Mutex
	topmost map[string]schemas.ProgramNode
	scopes  map[string]schemas.ProgramNode
}

// NewResolver returns a Resolver over store.
func NewResolver(store schemas.GraphStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:   store,
		log:     logger.Named("scope"),
		topmost: make(map[string]schemas.ProgramNode),
		scopes:  make(map[string]schemas.ProgramNode),
	}
}

func (r *Resolver) cachedTopmost(id string) (schemas.ProgramNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.topmost[id]
	return n, ok
}

// Topmost returns the nearest ancestor of node, itself included, whose type
// is statement-level. When the walk runs out of parents first, the last node
// reached is returned. Only store failures produce an error.
func (r *Resolver) Topmost(ctx context.Context, node schemas.ProgramNode) (schemas.ProgramNode, error) {
	if cached, ok := r.cachedTopmost(node.ID); ok {
		return cached, nil
	}

	var (
		path    []string
		current = node
		result  schemas.ProgramNode
	)
	for {
		if cached, ok := r.cachedTopmost(current.ID); ok {
			result = cached
			break
		}
		path = append(path, current.ID)
		if IsCFGLevel(current.Type) {
			result = current
			break
		}
		parent, err := r.store.GetParent(ctx, current.ID)
		if err != nil {
			return node, fmt.Errorf("failed to resolve topmost of '%s': %w", node.ID, err)
		}
		if parent == nil {
			result = current
			break
		}
		current = parent.Node
	}

	r.mu.Lock()
	for _, id := range path {
		r.topmost[id] = result
	}
	r.mu.Unlock()
	return result, nil
}

// ScopeOf returns the nearest function-like node strictly containing
// Topmost(node), falling back to the page's Program.
func (r *Resolver) ScopeOf(ctx context.Context, node schemas.ProgramNode) (schemas.ProgramNode, error) {
	r.mu.Lock()
	cached, ok := r.scopes[node.ID]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	top, err := r.Topmost(ctx, node)
	if err != nil {
		return schemas.ProgramNode{}, err
	}
	steps, err := r.store.Ancestors(ctx, top.ID, scopeSearchDepth)
	if err != nil {
		return schemas.ProgramNode{}, fmt.Errorf("failed to resolve scope of '%s': %w", node.ID, err)
	}

	var result *schemas.ProgramNode
	for i := range steps {
		if t := steps[i].Node.Type; t.IsFunction() || t == schemas.NodeProgram {
			result = &steps[i].Node
			break
		}
	}
	if result == nil {
		if top.Type == schemas.NodeProgram {
			result = &top
		} else {
			program, err := r.store.Program(ctx)
			if err != nil {
				return schemas.ProgramNode{}, fmt.Errorf("failed to resolve scope of '%s': %w", node.ID, err)
			}
			r.log.Debug("No enclosing scope found, using Program", zap.String("node_id", node.ID))
			result = program
		}
	}

	r.mu.Lock()
	r.scopes[node.ID] = *result
	r.mu.Unlock()
	return *result, nil
}
