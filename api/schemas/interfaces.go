package schemas

import (
	"context"
)

// -- Graph Store Interface --

// GraphStore exposes read queries over a single page's persisted program
// graph. Implementations are scoped to one page; every query is a potential
// blocking round-trip and must honor ctx.
//
// Lookups that find nothing return a nil node or an empty slice with a nil
// error. GetByID is the exception and returns ErrNodeNotFound.
type GraphStore interface {
	// GetByID returns the node with the given id.
	GetByID(ctx context.Context, id string) (*ProgramNode, error)
	// Program returns the page's Program root.
	Program(ctx context.Context) (*ProgramNode, error)
	// GetParent follows one AST_parentOf edge in reverse.
	GetParent(ctx context.Context, id string) (*Child, error)
	// GetChildren returns the direct AST children in edge order. An empty
	// relation returns every child.
	GetChildren(ctx context.Context, id string, relation string) ([]Child, error)
	// GetChildByRelation returns the first child attached through relation.
	GetChildByRelation(ctx context.Context, id string, relation string) (*ProgramNode, error)
	// GetSubtree fetches the AST below id. maxDepth <= 0 means unbounded.
	GetSubtree(ctx context.Context, id string, maxDepth int) (*Tree, error)
	// Ancestors returns the upward AST path from id, nearest first, at most
	// maxDepth hops.
	Ancestors(ctx context.Context, id string, maxDepth int) ([]AncestorStep, error)
	// FindByCodeOrValue returns nodes whose Code or Value equals code. A
	// non-empty scopeID restricts the search to that node's descendants.
	FindByCodeOrValue(ctx context.Context, code string, scopeID string) ([]ProgramNode, error)
	// GetForwardPDGTargets follows PDG_parentOf edges out of id whose
	// Arguments equal varname.
	GetForwardPDGTargets(ctx context.Context, id string, varname string) ([]ProgramNode, error)
	// GetCallSites returns the call expressions with a CG_parentOf edge into
	// the function definition funcID.
	GetCallSites(ctx context.Context, funcID string) ([]ProgramNode, error)
	// GetCallTargets follows CG_parentOf edges out of the call expression.
	GetCallTargets(ctx context.Context, callID string) ([]CallTarget, error)
	// AnnotateTags adds tags to a node's tag property. It is additive and only
	// used for debugging.
	AnnotateTags(ctx context.Context, id string, tags []string) error
}

// GraphWriter loads a page graph into a store.
type GraphWriter interface {
	WriteGraph(ctx context.Context, nodes []ProgramNode, edges []Edge) error
}

// FindingStore persists findings produced by an analysis run.
type FindingStore interface {
	PersistFindings(ctx context.Context, findings []Finding) error
	GetFindingsByRunID(ctx context.Context, runID string) ([]Finding, error)
}
