package taint

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/scope"
	"github.com/xkilldash9x/hpgscan/internal/config"
	"github.com/xkilldash9x/hpgscan/internal/hpg"
)

// tree wraps a Builder with a helper that attaches a node under a parent.
type tree struct {
	*hpg.Builder
}

func newTree() *tree {
	return &tree{hpg.NewBuilder("n")}
}

func (t *tree) child(parent string, n schemas.ProgramNode, relation string, index int) string {
	id := t.Add(n)
	t.AST(parent, id, relation, index)
	return id
}

// callStmt adds `callee(args...);` under parent and returns the statement
// and call ids.
func (t *tree) callStmt(parent string, index int, callee schemas.ProgramNode, args ...schemas.ProgramNode) (string, string) {
	stmt := t.child(parent, hpg.Typed(schemas.NodeExpressionStatement), schemas.RelBody, index)
	call := t.child(stmt, hpg.Typed(schemas.NodeCallExpression), schemas.RelExpression, 0)
	t.child(call, callee, schemas.RelCallee, 0)
	for i, a := range args {
		t.child(call, a, schemas.RelArguments, i)
	}
	return stmt, call
}

func (t *tree) load(tb testing.TB) *hpg.MemoryGraph {
	tb.Helper()
	g := hpg.NewMemoryGraph(zaptest.NewLogger(tb))
	require.NoError(tb, t.WriteTo(context.Background(), g))
	return g
}

func testEngineConfig() config.EngineConfig {
	return config.NewDefaultConfig().Engine()
}

func newTestEngine(tb testing.TB, store schemas.GraphStore, cfg config.EngineConfig) *Engine {
	tb.Helper()
	logger := zaptest.NewLogger(tb)
	return NewEngine(store, scope.NewResolver(store, logger), cfg, logger)
}

// jqueryPage builds
//
//	var $ = require("<module>");
//	$.html(x);
//
// with a PDG edge for `$` between the statements.
type jqueryPage struct {
	program, decl, sinkStmt, literal, htmlProp string
}

func buildJQueryPage(module string) (*tree, jqueryPage) {
	t := newTree()
	var p jqueryPage
	p.program = t.Add(hpg.Typed(schemas.NodeProgram))

	p.decl = t.child(p.program, schemas.ProgramNode{Type: schemas.NodeVariableDeclaration, Kind: "var"}, schemas.RelBody, 0)
	dtor := t.child(p.decl, hpg.Typed(schemas.NodeVariableDeclarator), schemas.RelDeclarations, 0)
	t.child(dtor, hpg.Ident("$"), schemas.RelID, 0)
	req := t.child(dtor, hpg.Typed(schemas.NodeCallExpression), schemas.RelInit, 0)
	t.child(req, hpg.Ident("require"), schemas.RelCallee, 0)
	p.literal = t.child(req, hpg.StringLit(module), schemas.RelArguments, 0)

	p.sinkStmt = t.child(p.program, hpg.Typed(schemas.NodeExpressionStatement), schemas.RelBody, 1)
	call := t.child(p.sinkStmt, hpg.Typed(schemas.NodeCallExpression), schemas.RelExpression, 0)
	member := t.child(call, hpg.Typed(schemas.NodeMemberExpression), schemas.RelCallee, 0)
	t.child(member, hpg.Ident("$"), schemas.RelObject, 0)
	p.htmlProp = t.child(member, hpg.Ident("html"), schemas.RelProperty, 0)
	t.child(call, hpg.Ident("x"), schemas.RelArguments, 0)

	t.PDG(p.decl, p.sinkStmt, "$")
	return t, p
}

// returnPage builds
//
//	function f(p) { return p; }
//	var y = f(x);
//	sink(y);
type returnPage struct {
	fn, ret, decl, sinkStmt, x string
}

func buildReturnPage() (*tree, returnPage) {
	t := newTree()
	var p returnPage
	program := t.Add(hpg.Typed(schemas.NodeProgram))

	p.fn = t.child(program, hpg.Typed(schemas.NodeFunctionDeclaration), schemas.RelBody, 0)
	t.child(p.fn, hpg.Ident("f"), schemas.RelID, 0)
	t.child(p.fn, hpg.Ident("p"), schemas.RelParams, 0)
	block := t.child(p.fn, hpg.Typed(schemas.NodeBlockStatement), schemas.RelBody, 0)
	p.ret = t.child(block, hpg.Typed(schemas.NodeReturnStatement), schemas.RelBody, 0)
	t.child(p.ret, hpg.Ident("p"), schemas.RelArgument, 0)

	p.decl = t.child(program, schemas.ProgramNode{Type: schemas.NodeVariableDeclaration, Kind: "var"}, schemas.RelBody, 1)
	dtor := t.child(p.decl, hpg.Typed(schemas.NodeVariableDeclarator), schemas.RelDeclarations, 0)
	t.child(dtor, hpg.Ident("y"), schemas.RelID, 0)
	call := t.child(dtor, hpg.Typed(schemas.NodeCallExpression), schemas.RelInit, 0)
	t.child(call, hpg.Ident("f"), schemas.RelCallee, 0)
	p.x = t.child(call, hpg.Ident("x"), schemas.RelArguments, 0)

	p.sinkStmt, _ = t.callStmt(program, 2, hpg.Ident("sink"), hpg.Ident("y"))

	t.PDG(p.fn, p.ret, "p")
	t.PDG(p.decl, p.sinkStmt, "y")
	t.CG(call, p.fn, `{"0":"x"}`)
	return t, p
}

// recordingStore counts the queries the engine issues.
type recordingStore struct {
	schemas.GraphStore

	mu        sync.Mutex
	searched  []string
	pdg       int
	ancestors int
	findErr   error
}

func (r *recordingStore) FindByCodeOrValue(ctx context.Context, code, scopeID string) ([]schemas.ProgramNode, error) {
	r.mu.Lock()
	if scopeID == "" {
		r.searched = append(r.searched, code)
	}
	err := r.findErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.GraphStore.FindByCodeOrValue(ctx, code, scopeID)
}

func (r *recordingStore) GetForwardPDGTargets(ctx context.Context, id, varname string) ([]schemas.ProgramNode, error) {
	r.mu.Lock()
	r.pdg++
	r.mu.Unlock()
	return r.GraphStore.GetForwardPDGTargets(ctx, id, varname)
}

func (r *recordingStore) Ancestors(ctx context.Context, id string, maxDepth int) ([]schemas.AncestorStep, error) {
	r.mu.Lock()
	r.ancestors++
	r.mu.Unlock()
	return r.GraphStore.Ancestors(ctx, id, maxDepth)
}

// chainPage builds n statements `v{i+1} = v{i};` whose PDG edges form a
// cycle back to the first statement.
func buildChainPage(n int) (*tree, []string, string) {
	t := newTree()
	program := t.Add(hpg.Typed(schemas.NodeProgram))
	stmts := make([]string, n)
	var seed string
	for i := 0; i < n; i++ {
		stmts[i] = t.child(program, hpg.Typed(schemas.NodeExpressionStatement), schemas.RelBody, i)
		assign := t.child(stmts[i], schemas.ProgramNode{Type: schemas.NodeAssignmentExpression, Operator: "="}, schemas.RelExpression, 0)
		left := "v" + strconv.Itoa((i+1)%n)
		t.child(assign, hpg.Ident(left), schemas.RelLeft, 0)
		right := t.child(assign, hpg.Ident("v"+strconv.Itoa(i)), schemas.RelRight, 0)
		if i == 0 {
			seed = right
		}
	}
	for i := 0; i < n; i++ {
		t.PDG(stmts[i], stmts[(i+1)%n], "v"+strconv.Itoa((i+1)%n))
	}
	return t, stmts, seed
}
