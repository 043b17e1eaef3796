package hpg

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/hpgscan/api/schemas"
	"go.uber.org/zap"
)

type hpgTestFixture struct {
	Logger *zap.Logger
}

var globalFixture *hpgTestFixture

func TestMain(m *testing.M) {
	globalFixture = &hpgTestFixture{Logger: zap.NewNop()}
	exitCode := m.Run()
	_ = globalFixture.Logger.Sync()
	os.Exit(exitCode)
}

// pageIDs names the nodes of the fixture graph for
//
//	function f(p) { return p; }
//	var y = f(x);
type pageIDs struct {
	program, fn, fnID, param, body, ret, retArg      string
	decl, declarator, y, call, callee, arg, strValue string
}

func getTestGraph(t *testing.T) (*MemoryGraph, pageIDs) {
	t.Helper()
	b := NewBuilder("n")
	var ids pageIDs

	ids.program = b.Add(Typed(schemas.NodeProgram))
	ids.fn = b.Add(Typed(schemas.NodeFunctionDeclaration))
	ids.fnID = b.Add(Ident("f"))
	ids.param = b.Add(Ident("p"))
	ids.body = b.Add(Typed(schemas.NodeBlockStatement))
	ids.ret = b.Add(Typed(schemas.NodeReturnStatement))
	ids.retArg = b.Add(Ident("p"))
	b.AST(ids.program, ids.fn, schemas.RelBody, 0)
	b.AST(ids.fn, ids.fnID, schemas.RelID, 0)
	b.AST(ids.fn, ids.param, schemas.RelParams, 0)
	b.AST(ids.fn, ids.body, schemas.RelBody, 0)
	b.AST(ids.body, ids.ret, schemas.RelBody, 0)
	b.AST(ids.ret, ids.retArg, schemas.RelArgument, 0)

	ids.decl = b.Add(schemas.ProgramNode{Type: schemas.NodeVariableDeclaration, Kind: "var"})
	ids.declarator = b.Add(Typed(schemas.NodeVariableDeclarator))
	ids.y = b.Add(Ident("y"))
	ids.call = b.Add(Typed(schemas.NodeCallExpression))
	ids.callee = b.Add(Ident("f"))
	ids.arg = b.Add(Ident("x"))
	ids.strValue = b.Add(StringLit("692"))
	b.AST(ids.program, ids.decl, schemas.RelBody, 1)
	b.AST(ids.decl, ids.declarator, schemas.RelDeclarations, 0)
	b.AST(ids.declarator, ids.y, schemas.RelID, 0)
	b.AST(ids.declarator, ids.call, schemas.RelInit, 0)
	b.AST(ids.call, ids.callee, schemas.RelCallee, 0)
	b.AST(ids.call, ids.arg, schemas.RelArguments, 0)
	b.AST(ids.call, ids.strValue, schemas.RelArguments, 1)

	b.CFG(ids.program, ids.fn)
	b.CFG(ids.fn, ids.decl)
	b.PDG(ids.fn, ids.ret, "p")
	b.PDG(ids.fn, ids.decl, "f")
	b.PDG(ids.fn, ids.decl, "f")
	b.CG(ids.call, ids.fn, `{"0":"x","1":"\"692\""}`)

	g := NewMemoryGraph(globalFixture.Logger)
	require.NoError(t, b.WriteTo(context.Background(), g))
	return g, ids
}

func TestMemoryGraphConstruction(t *testing.T) {
	t.Parallel()

	t.Run("should reject edges to unknown nodes", func(t *testing.T) {
		t.Parallel()
		g := NewMemoryGraph(nil)
		require.NoError(t, g.AddNode(schemas.ProgramNode{ID: "a", Type: schemas.NodeProgram}))
		err := g.AddEdge(schemas.Edge{From: "a", To: "b", Kind: schemas.EdgeAST})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "destination node with id 'b' not found")
	})

	t.Run("should reject a second AST parent", func(t *testing.T) {
		t.Parallel()
		g, ids := getTestGraph(t)
		err := g.AddEdge(schemas.Edge{From: ids.body, To: ids.y, Kind: schemas.EdgeAST, RelationType: schemas.RelBody})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already has an AST parent")
	})

	t.Run("should reject a second Program node", func(t *testing.T) {
		t.Parallel()
		g, _ := getTestGraph(t)
		err := g.AddNode(schemas.ProgramNode{ID: "other", Type: schemas.NodeProgram})
		require.Error(t, err)
	})

	t.Run("should reject duplicate ids", func(t *testing.T) {
		t.Parallel()
		g, ids := getTestGraph(t)
		require.Error(t, g.AddNode(schemas.ProgramNode{ID: ids.y, Type: schemas.NodeIdentifier}))
	})
}

func TestMemoryGraphQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, ids := getTestGraph(t)

	t.Run("should get nodes by id and report missing ones", func(t *testing.T) {
		t.Parallel()
		n, err := g.GetByID(ctx, ids.y)
		require.NoError(t, err)
		assert.Equal(t, "y", n.Code)

		_, err = g.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, schemas.ErrNodeNotFound)
	})

	t.Run("should return the Program", func(t *testing.T) {
		t.Parallel()
		p, err := g.Program(ctx)
		require.NoError(t, err)
		assert.Equal(t, ids.program, p.ID)
	})

	t.Run("should return the parent with its relation", func(t *testing.T) {
		t.Parallel()
		parent, err := g.GetParent(ctx, ids.y)
		require.NoError(t, err)
		require.NotNil(t, parent)
		assert.Equal(t, ids.declarator, parent.Node.ID)
		assert.Equal(t, schemas.RelID, parent.Relation)

		none, err := g.GetParent(ctx, ids.program)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("should list children in order and filter by relation", func(t *testing.T) {
		t.Parallel()
		all, err := g.GetChildren(ctx, ids.call, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids.callee, all[0].Node.ID)

		args, err := g.GetChildren(ctx, ids.call, schemas.RelArguments)
		require.NoError(t, err)
		require.Len(t, args, 2)
		assert.Equal(t, 0, args[0].Index)
		assert.Equal(t, 1, args[1].Index)

		init, err := g.GetChildByRelation(ctx, ids.declarator, schemas.RelInit)
		require.NoError(t, err)
		assert.Equal(t, ids.call, init.ID)

		missing, err := g.GetChildByRelation(ctx, ids.declarator, schemas.RelBody)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("should fetch a bounded subtree", func(t *testing.T) {
		t.Parallel()
		full, err := g.GetSubtree(ctx, ids.decl, 0)
		require.NoError(t, err)
		require.Len(t, full.Children, 1)
		assert.Len(t, full.Children[0].Children, 2)
		assert.NotNil(t, full.Children[0].Child(schemas.RelInit).Child(schemas.RelCallee))

		shallow, err := g.GetSubtree(ctx, ids.decl, 1)
		require.NoError(t, err)
		require.Len(t, shallow.Children, 1)
		assert.Empty(t, shallow.Children[0].Children)
	})

	t.Run("should list ancestors nearest first", func(t *testing.T) {
		t.Parallel()
		steps, err := g.Ancestors(ctx, ids.arg, 10)
		require.NoError(t, err)
		require.Len(t, steps, 4)
		assert.Equal(t, ids.call, steps[0].Node.ID)
		assert.Equal(t, schemas.RelArguments, steps[0].Relation)
		assert.Equal(t, ids.declarator, steps[1].Node.ID)
		assert.Equal(t, schemas.RelInit, steps[1].Relation)
		assert.Equal(t, ids.program, steps[3].Node.ID)

		bounded, err := g.Ancestors(ctx, ids.arg, 2)
		require.NoError(t, err)
		assert.Len(t, bounded, 2)
	})

	t.Run("should find by code or value with optional scope", func(t *testing.T) {
		t.Parallel()
		ps, err := g.FindByCodeOrValue(ctx, "p", "")
		require.NoError(t, err)
		assert.Len(t, ps, 2)

		lit, err := g.FindByCodeOrValue(ctx, "692", "")
		require.NoError(t, err)
		require.Len(t, lit, 1)
		assert.Equal(t, ids.strValue, lit[0].ID)

		scoped, err := g.FindByCodeOrValue(ctx, "f", ids.decl)
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, ids.callee, scoped[0].ID)
	})

	t.Run("should follow PDG edges by variable name without duplicates", func(t *testing.T) {
		t.Parallel()
		targets, err := g.GetForwardPDGTargets(ctx, ids.fn, "f")
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, ids.decl, targets[0].ID)

		none, err := g.GetForwardPDGTargets(ctx, ids.fn, "zzz")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("should resolve call sites and targets", func(t *testing.T) {
		t.Parallel()
		sites, err := g.GetCallSites(ctx, ids.fn)
		require.NoError(t, err)
		require.Len(t, sites, 1)
		assert.Equal(t, ids.call, sites[0].ID)

		targets, err := g.GetCallTargets(ctx, ids.call)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, ids.fn, targets[0].Definition.ID)
		require.Len(t, targets[0].Params, 1)
		assert.Equal(t, "p", targets[0].Params[0].Code)
		assert.Contains(t, targets[0].Arguments, `"0":"x"`)
	})
}

func TestMemoryGraphAnnotateTags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, ids := getTestGraph(t)

	require.NoError(t, g.AnnotateTags(ctx, ids.decl, []string{"a", "b"}))
	require.NoError(t, g.AnnotateTags(ctx, ids.decl, []string{"b", "c"}))

	n, err := g.GetByID(ctx, ids.decl)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, n.Tags)

	assert.ErrorIs(t, g.AnnotateTags(ctx, "missing", []string{"a"}), schemas.ErrNodeNotFound)
}
