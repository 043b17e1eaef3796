package hpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/hpgscan/api/schemas"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so the adapter can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the page graph tables. Every row is keyed by page id so a
// single database can hold many analyzed pages.
const Schema = `
CREATE TABLE IF NOT EXISTS hpg_nodes (
    page_id     TEXT NOT NULL,
    id          TEXT NOT NULL,
    type        TEXT NOT NULL,
    code        TEXT NOT NULL DEFAULT '',
    value       TEXT NOT NULL DEFAULT '',
    raw         TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT '',
    operator    TEXT NOT NULL DEFAULT '',
    computed    BOOLEAN NOT NULL DEFAULT FALSE,
    location    JSONB NOT NULL DEFAULT '{}',
    range_start INTEGER NOT NULL DEFAULT 0,
    range_end   INTEGER NOT NULL DEFAULT 0,
    tags        TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (page_id, id)
);
CREATE INDEX IF NOT EXISTS hpg_nodes_code_idx ON hpg_nodes (page_id, code);
CREATE INDEX IF NOT EXISTS hpg_nodes_value_idx ON hpg_nodes (page_id, value);
CREATE TABLE IF NOT EXISTS hpg_edges (
    page_id       TEXT NOT NULL,
    seq           BIGINT NOT NULL,
    from_id       TEXT NOT NULL,
    to_id         TEXT NOT NULL,
    kind          TEXT NOT NULL,
    relation_type TEXT NOT NULL DEFAULT '',
    idx           INTEGER NOT NULL DEFAULT 0,
    arguments     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (page_id, seq)
);
CREATE INDEX IF NOT EXISTS hpg_edges_from_idx ON hpg_edges (page_id, from_id, kind);
CREATE INDEX IF NOT EXISTS hpg_edges_to_idx ON hpg_edges (page_id, to_id, kind);
`

var (
	nodeColumns = []string{"page_id", "id", "type", "code", "value", "raw", "kind", "operator", "computed", "location", "range_start", "range_end", "tags"}
	edgeColumns = []string{"page_id", "seq", "from_id", "to_id", "kind", "relation_type", "idx", "arguments"}
)

const nodeSelect = `n.id, n.type, n.code, n.value, n.raw, n.kind, n.operator, n.computed, n.location, n.range_start, n.range_end, n.tags`

const (
	sqlGetNode = `SELECT ` + nodeSelect + ` FROM hpg_nodes n WHERE n.page_id = $1 AND n.id = $2`

	sqlGetProgram = `SELECT ` + nodeSelect + ` FROM hpg_nodes n WHERE n.page_id = $1 AND n.type = 'Program' LIMIT 1`

	sqlGetParent = `
SELECT ` + nodeSelect + `, e.relation_type, e.idx
FROM hpg_edges e JOIN hpg_nodes n ON n.page_id = e.page_id AND n.id = e.from_id
WHERE e.page_id = $1 AND e.to_id = $2 AND e.kind = 'AST_parentOf'
ORDER BY e.seq LIMIT 1`

	sqlGetChildren = `
SELECT ` + nodeSelect + `, e.relation_type, e.idx
FROM hpg_edges e JOIN hpg_nodes n ON n.page_id = e.page_id AND n.id = e.to_id
WHERE e.page_id = $1 AND e.from_id = $2 AND e.kind = 'AST_parentOf' AND ($3 = '' OR e.relation_type = $3)
ORDER BY e.seq`

	sqlGetSubtree = `
WITH RECURSIVE sub(id, parent_id, relation_type, idx, seq, depth) AS (
    SELECT $2::text, ''::text, ''::text, 0, 0::bigint, 0
    UNION ALL
    SELECT e.to_id, e.from_id, e.relation_type, e.idx, e.seq, sub.depth + 1
    FROM hpg_edges e JOIN sub ON e.from_id = sub.id
    WHERE e.page_id = $1 AND e.kind = 'AST_parentOf' AND ($3 <= 0 OR sub.depth < $3)
)
SELECT ` + nodeSelect + `, sub.parent_id, sub.relation_type, sub.idx
FROM sub JOIN hpg_nodes n ON n.page_id = $1 AND n.id = sub.id
ORDER BY sub.depth, sub.seq`

	sqlAncestors = `
WITH RECURSIVE up(id, relation_type, idx, depth) AS (
    SELECT e.from_id, e.relation_type, e.idx, 1
    FROM hpg_edges e
    WHERE e.page_id = $1 AND e.to_id = $2 AND e.kind = 'AST_parentOf'
    UNION ALL
    SELECT e.from_id, e.relation_type, e.idx, up.depth + 1
    FROM hpg_edges e JOIN up ON e.to_id = up.id
    WHERE e.page_id = $1 AND e.kind = 'AST_parentOf' AND up.depth < $3
)
SELECT ` + nodeSelect + `, up.relation_type, up.idx, up.depth
FROM up JOIN hpg_nodes n ON n.page_id = $1 AND n.id = up.id
ORDER BY up.depth`

	sqlFindByText = `
SELECT ` + nodeSelect + ` FROM hpg_nodes n
WHERE n.page_id = $1 AND (n.code = $2 OR n.value = $2)
ORDER BY n.range_start, n.id`

	sqlFindByTextScoped = `
WITH RECURSIVE below(id) AS (
    SELECT $3::text
    UNION
    SELECT e.to_id FROM hpg_edges e JOIN below ON e.from_id = below.id
    WHERE e.page_id = $1 AND e.kind = 'AST_parentOf'
)
SELECT ` + nodeSelect + ` FROM hpg_nodes n JOIN below ON below.id = n.id
WHERE n.page_id = $1 AND (n.code = $2 OR n.value = $2)
ORDER BY n.range_start, n.id`

	sqlForwardPDG = `
SELECT DISTINCT ON (n.id) ` + nodeSelect + `
FROM hpg_edges e JOIN hpg_nodes n ON n.page_id = e.page_id AND n.id = e.to_id
WHERE e.page_id = $1 AND e.from_id = $2 AND e.kind = 'PDG_parentOf' AND e.arguments = $3
ORDER BY n.id`

	sqlCallSites = `
SELECT ` + nodeSelect + `
FROM hpg_edges e JOIN hpg_nodes n ON n.page_id = e.page_id AND n.id = e.from_id
WHERE e.page_id = $1 AND e.to_id = $2 AND e.kind = 'CG_parentOf'
ORDER BY e.seq`

	sqlCallTargets = `
SELECT ` + nodeSelect + `, e.arguments
FROM hpg_edges e JOIN hpg_nodes n ON n.page_id = e.page_id AND n.id = e.to_id
WHERE e.page_id = $1 AND e.from_id = $2 AND e.kind = 'CG_parentOf'
ORDER BY e.seq`

	sqlAnnotateTags = `
UPDATE hpg_nodes SET tags = ARRAY(SELECT DISTINCT unnest(tags || $3::text[]))
WHERE page_id = $1 AND id = $2`
)

// PostgresGraph is a GraphStore backed by PostgreSQL. All queries are
// parameterized and scoped to one page id.
type PostgresGraph struct {
	pool   DBPool
	pageID string
	log    *zap.Logger
}

var (
	_ schemas.GraphStore  = (*PostgresGraph)(nil)
	_ schemas.GraphWriter = (*PostgresGraph)(nil)
)

// NewPostgresGraph verifies the connection and returns an adapter for pageID.
func NewPostgresGraph(ctx context.Context, pool DBPool, pageID string, logger *zap.Logger) (*PostgresGraph, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresGraph{
		pool:   pool,
		pageID: pageID,
		log:    logger.Named("PostgresGraph").With(zap.String("page_id", pageID)),
	}, nil
}

// EnsureSchema creates the graph tables if they are missing.
func (p *PostgresGraph) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// WriteGraph replaces the page's graph in one transaction using COPY.
func (p *PostgresGraph) WriteGraph(ctx context.Context, nodes []schemas.ProgramNode, edges []schemas.Edge) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM hpg_edges WHERE page_id = $1`, p.pageID); err != nil {
		return fmt.Errorf("failed to clear page edges: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM hpg_nodes WHERE page_id = $1`, p.pageID); err != nil {
		return fmt.Errorf("failed to clear page nodes: %w", err)
	}

	nodeRows := make([][]any, len(nodes))
	for i, n := range nodes {
		loc, err := json.Marshal(n.Location)
		if err != nil {
			return fmt.Errorf("failed to marshal location of node '%s': %w", n.ID, err)
		}
		tags := n.Tags
		if tags == nil {
			tags = []string{}
		}
		nodeRows[i] = []any{p.pageID, n.ID, string(n.Type), n.Code, n.Value, n.Raw, n.Kind, n.Operator, n.Computed, loc, n.Range.Start, n.Range.End, tags}
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"hpg_nodes"}, nodeColumns, pgx.CopyFromRows(nodeRows))
	if err != nil {
		return fmt.Errorf("failed to copy nodes: %w", err)
	}
	if int(copied) != len(nodes) {
		return fmt.Errorf("mismatch in copied nodes count: expected %d, got %d", len(nodes), copied)
	}

	edgeRows := make([][]any, len(edges))
	for i, e := range edges {
		edgeRows[i] = []any{p.pageID, int64(i), e.From, e.To, string(e.Kind), e.RelationType, e.Index, e.Arguments}
	}
	copied, err = tx.CopyFrom(ctx, pgx.Identifier{"hpg_edges"}, edgeColumns, pgx.CopyFromRows(edgeRows))
	if err != nil {
		return fmt.Errorf("failed to copy edges: %w", err)
	}
	if int(copied) != len(edges) {
		return fmt.Errorf("mismatch in copied edges count: expected %d, got %d", len(edges), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.log.Debug("Page graph written", zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
	return nil
}

// scanNode reads the nodeSelect columns followed by extra destinations.
func scanNode(row pgx.Row, extra ...any) (schemas.ProgramNode, error) {
	var (
		n        schemas.ProgramNode
		nodeType string
		loc      []byte
	)
	dest := append([]any{&n.ID, &nodeType, &n.Code, &n.Value, &n.Raw, &n.Kind, &n.Operator, &n.Computed, &loc, &n.Range.Start, &n.Range.End, &n.Tags}, extra...)
	if err := row.Scan(dest...); err != nil {
		return n, err
	}
	n.Type = schemas.NodeType(nodeType)
	if len(loc) > 0 {
		if err := json.Unmarshal(loc, &n.Location); err != nil {
			return n, fmt.Errorf("failed to decode location of node '%s': %w", n.ID, err)
		}
	}
	return n, nil
}

func (p *PostgresGraph) queryNodes(ctx context.Context, sql string, args ...any) ([]schemas.ProgramNode, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schemas.ProgramNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresGraph) queryChildren(ctx context.Context, sql string, args ...any) ([]schemas.Child, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schemas.Child
	for rows.Next() {
		var c schemas.Child
		n, err := scanNode(rows, &c.Relation, &c.Index)
		if err != nil {
			return nil, err
		}
		c.Node = n
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresGraph) GetByID(ctx context.Context, id string) (*schemas.ProgramNode, error) {
	nodes, err := p.queryNodes(ctx, sqlGetNode, p.pageID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get node '%s': %w", id, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node with id '%s': %w", id, schemas.ErrNodeNotFound)
	}
	return &nodes[0], nil
}

func (p *PostgresGraph) Program(ctx context.Context) (*schemas.ProgramNode, error) {
	nodes, err := p.queryNodes(ctx, sqlGetProgram, p.pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get Program node: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("page has no Program node: %w", schemas.ErrNodeNotFound)
	}
	return &nodes[0], nil
}

func (p *PostgresGraph) GetParent(ctx context.Context, id string) (*schemas.Child, error) {
	children, err := p.queryChildren(ctx, sqlGetParent, p.pageID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get parent of '%s': %w", id, err)
	}
	if len(children) == 0 {
		return nil, nil
	}
	return &children[0], nil
}

func (p *PostgresGraph) GetChildren(ctx context.Context, id string, relation string) ([]schemas.Child, error) {
	children, err := p.queryChildren(ctx, sqlGetChildren, p.pageID, id, relation)
	if err != nil {
		return nil, fmt.Errorf("failed to get children of '%s': %w", id, err)
	}
	return children, nil
}

func (p *PostgresGraph) GetChildByRelation(ctx context.Context, id string, relation string) (*schemas.ProgramNode, error) {
	children, err := p.GetChildren(ctx, id, relation)
	if err != nil || len(children) == 0 {
		return nil, err
	}
	return &children[0].Node, nil
}

func (p *PostgresGraph) GetSubtree(ctx context.Context, id string, maxDepth int) (*schemas.Tree, error) {
	rows, err := p.pool.Query(ctx, sqlGetSubtree, p.pageID, id, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to get subtree of '%s': %w", id, err)
	}
	defer rows.Close()

	byID := make(map[string]*schemas.Tree)
	var root *schemas.Tree
	for rows.Next() {
		var parentID string
		t := &schemas.Tree{}
		n, err := scanNode(rows, &parentID, &t.Relation, &t.Index)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtree of '%s': %w", id, err)
		}
		t.Node = n
		byID[n.ID] = t
		if parentID == "" {
			root = t
			continue
		}
		// Rows arrive ordered by depth, so the parent is always present.
		if parent, ok := byID[parentID]; ok {
			parent.Children = append(parent.Children, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subtree of '%s': %w", id, err)
	}
	if root == nil {
		return nil, fmt.Errorf("node with id '%s': %w", id, schemas.ErrNodeNotFound)
	}
	return root, nil
}

func (p *PostgresGraph) Ancestors(ctx context.Context, id string, maxDepth int) ([]schemas.AncestorStep, error) {
	rows, err := p.pool.Query(ctx, sqlAncestors, p.pageID, id, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to get ancestors of '%s': %w", id, err)
	}
	defer rows.Close()

	var steps []schemas.AncestorStep
	for rows.Next() {
		var s schemas.AncestorStep
		n, err := scanNode(rows, &s.Relation, &s.Index, &s.Depth)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ancestors of '%s': %w", id, err)
		}
		s.Node = n
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (p *PostgresGraph) FindByCodeOrValue(ctx context.Context, code string, scopeID string) ([]schemas.ProgramNode, error) {
	var (
		nodes []schemas.ProgramNode
		err   error
	)
	if scopeID == "" {
		nodes, err = p.queryNodes(ctx, sqlFindByText, p.pageID, code)
	} else {
		nodes, err = p.queryNodes(ctx, sqlFindByTextScoped, p.pageID, code, scopeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search for '%s': %w", code, err)
	}
	return nodes, nil
}

func (p *PostgresGraph) GetForwardPDGTargets(ctx context.Context, id string, varname string) ([]schemas.ProgramNode, error) {
	nodes, err := p.queryNodes(ctx, sqlForwardPDG, p.pageID, id, varname)
	if err != nil {
		return nil, fmt.Errorf("failed to follow PDG edges from '%s' on '%s': %w", id, varname, err)
	}
	return nodes, nil
}

func (p *PostgresGraph) GetCallSites(ctx context.Context, funcID string) ([]schemas.ProgramNode, error) {
	nodes, err := p.queryNodes(ctx, sqlCallSites, p.pageID, funcID)
	if err != nil {
		return nil, fmt.Errorf("failed to get call sites of '%s': %w", funcID, err)
	}
	return nodes, nil
}

func (p *PostgresGraph) GetCallTargets(ctx context.Context, callID string) ([]schemas.CallTarget, error) {
	rows, err := p.pool.Query(ctx, sqlCallTargets, p.pageID, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get call targets of '%s': %w", callID, err)
	}
	var targets []schemas.CallTarget
	for rows.Next() {
		var t schemas.CallTarget
		n, err := scanNode(rows, &t.Arguments)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan call targets of '%s': %w", callID, err)
		}
		t.Definition = n
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call targets of '%s': %w", callID, err)
	}

	for i := range targets {
		params, err := p.GetChildren(ctx, targets[i].Definition.ID, schemas.RelParams)
		if err != nil {
			return nil, err
		}
		for _, c := range params {
			targets[i].Params = append(targets[i].Params, c.Node)
		}
	}
	return targets, nil
}

func (p *PostgresGraph) AnnotateTags(ctx context.Context, id string, tags []string) error {
	if _, err := p.pool.Exec(ctx, sqlAnnotateTags, p.pageID, id, tags); err != nil {
		return fmt.Errorf("failed to annotate node '%s': %w", id, err)
	}
	return nil
}
