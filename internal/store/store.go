// Package store persists analysis findings in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the findings and runs tables.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
    id            TEXT PRIMARY KEY,
    finding_count INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    last_seen     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS findings (
    id                TEXT PRIMARY KEY,
    run_id            TEXT NOT NULL,
    page              TEXT NOT NULL,
    poc_id            TEXT NOT NULL,
    library           TEXT NOT NULL DEFAULT '',
    cve               TEXT NOT NULL DEFAULT '',
    severity          TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    template          TEXT NOT NULL,
    node_id           TEXT NOT NULL,
    statement         TEXT NOT NULL,
    location          JSONB NOT NULL DEFAULT '{}',
    tags              TEXT[] NOT NULL DEFAULT '{}',
    payload_variables JSONB NOT NULL DEFAULT '[]',
    semantic_types    TEXT[] NOT NULL DEFAULT '{}',
    observed_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS findings_run_id_idx ON findings (run_id);
`

var findingColumns = []string{
	"id", "run_id", "page", "poc_id", "library", "cve", "severity", "description",
	"template", "node_id", "statement", "location", "tags", "payload_variables",
	"semantic_types", "observed_at",
}

const sqlUpsertRun = `
INSERT INTO analysis_runs (id, finding_count, created_at, last_seen)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    finding_count = analysis_runs.finding_count + EXCLUDED.finding_count,
    last_seen = EXCLUDED.last_seen;
`

const sqlFindingsByRun = `
SELECT id, page, poc_id, library, cve, severity, description, template, node_id,
       statement, location, tags, payload_variables, semantic_types, observed_at
FROM findings
WHERE run_id = $1
ORDER BY page ASC, observed_at ASC;
`

// Store provides a PostgreSQL implementation of schemas.FindingStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.FindingStore = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create findings schema: %w", err)
	}
	return nil
}

// PersistFindings writes findings and bumps the per-run counters in one
// transaction.
func (s *Store) PersistFindings(ctx context.Context, findings []schemas.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.copyFindings(ctx, tx, findings); err != nil {
		return err
	}
	if err := s.upsertRuns(ctx, tx, findings); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted findings", zap.Int("count", len(findings)))
	return nil
}

func (s *Store) copyFindings(ctx context.Context, tx pgx.Tx, findings []schemas.Finding) error {
	rows := make([][]any, len(findings))
	for i, f := range findings {
		location, err := json.Marshal(f.Location)
		if err != nil {
			return fmt.Errorf("failed to encode location of finding %s: %w", f.ID, err)
		}
		payloads := []byte("[]")
		if len(f.PayloadVariables) > 0 {
			if payloads, err = json.Marshal(f.PayloadVariables); err != nil {
				return fmt.Errorf("failed to encode payload variables of finding %s: %w", f.ID, err)
			}
		}
		tags := f.Tags
		if tags == nil {
			tags = []string{}
		}
		semantic := make([]string, len(f.SemanticTypes))
		for j, st := range f.SemanticTypes {
			semantic[j] = string(st)
		}

		rows[i] = []any{
			f.ID, f.RunID, f.Page, f.POCID, f.Library, f.CVE, string(f.Severity), f.Description,
			f.Template, f.NodeID, f.Statement, location, tags, payloads,
			semantic, f.ObservedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

func (s *Store) upsertRuns(ctx context.Context, tx pgx.Tx, findings []schemas.Finding) error {
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.RunID]++
	}
	runIDs := make([]string, 0, len(counts))
	for id := range counts {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, id := range runIDs {
		batch.Queue(sqlUpsertRun, id, counts[id], now, now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for _, id := range runIDs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to record run %s: %w", id, err)
		}
	}
	return nil
}

// GetFindingsByRunID returns the findings of one run ordered by page.
func (s *Store) GetFindingsByRunID(ctx context.Context, runID string) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, sqlFindingsByRun, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var (
			f                  schemas.Finding
			severity           string
			location, payloads []byte
			semantic           []string
		)
		err := rows.Scan(
			&f.ID, &f.Page, &f.POCID, &f.Library, &f.CVE, &severity, &f.Description,
			&f.Template, &f.NodeID, &f.Statement, &location, &f.Tags, &payloads,
			&semantic, &f.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		if len(location) > 0 {
			if err := json.Unmarshal(location, &f.Location); err != nil {
				return nil, fmt.Errorf("failed to decode location of finding %s: %w", f.ID, err)
			}
		}
		if len(payloads) > 0 {
			if err := json.Unmarshal(payloads, &f.PayloadVariables); err != nil {
				return nil, fmt.Errorf("failed to decode payload variables of finding %s: %w", f.ID, err)
			}
		}
		f.SemanticTypes = make([]schemas.SemanticType, len(semantic))
		for i, st := range semantic {
			f.SemanticTypes[i] = schemas.SemanticType(st)
		}
		f.Severity = schemas.Severity(severity)
		f.RunID = runID
		findings = append(findings, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}
