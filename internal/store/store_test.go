package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	_, ok := v.(time.Time)
	return ok
})

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func testFinding(id, runID string) schemas.Finding {
	return schemas.Finding{
		ID:        id,
		RunID:     runID,
		Page:      "pages/a.html",
		POCID:     "jquery-html",
		Library:   "jquery",
		Severity:  schemas.SeverityHigh,
		Template:  "LIBOBJ.html(PAYLOAD)",
		NodeID:    "n7",
		Statement: "$.html(location.hash);",
		Location:  schemas.Location{File: "pages/a.html", StartLine: 2, EndLine: 2, EndColumn: 22},
		Tags:      []string{"692", "html"},
		PayloadVariables: []schemas.PayloadVariable{
			{Name: "location.hash", NodeID: "n9", Values: []string{"#x"}},
		},
		SemanticTypes: []schemas.SemanticType{schemas.SemanticWindowLocation},
		ObservedAt:    time.Now(),
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())

	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS analysis_runs")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	ddlErr := errors.New("permission denied")
	mockPool.ExpectExec("CREATE TABLE").WillReturnError(ddlErr)
	err := s.EnsureSchema(context.Background())
	assert.ErrorIs(t, err, ddlErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPersistFindings(t *testing.T) {
	ctx := context.Background()

	t.Run("copies findings and records runs without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		runA, runB := uuid.NewString(), uuid.NewString()
		findings := []schemas.Finding{
			testFinding("f-1", runA),
			testFinding("f-2", runA),
			testFinding("f-3", runB),
		}

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnResult(3)

		first, second := runA, runB
		if second < first {
			first, second = second, first
		}
		count := map[string]int{runA: 2, runB: 1}
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs(first, count[first], anyTime, anyTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs(second, count[second], anyTime, anyTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistFindings(ctx, findings))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("no findings is a no-op", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		require.NoError(t, s.PersistFindings(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.PersistFindings(ctx, []schemas.Finding{testFinding("f-1", "r")})
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back when the copy fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.PersistFindings(ctx, []schemas.Finding{testFinding("f-1", "r")})
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back on a short copy", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.PersistFindings(ctx, []schemas.Finding{testFinding("f-1", "r"), testFinding("f-2", "r")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back when recording the run fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		batchErr := errors.New("batch execution failed")

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnResult(1)
		mockPool.ExpectBatch().ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-x", 1, anyTime, anyTime).
			WillReturnError(batchErr)
		mockPool.ExpectRollback()

		err := s.PersistFindings(ctx, []schemas.Finding{testFinding("f-1", "run-x")})
		assert.ErrorIs(t, err, batchErr)
		assert.Contains(t, err.Error(), "failed to record run run-x")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetFindingsByRunID(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes rows", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		runID := uuid.NewString()
		now := time.Now().UTC()
		columns := []string{"id", "page", "poc_id", "library", "cve", "severity", "description", "template",
			"node_id", "statement", "location", "tags", "payload_variables", "semantic_types", "observed_at"}
		rows := pgxmock.NewRows(columns).
			AddRow("f-1", "pages/a.html", "jquery-html", "jquery", "CVE-2020-11022", "high", "desc",
				"LIBOBJ.html(PAYLOAD)", "n7", "$.html(x);",
				[]byte(`{"file":"pages/a.html","start_line":2,"start_column":0,"end_line":2,"end_column":10}`),
				[]string{"692", "html"},
				[]byte(`[{"name":"x","node_id":"n3","values":["#a"]}]`),
				[]string{"RD_WIN_LOC"}, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlFindingsByRun)).WithArgs(runID).WillReturnRows(rows)

		findings, err := s.GetFindingsByRunID(ctx, runID)
		require.NoError(t, err)
		require.Len(t, findings, 1)

		f := findings[0]
		assert.Equal(t, runID, f.RunID)
		assert.Equal(t, schemas.SeverityHigh, f.Severity)
		assert.Equal(t, schemas.Location{File: "pages/a.html", StartLine: 2, EndLine: 2, EndColumn: 10}, f.Location)
		assert.Equal(t, []string{"692", "html"}, f.Tags)
		assert.Equal(t, []schemas.PayloadVariable{{Name: "x", NodeID: "n3", Values: []string{"#a"}}}, f.PayloadVariables)
		assert.Equal(t, []schemas.SemanticType{schemas.SemanticWindowLocation}, f.SemanticTypes)
		assert.True(t, f.ObservedAt.Equal(now))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("query failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		queryErr := errors.New("relation does not exist")
		mockPool.ExpectQuery("SELECT").WithArgs("r").WillReturnError(queryErr)

		_, err := s.GetFindingsByRunID(ctx, "r")
		assert.ErrorIs(t, err, queryErr)
	})

	t.Run("bad location json", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		columns := []string{"id", "page", "poc_id", "library", "cve", "severity", "description", "template",
			"node_id", "statement", "location", "tags", "payload_variables", "semantic_types", "observed_at"}
		rows := pgxmock.NewRows(columns).
			AddRow("f-1", "p", "poc", "", "", "low", "", "t", "n1", "s",
				[]byte(`{not json`), []string{}, []byte(`[]`), []string{}, time.Now())
		mockPool.ExpectQuery("SELECT").WithArgs("r").WillReturnRows(rows)

		_, err := s.GetFindingsByRunID(ctx, "r")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode location of finding f-1")
	})
}
