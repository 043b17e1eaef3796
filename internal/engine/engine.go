// Package engine runs the POC catalog over a set of pages. Each page is
// imported into its own graph store and analyzed by a worker; pages run
// concurrently up to the configured limit.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/static/javascript"
	"github.com/xkilldash9x/hpgscan/internal/catalog"
	"github.com/xkilldash9x/hpgscan/internal/config"
	"github.com/xkilldash9x/hpgscan/internal/hpg"
	"github.com/xkilldash9x/hpgscan/internal/results"
)

// -- Interfaces for Dependency Inversion --

// Importer builds the program graph of a page file.
type Importer interface {
	ImportFile(ctx context.Context, path string) (*hpg.Builder, javascript.Stats, error)
}

// PageStore is a graph store that can be loaded with a page graph.
type PageStore interface {
	schemas.GraphStore
	schemas.GraphWriter
}

// StoreFactory opens the graph store for one page.
type StoreFactory func(ctx context.Context, page string) (PageStore, error)

// MemoryStores gives every page a fresh in-process graph.
func MemoryStores(logger *zap.Logger) StoreFactory {
	return func(ctx context.Context, page string) (PageStore, error) {
		return hpg.NewMemoryGraph(logger), nil
	}
}

// PostgresStores stores every page graph in the database, keyed by page
// path. The schema must already exist.
func PostgresStores(pool hpg.DBPool, logger *zap.Logger) StoreFactory {
	return func(ctx context.Context, page string) (PageStore, error) {
		g, err := hpg.NewPostgresGraph(ctx, pool, page, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// PageError records a page that could not be analyzed.
type PageError struct {
	Page string `json:"page"`
	Err  string `json:"error"`
}

// Run is the outcome of one analysis run.
type Run struct {
	ID         string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Pages      int               `json:"pages"`
	Failed     []PageError       `json:"failed,omitempty"`
	Findings   []schemas.Finding `json:"findings"`
}

// Engine fans pages out to analysis workers.
type Engine struct {
	cfg      config.Interface
	logger   *zap.Logger
	importer Importer
	stores   StoreFactory
	catalog  *catalog.Catalog
	// findings is optional; when set, every run's findings are persisted.
	findings schemas.FindingStore
}

// New creates a new Engine. findings may be nil.
func New(
	cfg config.Interface,
	logger *zap.Logger,
	importer Importer,
	stores StoreFactory,
	cat *catalog.Catalog,
	findings schemas.FindingStore,
) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if importer == nil {
		return nil, errors.New("importer cannot be nil")
	}
	if stores == nil {
		return nil, errors.New("store factory cannot be nil")
	}
	if cat == nil {
		return nil, errors.New("catalog cannot be nil")
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "engine")),
		importer: importer,
		stores:   stores,
		catalog:  cat,
		findings: findings,
	}, nil
}

// Run analyzes pages with every catalog POC. A page that fails to import or
// load is recorded in Run.Failed and does not stop the others. When ctx is
// cancelled Run returns the findings gathered so far together with the
// context error.
func (e *Engine) Run(ctx context.Context, pages []string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Pages:     len(pages),
		Findings:  []schemas.Finding{},
	}
	logger := e.logger.With(zap.String("run_id", run.ID))

	concurrency := e.cfg.Engine().PageConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger.Info("Starting analysis run",
		zap.Int("pages", len(pages)),
		zap.Int("pocs", e.catalog.Len()),
		zap.Int("concurrency", concurrency),
	)

	dedup := results.NewDeduplicator()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, page := range pages {
		g.Go(func() error {
			w := &worker{engine: e, runID: run.ID, page: page, dedup: dedup,
				logger: logger.With(zap.String("page", page))}
			found, err := w.analyze(gctx)

			mu.Lock()
			defer mu.Unlock()
			run.Findings = append(run.Findings, found...)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				w.logger.Error("Page analysis failed", zap.Error(err))
				run.Failed = append(run.Failed, PageError{Page: page, Err: err.Error()})
			}
			return nil
		})
	}
	runErr := g.Wait()

	sortFindings(run.Findings)
	sort.Slice(run.Failed, func(i, j int) bool { return run.Failed[i].Page < run.Failed[j].Page })
	run.FinishedAt = time.Now().UTC()

	if runErr != nil {
		logger.Warn("Analysis run interrupted. Proceeding to save partial results.", zap.Error(runErr))
	}
	e.persist(run, logger)

	logger.Info("Analysis run finished",
		zap.Int("findings", len(run.Findings)),
		zap.Int("failed_pages", len(run.Failed)),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	)
	return run, runErr
}

// persist saves findings with its own deadline so partial results survive a
// cancelled run.
func (e *Engine) persist(run *Run, logger *zap.Logger) {
	if e.findings == nil || len(run.Findings) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.findings.PersistFindings(ctx, run.Findings); err != nil {
		logger.Error("Failed to persist findings", zap.Error(err))
		return
	}
	logger.Info("Successfully persisted findings.", zap.Int("count", len(run.Findings)))
}

// sortFindings orders findings by page, position and POC id.
func sortFindings(fs []schemas.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.Location.StartLine != b.Location.StartLine {
			return a.Location.StartLine < b.Location.StartLine
		}
		if a.Location.StartColumn != b.Location.StartColumn {
			return a.Location.StartColumn < b.Location.StartColumn
		}
		return a.POCID < b.POCID
	})
}
