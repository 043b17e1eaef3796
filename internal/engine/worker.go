package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/scope"
	"github.com/xkilldash9x/hpgscan/internal/analysis/taint"
	"github.com/xkilldash9x/hpgscan/internal/catalog"
	"github.com/xkilldash9x/hpgscan/internal/results"
)

// worker analyzes a single page. The scope resolver, page cache and
// matching state it creates never outlive the page.
type worker struct {
	engine *Engine
	runID  string
	page   string
	dedup  *results.Deduplicator
	logger *zap.Logger
}

func (w *worker) analyze(ctx context.Context) ([]schemas.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, stats, err := w.engine.importer.ImportFile(ctx, w.page)
	if err != nil {
		return nil, fmt.Errorf("import failed: %w", err)
	}
	if stats.SyntaxErrors > 0 {
		w.logger.Warn("Page imported with syntax errors", zap.Int("scripts", stats.SyntaxErrors))
	}

	store, err := w.engine.stores(ctx, w.page)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	if err := b.WriteTo(ctx, store); err != nil {
		return nil, fmt.Errorf("failed to load page graph: %w", err)
	}
	w.logger.Debug("Page graph loaded", zap.Int("nodes", stats.Nodes), zap.Int("pdg_edges", stats.PDGEdges), zap.Int("cg_edges", stats.CGEdges))

	cfg := w.engine.cfg
	resolver := scope.NewResolver(store, w.logger)
	matcher := taint.NewEngine(store, resolver, cfg.Engine(), w.logger)
	var values *results.ValueResolver
	if cfg.Resolver().Enabled {
		values = results.NewValueResolver(store, resolver, cfg.Resolver(), w.logger)
	}
	assembler := results.NewAssembler(store, values, w.dedup, w.runID, w.page, w.logger)
	state := taint.NewState()

	var findings []schemas.Finding
	for _, p := range w.engine.catalog.POCs {
		res, err := w.match(ctx, p, matcher, state)
		if err != nil {
			return findings, err
		}
		if res == nil || !res.Matched() {
			continue
		}
		found := assembler.Assemble(ctx, meta(p), res)
		if len(found) > 0 {
			w.logger.Info("POC matched", zap.String("poc_id", p.ID), zap.Int("findings", len(found)))
		}
		findings = append(findings, found...)
	}
	return findings, nil
}

// match runs one POC under its own deadline. A POC that runs out of time or
// loses a graph query is treated as not matching. Cancellation of the page
// context and contract violations fail the page.
func (w *worker) match(ctx context.Context, p catalog.POC, matcher *taint.Engine, state *taint.State) (*taint.Result, error) {
	pocCtx, cancel := context.WithTimeout(ctx, w.engine.cfg.Engine().POCTimeout)
	defer cancel()

	res, err := matcher.MatchPOC(pocCtx, p.Template, state)
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, taint.ErrContractViolation):
		return nil, fmt.Errorf("poc %s: %w", p.ID, err)
	case errors.Is(err, context.DeadlineExceeded):
		w.logger.Info("POC timed out; no match", zap.String("poc_id", p.ID), zap.Duration("timeout", w.engine.cfg.Engine().POCTimeout))
		return nil, nil
	default:
		w.logger.Warn("POC matching failed", zap.String("poc_id", p.ID), zap.Error(err))
		return nil, nil
	}
}

func meta(p catalog.POC) results.POCMeta {
	return results.POCMeta{
		ID:          p.ID,
		Library:     p.Library,
		CVE:         p.CVE,
		Severity:    p.Severity,
		Description: p.Description,
	}
}
