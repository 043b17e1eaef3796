package results

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// Pipeline turns the stored findings of a run into a report.
type Pipeline struct {
	store  schemas.FindingStore
	logger *zap.Logger
}

// NewPipeline creates a new results processing pipeline.
func NewPipeline(store schemas.FindingStore, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		logger: logger.Named("results_pipeline"),
	}
}

// Report represents the aggregated findings of one run.
type Report struct {
	RunID    string            `json:"run_id"`
	Findings []schemas.Finding `json:"findings"`
	Summary  map[string]int    `json:"summary"`
}

// ProcessRun retrieves and prioritizes the findings of a run.
func (p *Pipeline) ProcessRun(ctx context.Context, runID string) (*Report, error) {
	findings, err := p.store.GetFindingsByRunID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load findings for run %s: %w", runID, err)
	}
	p.logger.Info("Retrieved findings", zap.String("run_id", runID), zap.Int("count", len(findings)))

	Prioritize(findings)
	return &Report{
		RunID:    runID,
		Findings: findings,
		Summary:  Summarize(findings),
	}, nil
}

var severityOrder = map[schemas.Severity]int{
	schemas.SeverityCritical: 1,
	schemas.SeverityHigh:     2,
	schemas.SeverityMedium:   3,
	schemas.SeverityLow:      4,
	schemas.SeverityInfo:     5,
}

func severityRank(s schemas.Severity) int {
	if r, ok := severityOrder[s]; ok {
		return r
	}
	return 99
}

// Prioritize sorts findings critical first, then by POC and page.
func Prioritize(findings []schemas.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if ra, rb := severityRank(a.Severity), severityRank(b.Severity); ra != rb {
			return ra < rb
		}
		if a.POCID != b.POCID {
			return a.POCID < b.POCID
		}
		return a.Page < b.Page
	})
}

// Summarize counts findings per severity plus a "total" entry.
func Summarize(findings []schemas.Finding) map[string]int {
	summary := map[string]int{"total": len(findings)}
	for _, f := range findings {
		summary[string(f.Severity)]++
	}
	return summary
}
