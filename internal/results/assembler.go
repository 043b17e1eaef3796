// Package results turns taint root matches into finding records: it
// reconstructs the matched statement, finds the variables feeding the POC's
// payload slot, estimates their values and classifies where they come from.
package results

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
	"github.com/xkilldash9x/hpgscan/internal/analysis/taint"
)

// POCMeta is the catalog metadata attached to every finding of a POC.
type POCMeta struct {
	ID          string
	Library     string
	CVE         string
	Severity    schemas.Severity
	Description string
}

// Deduplicator remembers finding keys across the pages of one run. It is
// safe for concurrent use.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduplicator returns an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Key identifies a finding by page, POC, statement and tag set.
func Key(f schemas.Finding) string {
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)
	return f.Page + "\x00" + f.POCID + "\x00" + f.NodeID + "\x00" + strings.Join(tags, ",")
}

// Add records f and reports whether it was not seen before.
func (d *Deduplicator) Add(f schemas.Finding) bool {
	k := Key(f)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = struct{}{}
	return true
}

// Assembler builds findings for one page.
type Assembler struct {
	store  schemas.GraphStore
	values *ValueResolver
	dedup  *Deduplicator
	runID  string
	page   string
	log    *zap.Logger
	now    func() time.Time
}

// NewAssembler returns an Assembler for page. values may be nil, in which
// case no values are resolved.
func NewAssembler(store schemas.GraphStore, values *ValueResolver, dedup *Deduplicator, runID, page string, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedup == nil {
		dedup = NewDeduplicator()
	}
	return &Assembler{
		store:  store,
		values: values,
		dedup:  dedup,
		runID:  runID,
		page:   page,
		log:    logger.Named("results"),
		now:    time.Now,
	}
}

// Assemble converts the root matches of res into findings. A failure while
// enriching one match degrades that finding and never drops the others.
func (a *Assembler) Assemble(ctx context.Context, meta POCMeta, res *taint.Result) []schemas.Finding {
	if !res.Matched() {
		return nil
	}
	var out []schemas.Finding
	for _, root := range res.Roots {
		f := schemas.Finding{
			RunID:       a.runID,
			Page:        a.page,
			POCID:       meta.ID,
			Library:     meta.Library,
			CVE:         meta.CVE,
			Severity:    meta.Severity,
			Description: meta.Description,
			Template:    res.Template.Source,
			NodeID:      root.Node.ID,
			Location:    root.Node.Location,
			Tags:        append([]string(nil), root.Identifiers...),
		}
		if !a.dedup.Add(f) {
			a.log.Debug("Duplicate finding skipped", zap.String("poc_id", meta.ID), zap.String("node_id", root.Node.ID))
			continue
		}

		slices := a.enrich(ctx, res, root, &f)
		f.SemanticTypes = Classify(slices...)
		f.ID = uuid.NewString()
		f.ObservedAt = a.now().UTC()
		out = append(out, f)
	}
	return out
}

// enrich fills the statement and payload variables and returns the code
// slices to classify.
func (a *Assembler) enrich(ctx context.Context, res *taint.Result, root taint.RootMatch, f *schemas.Finding) []string {
	tree, err := a.store.GetSubtree(ctx, root.Node.ID, 0)
	if err != nil {
		a.log.Warn("Cannot reconstruct matched statement", zap.String("node_id", root.Node.ID), zap.Error(err))
		return nil
	}
	f.Statement = reconstruct.Code(tree)
	slices := []string{f.Statement}

	f.PayloadVariables = PayloadVariables(res.Template, tree)
	if a.values == nil {
		return slices
	}
	for i := range f.PayloadVariables {
		pv := &f.PayloadVariables[i]
		resolution, err := a.values.Resolve(ctx, root.Node, pv.Name)
		if err != nil {
			a.log.Debug("Value resolution stopped", zap.String("variable", pv.Name), zap.Error(err))
			continue
		}
		pv.Values = resolution.Values
		slices = append(slices, resolution.Slices...)
	}
	return slices
}
