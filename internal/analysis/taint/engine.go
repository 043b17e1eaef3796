// Package taint matches flattened POC templates against a page's program
// graph by seeding tags at matching leaves and propagating them along AST,
// data-dependence and call edges until some statement carries every tag.
package taint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/poc"
	"github.com/xkilldash9x/hpgscan/internal/analysis/scope"
	"github.com/xkilldash9x/hpgscan/internal/config"
)

var (
	// ErrContractViolation marks an internal defect, such as a placeholder
	// reaching content verification.
	ErrContractViolation = errors.New("taint engine contract violation")
	// ErrSeedQuery is returned when the graph store fails a leaf lookup. The
	// POC is abandoned for this page.
	ErrSeedQuery = errors.New("leaf seeding query failed")
)

// RootMatch is a statement that instantiates the full POC pattern.
type RootMatch struct {
	Node schemas.ProgramNode
	// Identifiers is the POC's leaf-code set.
	Identifiers []string
}

// LevelInfo reports what one MatchPOC run did.
type LevelInfo struct {
	Levels int
	// LeafMatches counts verified graph matches per leaf code.
	LeafMatches    map[string]int
	ShortCircuited []string
	TagCalls       int
	Climbs         int
	ReturnLinks    int
	// Truncated is set when an iteration budget cut propagation short.
	Truncated bool
}

// Result is the outcome of matching one POC against one page.
type Result struct {
	Template *poc.Template
	Roots    []RootMatch
	Info     LevelInfo
}

// Matched reports whether at least one root match was found.
func (r *Result) Matched() bool {
	return r != nil && len(r.Roots) > 0
}

// Engine runs POC templates against one page graph.
type Engine struct {
	store schemas.GraphStore
	scope *scope.Resolver
	cfg   config.EngineConfig
	log   *zap.Logger
}

// NewEngine returns an Engine over store. The scope resolver must wrap the
// same store.
func NewEngine(store schemas.GraphStore, resolver *scope.Resolver, cfg config.EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store: store,
		scope: resolver,
		cfg:   cfg,
		log:   logger.Named("taint"),
	}
}

// MatchPOC searches the page for statements carrying every leaf of tpl.
// Per-POC state is reset on entry, so a run cut short by ctx leaves no trace
// in the next one. A leaf with no match ends the run with an empty result.
func (e *Engine) MatchPOC(ctx context.Context, tpl *poc.Template, state *State) (*Result, error) {
	if tpl == nil || state == nil || state.Cache == nil {
		return nil, fmt.Errorf("%w: template, state and page cache are required", ErrContractViolation)
	}
	state.reset(tpl.Fullset)
	res := &Result{Template: tpl, Info: LevelInfo{LeafMatches: make(map[string]int)}}
	if len(tpl.Fullset) == 0 {
		e.log.Debug("Template has no searchable leaves", zap.String("template", tpl.Source))
		return res, nil
	}

	for depth, level := range tpl.SearchOrder {
		res.Info.Levels = depth + 1
		for _, id := range level {
			c := tpl.Construct(id)
			if c == nil || !c.IsLeaf() || poc.IsPlaceholder(c.Code) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}

			matches, err := e.seed(ctx, c, state)
			if err != nil {
				return res, err
			}
			res.Info.LeafMatches[c.Code] = len(matches)
			if len(matches) == 0 {
				e.log.Debug("Leaf not present in page, abandoning template",
					zap.String("template", tpl.Source), zap.String("leaf", c.Code))
				return res, nil
			}

			if len(matches) > e.cfg.CodeMatchingCutoff {
				res.Info.ShortCircuited = append(res.Info.ShortCircuited, c.Code)
				e.log.Debug("Leaf exceeds matching cutoff, tagging statements directly",
					zap.String("leaf", c.Code), zap.Int("matches", len(matches)))
				for _, m := range matches {
					if err := e.bareTag(ctx, m, c.Code, state); err != nil {
						return res, err
					}
				}
				continue
			}

			for _, m := range matches {
				if err := e.propagate(ctx, m, c.Code, state, &res.Info); err != nil {
					return res, err
				}
			}
		}
	}

	res.Roots = e.collect(tpl, state)
	return res, nil
}

func patternKey(c *poc.Construct) string {
	return string(c.Type) + ":" + c.Code
}

// seed returns the verified graph matches of a leaf construct, consulting
// the page cache first.
func (e *Engine) seed(ctx context.Context, c *poc.Construct, state *State) ([]schemas.ProgramNode, error) {
	key := patternKey(c)
	if cached, ok := state.Cache.Patterns[key]; ok {
		return cached, nil
	}

	candidates, err := e.store.FindByCodeOrValue(ctx, c.Code, "")
	if err != nil {
		return nil, fmt.Errorf("%w: leaf '%s': %v", ErrSeedQuery, c.Code, err)
	}
	matches := make([]schemas.ProgramNode, 0, len(candidates))
	for _, n := range candidates {
		ok, err := verifyLeaf(c, n)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, n)
		}
	}
	state.Cache.Patterns[key] = matches
	return matches, nil
}

// verifyLeaf checks a candidate's type and, for literals, its value.
func verifyLeaf(c *poc.Construct, n schemas.ProgramNode) (bool, error) {
	if poc.IsPlaceholder(c.Code) {
		return false, fmt.Errorf("%w: placeholder '%s' reached content verification", ErrContractViolation, c.Code)
	}
	switch c.Type {
	case schemas.NodeIdentifier:
		return n.Type == schemas.NodeIdentifier && n.Code == c.Code, nil
	case schemas.NodeLiteral:
		return n.Type == schemas.NodeLiteral && n.Value == c.Code, nil
	}
	return false, fmt.Errorf("%w: leaf construct %s has type %s", ErrContractViolation, c.ID, c.Type)
}

// bareTag records tag at the match's statement without propagating it.
func (e *Engine) bareTag(ctx context.Context, n schemas.ProgramNode, tag string, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	top, err := e.scope.Topmost(ctx, n)
	if err != nil {
		e.log.Debug("Skipping match with unresolved statement", zap.String("node_id", n.ID), zap.Error(err))
		return nil
	}
	if state.visit(top.ID, tag) {
		state.record(top, tag)
		e.annotate(ctx, top, tag)
	}
	return nil
}

func (e *Engine) annotate(ctx context.Context, n schemas.ProgramNode, tag string) {
	if !e.cfg.AnnotateTags {
		return
	}
	if err := e.store.AnnotateTags(ctx, n.ID, []string{tag}); err != nil {
		e.log.Debug("Tag annotation failed", zap.String("node_id", n.ID), zap.Error(err))
	}
}

// collect extracts root matches and clears the root set.
func (e *Engine) collect(tpl *poc.Template, state *State) []RootMatch {
	ranked := state.intersections()
	if len(ranked) == 0 {
		return nil
	}

	identifiers := append([]string(nil), tpl.Fullset...)
	var out []RootMatch
	if len(state.roots) > 0 {
		for _, s := range ranked {
			if _, ok := state.roots[s.id]; ok {
				out = append(out, RootMatch{Node: state.contexts[s.id], Identifiers: identifiers})
			}
		}
		state.roots = make(map[string]struct{})
		return out
	}

	best := len(ranked[0].tags)
	if best != len(tpl.Fullset) {
		return nil
	}
	for _, s := range ranked {
		if len(s.tags) != best {
			break
		}
		out = append(out, RootMatch{Node: state.contexts[s.id], Identifiers: identifiers})
	}
	return out
}
