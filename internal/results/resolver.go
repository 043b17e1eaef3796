package results

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
	"github.com/xkilldash9x/hpgscan/internal/analysis/scope"
	"github.com/xkilldash9x/hpgscan/internal/config"
)

var (
	// ErrResolveTimeout is returned when a sandboxed evaluation exceeds the
	// resolver timeout.
	ErrResolveTimeout = errors.New("value resolution timed out")
	errNoValue        = errors.New("expression has no concrete value")
)

// Resolution is the best-effort outcome of resolving one variable.
type Resolution struct {
	// Values are the concrete values the sandbox produced, deduplicated.
	Values []string
	// Slices are the reconstructed defining expressions, used for
	// reachability classification.
	Slices []string
}

// ValueResolver estimates the values a variable may hold by evaluating its
// reconstructed definitions in an isolated goja runtime.
type ValueResolver struct {
	store schemas.GraphStore
	scope *scope.Resolver
	cfg   config.ResolverConfig
	log   *zap.Logger
}

// NewValueResolver returns a resolver over store.
func NewValueResolver(store schemas.GraphStore, resolver *scope.Resolver, cfg config.ResolverConfig, logger *zap.Logger) *ValueResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValueResolver{store: store, scope: resolver, cfg: cfg, log: logger.Named("resolver")}
}

// Resolve looks up the definitions of name visible from stmt, searching the
// enclosing function first and then the whole page. Individual candidates
// that fail to evaluate are skipped; only cancellation is returned.
func (r *ValueResolver) Resolve(ctx context.Context, stmt schemas.ProgramNode, name string) (Resolution, error) {
	var res Resolution
	defs, err := r.definitions(ctx, stmt, name)
	if err != nil {
		return res, err
	}

	seen := make(map[string]bool)
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		tree, err := r.store.GetSubtree(ctx, def.ID, 0)
		if err != nil {
			r.log.Debug("Cannot fetch definition", zap.String("node_id", def.ID), zap.Error(err))
			continue
		}
		code := reconstruct.Code(tree)
		res.Slices = append(res.Slices, code)

		value, err := r.Evaluate(ctx, code)
		if err != nil {
			r.log.Debug("Candidate not evaluated", zap.String("variable", name), zap.String("code", code), zap.Error(err))
			continue
		}
		if !seen[value] {
			seen[value] = true
			res.Values = append(res.Values, value)
		}
	}
	return res, nil
}

// definitions returns the right-hand sides bound to name, local scope first.
func (r *ValueResolver) definitions(ctx context.Context, stmt schemas.ProgramNode, name string) ([]schemas.ProgramNode, error) {
	scopes := []string{""}
	if fn, err := r.scope.ScopeOf(ctx, stmt); err == nil && fn.Type.IsFunction() {
		scopes = []string{fn.ID, ""}
	}

	limit := r.cfg.MaxCandidates
	seen := make(map[string]bool)
	var out []schemas.ProgramNode
	for _, scopeID := range scopes {
		candidates, err := r.store.FindByCodeOrValue(ctx, name, scopeID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Debug("Definition lookup failed", zap.String("variable", name), zap.Error(err))
			continue
		}
		for _, c := range candidates {
			if c.Type != schemas.NodeIdentifier {
				continue
			}
			def := r.definitionOf(ctx, c)
			if def == nil || seen[def.ID] {
				continue
			}
			seen[def.ID] = true
			out = append(out, *def)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (r *ValueResolver) definitionOf(ctx context.Context, ident schemas.ProgramNode) *schemas.ProgramNode {
	parent, err := r.store.GetParent(ctx, ident.ID)
	if err != nil || parent == nil {
		return nil
	}
	var rel string
	switch {
	case parent.Node.Type == schemas.NodeVariableDeclarator && parent.Relation == schemas.RelID:
		rel = schemas.RelInit
	case parent.Node.Type == schemas.NodeAssignmentExpression && parent.Relation == schemas.RelLeft:
		rel = schemas.RelRight
	default:
		return nil
	}
	def, err := r.store.GetChildByRelation(ctx, parent.Node.ID, rel)
	if err != nil {
		return nil
	}
	return def
}

// Evaluate runs one expression in a fresh runtime and returns its string
// value. The runtime is interrupted when the resolver timeout or ctx
// expires.
func (r *ValueResolver) Evaluate(ctx context.Context, code string) (string, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ErrResolveTimeout)
	})
	defer stop()

	v, err := vm.RunString("(" + code + "\n)")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", ctx.Err()
			}
			return "", ErrResolveTimeout
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return "", fmt.Errorf("javascript exception: %s", exception.Value().String())
		}
		return "", fmt.Errorf("javascript error: %w", err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", errNoValue
	}
	if _, isFunc := goja.AssertFunction(v); isFunc {
		return "", errNoValue
	}
	return v.String(), nil
}
