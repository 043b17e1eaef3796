package taint

import (
	"context"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/reconstruct"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// handleCallDefinition binds the tainted actual argument of call to the
// matching formal parameter of every function the call reaches, and seeds
// the parameter.
func (e *Engine) handleCallDefinition(ctx context.Context, call, arg schemas.ProgramNode, argIndex int, state *State, q *workQueue) {
	targets, err := e.callTargets(ctx, call, state)
	if err != nil {
		e.log.Debug("Call target query failed", zap.String("call_id", call.ID), zap.Error(err))
		return
	}
	if len(targets) == 0 {
		return
	}

	argName := e.argumentName(ctx, arg)
	for _, t := range targets {
		values := e.callValues(call, t, state)
		idx := matchArgument(values, argName)
		if idx < 0 {
			idx = argIndex
		}

		params := t.Params
		if e.cfg.ReverseShortCallParams && t.Definition.Type == schemas.NodeFunctionDeclaration && len(values) < len(params) {
			params = reversed(params)
		}
		if idx < 0 || idx >= len(params) {
			e.log.Debug("No parameter for argument position",
				zap.String("call_id", call.ID), zap.String("function_id", t.Definition.ID), zap.Int("index", idx))
			continue
		}

		param := params[idx]
		if param.Type != schemas.NodeIdentifier {
			e.log.Info("Unsupported parameter form, argument not bound",
				zap.String("function_id", t.Definition.ID),
				zap.String("param_type", string(param.Type)),
				zap.Int("index", idx))
			continue
		}
		q.pushTag(param)
	}
}

func (e *Engine) callTargets(ctx context.Context, call schemas.ProgramNode, state *State) ([]schemas.CallTarget, error) {
	if cached, ok := state.Cache.CallTargets[call.ID]; ok {
		return cached, nil
	}
	targets, err := e.store.GetCallTargets(ctx, call.ID)
	if err != nil {
		return nil, err
	}
	state.Cache.CallTargets[call.ID] = targets
	return targets, nil
}

// callValues decodes a CG edge's argument map. Malformed maps decode empty.
func (e *Engine) callValues(call schemas.ProgramNode, t schemas.CallTarget, state *State) map[int]string {
	key := call.ID + ">" + t.Definition.ID
	if cached, ok := state.Cache.CallValues[key]; ok {
		return cached
	}
	values := decodeArguments(t.Arguments)
	if values == nil {
		e.log.Debug("Malformed call argument map", zap.String("call_id", call.ID), zap.String("arguments", t.Arguments))
		values = map[int]string{}
	}
	state.Cache.CallValues[key] = values
	return values
}

func decodeArguments(raw string) map[int]string {
	if raw == "" {
		return map[int]string{}
	}
	var byKey map[string]string
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
		return nil
	}
	out := make(map[int]string, len(byKey))
	for k, v := range byKey {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			continue
		}
		out[i] = v
	}
	return out
}

// matchArgument returns the argument index whose recorded name equals name
// or is a dotted prefix of it (or the reverse). It returns -1 when nothing
// matches. Exact matches win over prefix matches.
func matchArgument(values map[int]string, name string) int {
	if name == "" {
		return -1
	}
	exact, prefix := -1, -1
	for i, v := range values {
		switch {
		case v == name:
			if exact < 0 || i < exact {
				exact = i
			}
		case strings.HasPrefix(v, name+".") || strings.HasPrefix(name, v+"."):
			if prefix < 0 || i < prefix {
				prefix = i
			}
		}
	}
	if exact >= 0 {
		return exact
	}
	return prefix
}

func (e *Engine) argumentName(ctx context.Context, arg schemas.ProgramNode) string {
	switch arg.Type {
	case schemas.NodeIdentifier:
		return arg.Code
	case schemas.NodeThisExpression:
		return reconstruct.ThisIdentifier
	}
	tree, err := e.store.GetSubtree(ctx, arg.ID, nameDepth)
	if err != nil {
		return ""
	}
	return reconstruct.Code(tree)
}

func reversed(params []schemas.ProgramNode) []schemas.ProgramNode {
	out := make([]schemas.ProgramNode, len(params))
	for i, p := range params {
		out[len(params)-1-i] = p
	}
	return out
}
