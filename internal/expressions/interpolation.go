package expressions

import (
	"context"
	"fmt"
	"strings"
)

// Scope holds all data available for variable resolution during one firing.
type Scope struct {
	Trigger map[string]any // trigger payload
	Nodes   map[string]any // completed node outputs, keyed by ID and name
	Memory  map[string]any // execution key-value memory
	Resume  map[string]any // external data supplied on Resume
	Iter    *IterScope     // for-each iteration variables (nil outside a body)
}

// IterScope holds the scoped variables for a single for-each iteration.
type IterScope struct {
	Item  any
	Index int
}

// Env flattens the scope into an expression environment.
func (s *Scope) Env() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	env := map[string]any{
		"trigger": orEmpty(s.Trigger),
		"nodes":   orEmpty(s.Nodes),
		"memory":  orEmpty(s.Memory),
		"resume":  orEmpty(s.Resume),
	}
	if s.Iter != nil {
		env["item"] = s.Iter.Item
		env["index"] = s.Iter.Index
		env["iter"] = map[string]any{"item": s.Iter.Item, "index": s.Iter.Index}
	} else {
		env["iter"] = map[string]any{}
	}
	return env
}

// CELData shapes the scope for the CEL engine's activation variables.
func (s *Scope) CELData() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	data := map[string]any{
		"trigger": orEmpty(s.Trigger),
		"nodes":   orEmpty(s.Nodes),
		"memory":  orEmpty(s.Memory),
		"resume":  orEmpty(s.Resume),
	}
	if s.Iter != nil {
		data["iter"] = map[string]any{"item": s.Iter.Item, "index": s.Iter.Index}
	}
	return data
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

const (
	tokenOpen  = "${{"
	tokenClose = "}}"
)

// Interpolator resolves ${{ ... }} references in node configurations using
// the Expr engine against the firing scope.
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator backed by the given engine.
func NewInterpolator(engine *ExprEngine) *Interpolator {
	return &Interpolator{engine: engine}
}

// HasInterpolation reports whether a string contains a ${{ ... }} token.
func HasInterpolation(s string) bool {
	return strings.Contains(s, tokenOpen)
}

// ResolveConfig resolves every string value in a configuration map,
// recursing through nested maps and slices. Non-string values pass through
// untouched. The input map is never mutated.
func (in *Interpolator) ResolveConfig(ctx context.Context, cfg map[string]any, scope *Scope) (map[string]any, error) {
	if cfg == nil {
		return nil, nil
	}
	resolved, err := in.resolveValue(ctx, cfg, scope)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (in *Interpolator) resolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return in.ResolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			r, err := in.resolveValue(ctx, inner, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			r, err := in.resolveValue(ctx, inner, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves ${{ ... }} tokens in a string. A string that is a
// single token resolves to the expression's typed value; mixed content is
// stringified in place.
func (in *Interpolator) ResolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	if !HasInterpolation(s) {
		return s, nil
	}

	env := scope.Env()

	// Whole-string token: preserve the evaluated type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, tokenOpen) && strings.HasSuffix(trimmed, tokenClose) {
		inner := trimmed[len(tokenOpen) : len(trimmed)-len(tokenClose)]
		if !strings.Contains(inner, tokenOpen) {
			return in.engine.Evaluate(ctx, strings.TrimSpace(inner), env)
		}
	}

	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, tokenOpen)
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		rest = rest[open+len(tokenOpen):]

		close := strings.Index(rest, tokenClose)
		if close < 0 {
			// Unterminated token: keep literal.
			b.WriteString(tokenOpen)
			b.WriteString(rest)
			break
		}

		expr := strings.TrimSpace(rest[:close])
		rest = rest[close+len(tokenClose):]

		out, err := in.engine.Evaluate(ctx, expr, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(out))
	}
	return b.String(), nil
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
