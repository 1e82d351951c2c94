// Package template implements the engine's {{var.path}} substitution
// language and its boolean guard-condition evaluator.
package template

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// placeholderRe matches {{identifier(.identifier)*}}, the only template
// shape the engine recognizes. Grounded on the teacher's single-identifier
// `{{(\w+)}}` prompt-variable regex, extended here to dotted paths.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}\}`)

// Substitute replaces every {{var.path}} placeholder in text with its
// resolved value from ctx. Scalars are rendered as their natural string
// form; maps and lists are rendered as canonical JSON. The first
// unresolvable placeholder aborts substitution with a *recipe.TemplateError.
func Substitute(ctx recipe.Context, text string) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := placeholderRe.FindStringSubmatch(match)
		path := sub[1]
		val, err := recipe.Resolve(ctx, path)
		if err != nil {
			firstErr = err
			return match
		}
		s, err := recipe.StringValue(val)
		if err != nil {
			firstErr = err
			return match
		}
		return s
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// SubstituteValue recursively substitutes templates inside an arbitrary
// JSON-like value: strings are run through Substitute, map and slice
// values are walked depth-first. This is what sub-context construction
// uses to resolve a step's declared sub-context map against the parent
// context before handing it to the child recipe.
func SubstituteValue(ctx recipe.Context, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return Substitute(ctx, t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			rv, err := SubstituteValue(ctx, vv)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case recipe.Context:
		return SubstituteValue(ctx, map[string]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			rv, err := SubstituteValue(ctx, vv)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Eval compiles and evaluates an arbitrary expr-lang expression against ctx,
// returning its raw result. Used by the loop runner to resolve a foreach
// clause's expr into the list to iterate, since that expression can be a
// bare context path ("items") or a richer expr-lang expression (a filter,
// a map literal) and both compile the same way.
func Eval(ctx recipe.Context, exprText string) (interface{}, error) {
	program, err := expr.Compile(exprText, expr.Env(map[string]interface{}(ctx)))
	if err != nil {
		return nil, err
	}
	return expr.Run(program, map[string]interface{}(ctx))
}

// EvalCondition compiles and evaluates a minimal boolean expression
// (literals, variable references, comparisons, and/or/not) against ctx.
// Backed by expr-lang/expr, whose grammar is a strict superset of what the
// spec requires. Any compile or evaluation failure is wrapped in a
// *recipe.ConditionError attributed to stepID.
func EvalCondition(ctx recipe.Context, stepID, exprText string) (bool, error) {
	program, err := expr.Compile(exprText, expr.Env(map[string]interface{}(ctx)), expr.AsBool())
	if err != nil {
		return false, &recipe.ConditionError{StepID: stepID, Expr: exprText, Cause: err}
	}
	out, err := expr.Run(program, map[string]interface{}(ctx))
	if err != nil {
		return false, &recipe.ConditionError{StepID: stepID, Expr: exprText, Cause: err}
	}
	b, ok := out.(bool)
	if !ok {
		return false, &recipe.ConditionError{StepID: stepID, Expr: exprText, Cause: fmt.Errorf("condition did not evaluate to a boolean (got %T)", out)}
	}
	return b, nil
}
