package recipe

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Context is the heterogeneous, JSON-like value map the executor threads
// through a recipe run. Values may be scalars, []interface{}, or
// map[string]interface{} (recursively).
type Context map[string]interface{}

// Clone returns a shallow copy: top-level keys are copied into a new map,
// but nested maps/slices are shared with the original. This is exactly
// what a parallel foreach iteration needs — its own place to overlay the
// loop variable without mutating the parent, while not paying for a deep
// copy of the whole context on every iteration.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Resolve walks a dotted path (e.g. "user.name.first") against the context.
// It returns a TemplateError naming the missing key and its siblings when a
// segment is absent, or a TemplateError hinting at an upstream JSON-parse
// failure when a segment navigates into a non-map value.
func Resolve(ctx Context, path string) (interface{}, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, &TemplateError{Path: path, Reason: "empty path"}
	}

	var cur interface{} = map[string]interface{}(ctx)
	var walked string
	for i, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if cm, ok2 := cur.(Context); ok2 {
				m = map[string]interface{}(cm)
				ok = true
			}
		}
		if !ok {
			return nil, &TemplateError{
				Path:   path,
				Reason: fmt.Sprintf("%q is not a map (got %T); an upstream step may have failed to produce structured output", walked, cur),
			}
		}
		v, present := m[seg]
		if !present {
			return nil, &TemplateError{
				Path:     path,
				Reason:   fmt.Sprintf("undefined key %q", seg),
				Siblings: siblingsOf(m),
			}
		}
		cur = v
		if i == 0 {
			walked = seg
		} else {
			walked = walked + "." + seg
		}
	}
	return cur, nil
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

func siblingsOf(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// skippedStepsKey is an internal bookkeeping key, not part of the public
// context surface: its underscore prefix excludes it from the non-underscore
// context keys a result summary reports (§6).
const skippedStepsKey = "_skipped_steps"

// MarkSkipped records that a step's guard condition was false or its
// foreach resolved to an empty list, appending its id to the internal
// skipped-steps bookkeeping list.
func MarkSkipped(ctx Context, stepID string) {
	existing, _ := ctx[skippedStepsKey].([]interface{})
	ctx[skippedStepsKey] = append(existing, stepID)
}

// SkippedSteps returns the ids of steps marked skipped so far.
func SkippedSteps(ctx Context) []string {
	raw, _ := ctx[skippedStepsKey].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StringValue renders a resolved value the way template substitution does:
// scalars become their natural string form, maps/lists become canonical
// (deterministically key-sorted) JSON.
func StringValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("canonical json: %w", err)
		}
		return string(b), nil
	}
}
