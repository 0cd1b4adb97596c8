package saga

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Placeholders look like {order_id} or {context.order_id}; both resolve
// against the saga context.
var placeholderRe = regexp.MustCompile(`\{(?:context\.)?([A-Za-z0-9_.\-]+)\}`)

// interpolateVariables resolves every placeholder in vars against the saga
// context and returns a new map; vars is never mutated. A missing context
// key is a definition-level mistake and reported as a permanent error by
// the executor.
func interpolateVariables(vars map[string]any, context map[string]any) (map[string]any, error) {
	if vars == nil {
		return nil, nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		resolved, err := interpolateValue(v, context)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func interpolateValue(v any, context map[string]any) (any, error) {
	switch tv := v.(type) {
	case string:
		return interpolateString(tv, context)
	case map[string]any:
		return interpolateVariables(tv, context)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			resolved, err := interpolateValue(item, context)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func interpolateString(s string, context map[string]any) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A value that is exactly one placeholder keeps the referenced value's
	// type; anything else renders into the surrounding string.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		key := s[matches[0][2]:matches[0][3]]
		val, ok := context[key]
		if !ok {
			return nil, errors.Join(ErrInterpolation, fmt.Errorf("context key %q not set", key))
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		key := s[m[2]:m[3]]
		val, ok := context[key]
		if !ok {
			return nil, errors.Join(ErrInterpolation, fmt.Errorf("context key %q not set", key))
		}
		b.WriteString(s[last:m[0]])
		fmt.Fprintf(&b, "%v", val)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
