// Package merge deep-merges JSON-shaped values and reports whether the merge
// changed anything, so callers can skip no-op writes.
package merge

import (
	"encoding/json"
	"reflect"
)

// Maps merges incoming into a copy of existing. Nested maps are merged key by
// key; any other incoming value replaces the stored one when it differs.
// Nil incoming values are ignored. Neither argument is modified.
func Maps(existing, incoming map[string]any) (map[string]any, bool) {
	if len(incoming) == 0 {
		return existing, false
	}

	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}

	changed := false
	for k, in := range incoming {
		if in == nil {
			continue
		}
		cur, ok := out[k]
		if !ok {
			out[k] = in
			changed = true
			continue
		}
		merged, diff := Value(cur, in)
		if diff {
			out[k] = merged
			changed = true
		}
	}
	return out, changed
}

// Value merges a single incoming value over existing.
func Value(existing, incoming any) (any, bool) {
	if incoming == nil {
		return existing, false
	}
	curMap, curOK := existing.(map[string]any)
	inMap, inOK := incoming.(map[string]any)
	if curOK && inOK {
		return Maps(curMap, inMap)
	}
	if Equal(existing, incoming) {
		return existing, false
	}
	return incoming, true
}

// Equal compares two JSON-shaped values. Numbers compare by value regardless of
// their Go numeric type.
func Equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
