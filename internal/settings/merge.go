// Package settings implements the effective-settings model: a defaults tree,
// site overrides, deep merge, override diffing, schema validation, and the
// curated safer-settings fallback patch.
package settings

// Merge deep-merges patch onto base and returns a new tree. For each key in
// the patch, if both sides are non-nil map values the merge recurses;
// otherwise the patch value replaces the base value. Arrays replace
// wholesale. Neither input is mutated.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = deepCopyValue(v)
	}
	for k, pv := range patch {
		bv, exists := out[k]
		if exists {
			bm, bok := bv.(map[string]any)
			pm, pok := pv.(map[string]any)
			if bok && pok {
				out[k] = Merge(bm, pm)
				continue
			}
		}
		out[k] = deepCopyValue(pv)
	}
	return out
}

// Resolve computes the effective settings tree from defaults and overrides.
func Resolve(defaults, overrides map[string]any) map[string]any {
	return Merge(defaults, overrides)
}

// Diff walks defaults and effective in parallel and returns the sparse
// subtree of paths whose effective leaf differs from the default. Keys
// present only in effective (unknown/forward-compat keys) are included.
func Diff(defaults, effective map[string]any) map[string]any {
	out := map[string]any{}
	for k, ev := range effective {
		dv, exists := defaults[k]
		if !exists {
			out[k] = deepCopyValue(ev)
			continue
		}
		dm, dok := dv.(map[string]any)
		em, eok := ev.(map[string]any)
		if dok && eok {
			sub := Diff(dm, em)
			if len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if !leafEqual(dv, ev) {
			out[k] = deepCopyValue(ev)
		}
	}
	return out
}

// OverrideCount returns the number of leaves in a sparse diff tree.
func OverrideCount(diff map[string]any) int {
	n := 0
	for _, v := range diff {
		if m, ok := v.(map[string]any); ok {
			n += OverrideCount(m)
			continue
		}
		n++
	}
	return n
}

// leafEqual compares two leaf values. Numeric kinds are normalized so that a
// YAML int and a JSON float of the same value compare equal. String lists
// compare element-wise.
func leafEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !leafEqual(av[i], bv[i]) {
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
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, vv := range tv {
			out[k] = deepCopyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, vv := range tv {
			out[i] = deepCopyValue(vv)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	default:
		return v
	}
}

// Lookup walks a dotted path through a tree and returns the value if present.
func Lookup(tree map[string]any, path ...string) (any, bool) {
	cur := tree
	for i, seg := range path {
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = m
	}
	return nil, false
}

// Bool returns the boolean at path, or fallback when absent or mistyped.
func Bool(tree map[string]any, fallback bool, path ...string) bool {
	v, ok := Lookup(tree, path...)
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

// Int returns the integer at path, accepting any numeric leaf kind.
func Int(tree map[string]any, fallback int, path ...string) int {
	v, ok := Lookup(tree, path...)
	if !ok {
		return fallback
	}
	f, ok := asFloat(v)
	if !ok {
		return fallback
	}
	return int(f)
}

// Float returns the float at path, accepting any numeric leaf kind.
func Float(tree map[string]any, fallback float64, path ...string) float64 {
	v, ok := Lookup(tree, path...)
	if !ok {
		return fallback
	}
	f, ok := asFloat(v)
	if !ok {
		return fallback
	}
	return f
}

// String returns the string at path, or fallback.
func String(tree map[string]any, fallback string, path ...string) string {
	v, ok := Lookup(tree, path...)
	if !ok {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	return s
}

// Strings returns the string list at path. Both []string and []any of
// strings are accepted since JSON decoding produces the latter.
func Strings(tree map[string]any, path ...string) []string {
	v, ok := Lookup(tree, path...)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Ints returns the integer list at path.
func Ints(tree map[string]any, path ...string) []int {
	v, ok := Lookup(tree, path...)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []int:
		out := make([]int, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]int, 0, len(list))
		for _, e := range list {
			if f, ok := asFloat(e); ok {
				out = append(out, int(f))
			}
		}
		return out
	default:
		return nil
	}
}
