package mutation

import "strings"

// TempRefKey is the single key of a temporary reference object in a payload.
const TempRefKey = "$temp"

// TempRef returns the payload form of a reference to a temporary id.
func TempRef(id ID) map[string]any {
	return map[string]any{TempRefKey: id.String()}
}

// AsTempRef reports whether v is a temporary reference and returns its id.
func AsTempRef(v any) (ID, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		if p, isPayload := v.(Payload); isPayload {
			m = p
		} else {
			return ID{}, false
		}
	}
	if len(m) != 1 {
		return ID{}, false
	}
	local, ok := m[TempRefKey].(string)
	if !ok || local == "" {
		return ID{}, false
	}
	return Temporary(local), true
}

// TagTempRefs rewrites, in place, every bare temporary id held by an
// identifier field ("id", "*_id", or a "*_ids" list) into a TempRef, so the
// reference is tracked and rewritten like any other. Other strings are left
// alone even when they start with the temp prefix.
func TagTempRefs(p Payload) Payload {
	tagMap(p)
	return p
}

func tagMap(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			if isIDField(k) && LooksTemporary(val) {
				m[k] = TempRef(Temporary(val))
			}
		case map[string]any:
			tagMap(val)
		case Payload:
			tagMap(val)
		case []any:
			for i, elem := range val {
				switch e := elem.(type) {
				case string:
					if isIDListField(k) && LooksTemporary(e) {
						val[i] = TempRef(Temporary(e))
					}
				case map[string]any:
					tagMap(e)
				}
			}
		}
	}
}

func isIDField(k string) bool { return k == "id" || strings.HasSuffix(k, "_id") }

func isIDListField(k string) bool { return k == "ids" || strings.HasSuffix(k, "_ids") }

// TempRefs returns every temporary id referenced anywhere in p, in first
// occurrence order without duplicates. Map iteration order is not stable,
// so callers that need determinism should sort.
func TempRefs(p Payload) []ID {
	seen := make(map[string]bool)
	var out []ID
	var walk func(v any)
	walk = func(v any) {
		if id, ok := AsTempRef(v); ok {
			if !seen[id.String()] {
				seen[id.String()] = true
				out = append(out, id)
			}
			return
		}
		switch val := v.(type) {
		case map[string]any:
			for _, elem := range val {
				walk(elem)
			}
		case Payload:
			for _, elem := range val {
				walk(elem)
			}
		case []any:
			for _, elem := range val {
				walk(elem)
			}
		}
	}
	walk(map[string]any(p))
	return out
}

// ReplaceTempRef returns v with every reference to temp replaced by the
// real identifier string. Containers are rebuilt only along paths that
// changed; the second return value reports whether anything changed.
func ReplaceTempRef(v any, temp, resolved ID) (any, bool) {
	if id, ok := AsTempRef(v); ok {
		if id == temp {
			return resolved.String(), true
		}
		return v, false
	}
	switch val := v.(type) {
	case Payload:
		out, changed := ReplaceTempRef(map[string]any(val), temp, resolved)
		if !changed {
			return val, false
		}
		return Payload(out.(map[string]any)), true
	case map[string]any:
		var out map[string]any
		for k, elem := range val {
			repl, changed := ReplaceTempRef(elem, temp, resolved)
			if !changed {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(val))
				for k2, v2 := range val {
					out[k2] = v2
				}
			}
			out[k] = repl
		}
		if out == nil {
			return val, false
		}
		return out, true
	case []any:
		var out []any
		for i, elem := range val {
			repl, changed := ReplaceTempRef(elem, temp, resolved)
			if !changed {
				continue
			}
			if out == nil {
				out = make([]any, len(val))
				copy(out, val)
			}
			out[i] = repl
		}
		if out == nil {
			return val, false
		}
		return out, true
	default:
		return v, false
	}
}
