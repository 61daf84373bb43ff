package conflict

import (
	"github.com/roach88/studysync/internal/mutation"
)

// Merge writes local on top of a copy of server. Nested objects are merged
// key by key; every other local value replaces the server's. Fields only
// the server has are kept. Neither input is modified.
func Merge(server map[string]any, local mutation.Payload) mutation.Payload {
	out := mutation.ClonePayload(mutation.Payload(server))
	if out == nil {
		out = make(mutation.Payload, len(local))
	}
	overlay(out, mutation.ClonePayload(local))
	return out
}

func overlay(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := asMap(v)
		dstMap, dstIsMap := asMap(dst[k])
		if srcIsMap && dstIsMap {
			overlay(dstMap, srcMap)
			dst[k] = dstMap
			continue
		}
		dst[k] = v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case mutation.Payload:
		return m, true
	}
	return nil, false
}

// SoftDeleted reports whether a server record is marked deleted, either by
// a deleted flag or a non-empty deleted_at.
func SoftDeleted(record map[string]any) bool {
	if deleted, ok := record["deleted"].(bool); ok && deleted {
		return true
	}
	switch at := record["deleted_at"].(type) {
	case nil:
		return false
	case string:
		return at != ""
	default:
		return true
	}
}
