package webhook

import "strings"

// Transform maps an inbound payload onto the shape described by rules, where
// each rule is outputField -> dotted source path. A nil or empty rule set
// passes the payload through unchanged. Fields whose path cannot be resolved
// are simply absent from the output.
func Transform(payload map[string]any, rules map[string]string) map[string]any {
	if len(rules) == 0 {
		return payload
	}
	out := make(map[string]any, len(rules))
	for field, path := range rules {
		if v, ok := resolvePath(payload, path); ok {
			out[field] = v
		}
	}
	return out
}

// resolvePath walks a dotted path through a decoded JSON tree. Missing or
// non-object intermediates yield (nil, false) rather than an error.
func resolvePath(v any, path string) (any, bool) {
	current := v
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
