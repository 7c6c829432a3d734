package automation

import (
	"strconv"
	"strings"
)

const (
	templatePrefix = "{{"
	templateSuffix = "}}"

	rootPayload  = "payload"
	rootMetadata = "metadata"
)

// ResolveTemplate builds a step input from a template and a signal.
//
// Top-level string values of the form "{{ payload.user.id }}" are replaced by
// the value found at that path in the signal; the first segment selects
// either the payload or the metadata. Paths that cannot be walked resolve to
// nil. Any other value is copied through as a literal.
//
// The template and the signal are never modified.
func ResolveTemplate(template map[string]any, sig Signal) map[string]any {
	out := make(map[string]any, len(template))
	for key, value := range template {
		s, ok := value.(string)
		if !ok {
			out[key] = deepCopyValue(value)
			continue
		}
		path, isRef := templatePath(s)
		if !isRef {
			out[key] = s
			continue
		}
		out[key] = deepCopyValue(lookupPath(path, sig))
	}
	return out
}

// templatePath returns the trimmed inner path when s is a "{{ ... }}" reference.
func templatePath(s string) (string, bool) {
	if !strings.HasPrefix(s, templatePrefix) || !strings.HasSuffix(s, templateSuffix) {
		return "", false
	}
	if len(s) < len(templatePrefix)+len(templateSuffix) {
		return "", false
	}
	inner := s[len(templatePrefix) : len(s)-len(templateSuffix)]
	return strings.TrimSpace(inner), true
}

func lookupPath(path string, sig Signal) any {
	segments := strings.Split(path, ".")

	var current any
	switch segments[0] {
	case rootPayload:
		current = sig.Payload
	case rootMetadata:
		current = sig.Metadata
	default:
		return nil
	}

	for _, segment := range segments[1:] {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}

	// A bare root ("{{ payload }}") yields a typed nil map when absent.
	if m, ok := current.(map[string]any); ok && m == nil {
		return nil
	}
	return current
}
