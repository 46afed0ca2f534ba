// Package redact implements the audit-payload redaction decorator
// (spec.md §4.7): it walks a payload tree and replaces values at
// configured field-name or dotted-path matches with a placeholder.
// Grounded on the teacher's privacy.PrivacyManager field-scanning
// approach, generalized from a fixed restricted-key list to a
// caller-configured path/name set.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// Redactor walks a payload and replaces matched field values.
type Redactor struct {
	// fieldNames match any map key regardless of its position in the
	// tree (case-insensitive).
	fieldNames map[string]struct{}
	// dottedPaths match only the exact path from the root, e.g.
	// "customer.ssn" (case-insensitive, '.'-joined).
	dottedPaths map[string]struct{}
}

// New constructs a Redactor from configured field names and dotted
// paths. Both are lower-cased for case-insensitive matching.
func New(fieldNames, dottedPaths []string) *Redactor {
	r := &Redactor{
		fieldNames:  make(map[string]struct{}, len(fieldNames)),
		dottedPaths: make(map[string]struct{}, len(dottedPaths)),
	}
	for _, f := range fieldNames {
		r.fieldNames[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range dottedPaths {
		r.dottedPaths[strings.ToLower(p)] = struct{}{}
	}
	return r
}

// Redact returns a redacted copy of payload; the input is not mutated.
func (r *Redactor) Redact(payload map[string]interface{}) map[string]interface{} {
	return r.walk(payload, nil).(map[string]interface{})
}

func (r *Redactor) walk(v interface{}, path []string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			childPath := append(append([]string(nil), path...), k)
			if r.matches(k, childPath) {
				out[k] = placeholder
				continue
			}
			out[k] = r.walk(val, childPath)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.walk(val, path)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) matches(key string, path []string) bool {
	if _, ok := r.fieldNames[strings.ToLower(key)]; ok {
		return true
	}
	dotted := strings.ToLower(strings.Join(path, "."))
	_, ok := r.dottedPaths[dotted]
	return ok
}
