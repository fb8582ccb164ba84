package model

import (
	"fmt"
	"sort"
	"strings"
)

// FieldErrors collects validation messages keyed by the offending field.
// An empty map means the document validated cleanly.
type FieldErrors map[string][]string

// Add appends a message for field.
func (fe FieldErrors) Add(field, format string, args ...any) {
	fe[field] = append(fe[field], fmt.Sprintf(format, args...))
}

// Merge folds other's messages into fe under an optional prefix, so nested
// documents report paths like "requests.0.target.ra".
func (fe FieldErrors) Merge(prefix string, other FieldErrors) {
	for field, msgs := range other {
		key := field
		if prefix != "" {
			key = prefix + "." + field
		}
		fe[key] = append(fe[key], msgs...)
	}
}

// Empty reports whether no errors have been recorded.
func (fe FieldErrors) Empty() bool { return len(fe) == 0 }

// Error renders the map as a deterministic single-line summary.
func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "no validation errors"
	}
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(fe[f], "; ")))
	}
	return strings.Join(parts, ", ")
}
