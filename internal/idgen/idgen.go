// Package idgen generates identifiers for assessments and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns 32 hex characters from a version 7 UUID. IDs made later sort
// after earlier ones, which keeps (evaluated_at, id) cursors stable when two
// assessments share a timestamp.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// WithPrefix returns prefix followed by New, e.g. "risk_0190b5...".
func WithPrefix(prefix string) string {
	return prefix + New()
}
