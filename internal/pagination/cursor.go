// Package pagination implements opaque keyset cursors over (timestamp, id)
// for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor marks the last row of a page. The next page holds rows strictly
// older than (At, ID).
type Cursor struct {
	At time.Time
	ID string
}

// String encodes the cursor for use in a query string.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.At.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Before reports whether a row keyed (at, id) sorts strictly before c in
// newest-first order, i.e. belongs on a later page.
func (c Cursor) Before(at time.Time, id string) bool {
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id < c.ID
}

// Parse decodes a cursor. An empty string yields nil.
func Parse(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items   []T
	Next    string
	HasMore bool
}

// Slice trims items, fetched with limit+1, to limit and derives the cursor
// for the following page from the last kept item.
func Slice[T any](items []T, limit int, key func(T) Cursor) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	return Page[T]{Items: items, Next: key(items[len(items)-1]).String(), HasMore: true}
}
