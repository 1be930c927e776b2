// Package pagination implements keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page. The next page holds rows strictly
// older than it, with ID breaking ties between equal timestamps.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of a cursor.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input means the first page and
// yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// After reports whether a row at (createdAt, id) belongs on a page that
// follows c. A nil cursor admits every row.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Page trims items fetched with limit+1 rows down to limit and returns
// the cursor for the next page, or "" when there is none.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string) {
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id)
}
