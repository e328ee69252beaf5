// Package pagination implements keyset pages over (timestamp, id) ordered
// tables. Tokens are opaque base64 JSON.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

const (
	DefaultPageSize = 24
	MaxPageSize     = 250
)

// Pagination is bound from the page_token and page_size query parameters.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Size clamps the requested size into 1..MaxPageSize.
func (p Pagination) Size() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

// Cursor decodes PageToken. A blank token yields nil, nil.
func (p Pagination) Cursor() (*Cursor, error) {
	if strings.TrimSpace(p.PageToken) == "" {
		return nil, nil
	}
	return DecodeCursor(p.PageToken)
}

// Cursor is the last row of the previous page.
type Cursor struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(c Cursor) (string, error) {
	c.At = c.At.UTC()
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidPageToken
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.ID == "" || c.At.IsZero() {
		return nil, ErrInvalidPageToken
	}
	return &c, nil
}

// Page trims a limit+1 result set to limit rows and derives the next token
// from the last row kept.
func Page[T any](rows []*T, limit int, cursorOf func(*T) Cursor) ([]*T, *PageInfo) {
	if limit <= 0 || len(rows) <= limit {
		return rows, &PageInfo{}
	}
	rows = rows[:limit]
	token, err := EncodeCursor(cursorOf(rows[len(rows)-1]))
	if err != nil {
		return rows, &PageInfo{}
	}
	return rows, &PageInfo{HasMore: true, NextPageToken: token}
}
