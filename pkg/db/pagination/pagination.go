package pagination

import (
	"encoding/base64"
	"encoding/json"
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=20"`
}

// Size is the normalised page size, between 1 and 250.
func (p Pagination) Size() int {
	switch {
	case p.Limit <= 0:
		return 20
	case p.Limit > 250:
		return 250
	default:
		return p.Limit
	}
}

type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.URLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// Trim cuts a result fetched with limit+1 rows down to limit and reports the
// cursor of the last row kept.
func Trim[T any](data []*T, limit int, cursorID func(*T) string) ([]*T, PageInfo) {
	if len(data) <= limit {
		return data, PageInfo{}
	}

	data = data[:limit]
	next, _ := EncodeCursor(Cursor{ID: cursorID(data[len(data)-1])})
	return data, PageInfo{NextCursor: next, HasMore: true}
}
