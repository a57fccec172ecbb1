package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

// NormalizePageSize clamps size to [1, MaxPageSize], falling back to the default.
func NormalizePageSize(size int32) int32 {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidPageToken
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, ErrInvalidPageToken
	}

	return &cursor, nil
}

// EncodeSeqCursor builds a page token positioned after seq.
func EncodeSeqCursor(seq int64) (string, error) {
	return EncodeCursor(Cursor{ID: strconv.FormatInt(seq, 10)})
}

// DecodeSeqCursor returns the seq a page token points after. An empty token
// starts from the beginning.
func DecodeSeqCursor(token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return -1, nil
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(cursor.ID, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidPageToken
	}
	return seq, nil
}

// BuildCursorPageInfo expects data fetched with limit+1 rows and returns the
// page trimmed to limit with its page info.
func BuildCursorPageInfo[T any](data []T, limit int32, extractCursor func(T) string) ([]T, PageInfo) {
	if len(data) == 0 {
		return data, PageInfo{HasMore: false}
	}

	hasMore := false
	if len(data) > int(limit) {
		hasMore = true
		data = data[:limit]
	}

	info := PageInfo{HasMore: hasMore}
	if hasMore {
		info.NextPageToken = extractCursor(data[len(data)-1])
	}
	return data, info
}
