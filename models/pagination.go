package models

import (
	"encoding/base64"
	"errors"
	"strconv"

	"gorm.io/gorm"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var ErrInvalidCursor = errors.New("invalid cursor")

type PageInfo struct {
	StartCursor string `json:"startCursor"`
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// Identifier is implemented by rows paged newest first by primary key.
type Identifier interface {
	GetId() int
}

type Edge[N Identifier] struct {
	Node   *N     `json:"node"`
	Cursor string `json:"cursor"`
}

func (inv Invoice) GetId() int { return inv.ID }
func (d Draw) GetId() int      { return d.ID }

func EncodeCursor(id int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(id)))
}

// DecodeCursor returns 0 for an empty cursor.
func DecodeCursor(cursor *string) (int, error) {
	if cursor == nil || *cursor == "" {
		return 0, nil
	}
	b, err := base64.StdEncoding.DecodeString(*cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.Atoi(string(b))
	if err != nil || id <= 0 {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// ClampPageSize falls back to DefaultPageSize and caps at MaxPageSize.
func ClampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// FetchPage reads one page after the cursor, id descending. dbCtx carries
// the caller's filters.
func FetchPage[T Identifier](dbCtx *gorm.DB, limit int, after *string) ([]Edge[T], *PageInfo, error) {
	limit = ClampPageSize(limit)
	afterId, err := DecodeCursor(after)
	if err != nil {
		return nil, nil, err
	}
	if afterId > 0 {
		dbCtx = dbCtx.Where("id < ?", afterId)
	}

	nodes := make([]*T, 0, limit+1)
	if err := dbCtx.Order("id DESC").Limit(limit + 1).Find(&nodes).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := &PageInfo{HasNextPage: len(nodes) > limit}
	if pageInfo.HasNextPage {
		nodes = nodes[:limit]
	}
	edges := make([]Edge[T], 0, len(nodes))
	for _, node := range nodes {
		edges = append(edges, Edge[T]{Node: node, Cursor: EncodeCursor((*node).GetId())})
	}
	if len(edges) > 0 {
		pageInfo.StartCursor = edges[0].Cursor
		pageInfo.EndCursor = edges[len(edges)-1].Cursor
	}
	return edges, pageInfo, nil
}
