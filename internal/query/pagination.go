package query

import (
	"net/url"
	"strconv"
	"strings"
)

// ページネーションの既定値と上限。
const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100

	// maxPage はオフセット計算が桁あふれしないためのページ番号上限。
	maxPage = 1 << 24
)

// Page は検証済みのページ指定。
type Page struct {
	Number int
	Limit  int
}

// Offset は (Number-1)*Limit を返す。
func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}

// ParsePage はpage・limitクエリパラメータを解析する。
// 不正値はエラーにせず既定値へ丸める。
//   - page: 未指定・非数値・1未満は1
//   - limit: 未指定・非数値・0以下は20、100を超える場合は100
func ParsePage(values url.Values) Page {
	page := atoiOr(values.Get("page"), DefaultPage)
	if page < 1 {
		page = DefaultPage
	}
	if page > maxPage {
		page = maxPage
	}

	limit := atoiOr(values.Get("limit"), DefaultLimit)
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	return Page{Number: page, Limit: limit}
}

func atoiOr(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Envelope は一覧レスポンスのページネーション付きラッパー。
type Envelope[T any] struct {
	Data       []T `json:"data"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewEnvelope はデータページと総件数からEnvelopeを生成する。
// totalPages は ceil(total/limit)、totalが0の場合は0。
func NewEnvelope[T any](data []T, page Page, total int) Envelope[T] {
	if data == nil {
		data = []T{}
	}
	return Envelope[T]{
		Data:       data,
		Page:       page.Number,
		Limit:      page.Limit,
		Total:      total,
		TotalPages: TotalPages(total, page.Limit),
	}
}

// TotalPages は ceil(total/limit) を返す。
func TotalPages(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
