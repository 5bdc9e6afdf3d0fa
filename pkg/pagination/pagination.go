package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=, clamping limit to (0, MaxLimit].
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

func (p Params) SQL() string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

func (p Params) HasNext(total int) bool { return p.Offset+p.Limit < total }

func (p Params) HasPrevious() bool { return p.Offset > 0 }

func (p Params) NextOffset() int { return p.Offset + p.Limit }

func (p Params) PreviousOffset() int {
	if prev := p.Offset - p.Limit; prev > 0 {
		return prev
	}
	return 0
}

// LinkHeader renders RFC 8288 next/prev links for u, keeping its other query
// parameters. It returns "" when there is no neighbouring page.
func (p Params) LinkHeader(u *url.URL, total int) string {
	var links []string
	if p.HasNext(total) {
		links = append(links, p.link(u, p.NextOffset(), "next"))
	}
	if p.HasPrevious() {
		links = append(links, p.link(u, p.PreviousOffset(), "prev"))
	}
	return strings.Join(links, ", ")
}

func (p Params) link(u *url.URL, offset int, rel string) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(offset))
	next := *u
	next.RawQuery = q.Encode()
	return fmt.Sprintf("<%s>; rel=%q", next.RequestURI(), rel)
}
