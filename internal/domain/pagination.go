package domain

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Archive page sizes.
const (
	DefaultMaxResults = 100
	MaxMaxResults     = 1000
)

const pageTokenPrefix = "o:"

// PageRequest selects one page of an archive listing. PageToken is opaque
// to clients; it carries the offset of the first row.
type PageRequest struct {
	MaxResults int
	PageToken  string
}

// DecodePageToken returns the row offset in token. The empty token is the
// first page.
func DecodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, ErrValidation("invalid page_token")
	}
	digits, ok := strings.CutPrefix(string(raw), pageTokenPrefix)
	n, err := strconv.Atoi(digits)
	if !ok || err != nil || n < 0 {
		return 0, ErrValidation("invalid page_token")
	}
	return n, nil
}

// EncodePageToken is the inverse of DecodePageToken. Offset 0 encodes as "".
func EncodePageToken(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(pageTokenPrefix + strconv.Itoa(offset)))
}

// Offset is the decoded token; an undecodable token restarts at 0.
// Callers that must reject bad tokens use DecodePageToken first.
func (p PageRequest) Offset() int {
	n, _ := DecodePageToken(p.PageToken)
	return n
}

// Limit is MaxResults clamped to [1, MaxMaxResults], DefaultMaxResults when unset.
func (p PageRequest) Limit() int {
	if p.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return min(p.MaxResults, MaxMaxResults)
}

// Next returns the token of the following page, or "" once total rows
// have been covered.
func (p PageRequest) Next(total int64) string {
	end := p.Offset() + p.Limit()
	if int64(end) >= total {
		return ""
	}
	return EncodePageToken(end)
}
