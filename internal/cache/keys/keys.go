// Package keys builds the Redis keys used by geosync.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/geosync/internal/core/model"
)

// Scope prefixes every cache key of one user in one project.
func Scope(project int64, userID string) string {
	return fmt.Sprintf("%d:%s", project, sanitizeForKey(strings.TrimSpace(userID)))
}

// Generation is the counter bumped whenever the scope's rows change.
func Generation(project int64, userID string) string {
	return "extentgen:" + Scope(project, userID)
}

// Extent keys one cached query result. The bbox is hashed with its exact
// float bits so distinct extents never share a key.
func Extent(q model.QueryRequest, userID string, gen int64) string {
	var b strings.Builder
	for _, v := range []float64{q.XMin, q.YMin, q.XMax, q.YMax} {
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		b.WriteByte(',')
	}
	b.WriteString(strconv.Itoa(q.SRID))
	sum := xxhash.Sum64String(b.String())
	return fmt.Sprintf("extent:%s:g%d:srid=%d:f=%016x", Scope(q.Project, userID), gen, q.SRID, sum)
}

// Refresh keys a refresh session by the sha256 of the token so raw tokens
// never reach Redis.
func Refresh(token string) string {
	h := sha256.Sum256([]byte(token))
	return "refresh:" + hex.EncodeToString(h[:])
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.' || r == '@':
			out = r
		default:
			// Any other rune (including ':' and non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
