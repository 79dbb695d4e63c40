package feed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/feedlens/feedlens/internal/store"
)

// ErrMalformedCursor is returned when a pagination cursor does not decode
// to a (timestamp, cid) pair. It is a request error: the store is never
// touched.
var ErrMalformedCursor = errors.New("malformed cursor")

const cursorSep = "::"

// FormatCursor encodes a page anchor as "<epochMillis>::<cid>".
func FormatCursor(indexedAt time.Time, cid string) string {
	return fmt.Sprintf("%d%s%s", indexedAt.UnixMilli(), cursorSep, cid)
}

// ParseCursor decodes a cursor produced by FormatCursor. Both segments must
// be present and the first must be an integer millisecond timestamp.
func ParseCursor(cursor string) (time.Time, string, error) {
	timePart, cid, ok := strings.Cut(cursor, cursorSep)
	if !ok || timePart == "" || cid == "" {
		return time.Time{}, "", ErrMalformedCursor
	}

	millis, err := strconv.ParseInt(timePart, 10, 64)
	if err != nil {
		return time.Time{}, "", ErrMalformedCursor
	}

	return time.UnixMilli(millis).UTC(), cid, nil
}

// pageKey converts a parsed cursor into the store's keyset anchor.
func pageKey(indexedAt time.Time, cid string) *store.PageKey {
	return &store.PageKey{
		IndexedAt: store.FormatTime(indexedAt),
		CID:       cid,
	}
}
