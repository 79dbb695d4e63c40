// Package feed serves keyset-paginated feed skeleton pages from the
// membership store.
package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/feedlens/feedlens/internal/store"
)

// ErrUnknownFeed is returned for feed ids that are not configured.
var ErrUnknownFeed = errors.New("unknown feed")

const (
	defaultLimit = 50
	maxLimit     = 100

	// DefaultThreshold is the minimum rating a row must exceed to be
	// served, unless the feed configures its own.
	DefaultThreshold = 4
)

// Config describes one servable feed.
type Config struct {
	ID        string
	Threshold float64
}

// Service answers feed skeleton queries.
type Service struct {
	store store.Store
	feeds map[string]Config
}

// NewService creates a Service for the given feeds.
func NewService(s store.Store, feeds []Config) *Service {
	m := make(map[string]Config, len(feeds))
	for _, f := range feeds {
		m[f.ID] = f
	}
	return &Service{store: s, feeds: m}
}

// Feeds returns the configured feed ids.
func (s *Service) Feeds() []string {
	ids := make([]string, 0, len(s.feeds))
	for id := range s.feeds {
		ids = append(ids, id)
	}
	return ids
}

// Query returns one page of the feed, newest first. cursor may be empty for
// the first page; a malformed cursor yields ErrMalformedCursor before any
// store access. The returned skeleton carries a cursor only when a full
// page was produced.
func (s *Service) Query(ctx context.Context, feedID, cursor string, limit int) (*Skeleton, error) {
	cfg, ok := s.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feedID)
	}

	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	opts := store.FeedPageOpts{
		Feed:      feedID,
		MinRating: cfg.Threshold,
		Limit:     limit,
	}

	if cursor != "" {
		t, cid, err := ParseCursor(cursor)
		if err != nil {
			return nil, err
		}
		opts.Before = pageKey(t, cid)
	}

	posts, err := s.store.FeedPage(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("query feed %s: %w", feedID, err)
	}

	skel := &Skeleton{Feed: make([]SkeletonItem, 0, len(posts))}
	for _, p := range posts {
		skel.Feed = append(skel.Feed, SkeletonItem{
			Post:   p.URI,
			Reason: NewReasonRating(p.Metric, p.Rating, p.Explanation),
		})
	}

	if len(posts) == limit {
		last := posts[len(posts)-1]
		t, err := store.ParseTime(last.IndexedAt)
		if err != nil {
			return nil, fmt.Errorf("bad indexed_at on %s: %w", last.URI, err)
		}
		skel.Cursor = FormatCursor(t, last.CID)
	}

	return skel, nil
}
