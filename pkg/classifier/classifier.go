// Package classifier consumes ordered batches of commit events, evaluates
// the rule set against created posts and maintains the membership store.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/feedlens/feedlens/internal/store"
	"github.com/feedlens/feedlens/pkg/ruleset"
)

// Create is a post-creation event from the commit stream.
type Create struct {
	URI         string
	CID         string
	Author      string
	Text        string
	ReplyParent string
	ReplyRoot   string
	Langs       []string
}

// Batch is one ordered group of commit events plus the stream position to
// checkpoint once the batch is applied.
type Batch struct {
	Creates    []Create
	DeleteURIs []string
	Cursor     int64
}

// Classifier applies batches to the store.
type Classifier struct {
	store   store.Store
	rules   *ruleset.Snapshot
	service string
	log     *slog.Logger
	now     func() time.Time
}

// New creates a classifier. service names the checkpoint row this consumer
// advances.
func New(s store.Store, rules *ruleset.Snapshot, service string, log *slog.Logger) *Classifier {
	return &Classifier{
		store:   s,
		rules:   rules,
		service: service,
		log:     log,
		now:     time.Now,
	}
}

// ProcessBatch applies one batch: deletes first, then rule-matched inserts,
// then the checkpoint. Deletes must run before inserts so a uri deleted and
// re-created in the same batch is not resurrected out of order.
func (c *Classifier) ProcessBatch(ctx context.Context, b Batch) error {
	if err := c.store.DeletePosts(ctx, b.DeleteURIs); err != nil {
		return fmt.Errorf("apply deletes: %w", err)
	}

	indexedAt := store.FormatTime(c.now())

	var rows []store.Post
	for _, rule := range c.rules.Rules() {
		for _, ev := range b.Creates {
			if !rule.Matches(ruleset.Post{Author: ev.Author, Text: ev.Text, Langs: ev.Langs}) {
				continue
			}
			rows = append(rows, store.Post{
				URI:         ev.URI,
				CID:         ev.CID,
				ReplyParent: ev.ReplyParent,
				ReplyRoot:   ev.ReplyRoot,
				IndexedAt:   indexedAt,
				Author:      ev.Author,
				Text:        ev.Text,
				Feed:        rule.Feed,
				Metric:      store.MetricRule,
				Rating:      store.RatingUnrated,
				Explanation: "",
			})
		}
	}

	if err := c.store.CreatePosts(ctx, rows); err != nil {
		return fmt.Errorf("apply creates: %w", err)
	}

	if len(rows) > 0 {
		c.log.Debug("indexed posts", "count", len(rows), "deletes", len(b.DeleteURIs))
	}

	if b.Cursor > 0 {
		if err := c.store.SaveCursor(ctx, c.service, b.Cursor); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	return nil
}
