// Package rater upgrades rule-matched membership rows with model-derived
// quality scores and tracks the usage cost of each scoring call.
package rater

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedlens/feedlens/internal/store"
)

// Usage is the token cost reported by one scoring call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ScoreRequest is the structured input to a scoring call.
type ScoreRequest struct {
	SystemPrompt string
	UserText     string
}

// ScoreResult is the structured output of a scoring call. A response
// without a parseable rating comes back as Rating 0.
type ScoreResult struct {
	Rating      float64
	Explanation string
	Usage       Usage
}

// Scorer performs one scoring call against the external model.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error)
}

// TextFetcher resolves a post's current text when it was not stored at
// ingestion time.
type TextFetcher interface {
	PostText(ctx context.Context, uri, cid string) (string, error)
}

// Target configures scoring for one feed.
type Target struct {
	Feed         string
	CallsPerTick int
	Audience     string
	Trait        string
}

// MetricLabel is the metric written to rows scored for this target. Rows
// carrying it are never selected for scoring again.
func (t Target) MetricLabel() string {
	return fmt.Sprintf("%s for %s", t.Trait, t.Audience)
}

// Rater scores unrated rows on each tick, target by target, with a bounded
// worker pool so one slow or failing row cannot stall the rest.
type Rater struct {
	store       store.Store
	scorer      Scorer
	fetcher     TextFetcher
	targets     []Target
	concurrency int
	log         *slog.Logger
	now         func() time.Time

	running atomic.Bool
}

// New creates a Rater.
func New(s store.Store, scorer Scorer, fetcher TextFetcher, targets []Target, concurrency int, log *slog.Logger) *Rater {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Rater{
		store:       s,
		scorer:      scorer,
		fetcher:     fetcher,
		targets:     targets,
		concurrency: concurrency,
		log:         log,
		now:         time.Now,
	}
}

// Run executes one scoring tick. If a previous tick is still active the
// call is skipped so at most one run is in flight.
func (r *Rater) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Warn("rating tick skipped, previous run still active")
		return nil
	}
	defer r.running.Store(false)

	for _, t := range r.targets {
		if err := r.runTarget(ctx, t); err != nil {
			r.log.Error("rating target failed", "feed", t.Feed, "error", err)
		}
	}
	return nil
}

func (r *Rater) runTarget(ctx context.Context, t Target) error {
	limit := t.CallsPerTick
	if limit <= 0 {
		limit = 1
	}

	rows, err := r.store.ListUnrated(ctx, t.Feed, limit)
	if err != nil {
		return fmt.Errorf("select unrated: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	jobs := make(chan store.Post, len(rows))
	var wg sync.WaitGroup

	workers := r.concurrency
	if workers > len(rows) {
		workers = len(rows)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				r.rateOne(ctx, t, row)
			}
		}()
	}

	for _, row := range rows {
		jobs <- row
	}
	close(jobs)
	wg.Wait()

	return nil
}

// rateOne processes a single row. A row whose text cannot be resolved is
// marked unscorable (rating 0) and never retried; a failed scoring call
// leaves the row untouched so the next tick retries it.
func (r *Rater) rateOne(ctx context.Context, t Target, row store.Post) {
	text := row.Text
	if text == "" && r.fetcher != nil {
		fetched, err := r.fetcher.PostText(ctx, row.URI, row.CID)
		if err != nil {
			r.log.Warn("post text lookup failed", "uri", row.URI, "error", err)
		} else {
			text = fetched
		}
	}

	if text == "" {
		if err := r.store.SetRating(ctx, row.URI, row.Feed, t.MetricLabel(), 0, ""); err != nil {
			r.log.Error("mark unscorable failed", "uri", row.URI, "error", err)
		}
		return
	}

	res, err := r.scorer.Score(ctx, ScoreRequest{
		SystemPrompt: systemPrompt(t.Audience, t.Trait),
		UserText:     userPrompt(text),
	})
	if err != nil {
		// Transient: the row keeps metric "rule" and is retried next tick.
		r.log.Warn("scoring call failed", "uri", row.URI, "error", err)
		return
	}

	if err := r.store.SetRating(ctx, row.URI, row.Feed, t.MetricLabel(), res.Rating, res.Explanation); err != nil {
		r.log.Error("store rating failed", "uri", row.URI, "error", err)
		return
	}

	usage := store.Usage{
		URI:              row.URI,
		CID:              row.CID,
		IndexedAt:        store.FormatTime(r.now()),
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
	}
	if err := r.store.AddUsage(ctx, usage); err != nil {
		r.log.Error("store usage failed", "uri", row.URI, "error", err)
	}
}

func systemPrompt(audience, trait string) string {
	return fmt.Sprintf(
		"Your task is to filter %s posts for %s."+
			" Please rate the given post on a scale of 1 to 10 for %s,"+
			" where 1 represents %q and 10 represents %q.",
		trait, audience, audience,
		fmt.Sprintf("Not %s at all", trait), fmt.Sprintf("Very %s", trait))
}

func userPrompt(text string) string {
	return fmt.Sprintf("Rate this post: \n\n```\n%s\n```", text)
}
