package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/feedlens/feedlens/internal/store/migrations"
)

// TimeLayout is the canonical timestamp encoding for the post and llm_usage
// tables. Fixed-width UTC with millisecond precision, so lexicographic
// comparison of stored values matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime encodes t in the store's canonical timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a timestamp previously written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// DedupPolicy controls how many feeds a single post may belong to.
type DedupPolicy string

const (
	// DedupSingleFeed keeps at most one row per uri store-wide; the first
	// feed to claim a post wins and later claims are silently dropped.
	DedupSingleFeed DedupPolicy = "single"
	// DedupMultiFeed keeps one row per (uri, feed) pair, so a post may
	// appear in every feed whose rule it matches.
	DedupMultiFeed DedupPolicy = "multi"
)

// MetricRule marks a row that matched a rule but has not been scored yet.
const MetricRule = "rule"

// RatingUnrated is the rating sentinel for rows not yet scored.
// 0 is reserved for rows that could not be scored at all.
const RatingUnrated = -1

// Post is one feed-membership row.
type Post struct {
	URI         string  `db:"uri"`
	CID         string  `db:"cid"`
	ReplyParent string  `db:"reply_parent"`
	ReplyRoot   string  `db:"reply_root"`
	IndexedAt   string  `db:"indexed_at"`
	Author      string  `db:"author"`
	Text        string  `db:"text"`
	Feed        string  `db:"feed"`
	Metric      string  `db:"metric"`
	Rating      float64 `db:"rating"`
	Explanation string  `db:"explanation"`
}

// Usage is one append-only scoring-cost record.
type Usage struct {
	URI              string `db:"uri"`
	CID              string `db:"cid"`
	IndexedAt        string `db:"indexed_at"`
	PromptTokens     int    `db:"prompt_tokens"`
	CompletionTokens int    `db:"completion_tokens"`
	TotalTokens      int    `db:"total_tokens"`
}

// UsageSummary aggregates the scoring-cost ledger: how many calls were
// recorded and what they cost in tokens.
type UsageSummary struct {
	Calls            int `db:"calls"`
	PromptTokens     int `db:"prompt_tokens"`
	CompletionTokens int `db:"completion_tokens"`
	TotalTokens      int `db:"total_tokens"`
}

// RuleRow is the persisted form of a classification rule, one per feed.
// The set-valued fields are stored as JSON arrays.
type RuleRow struct {
	Feed               string   `db:"feed"`
	IncludeAuthors     []string `db:"-"`
	ExcludeAuthors     []string `db:"-"`
	IncludePattern     string   `db:"include_pattern"`
	ExcludePattern     string   `db:"exclude_pattern"`
	IncludeLangs       []string `db:"-"`
	ExcludeLangs       []string `db:"-"`
	IncludeAuthorsJSON string   `db:"include_authors"`
	ExcludeAuthorsJSON string   `db:"exclude_authors"`
	IncludeLangsJSON   string   `db:"include_langs"`
	ExcludeLangsJSON   string   `db:"exclude_langs"`
}

// PageKey is a keyset-pagination anchor: the sort key of the last row of
// the previous page.
type PageKey struct {
	IndexedAt string
	CID       string
}

// FeedPageOpts controls a feed page query.
type FeedPageOpts struct {
	Feed      string
	MinRating float64
	Before    *PageKey
	Limit     int
}

// Store is the persistence interface.
type Store interface {
	CreatePosts(ctx context.Context, posts []Post) error
	DeletePosts(ctx context.Context, uris []string) error
	FeedPage(ctx context.Context, opts FeedPageOpts) ([]Post, error)
	ListUnrated(ctx context.Context, feed string, limit int) ([]Post, error)
	SetRating(ctx context.Context, uri, feed, metric string, rating float64, explanation string) error

	AddUsage(ctx context.Context, u Usage) error
	UsageTotal(ctx context.Context) (UsageSummary, error)

	GetCursor(ctx context.Context, service string) (int64, bool, error)
	SaveCursor(ctx context.Context, service string, cursor int64) error

	UpsertRule(ctx context.Context, r RuleRow) error
	ListRules(ctx context.Context) ([]RuleRow, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sqlx.DB
	policy DedupPolicy
}

// New opens a SQLite database, runs migrations and returns the store.
func New(path string, policy DedupPolicy) (*SQLiteStore, error) {
	if policy == "" {
		policy = DedupSingleFeed
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// One connection keeps writers serialized and makes :memory: databases
	// behave as a single database across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	return &SQLiteStore{db: db, policy: policy}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreatePosts inserts membership rows in order, ignoring rows whose key is
// already present. Under DedupSingleFeed a uri that exists under any feed
// blocks later inserts of the same uri; under DedupMultiFeed only the
// (uri, feed) pair must be new.
func (s *SQLiteStore) CreatePosts(ctx context.Context, posts []Post) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i := range posts {
		p := &posts[i]
		if s.policy == DedupSingleFeed {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO post (uri, cid, reply_parent, reply_root, indexed_at, author, text, feed, metric, rating, explanation)
				SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
				WHERE NOT EXISTS (SELECT 1 FROM post WHERE uri = ?)
			`, p.URI, p.CID, p.ReplyParent, p.ReplyRoot, p.IndexedAt,
				p.Author, p.Text, p.Feed, p.Metric, p.Rating, p.Explanation, p.URI)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO post (uri, cid, reply_parent, reply_root, indexed_at, author, text, feed, metric, rating, explanation)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(uri, feed) DO NOTHING
			`, p.URI, p.CID, p.ReplyParent, p.ReplyRoot, p.IndexedAt,
				p.Author, p.Text, p.Feed, p.Metric, p.Rating, p.Explanation)
		}
		if err != nil {
			return fmt.Errorf("insert post %s: %w", p.URI, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit posts: %w", err)
	}
	return nil
}

// DeletePosts removes rows by uri, regardless of which feed owns them.
func (s *SQLiteStore) DeletePosts(ctx context.Context, uris []string) error {
	if len(uris) == 0 {
		return nil
	}

	query, args, err := sqlx.In("DELETE FROM post WHERE uri IN (?)", uris)
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	return nil
}

// FeedPage returns one page of a feed, newest first, tie-broken by cid
// descending. When Before is set only rows strictly older than the anchor
// (or equal time with smaller cid) are returned.
func (s *SQLiteStore) FeedPage(ctx context.Context, opts FeedPageOpts) ([]Post, error) {
	query := "SELECT * FROM post WHERE feed = ? AND rating > ?"
	args := []any{opts.Feed, opts.MinRating}

	if opts.Before != nil {
		query += " AND (indexed_at < ? OR (indexed_at = ? AND cid < ?))"
		args = append(args, opts.Before.IndexedAt, opts.Before.IndexedAt, opts.Before.CID)
	}

	query += " ORDER BY indexed_at DESC, cid DESC LIMIT ?"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	var posts []Post
	if err := s.db.SelectContext(ctx, &posts, query, args...); err != nil {
		return nil, fmt.Errorf("feed page %s: %w", opts.Feed, err)
	}
	return posts, nil
}

// ListUnrated returns up to limit rule-matched rows of a feed that have not
// been scored yet, newest first.
func (s *SQLiteStore) ListUnrated(ctx context.Context, feed string, limit int) ([]Post, error) {
	var posts []Post
	err := s.db.SelectContext(ctx, &posts, `
		SELECT * FROM post
		WHERE feed = ? AND metric = ?
		ORDER BY indexed_at DESC, cid DESC
		LIMIT ?
	`, feed, MetricRule, limit)
	if err != nil {
		return nil, fmt.Errorf("list unrated %s: %w", feed, err)
	}
	return posts, nil
}

// SetRating updates the scoring fields of a single membership row.
func (s *SQLiteStore) SetRating(ctx context.Context, uri, feed, metric string, rating float64, explanation string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE post SET metric = ?, rating = ?, explanation = ?
		WHERE uri = ? AND feed = ?
	`, metric, rating, explanation, uri, feed)
	if err != nil {
		return fmt.Errorf("set rating %s: %w", uri, err)
	}
	return nil
}

// AddUsage records the scoring cost for a uri. Duplicate writes are no-ops.
func (s *SQLiteStore) AddUsage(ctx context.Context, u Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_usage (uri, cid, indexed_at, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO NOTHING
	`, u.URI, u.CID, u.IndexedAt, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	if err != nil {
		return fmt.Errorf("add usage %s: %w", u.URI, err)
	}
	return nil
}

// UsageTotal aggregates the whole llm_usage ledger.
func (s *SQLiteStore) UsageTotal(ctx context.Context) (UsageSummary, error) {
	var sum UsageSummary
	err := s.db.GetContext(ctx, &sum, `
		SELECT COUNT(*) AS calls,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens
		FROM llm_usage
	`)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("usage total: %w", err)
	}
	return sum, nil
}

// GetCursor returns the stored stream position for a service, with a flag
// reporting whether a checkpoint exists at all.
func (s *SQLiteStore) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	var cursor int64
	err := s.db.GetContext(ctx, &cursor, "SELECT cursor FROM sub_state WHERE service = ?", service)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor %s: %w", service, err)
	}
	return cursor, true, nil
}

// SaveCursor upserts the stream position for a service.
func (s *SQLiteStore) SaveCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_state (service, cursor) VALUES (?, ?)
		ON CONFLICT(service) DO UPDATE SET cursor = excluded.cursor
	`, service, cursor)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", service, err)
	}
	return nil
}

// UpsertRule writes a classification rule, replacing any existing rule for
// the same feed.
func (s *SQLiteStore) UpsertRule(ctx context.Context, r RuleRow) error {
	incAuthors, _ := json.Marshal(emptyIfNil(r.IncludeAuthors))
	excAuthors, _ := json.Marshal(emptyIfNil(r.ExcludeAuthors))
	incLangs, _ := json.Marshal(emptyIfNil(r.IncludeLangs))
	excLangs, _ := json.Marshal(emptyIfNil(r.ExcludeLangs))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule (feed, include_authors, exclude_authors, include_pattern, exclude_pattern, include_langs, exclude_langs)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed) DO UPDATE SET
			include_authors = excluded.include_authors,
			exclude_authors = excluded.exclude_authors,
			include_pattern = excluded.include_pattern,
			exclude_pattern = excluded.exclude_pattern,
			include_langs = excluded.include_langs,
			exclude_langs = excluded.exclude_langs
	`, r.Feed, string(incAuthors), string(excAuthors),
		r.IncludePattern, r.ExcludePattern, string(incLangs), string(excLangs))
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.Feed, err)
	}
	return nil
}

// ListRules returns all rules ordered by feed id, so evaluation order is
// deterministic across restarts.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]RuleRow, error) {
	var rules []RuleRow
	if err := s.db.SelectContext(ctx, &rules, "SELECT * FROM rule ORDER BY feed"); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	for i := range rules {
		r := &rules[i]
		cols := []struct {
			name string
			raw  string
			dst  *[]string
		}{
			{"include_authors", r.IncludeAuthorsJSON, &r.IncludeAuthors},
			{"exclude_authors", r.ExcludeAuthorsJSON, &r.ExcludeAuthors},
			{"include_langs", r.IncludeLangsJSON, &r.IncludeLangs},
			{"exclude_langs", r.ExcludeLangsJSON, &r.ExcludeLangs},
		}
		for _, c := range cols {
			if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
				return nil, fmt.Errorf("rule %s: decode %s: %w", r.Feed, c.name, err)
			}
		}
	}
	return rules, nil
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
