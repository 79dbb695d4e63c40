// Package ruleset implements the post classification rules: one rule per
// feed, matched against incoming posts by author, text pattern and language.
package ruleset

import (
	"context"
	"fmt"
	"regexp"

	"github.com/feedlens/feedlens/internal/store"
)

// LangUnknown is the language assigned to posts that declare none.
const LangUnknown = "unknown"

// Post is the subset of a post a rule looks at. Evaluation is pure.
type Post struct {
	Author string
	Text   string
	Langs  []string
}

// Rule is one compiled classification rule. Patterns are compiled once,
// case-insensitive, when the rule is built.
type Rule struct {
	Feed string

	includeAuthors map[string]bool
	excludeAuthors map[string]bool
	includePattern *regexp.Regexp
	excludePattern *regexp.Regexp
	includeLangs   map[string]bool
	excludeLangs   map[string]bool
}

// Compile builds a Rule from its persisted form.
func Compile(row store.RuleRow) (Rule, error) {
	r := Rule{
		Feed:           row.Feed,
		includeAuthors: toSet(row.IncludeAuthors),
		excludeAuthors: toSet(row.ExcludeAuthors),
		includeLangs:   toSet(row.IncludeLangs),
		excludeLangs:   toSet(row.ExcludeLangs),
	}

	var err error
	if row.IncludePattern != "" {
		r.includePattern, err = regexp.Compile("(?i)" + row.IncludePattern)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: include pattern: %w", row.Feed, err)
		}
	}
	if row.ExcludePattern != "" {
		r.excludePattern, err = regexp.Compile("(?i)" + row.ExcludePattern)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: exclude pattern: %w", row.Feed, err)
		}
	}

	return r, nil
}

// Matches reports whether the post satisfies every constraint the rule
// declares. Absent constraints always pass.
func (r Rule) Matches(p Post) bool {
	if len(r.includeAuthors) > 0 && !r.includeAuthors[p.Author] {
		return false
	}
	if len(r.excludeAuthors) > 0 && r.excludeAuthors[p.Author] {
		return false
	}
	if r.includePattern != nil && !r.includePattern.MatchString(p.Text) {
		return false
	}
	if r.excludePattern != nil && r.excludePattern.MatchString(p.Text) {
		return false
	}

	langs := p.Langs
	if len(langs) == 0 {
		langs = []string{LangUnknown}
	}
	if len(r.includeLangs) > 0 && !intersects(langs, r.includeLangs) {
		return false
	}
	if len(r.excludeLangs) > 0 && intersects(langs, r.excludeLangs) {
		return false
	}

	return true
}

// Snapshot is an immutable set of compiled rules in a fixed evaluation
// order. It is built once at startup and passed by reference; rule changes
// take effect on the next Load.
type Snapshot struct {
	rules []Rule
}

// Load reads all rules from the store and compiles them. Rules come back
// ordered by feed id, which fixes the evaluation (and so the first-match)
// order.
func Load(ctx context.Context, s store.Store) (*Snapshot, error) {
	rows, err := s.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		r, err := Compile(row)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return &Snapshot{rules: rules}, nil
}

// NewSnapshot builds a snapshot directly from compiled rules, preserving
// their order. Used by tests and by callers that bypass the store.
func NewSnapshot(rules []Rule) *Snapshot {
	return &Snapshot{rules: rules}
}

// Rules returns the rules in evaluation order. Callers must not modify the
// returned slice.
func (s *Snapshot) Rules() []Rule {
	return s.rules
}

func toSet(ss []string) map[string]bool {
	if len(ss) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func intersects(vals []string, set map[string]bool) bool {
	for _, v := range vals {
		if set[v] {
			return true
		}
	}
	return false
}
