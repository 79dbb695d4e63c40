package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/feedlens/feedlens/internal/config"
	"github.com/feedlens/feedlens/internal/firehose"
	"github.com/feedlens/feedlens/internal/scheduler"
	"github.com/feedlens/feedlens/internal/store"
	"github.com/feedlens/feedlens/pkg/bsky"
	"github.com/feedlens/feedlens/pkg/classifier"
	"github.com/feedlens/feedlens/pkg/feed"
	"github.com/feedlens/feedlens/pkg/rater"
	"github.com/feedlens/feedlens/pkg/ruleset"
	"github.com/feedlens/feedlens/pkg/server"
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("FEEDLENS_LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	db, err := store.New(cfg.Database.Path, store.DedupPolicy(cfg.Membership.DedupPolicy))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

// seedRules writes the configured rules into the rule table so the snapshot
// loaded afterwards reflects the config.
func seedRules(ctx context.Context, db store.Store, cfg *config.Config) error {
	for _, f := range cfg.Feeds {
		row := store.RuleRow{
			Feed:           f.ID,
			IncludeAuthors: f.Rule.IncludeAuthors,
			ExcludeAuthors: f.Rule.ExcludeAuthors,
			IncludePattern: f.Rule.IncludePattern,
			ExcludePattern: f.Rule.ExcludePattern,
			IncludeLangs:   f.Rule.IncludeLangs,
			ExcludeLangs:   f.Rule.ExcludeLangs,
		}
		if err := db.UpsertRule(ctx, row); err != nil {
			return fmt.Errorf("seed rule %s: %w", f.ID, err)
		}
	}
	return nil
}

func feedConfigs(cfg *config.Config) []feed.Config {
	feeds := make([]feed.Config, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		feeds = append(feeds, feed.Config{
			ID:        f.ID,
			Threshold: f.ServeThreshold(feed.DefaultThreshold),
		})
	}
	return feeds
}

func buildRater(cfg *config.Config, db store.Store, log *slog.Logger) *rater.Rater {
	targets := make([]rater.Target, 0, len(cfg.Rater.Targets))
	for _, t := range cfg.Rater.Targets {
		targets = append(targets, rater.Target{
			Feed:         t.Feed,
			CallsPerTick: t.CallsPerTick,
			Audience:     t.Audience,
			Trait:        t.Trait,
		})
	}

	scorer := rater.NewOpenAIScorer(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
	fetcher := bsky.NewClient(cfg.Appview.URL)

	return rater.New(db, scorer, fetcher, targets, cfg.Rater.Concurrency, log.With("component", "rater"))
}

func buildServer(cfg *config.Config, db store.Store, port int, log *slog.Logger) *server.Server {
	if port == 0 {
		port = cfg.Server.Port
	}
	feeds := feed.NewService(db, feedConfigs(cfg))
	return server.New(feeds, cfg.Server.DID(), cfg.Server.Hostname, port, log.With("component", "server"))
}

func runDaemon(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateStream(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateScoring(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedRules(ctx, db, cfg); err != nil {
		return err
	}
	rules, err := ruleset.Load(ctx, db)
	if err != nil {
		return err
	}

	cls := classifier.New(db, rules, cfg.Firehose.Service, log.With("component", "classifier"))
	sub := firehose.New(cfg.Firehose.URL, cfg.Firehose.Service, db, cls, log.With("component", "firehose"))

	go func() {
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("firehose stopped", "error", err)
		}
	}()

	if len(cfg.Rater.Targets) > 0 {
		sched := scheduler.New(buildRater(cfg, db, log), cfg.Rater.ParseInterval(), log.With("component", "scheduler"))
		go func() {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("scheduler stopped", "error", err)
			}
		}()
	}

	srv := buildServer(cfg, db, port, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func runServe(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return buildServer(cfg, db, port, log).ListenAndServe()
}

func runRate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateScoring(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return buildRater(cfg, db, log).Run(context.Background())
}

func runUsage() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sum, err := db.UsageTotal(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CALLS\tPROMPT\tCOMPLETION\tTOTAL")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\n",
		sum.Calls, sum.PromptTokens, sum.CompletionTokens, sum.TotalTokens)
	return w.Flush()
}

func runRules() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := seedRules(ctx, db, cfg); err != nil {
		return err
	}

	rules, err := db.ListRules(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FEED\tINCLUDE PATTERN\tEXCLUDE PATTERN\tAUTHORS\tLANGS")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s\t+%d/-%d\t+%d/-%d\n",
			r.Feed, r.IncludePattern, r.ExcludePattern,
			len(r.IncludeAuthors), len(r.ExcludeAuthors),
			len(r.IncludeLangs), len(r.ExcludeLangs))
	}
	return w.Flush()
}
