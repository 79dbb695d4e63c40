package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/feedlens/feedlens/internal/store"
	"github.com/feedlens/feedlens/pkg/feed"
)

const (
	testDID      = "did:web:feeds.example.com"
	testHostname = "feeds.example.com"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	db, err := store.New(":memory:", store.DedupSingleFeed)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	feeds := feed.NewService(db, []feed.Config{{ID: "whats-llm", Threshold: 4}})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(feeds, testDID, testHostname, 0, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func seedRated(t *testing.T, db *store.SQLiteStore, n int) {
	t.Helper()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	posts := make([]store.Post, 0, n)
	for i := 0; i < n; i++ {
		posts = append(posts, store.Post{
			URI:       fmt.Sprintf("at://did:plc:a/app.bsky.feed.post/%03d", i),
			CID:       fmt.Sprintf("cid%03d", i),
			IndexedAt: store.FormatTime(base.Add(time.Duration(i) * time.Minute)),
			Author:    "did:plc:a",
			Feed:      "whats-llm",
			Metric:    "informative for AI researchers",
			Rating:    8,
		})
	}
	if err := db.CreatePosts(context.Background(), posts); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func getJSON(t *testing.T, rawurl string, out any) int {
	t.Helper()
	resp, err := http.Get(rawurl)
	if err != nil {
		t.Fatalf("GET %s: %v", rawurl, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", rawurl, err)
	}
	return resp.StatusCode
}

type skeletonResp struct {
	Cursor string `json:"cursor"`
	Feed   []struct {
		Post   string          `json:"post"`
		Reason json.RawMessage `json:"reason"`
	} `json:"feed"`
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func TestGetFeedSkeleton(t *testing.T) {
	ts, db := newTestServer(t)
	seedRated(t, db, 3)

	var got skeletonResp
	code := getJSON(t, ts.URL+"/xrpc/app.bsky.feed.getFeedSkeleton?feed=whats-llm&limit=2", &got)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(got.Feed) != 2 {
		t.Fatalf("got %d items, want 2", len(got.Feed))
	}
	if got.Feed[0].Post != "at://did:plc:a/app.bsky.feed.post/002" {
		t.Errorf("first item = %s, want newest", got.Feed[0].Post)
	}
	if got.Cursor == "" {
		t.Fatal("full page returned no cursor")
	}

	// Second page picks up after the cursor and, being short, ends paging.
	var page2 skeletonResp
	u := ts.URL + "/xrpc/app.bsky.feed.getFeedSkeleton?feed=whats-llm&limit=2&cursor=" + url.QueryEscape(got.Cursor)
	if code := getJSON(t, u, &page2); code != http.StatusOK {
		t.Fatalf("page 2 status = %d", code)
	}
	if len(page2.Feed) != 1 {
		t.Fatalf("page 2 has %d items, want 1", len(page2.Feed))
	}
	if page2.Feed[0].Post != "at://did:plc:a/app.bsky.feed.post/000" {
		t.Errorf("page 2 item = %s", page2.Feed[0].Post)
	}
	if page2.Cursor != "" {
		t.Errorf("short page returned cursor %q", page2.Cursor)
	}
}

func TestGetFeedSkeletonAcceptsGeneratorURI(t *testing.T) {
	ts, db := newTestServer(t)
	seedRated(t, db, 1)

	uri := "at://" + testDID + "/app.bsky.feed.generator/whats-llm"
	var got skeletonResp
	code := getJSON(t, ts.URL+"/xrpc/app.bsky.feed.getFeedSkeleton?feed="+url.QueryEscape(uri), &got)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(got.Feed) != 1 {
		t.Errorf("got %d items, want 1", len(got.Feed))
	}
}

func TestGetFeedSkeletonErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantErr  string
	}{
		{"missing feed", "", http.StatusBadRequest, "InvalidRequest"},
		{"unknown feed", "feed=no-such-feed", http.StatusBadRequest, "UnsupportedAlgorithm"},
		{"malformed cursor", "feed=whats-llm&cursor=garbage", http.StatusBadRequest, "InvalidRequest"},
		{"bad limit", "feed=whats-llm&limit=zero", http.StatusBadRequest, "InvalidRequest"},
		{"non-generator uri", "feed=" + url.QueryEscape("at://did:plc:a/app.bsky.feed.post/abc"), http.StatusBadRequest, "InvalidRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got errorResp
			code := getJSON(t, ts.URL+"/xrpc/app.bsky.feed.getFeedSkeleton?"+tt.query, &got)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if got.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", got.Error, tt.wantErr)
			}
		})
	}
}

func TestDescribeFeedGenerator(t *testing.T) {
	ts, _ := newTestServer(t)

	var got struct {
		DID   string `json:"did"`
		Feeds []struct {
			URI string `json:"uri"`
		} `json:"feeds"`
	}
	code := getJSON(t, ts.URL+"/xrpc/app.bsky.feed.describeFeedGenerator", &got)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.DID != testDID {
		t.Errorf("did = %q", got.DID)
	}
	want := "at://" + testDID + "/app.bsky.feed.generator/whats-llm"
	if len(got.Feeds) != 1 || got.Feeds[0].URI != want {
		t.Errorf("feeds = %+v, want [%s]", got.Feeds, want)
	}
}

func TestDIDDocument(t *testing.T) {
	ts, _ := newTestServer(t)

	var got struct {
		ID      string `json:"id"`
		Service []struct {
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}
	code := getJSON(t, ts.URL+"/.well-known/did.json", &got)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.ID != testDID {
		t.Errorf("id = %q", got.ID)
	}
	if len(got.Service) != 1 || got.Service[0].ServiceEndpoint != "https://"+testHostname {
		t.Errorf("service = %+v", got.Service)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var got map[string]string
	if code := getJSON(t, ts.URL+"/health", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got["status"] != "ok" {
		t.Errorf("status = %q", got["status"])
	}
}
