package firehose

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/feedlens/feedlens/internal/store"
	"github.com/feedlens/feedlens/pkg/classifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler collects every batch it receives.
type recordingHandler struct {
	mu      sync.Mutex
	batches []classifier.Batch
}

func (h *recordingHandler) ProcessBatch(ctx context.Context, b classifier.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, b)
	return nil
}

func (h *recordingHandler) all() []classifier.Batch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]classifier.Batch(nil), h.batches...)
}

// streamServer serves a fixed sequence of messages per connection and records
// the cursor query parameter of each dial.
func streamServer(t *testing.T, messages []string, cursors chan<- string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors <- r.URL.Query().Get("cursor")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(":memory:", store.DedupSingleFeed)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunDeliversFramesInOrder(t *testing.T) {
	db := newTestStore(t)
	h := &recordingHandler{}

	messages := []string{
		mustJSON(t, frame{Seq: 10, Ops: []op{
			{Type: "create", URI: "at://did:plc:a/app.bsky.feed.post/1", CID: "cid1", Author: "did:plc:a", Text: "first", Langs: []string{"en"}},
		}}),
		"{not json",
		mustJSON(t, frame{Seq: 11, Ops: []op{
			{Type: "delete", URI: "at://did:plc:a/app.bsky.feed.post/1"},
			{Type: "update", URI: "at://did:plc:a/app.bsky.feed.post/2"},
			{Type: "create"},
		}}),
	}

	cursors := make(chan string, 4)
	ts := streamServer(t, messages, cursors)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := New(wsURL(ts), "feedlens", db, h, discardLogger())
	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()

	if c := <-cursors; c != "" {
		t.Errorf("first dial carried cursor %q, want none", c)
	}
	waitFor(t, func() bool { return len(h.all()) == 2 })
	cancel()
	<-done

	want := []classifier.Batch{
		{
			Cursor: 10,
			Creates: []classifier.Create{{
				URI:    "at://did:plc:a/app.bsky.feed.post/1",
				CID:    "cid1",
				Author: "did:plc:a",
				Text:   "first",
				Langs:  []string{"en"},
			}},
		},
		{
			Cursor:     11,
			DeleteURIs: []string{"at://did:plc:a/app.bsky.feed.post/1"},
		},
	}
	if diff := cmp.Diff(want, h.all()); diff != "" {
		t.Errorf("batches mismatch (-want +got):\n%s", diff)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	db := newTestStore(t)
	if err := db.SaveCursor(context.Background(), "feedlens", 42); err != nil {
		t.Fatalf("save cursor: %v", err)
	}

	cursors := make(chan string, 4)
	ts := streamServer(t, nil, cursors)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := New(wsURL(ts), "feedlens", db, &recordingHandler{}, discardLogger())
	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()

	// Resume asks for the event after the checkpoint.
	if c := <-cursors; c != "43" {
		t.Errorf("dial cursor = %q, want 43", c)
	}
	cancel()
	<-done
}

func TestReconnectDoesNotAccumulateGoroutines(t *testing.T) {
	db := newTestStore(t)

	dials := make(chan struct{}, 64)
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop every connection immediately to force a reconnect cycle.
		conn.Close()
		select {
		case dials <- struct{}{}:
		default:
		}
	}))
	defer ts.Close()

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	sub := New(wsURL(ts), "feedlens", db, &recordingHandler{}, discardLogger())
	sub.reconnectDelay = time.Millisecond

	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()

	for i := 0; i < 50; i++ {
		select {
		case <-dials:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d reconnects in time", i)
		}
	}
	cancel()
	<-done

	// Each dropped connection must release its watcher; allow a little slack
	// for runtime and httptest housekeeping goroutines still winding down.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if n := runtime.NumGoroutine(); n <= before+5 {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("goroutines grew from %d to %d across reconnects", before, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunReconnectsPastProcessedFrames(t *testing.T) {
	db := newTestStore(t)
	h := &recordingHandler{}

	messages := []string{
		mustJSON(t, frame{Seq: 7, Ops: []op{
			{Type: "create", URI: "at://did:plc:a/app.bsky.feed.post/1", CID: "cid1"},
		}}),
	}

	cursors := make(chan string, 4)
	up := websocket.Upgrader{}
	var conns atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors <- r.URL.Query().Get("cursor")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) > 1 {
			// Hold the second connection open.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Drop the first connection to force a reconnect.
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := New(wsURL(ts), "feedlens", db, h, discardLogger())
	sub.reconnectDelay = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()

	if c := <-cursors; c != "" {
		t.Errorf("first dial cursor = %q, want none", c)
	}
	// The reconnect resumes after the last applied frame.
	if c := <-cursors; c != "8" {
		t.Errorf("reconnect cursor = %q, want 8", c)
	}
	cancel()
	<-done
}
