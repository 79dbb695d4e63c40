// Package firehose consumes the upstream commit event stream over a
// websocket and feeds it to the classifier in arrival order.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feedlens/feedlens/internal/store"
	"github.com/feedlens/feedlens/pkg/classifier"
)

// Handler receives one batch per commit frame, in stream order.
type Handler interface {
	ProcessBatch(ctx context.Context, b classifier.Batch) error
}

// frame is one websocket message: a commit with its ordered operations.
type frame struct {
	Seq int64 `json:"seq"`
	Ops []op  `json:"ops"`
}

type op struct {
	Type        string   `json:"type"`
	URI         string   `json:"uri"`
	CID         string   `json:"cid"`
	Author      string   `json:"author"`
	Text        string   `json:"text"`
	ReplyParent string   `json:"replyParent"`
	ReplyRoot   string   `json:"replyRoot"`
	Langs       []string `json:"langs"`
}

// Subscriber maintains the stream connection. It resumes from the persisted
// checkpoint when one exists, otherwise from the live tail.
type Subscriber struct {
	endpoint       string
	service        string
	store          store.Store
	handler        Handler
	log            *slog.Logger
	reconnectDelay time.Duration
}

// New creates a Subscriber. service names the checkpoint row to resume from.
func New(endpoint, service string, s store.Store, h Handler, log *slog.Logger) *Subscriber {
	return &Subscriber{
		endpoint:       endpoint,
		service:        service,
		store:          s,
		handler:        h,
		log:            log,
		reconnectDelay: 3 * time.Second,
	}
}

// Run consumes the stream until ctx is cancelled, reconnecting with a fixed
// delay on connection loss.
func (s *Subscriber) Run(ctx context.Context) error {
	cursor, resume, err := s.store.GetCursor(ctx, s.service)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if resume {
		s.log.Info("resuming stream", "cursor", cursor)
	} else {
		s.log.Info("no checkpoint, starting from live tail")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connErr := s.consume(ctx, cursor, resume, &cursor)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resume = cursor > 0

		s.log.Warn("stream disconnected", "error", connErr, "retry_in", s.reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

// consume holds one connection open, updating *lastSeq after every applied
// batch so a reconnect resumes past it.
func (s *Subscriber) consume(ctx context.Context, cursor int64, resume bool, lastSeq *int64) error {
	endpoint := s.endpoint
	if resume {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("parse endpoint: %w", err)
		}
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(cursor+1, 10))
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.endpoint, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context is cancelled. done releases the
	// watcher when this connection ends first, so reconnects do not strand
	// one goroutine per connection.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.log.Info("stream connected", "endpoint", s.endpoint)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.log.Warn("malformed frame skipped", "error", err)
			continue
		}

		batch := s.toBatch(f)
		if err := s.handler.ProcessBatch(ctx, batch); err != nil {
			s.log.Error("batch failed", "seq", f.Seq, "error", err)
			continue
		}
		if f.Seq > 0 {
			*lastSeq = f.Seq
		}
	}
}

// toBatch translates a frame into a classifier batch, skipping operations
// that are individually malformed.
func (s *Subscriber) toBatch(f frame) classifier.Batch {
	b := classifier.Batch{Cursor: f.Seq}
	for _, o := range f.Ops {
		switch o.Type {
		case "create":
			if o.URI == "" || o.CID == "" {
				s.log.Warn("malformed create skipped", "uri", o.URI)
				continue
			}
			b.Creates = append(b.Creates, classifier.Create{
				URI:         o.URI,
				CID:         o.CID,
				Author:      o.Author,
				Text:        o.Text,
				ReplyParent: o.ReplyParent,
				ReplyRoot:   o.ReplyRoot,
				Langs:       o.Langs,
			})
		case "delete":
			if o.URI == "" {
				s.log.Warn("malformed delete skipped")
				continue
			}
			b.DeleteURIs = append(b.DeleteURIs, o.URI)
		default:
			s.log.Warn("unknown op skipped", "type", o.Type)
		}
	}
	return b
}
