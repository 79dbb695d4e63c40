// Package server exposes the feed generator over HTTP: the XRPC feed
// skeleton endpoints plus service identity documents.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/feedlens/feedlens/pkg/bsky"
	"github.com/feedlens/feedlens/pkg/feed"
)

const generatorCollection = "app.bsky.feed.generator"

// Server provides the HTTP API.
type Server struct {
	feeds    *feed.Service
	did      string
	hostname string
	port     int
	log      *slog.Logger
}

// New creates a new HTTP server.
func New(feeds *feed.Service, did, hostname string, port int, log *slog.Logger) *Server {
	if port == 0 {
		port = 3000
	}
	return &Server{
		feeds:    feeds,
		did:      did,
		hostname: hostname,
		port:     port,
		log:      log,
	}
}

// Handler returns the route table. Split out so tests can drive it through
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/.well-known/did.json", s.handleDIDDocument)
	mux.HandleFunc("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	mux.HandleFunc("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribe)
	return mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.log.Info("http server listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
		return
	}

	q := r.URL.Query()
	feedID, err := feedIDFromParam(q.Get("feed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid limit")
			return
		}
	}

	skel, err := s.feeds.Query(r.Context(), feedID, q.Get("cursor"), limit)
	switch {
	case errors.Is(err, feed.ErrMalformedCursor):
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed cursor")
		return
	case errors.Is(err, feed.ErrUnknownFeed):
		writeError(w, http.StatusBadRequest, "UnsupportedAlgorithm", "unknown feed: "+feedID)
		return
	case err != nil:
		s.log.Error("feed query failed", "feed", feedID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalServerError", "feed query failed")
		return
	}

	writeJSON(w, http.StatusOK, skel)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
		return
	}

	type feedRef struct {
		URI string `json:"uri"`
	}
	feeds := make([]feedRef, 0)
	for _, id := range s.feeds.Feeds() {
		feeds = append(feeds, feedRef{
			URI: fmt.Sprintf("at://%s/%s/%s", s.did, generatorCollection, id),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"did":   s.did,
		"feeds": feeds,
	})
}

func (s *Server) handleDIDDocument(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.did,
		"service": []map[string]string{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": "https://" + s.hostname,
			},
		},
	})
}

// feedIDFromParam accepts either a bare feed id or the full AT-URI of the
// feed generator record and returns the feed id.
func feedIDFromParam(param string) (string, error) {
	if param == "" {
		return "", fmt.Errorf("feed parameter is required")
	}
	if !strings.HasPrefix(param, "at://") {
		return param, nil
	}

	_, collection, rkey, err := bsky.ParseATURI(param)
	if err != nil {
		return "", fmt.Errorf("invalid feed uri: %s", param)
	}
	if collection != generatorCollection {
		return "", fmt.Errorf("not a feed generator uri: %s", param)
	}
	return rkey, nil
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, map[string]string{"error": name, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
