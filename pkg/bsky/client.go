// Package bsky is a minimal appview client used to resolve post text that
// was not captured at ingestion time.
package bsky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAppviewURL is the public Bluesky appview endpoint.
const DefaultAppviewURL = "https://public.api.bsky.app"

const postCollection = "app.bsky.feed.post"

// Client fetches post records over XRPC.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a Client. An empty baseURL selects the public appview.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAppviewURL
	}
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// ParseATURI splits an at://did/collection/rkey identifier.
func ParseATURI(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("not an at-uri: %s", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("not an at-uri: %s", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// PostText fetches the current text of the post identified by uri/cid.
// Returns an empty string without error when the record has no text.
func (c *Client) PostText(ctx context.Context, uri, cid string) (string, error) {
	did, collection, rkey, err := ParseATURI(uri)
	if err != nil {
		return "", err
	}
	if collection != postCollection {
		return "", fmt.Errorf("not a post record: %s", uri)
	}

	q := url.Values{}
	q.Set("repo", did)
	q.Set("collection", collection)
	q.Set("rkey", rkey)
	if cid != "" {
		q.Set("cid", cid)
	}

	reqURL := c.baseURL + "/xrpc/com.atproto.repo.getRecord?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get record %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get record %s: status %d", uri, resp.StatusCode)
	}

	var out struct {
		Value struct {
			Text string `json:"text"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode record %s: %w", uri, err)
	}
	return out.Value.Text, nil
}
