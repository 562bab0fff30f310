// Package remote talks to the feed source over HTTP and turns its loosely
// shaped payloads into FeedItems.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jdholdren/mynah/internal/mynah"
	"github.com/jdholdren/mynah/internal/scheduler"
)

var _ mynah.FeedSource = (*Client)(nil)

// Client is a FeedSource backed by the remote's HTTP API.
//
// It does no retrying of its own: rate limits and server errors come back as
// plain errors for the scheduler to retry, everything else is marked permanent.
type Client struct {
	baseURL string
	token   string
	cfg     Config
	http    *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default client, which times out after 30 seconds.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends the token as a bearer credential on every request.
func WithToken(token string) ClientOption {
	return func(cl *Client) { cl.token = token }
}

func NewClient(baseURL string, cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Item(ctx context.Context, id string) (mynah.FeedItem, error) {
	body, err := c.get(ctx, "/items/"+url.PathEscape(id), nil)
	if err != nil {
		return mynah.FeedItem{}, err
	}

	doc := gjson.ParseBytes(body)
	if v := doc.Get("item"); v.IsObject() {
		doc = v
	}

	item, err := Normalize([]byte(doc.Raw), c.cfg)
	if err != nil {
		return mynah.FeedItem{}, scheduler.Permanent(fmt.Errorf("error normalizing item %s: %w", id, err))
	}

	return item, nil
}

func (c *Client) HomeTimeline(ctx context.Context, count int) ([]mynah.FeedItem, error) {
	body, err := c.get(ctx, "/timeline/home", url.Values{"count": {strconv.Itoa(count)}})
	if err != nil {
		return nil, err
	}

	return c.items(ctx, gjson.ParseBytes(body)), nil
}

func (c *Client) Search(ctx context.Context, query string, limit int, mode mynah.SearchMode, cursor string) (mynah.SearchResult, error) {
	q := url.Values{
		"q":    {query},
		"max":  {strconv.Itoa(limit)},
		"mode": {string(mode)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	body, err := c.get(ctx, "/search", q)
	if err != nil {
		return mynah.SearchResult{}, err
	}

	doc := gjson.ParseBytes(body)
	res := mynah.SearchResult{Items: c.items(ctx, doc)}
	if v, _ := resolveResult(doc, cursorFallbacks); v.Exists() {
		res.Cursor = v.String()
	}

	return res, nil
}

func (c *Client) UserItems(ctx context.Context, authorID string, count int) ([]mynah.FeedItem, error) {
	body, err := c.get(ctx, "/users/"+url.PathEscape(authorID)+"/items", url.Values{"count": {strconv.Itoa(count)}})
	if err != nil {
		return nil, err
	}

	return c.items(ctx, gjson.ParseBytes(body)), nil
}

var cursorFallbacks = []fallback{
	{name: "cursor", path: "cursor"},
	{name: "next cursor", path: "next_cursor"},
}

// items normalizes a list response, either a bare array or one under "items".
// Entries that can't be normalized are logged and dropped.
func (c *Client) items(ctx context.Context, doc gjson.Result) []mynah.FeedItem {
	list := doc
	if !list.IsArray() {
		list = doc.Get("items")
	}

	items := []mynah.FeedItem{}
	for _, raw := range list.Array() {
		item, err := Normalize([]byte(raw.Raw), c.cfg)
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable item", "error", err)
			continue
		}
		items = append(items, item)
	}

	return items
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, scheduler.Permanent(fmt.Errorf("error creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, scheduler.Permanent(fmt.Errorf("%s: %w", path, mynah.ErrNotFound))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	default:
		return nil, scheduler.Permanent(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	if !gjson.ValidBytes(body) {
		return nil, scheduler.Permanent(fmt.Errorf("response from %s is not valid json", path))
	}

	return body, nil
}
