// Package timeline keeps an agent's memory in step with its account's feed.
//
// Every call into the remote goes through the account's scheduler. Reads are
// fronted by an advisory cache so a recent timeline can be reconciled without
// touching the remote at all.
package timeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdholdren/mynah/internal/cache"
	"github.com/jdholdren/mynah/internal/mynah"
	"github.com/jdholdren/mynah/internal/scheduler"
)

const (
	DefaultSearchTimeout = 10 * time.Second
	DefaultTimelineTTL   = 10 * time.Second

	// Searches are best-effort, so a failing one gives up quickly rather
	// than holding every later lookup behind its retries.
	searchAttempts = 2
)

type (
	// Client makes the account's remote lookups, through its scheduler and cache.
	Client struct {
		source mynah.FeedSource
		sched  *scheduler.Scheduler
		cache  mynah.CacheStore

		namespace     string
		searchTimeout time.Duration
		timelineTTL   time.Duration
	}

	ClientConfig struct {
		// Namespace prefixes every cache key, usually the account handle.
		Namespace     string
		SearchTimeout time.Duration
		TimelineTTL   time.Duration
	}
)

func NewClient(source mynah.FeedSource, sched *scheduler.Scheduler, store mynah.CacheStore, cfg ClientConfig) *Client {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	if cfg.TimelineTTL <= 0 {
		cfg.TimelineTTL = DefaultTimelineTTL
	}

	return &Client{
		source:        source,
		sched:         sched,
		cache:         store,
		namespace:     cfg.Namespace,
		searchTimeout: cfg.SearchTimeout,
		timelineTTL:   cfg.TimelineTTL,
	}
}

// Item returns an item, from the cache when it's there.
//
// A fetched item is cached without expiry since items never change.
func (c *Client) Item(ctx context.Context, id string) (mynah.FeedItem, error) {
	item, ok, err := cache.GetJSON[mynah.FeedItem](ctx, c.cache, c.key("item", id))
	if err != nil {
		slog.WarnContext(ctx, "error reading cached item", "item_id", id, "error", err)
	}
	if ok {
		return item, nil
	}

	item, err = scheduler.Do(ctx, c.sched, "item", func(ctx context.Context) (mynah.FeedItem, error) {
		return c.source.Item(ctx, id)
	})
	if err != nil {
		return mynah.FeedItem{}, err
	}

	if err := c.CacheItem(ctx, item); err != nil {
		slog.WarnContext(ctx, "error caching item", "item_id", id, "error", err)
	}

	return item, nil
}

// Search runs a search, giving up after the search timeout.
//
// It never fails: a timeout or an error gives an empty result. A search that
// timed out stays queued and its result is dropped when it eventually runs,
// and one that keeps failing is given up on after a couple of attempts.
func (c *Client) Search(ctx context.Context, query string, limit int, mode mynah.SearchMode, cursor string) mynah.SearchResult {
	ctx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	res, err := scheduler.Do(ctx, c.sched, "search", func(ctx context.Context) (mynah.SearchResult, error) {
		return c.source.Search(ctx, query, limit, mode, cursor)
	}, scheduler.Attempts(searchAttempts))
	if err != nil {
		slog.WarnContext(ctx, "search failed, returning no results", "query", query, "error", err)
		return mynah.SearchResult{Items: []mynah.FeedItem{}}
	}
	if res.Items == nil {
		res.Items = []mynah.FeedItem{}
	}

	return res
}

func (c *Client) HomeTimeline(ctx context.Context, count int) ([]mynah.FeedItem, error) {
	return scheduler.Do(ctx, c.sched, "home timeline", func(ctx context.Context) ([]mynah.FeedItem, error) {
		return c.source.HomeTimeline(ctx, count)
	})
}

func (c *Client) UserItems(ctx context.Context, authorID string, count int) ([]mynah.FeedItem, error) {
	return scheduler.Do(ctx, c.sched, "user items", func(ctx context.Context) ([]mynah.FeedItem, error) {
		return c.source.UserItems(ctx, authorID, count)
	})
}

// CachedTimeline returns the last timeline snapshot, if it hasn't expired.
func (c *Client) CachedTimeline(ctx context.Context) ([]mynah.FeedItem, bool) {
	items, ok, err := cache.GetJSON[[]mynah.FeedItem](ctx, c.cache, c.key("timeline"))
	if err != nil {
		slog.WarnContext(ctx, "error reading cached timeline", "error", err)
		return nil, false
	}

	return items, ok
}

func (c *Client) CacheTimeline(ctx context.Context, items []mynah.FeedItem) error {
	return cache.SetJSON(ctx, c.cache, c.key("timeline"), items, c.timelineTTL)
}

func (c *Client) CacheMentions(ctx context.Context, items []mynah.FeedItem) error {
	return cache.SetJSON(ctx, c.cache, c.key("mentions"), items, c.timelineTTL)
}

func (c *Client) CacheItem(ctx context.Context, item mynah.FeedItem) error {
	return cache.SetJSON(ctx, c.cache, c.key("item", item.ID), item, 0)
}

// Stats reports on the scheduler every lookup goes through.
func (c *Client) Stats() scheduler.Stats {
	return c.sched.Stats()
}

func (c *Client) key(parts ...string) string {
	return cache.Key(c.namespace, parts...)
}
