package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/mynah/internal/mynah"
	"github.com/jdholdren/mynah/logger"
)

const (
	// How much of the home timeline a full resync pulls.
	coldStartCount = 50
	// When a snapshot existed but held nothing we'd stored, we were probably
	// only briefly away.
	warmStartCount = 10
	mentionsCount  = 20

	PathCache = "cache"
	PathFull  = "full"
)

type (
	// Account is the agent's own account on the remote.
	Account struct {
		Handle string
		UserID string
		Name   string
	}

	// Synchronizer imports an account's timeline and mentions into memory.
	Synchronizer struct {
		client  *Client
		store   mynah.MemoryStore
		account Account
		agentID string

		mu   sync.Mutex
		last *Report
	}

	// Report describes one sync.
	Report struct {
		Path       string    `json:"path"`
		Candidates int       `json:"candidates"`
		Imported   int       `json:"imported"`
		Skipped    int       `json:"skipped"`
		Failed     int       `json:"failed"`
		FinishedAt time.Time `json:"finished_at"`
	}
)

func NewSynchronizer(client *Client, store mynah.MemoryStore, account Account, agentID string) *Synchronizer {
	return &Synchronizer{
		client:  client,
		store:   store,
		account: account,
		agentID: agentID,
	}
}

// Sync brings memory up to date with the remote.
//
// A still-fresh cached timeline that we've already partly stored is finished
// off without any remote calls. Otherwise the home timeline and mentions are
// refetched. Imports are idempotent, so running Sync twice on the same remote
// state stores nothing the second time.
//
// Only cancellation and a closed scheduler are returned as errors. Everything
// else is logged and shows up in the report.
func (s *Synchronizer) Sync(ctx context.Context) (Report, error) {
	ctx = logger.Ctx(ctx, slog.String("account", s.account.Handle))

	cached, hadSnapshot := s.client.CachedTimeline(ctx)
	if hadSnapshot && len(cached) > 0 {
		unstored := s.unstored(ctx, cached)
		if len(unstored) < len(cached) {
			ctx = logger.Ctx(ctx, slog.String("sync_path", PathCache))
			rep := s.importAll(ctx, PathCache, cached, unstored)
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			for _, item := range unstored {
				if err := s.client.CacheItem(ctx, item); err != nil {
					slog.WarnContext(ctx, "error caching item", "item_id", item.ID, "error", err)
				}
			}

			return s.finish(ctx, rep), nil
		}
	}

	ctx = logger.Ctx(ctx, slog.String("sync_path", PathFull))
	count := coldStartCount
	if hadSnapshot {
		count = warmStartCount
	}

	var (
		items    []mynah.FeedItem
		itemsErr error
		mentions mynah.SearchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, itemsErr = s.client.HomeTimeline(gctx, count)
		if fatal(itemsErr) {
			return itemsErr
		}
		return nil
	})
	g.Go(func() error {
		mentions = s.client.Search(gctx, "@"+s.account.Handle, mentionsCount, mynah.SearchLatest, "")
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("error fetching timeline: %w", err)
	}
	if itemsErr != nil {
		slog.ErrorContext(ctx, "error fetching home timeline, continuing with mentions", "error", itemsErr)
	}

	candidates := merge(items, mentions.Items)
	rep := s.importAll(ctx, PathFull, candidates, s.unstored(ctx, candidates))

	if itemsErr == nil {
		if err := s.client.CacheTimeline(ctx, items); err != nil {
			slog.WarnContext(ctx, "error caching timeline", "error", err)
		}
	}
	if err := s.client.CacheMentions(ctx, mentions.Items); err != nil {
		slog.WarnContext(ctx, "error caching mentions", "error", err)
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	return s.finish(ctx, rep), nil
}

// LastReport returns the most recent completed sync, if any.
func (s *Synchronizer) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Loop syncs every interval until ctx is done. Failed syncs are logged and retried on the next tick.
func (s *Synchronizer) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sync(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, mynah.ErrClosed) {
				return ctx.Err()
			}
			slog.ErrorContext(ctx, "error syncing", "account", s.account.Handle, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// unstored returns the items without a record, in their original order.
//
// If the lookup fails every item is returned: importing is idempotent, so the
// worst case is redundant writes.
func (s *Synchronizer) unstored(ctx context.Context, items []mynah.FeedItem) []mynah.FeedItem {
	rooms := map[string]struct{}{}
	roomIDs := []string{}
	for _, item := range items {
		id := mynah.RoomID(item.ConversationID, s.agentID)
		if _, ok := rooms[id]; ok {
			continue
		}
		rooms[id] = struct{}{}
		roomIDs = append(roomIDs, id)
	}

	recs, err := s.store.RecordsByRoomIDs(ctx, roomIDs)
	if err != nil {
		slog.WarnContext(ctx, "error looking up stored records, treating all as new", "error", err)
		return items
	}

	stored := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		stored[rec.ID] = struct{}{}
	}

	out := []mynah.FeedItem{}
	for _, item := range items {
		if _, ok := stored[mynah.MemoryID(item.ID, s.agentID)]; !ok {
			out = append(out, item)
		}
	}

	return out
}

func (s *Synchronizer) importAll(ctx context.Context, path string, candidates, unstored []mynah.FeedItem) Report {
	rep := Report{
		Path:       path,
		Candidates: len(candidates),
		Skipped:    len(candidates) - len(unstored),
	}

	for _, item := range unstored {
		if ctx.Err() != nil {
			break
		}

		created, err := s.importItem(ctx, item)
		if err != nil {
			slog.ErrorContext(ctx, "error importing item", "item_id", item.ID, "error", err)
			rep.Failed++
			continue
		}
		// Stored since the lookup, or the lookup failed.
		if !created {
			rep.Skipped++
			continue
		}
		rep.Imported++
	}

	return rep
}

func (s *Synchronizer) importItem(ctx context.Context, item mynah.FeedItem) (bool, error) {
	ident := s.identity(item)
	if err := s.store.EnsureIdentity(ctx, ident); err != nil {
		return false, fmt.Errorf("error ensuring identity: %w", err)
	}

	created, err := s.store.CreateIfAbsent(ctx, mynah.NewRecord(item, s.agentID, ident.UserID))
	if err != nil {
		return false, fmt.Errorf("error creating record: %w", err)
	}

	return created, nil
}

// identity maps an item's author to a participant of the item's room. The
// agent's own items are attributed to the agent itself.
func (s *Synchronizer) identity(item mynah.FeedItem) mynah.Identity {
	ident := mynah.Identity{
		UserID:   mynah.UserID(item.AuthorID),
		RoomID:   mynah.RoomID(item.ConversationID, s.agentID),
		Name:     item.Name,
		Username: item.Username,
		Source:   mynah.SourceTag,
	}
	if item.AuthorID == s.account.UserID {
		ident.UserID = s.agentID
		ident.Name = s.account.Name
		ident.Username = s.account.Handle
	}

	return ident
}

func (s *Synchronizer) finish(ctx context.Context, rep Report) Report {
	rep.FinishedAt = time.Now()

	slog.InfoContext(ctx, "synced",
		"candidates", rep.Candidates,
		"imported", rep.Imported,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()

	return rep
}

// merge concatenates the lists, keeping the first occurrence of each item.
func merge(lists ...[]mynah.FeedItem) []mynah.FeedItem {
	seen := map[string]struct{}{}
	out := []mynah.FeedItem{}
	for _, list := range lists {
		for _, item := range list {
			if _, ok := seen[item.ID]; ok {
				continue
			}
			seen[item.ID] = struct{}{}
			out = append(out, item)
		}
	}

	return out
}

// fatal reports whether err means the sync can't go on at all.
func fatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, mynah.ErrClosed)
}
