// Package mynah holds the domain types shared by the ingestion client along
// with the contracts of the collaborators it drives.
package mynah

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("resource not found")
	ErrClosed   = errors.New("closed")
)

type (
	// FeedItem is a single remote post. Items are immutable once observed.
	FeedItem struct {
		// ID exceeds the safe range of a float64, so it is kept as the
		// decimal string the remote handed us. See [CompareIDs].
		ID             string    `json:"id"`
		ConversationID string    `json:"conversation_id"`
		AuthorID       string    `json:"author_id"`
		Username       string    `json:"username"`
		Name           string    `json:"name"`
		Text           string    `json:"text"`
		CreatedAt      int64     `json:"created_at"` // epoch seconds
		InReplyToID    string    `json:"in_reply_to_id,omitempty"`
		Hashtags       []string  `json:"hashtags,omitempty"`
		Mentions       []Mention `json:"mentions,omitempty"`
		Media          []Media   `json:"media,omitempty"`
		URLs           []string  `json:"urls,omitempty"`
		PermanentURL   string    `json:"permanent_url"`
	}

	Mention struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name,omitempty"`
	}

	Media struct {
		ID   string `json:"id"`
		URL  string `json:"url"`
		Type string `json:"type"`
	}

	// SearchResult is a page of search results. Cursor is empty on the last page.
	SearchResult struct {
		Items  []FeedItem `json:"items"`
		Cursor string     `json:"cursor,omitempty"`
	}

	// MemoryRecord is the durable, per-agent copy of a FeedItem.
	//
	// There is at most one record per (item, agent), keyed by [MemoryID].
	MemoryRecord struct {
		ID        string        `db:"id" json:"id"`
		AgentID   string        `db:"agent_id" json:"agent_id"`
		UserID    string        `db:"user_id" json:"user_id"`
		RoomID    string        `db:"room_id" json:"room_id"`
		Content   RecordContent `db:"content" json:"content"`
		CreatedAt int64         `db:"created_at" json:"created_at"` // epoch millis
	}

	RecordContent struct {
		Text      string `json:"text"`
		URL       string `json:"url,omitempty"`
		InReplyTo string `json:"in_reply_to,omitempty"`
		Source    string `json:"source"`
	}

	// Identity is a participant of a room, either the agent itself or a
	// third party that authored an item.
	Identity struct {
		UserID   string `db:"user_id"`
		RoomID   string `db:"room_id"`
		Name     string `db:"name"`
		Username string `db:"username"`
		Source   string `db:"source"`
	}
)

// SearchMode selects the ordering of search results.
type SearchMode string

const (
	SearchLatest SearchMode = "latest"
	SearchTop    SearchMode = "top"
)

// SourceTag marks records and identities created by this client.
const SourceTag = "feed"

type (
	// FeedSource is the rate-limited remote API.
	//
	// Any of these may fail transiently. Results are most recent first by convention only.
	FeedSource interface {
		Item(ctx context.Context, id string) (FeedItem, error)
		HomeTimeline(ctx context.Context, count int) ([]FeedItem, error)
		Search(ctx context.Context, query string, limit int, mode SearchMode, cursor string) (SearchResult, error)
		UserItems(ctx context.Context, authorID string, count int) ([]FeedItem, error)
	}

	// CacheStore is a best-effort key/value cache.
	//
	// A missing key is reported as (nil, false, nil). A zero ttl never expires.
	CacheStore interface {
		Get(ctx context.Context, key string) ([]byte, bool, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	}

	// MemoryStore is the durable record store.
	MemoryStore interface {
		// CreateIfAbsent stores the record unless one with the same ID exists,
		// in which case it does nothing. created reports whether it stored it.
		CreateIfAbsent(ctx context.Context, rec MemoryRecord) (created bool, err error)
		RecordsByRoomIDs(ctx context.Context, roomIDs []string) ([]MemoryRecord, error)
		// Record returns ErrNotFound if there is no record with the id.
		Record(ctx context.Context, id string) (MemoryRecord, error)
		EnsureIdentity(ctx context.Context, ident Identity) error
		CountRecords(ctx context.Context, agentID string) (int, error)
	}
)
