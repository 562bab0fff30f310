package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdholdren/mynah/internal/cache"
	"github.com/jdholdren/mynah/internal/mynah"
	"github.com/jdholdren/mynah/internal/scheduler"
)

const (
	testAgentID = "agent"
	testHandle  = "mynah"
	testUserID  = "1000"
)

var testAccount = Account{Handle: testHandle, UserID: testUserID, Name: "Mynah"}

func testItem(id, authorID string) mynah.FeedItem {
	return mynah.FeedItem{
		ID:             id,
		ConversationID: id,
		AuthorID:       authorID,
		Username:       "user" + authorID,
		Name:           "User " + authorID,
		Text:           "post " + id,
		CreatedAt:      1700000000,
		PermanentURL:   "https://x.com/user" + authorID + "/status/" + id,
	}
}

// items builds items with ids from..to inclusive.
func items(from, to int) []mynah.FeedItem {
	var out []mynah.FeedItem
	for i := from; i <= to; i++ {
		out = append(out, testItem(fmt.Sprint(i), "7"))
	}
	return out
}

type fakeSource struct {
	mu         sync.Mutex
	timeline   []mynah.FeedItem
	mentions   []mynah.FeedItem
	byID       map[string]mynah.FeedItem
	searchErr  error
	searchWait chan struct{}

	calls      map[string]int
	homeCounts []int
	queries    []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		byID:  map[string]mynah.FeedItem{},
		calls: map[string]int{},
	}
}

func (f *fakeSource) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeSource) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeSource) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeSource) Item(_ context.Context, id string) (mynah.FeedItem, error) {
	f.record("item")

	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.byID[id]
	if !ok {
		return mynah.FeedItem{}, scheduler.Permanent(mynah.ErrNotFound)
	}
	return item, nil
}

func (f *fakeSource) HomeTimeline(_ context.Context, count int) ([]mynah.FeedItem, error) {
	f.record("home")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.homeCounts = append(f.homeCounts, count)
	return f.timeline[:min(count, len(f.timeline))], nil
}

func (f *fakeSource) Search(ctx context.Context, query string, limit int, _ mynah.SearchMode, _ string) (mynah.SearchResult, error) {
	f.record("search")

	f.mu.Lock()
	f.queries = append(f.queries, query)
	wait, err := f.searchWait, f.searchErr
	f.mu.Unlock()

	if wait != nil {
		<-wait
	}
	if err != nil {
		return mynah.SearchResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return mynah.SearchResult{Items: f.mentions[:min(limit, len(f.mentions))]}, nil
}

func (f *fakeSource) UserItems(_ context.Context, authorID string, count int) ([]mynah.FeedItem, error) {
	f.record("user items")

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mynah.FeedItem
	for _, item := range f.timeline {
		if item.AuthorID == authorID && len(out) < count {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]mynah.MemoryRecord
	idents    map[string]mynah.Identity
	lookupErr error
	failIDs   map[string]bool
	creates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: map[string]mynah.MemoryRecord{},
		idents:  map[string]mynah.Identity{},
		failIDs: map[string]bool{},
	}
}

func (s *fakeStore) CreateIfAbsent(_ context.Context, rec mynah.MemoryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creates++
	if s.failIDs[rec.ID] {
		return false, errors.New("disk full")
	}
	if _, ok := s.records[rec.ID]; ok {
		return false, nil
	}
	s.records[rec.ID] = rec
	return true, nil
}

// put stores items as though an earlier sync had imported them.
func (s *fakeStore) put(t *testing.T, items ...mynah.FeedItem) {
	t.Helper()

	for _, item := range items {
		_, err := s.CreateIfAbsent(context.Background(), mynah.NewRecord(item, testAgentID, mynah.UserID(item.AuthorID)))
		require.NoError(t, err)
	}
}

func (s *fakeStore) RecordsByRoomIDs(_ context.Context, roomIDs []string) ([]mynah.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupErr != nil {
		return nil, s.lookupErr
	}

	rooms := map[string]bool{}
	for _, id := range roomIDs {
		rooms[id] = true
	}
	out := []mynah.MemoryRecord{}
	for _, rec := range s.records {
		if rooms[rec.RoomID] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) Record(_ context.Context, id string) (mynah.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return mynah.MemoryRecord{}, mynah.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) EnsureIdentity(_ context.Context, ident mynah.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ident.UserID + "|" + ident.RoomID
	if _, ok := s.idents[key]; !ok {
		s.idents[key] = ident
	}
	return nil
}

func (s *fakeStore) CountRecords(_ context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) count(t *testing.T) int {
	t.Helper()

	n, err := s.CountRecords(context.Background(), testAgentID)
	require.NoError(t, err)
	return n
}

// ttlCache records the ttl each key was last written with.
type ttlCache struct {
	*cache.LRU

	mu   sync.Mutex
	ttls map[string]time.Duration
}

func (c *ttlCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.ttls[key] = ttl
	c.mu.Unlock()

	return c.LRU.Set(ctx, key, value, ttl)
}

func (c *ttlCache) ttl(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.ttls[key]
	return d, ok
}

type harness struct {
	source *fakeSource
	store  *fakeStore
	cache  *ttlCache
	sched  *scheduler.Scheduler
	client *Client
	sync   *Synchronizer
}

// newHarness wires a synchronizer to fakes, with a scheduler that never sleeps.
func newHarness(t *testing.T) *harness {
	t.Helper()

	lru, err := cache.NewLRU(1024)
	require.NoError(t, err)

	h := &harness{
		source: newFakeSource(),
		store:  newFakeStore(),
		cache:  &ttlCache{LRU: lru, ttls: map[string]time.Duration{}},
		sched: scheduler.New(context.Background(),
			scheduler.WithSleep(func(context.Context, time.Duration) error { return nil }),
			scheduler.WithPacing(func() time.Duration { return 0 }),
		),
	}
	t.Cleanup(func() { h.sched.Close() })

	h.client = NewClient(h.source, h.sched, h.cache, ClientConfig{
		Namespace:     testHandle,
		SearchTimeout: time.Second,
		TimelineTTL:   time.Minute,
	})
	h.sync = NewSynchronizer(h.client, h.store, testAccount, testAgentID)

	return h
}
