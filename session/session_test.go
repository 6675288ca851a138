package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/identity"
	"github.com/statline/feedsync/stream"
)

const (
	waitTimeout = 2 * time.Second
	pollEvery   = 5 * time.Millisecond
)

// fakeBackend implements backend.Fetcher and backend.Mutator in memory
type fakeBackend struct {
	mu         sync.Mutex
	count      int64
	rows       []map[string]interface{}
	fetchErr   error
	fetchDelay time.Duration
	fetchCalls int
	markErr    error
	markCalls  int
}

func (f *fakeBackend) CountUnread(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error) {
	f.mu.Lock()
	f.fetchCalls++
	count, err, delay := f.count, f.fetchErr, f.fetchDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return count, err
}

func (f *fakeBackend) RecentRows(ctx context.Context, feed cfg.FeedConfiguration, scopeID string, limit int) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeBackend) MarkAllRead(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	if f.markErr != nil {
		return 0, f.markErr
	}
	affected := f.count
	f.count = 0
	return affected, nil
}

func (f *fakeBackend) setCount(n int64) {
	f.mu.Lock()
	f.count = n
	f.mu.Unlock()
}

func (f *fakeBackend) backendCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeBackend) setFetchErr(err error) {
	f.mu.Lock()
	f.fetchErr = err
	f.mu.Unlock()
}

func counterFeed() cfg.FeedConfiguration {
	return cfg.FeedConfiguration{
		Table:       "notifications",
		Shape:       "counter",
		ReadColumn:  "is_read",
		OwnerColumn: "user_id",
		KeyColumn:   "id",
	}
}

func listFeed() cfg.FeedConfiguration {
	return cfg.FeedConfiguration{
		Table:       "posts",
		Shape:       "list",
		OwnerColumn: "user_id",
		KeyColumn:   "id",
	}
}

func startSession(t *testing.T, feed cfg.FeedConfiguration, source *stream.MemorySource, be *fakeBackend) *Session {
	t.Helper()

	s, err := New(Config{
		Feed:           feed,
		ScopeID:        "u1",
		Source:         source,
		Fetcher:        be,
		Mutator:        be,
		ReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitSubscribed(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.Subscribed, waitTimeout, pollEvery, "session never reached SUBSCRIBED")
}

func waitCount(t *testing.T, s *Session, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.UnreadCount() == want
	}, waitTimeout, pollEvery, "count never reached %d (now %d)", want, s.UnreadCount())
}

func insertEvent(seq uint64, id string) stream.ChangeEvent {
	return stream.ChangeEvent{
		Table:   "notifications",
		ScopeID: "u1",
		Op:      stream.OpInsert,
		Seq:     seq,
		After:   map[string]interface{}{"id": id, "user_id": "u1", "is_read": false},
	}
}

func readEvent(seq uint64, id string) stream.ChangeEvent {
	return stream.ChangeEvent{
		Table:   "notifications",
		ScopeID: "u1",
		Op:      stream.OpUpdate,
		Seq:     seq,
		Before:  map[string]interface{}{"id": id, "user_id": "u1", "is_read": false},
		After:   map[string]interface{}{"id": id, "user_id": "u1", "is_read": true},
	}
}

func TestSession_BaselineThenInserts(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 2}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)
	waitCount(t, s, 2)

	for i := 0; i < 5; i++ {
		source.Publish(insertEvent(uint64(i+1), "n"+string(rune('a'+i))))
	}
	waitCount(t, s, 7)
}

// The full lifecycle: baseline 2, an insert bumps to 3, a read-update
// drops to 2, mark-all-read zeroes both sides.
func TestSession_FullScenario(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 2}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)
	waitCount(t, s, 2)

	source.Publish(insertEvent(1, "n1"))
	waitCount(t, s, 3)

	source.Publish(readEvent(2, "n1"))
	waitCount(t, s, 2)

	require.NoError(t, s.MarkAllRead(context.Background()))
	require.Equal(t, int64(0), s.UnreadCount())
	require.Equal(t, int64(0), be.backendCount())
	require.Equal(t, 1, be.markCalls)
}

func TestSession_PairedInsertAndReadNetsToBaseline(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 0}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)
	waitCount(t, s, 0)

	seq := uint64(0)
	for i := 0; i < 10; i++ {
		seq++
		source.Publish(insertEvent(seq, "n1"))
		seq++
		source.Publish(readEvent(seq, "n1"))
	}
	// Every insert is paired with its read-update; the counter must
	// come back to the baseline and never have gone negative.
	waitCount(t, s, 0)

	// An unmatched read-update clamps at zero instead of going negative
	seq++
	source.Publish(readEvent(seq, "phantom"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), s.UnreadCount())
}

func TestSession_MarkAllReadFailureKeepsLocalValue(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 3, markErr: context.DeadlineExceeded}

	s := startSession(t, counterFeed(), source, be)
	waitCount(t, s, 3)

	err := s.MarkAllRead(context.Background())
	require.Error(t, err)
	var mutErr *MutationError
	require.ErrorAs(t, err, &mutErr)
	require.Equal(t, "notifications", mutErr.Table)

	// The write never landed, so the counter must not move
	require.Equal(t, int64(3), s.UnreadCount())
	require.Equal(t, int64(3), be.backendCount())
}

func TestSession_StopClosesSubscription(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 1}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)
	waitCount(t, s, 1)

	s.Stop()
	require.Equal(t, 0, source.SubscriptionCount())
	require.False(t, s.Subscribed())

	// Teardown clears the aggregate and events published afterwards
	// must not revive it
	require.Equal(t, int64(0), s.UnreadCount())
	require.Equal(t, 0, len(s.FeedSnapshot()))
	source.Publish(insertEvent(1, "late"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), s.UnreadCount())

	// Stop is idempotent
	s.Stop()

	require.ErrorIs(t, s.MarkAllRead(context.Background()), ErrStopped)
	require.ErrorIs(t, s.Refetch(context.Background()), ErrStopped)
}

func TestSession_ReconnectsAfterChannelError(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 2}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)
	waitCount(t, s, 2)

	source.InjectError()
	require.Eventually(t, func() bool {
		return !s.Subscribed()
	}, waitTimeout, pollEvery)

	// A fresh subscription opens after the reconnect delay and events
	// count again
	waitSubscribed(t, s)
	require.Eventually(t, func() bool {
		return source.SubscriptionCount() == 1
	}, waitTimeout, pollEvery)

	source.Publish(insertEvent(1, "n1"))
	waitCount(t, s, 3)
}

func TestSession_RedeliveredEventCountsOnce(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 0}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)
	waitCount(t, s, 0)

	event := insertEvent(7, "n1")
	source.Publish(event)
	waitCount(t, s, 1)

	// At-least-once delivery: the same sequenced event shows up again
	source.Publish(event)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), s.UnreadCount())
}

func TestSession_EventsDuringBaselineAreBuffered(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 2, fetchDelay: 100 * time.Millisecond}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)

	// Published while the baseline query is still in flight; it must be
	// applied exactly once, after the seed.
	source.Publish(insertEvent(1, "n1"))
	require.Equal(t, int64(0), s.UnreadCount())

	waitCount(t, s, 3)
}

func TestSession_BaselineFailureThenRefetch(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 5, fetchErr: context.DeadlineExceeded}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)

	// Baseline failed: value stays at its zero start, stream stays armed
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), s.UnreadCount())

	require.Error(t, s.Refetch(context.Background()))

	be.setFetchErr(nil)
	require.NoError(t, s.Refetch(context.Background()))
	require.Equal(t, int64(5), s.UnreadCount())
}

func TestSession_ListFeed(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{rows: []map[string]interface{}{
		{"id": "p2", "user_id": "u1", "body": "second"},
		{"id": "p1", "user_id": "u1", "body": "first"},
	}}

	s, err := New(Config{
		Feed:    listFeed(),
		ScopeID: "u1",
		Source:  source,
		Fetcher: be,
		Mutator: be,
	})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return len(s.FeedSnapshot()) == 2
	}, waitTimeout, pollEvery)

	source.Publish(stream.ChangeEvent{
		Table:   "posts",
		ScopeID: "u1",
		Op:      stream.OpInsert,
		Seq:     1,
		After:   map[string]interface{}{"id": "p3", "user_id": "u1", "body": "third"},
	})
	require.Eventually(t, func() bool {
		snap := s.FeedSnapshot()
		return len(snap) == 3 && snap[0].Key == "p3"
	}, waitTimeout, pollEvery)

	source.Publish(stream.ChangeEvent{
		Table:   "posts",
		ScopeID: "u1",
		Op:      stream.OpUpdate,
		Seq:     2,
		Before:  map[string]interface{}{"id": "p1", "user_id": "u1", "body": "first"},
		After:   map[string]interface{}{"id": "p1", "user_id": "u1", "body": "edited"},
	})
	require.Eventually(t, func() bool {
		for _, item := range s.FeedSnapshot() {
			if item.Key == "p1" {
				return item.Row["body"] == "edited"
			}
		}
		return false
	}, waitTimeout, pollEvery)

	source.Publish(stream.ChangeEvent{
		Table:   "posts",
		ScopeID: "u1",
		Op:      stream.OpDelete,
		Seq:     3,
		Before:  map[string]interface{}{"id": "p2", "user_id": "u1"},
	})
	require.Eventually(t, func() bool {
		return len(s.FeedSnapshot()) == 2
	}, waitTimeout, pollEvery)
}

func TestSession_WatchObservesUpdates(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 0}

	s := startSession(t, counterFeed(), source, be)
	waitSubscribed(t, s)
	waitCount(t, s, 0)

	ch, cancel := s.Watch()
	defer cancel()

	source.Publish(insertEvent(1, "n1"))

	select {
	case u := <-ch:
		require.Equal(t, "notifications", u.Table)
		require.Equal(t, int64(1), u.Count)
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for aggregate update")
	}
}

func TestRegistry_IdentityDrivesLifecycle(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 4}
	hub := identity.NewHub()

	reg, err := NewRegistry(RegistryConfig{
		Feeds: []cfg.FeedConfiguration{counterFeed()},
		Session: cfg.SessionConfiguration{
			ReconnectDelayMS:  20,
			PendingBufferSize: 16,
		},
		Source:   source,
		Fetcher:  be,
		Mutator:  be,
		Identity: hub,
	})
	require.NoError(t, err)

	reg.Start()
	t.Cleanup(reg.Stop)

	_, ok := reg.Session("notifications")
	require.False(t, ok, "no session before sign-in")

	hub.SignedIn("u1")
	require.Eventually(t, func() bool {
		s, ok := reg.Session("notifications")
		return ok && s.Subscribed() && s.UnreadCount() == 4
	}, waitTimeout, pollEvery)

	hub.SignedOut()
	require.Eventually(t, func() bool {
		_, ok := reg.Session("notifications")
		return !ok && source.SubscriptionCount() == 0
	}, waitTimeout, pollEvery)
}

func TestRegistry_UserSwitchRescopesSessions(t *testing.T) {
	source := stream.NewMemorySource(64)
	defer source.Close()
	be := &fakeBackend{count: 0}
	hub := identity.NewHub()

	reg, err := NewRegistry(RegistryConfig{
		Feeds:    []cfg.FeedConfiguration{counterFeed()},
		Session:  cfg.SessionConfiguration{ReconnectDelayMS: 20},
		Source:   source,
		Fetcher:  be,
		Mutator:  be,
		Identity: hub,
	})
	require.NoError(t, err)

	reg.Start()
	t.Cleanup(reg.Stop)

	hub.SignedIn("u1")
	require.Eventually(t, func() bool {
		s, ok := reg.Session("notifications")
		return ok && s.Subscribed()
	}, waitTimeout, pollEvery)
	first, _ := reg.Session("notifications")

	// Switching users replaces the session wholesale
	hub.SignedIn("u2")
	require.Eventually(t, func() bool {
		s, ok := reg.Session("notifications")
		return ok && s != first && s.Subscribed()
	}, waitTimeout, pollEvery)

	// Events scoped to the previous user no longer land anywhere
	source.Publish(insertEvent(1, "n1")) // scope u1
	source.Publish(stream.ChangeEvent{
		Table:   "notifications",
		ScopeID: "u2",
		Op:      stream.OpInsert,
		Seq:     1,
		After:   map[string]interface{}{"id": "n2", "user_id": "u2", "is_read": false},
	})

	current, ok := reg.Session("notifications")
	require.True(t, ok)
	waitCount(t, current, 1)
	require.Equal(t, int64(0), first.UnreadCount())
}
