// Package session owns the lifecycle of change stream subscriptions:
// one session per (table, owner) pair, seeded by a baseline fetch,
// reconnected after channel errors, and torn down on sign-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/aggregate"
	"github.com/statline/feedsync/applier"
	"github.com/statline/feedsync/backend"
	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/journal"
	"github.com/statline/feedsync/stream"
	"github.com/statline/feedsync/telemetry"
)

// ErrStopped is returned by operations on a session that has been torn down.
var ErrStopped = errors.New("session: stopped")

// MutationError reports a failed bulk corrective write. The local
// aggregate is left untouched when it occurs.
type MutationError struct {
	Table string
	Cause error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation on %s failed: %v", e.Table, e.Cause)
}

func (e *MutationError) Unwrap() error {
	return e.Cause
}

// errChannel signals a transient channel failure; the run loop schedules
// a reconnect.
var errChannel = errors.New("session: channel error")

// Config wires a session's collaborators. Everything is injected; there
// is no process-global client.
type Config struct {
	Feed    cfg.FeedConfiguration
	ScopeID string

	Source  stream.Source
	Fetcher backend.Fetcher
	Mutator backend.Mutator
	Cursors journal.Store

	ReconnectDelay      time.Duration
	ReconnectMultiplier float64
	ReconnectMaxDelay   time.Duration
	BaselineTimeout     time.Duration
	PendingBufferSize   int
	DedupCacheSize      int
	FeedCapacity        int
}

// Session keeps one local aggregate consistent with the change stream.
// At most one subscription handle is live at any time; a new one is
// opened only after the previous is closed.
type Session struct {
	config Config

	store   *aggregate.Store
	applier *applier.Applier

	subscribed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates the configuration and builds a session. Start must be
// called to arm it.
func New(config Config) (*Session, error) {
	if config.ScopeID == "" {
		return nil, fmt.Errorf("scope ID is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("stream source is required")
	}
	if config.Fetcher == nil {
		return nil, fmt.Errorf("baseline fetcher is required")
	}
	if config.Mutator == nil {
		return nil, fmt.Errorf("mutator is required")
	}
	if config.Cursors == nil {
		config.Cursors = journal.NewMemoryStore()
	}

	// Fill defaults
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.ReconnectMultiplier < 1.0 {
		config.ReconnectMultiplier = 1.0
	}
	if config.ReconnectMaxDelay < config.ReconnectDelay {
		config.ReconnectMaxDelay = config.ReconnectDelay
	}
	if config.BaselineTimeout <= 0 {
		config.BaselineTimeout = 10 * time.Second
	}
	if config.PendingBufferSize <= 0 {
		config.PendingBufferSize = 128
	}
	if config.FeedCapacity <= 0 {
		config.FeedCapacity = 200
	}

	feedCap := 0
	if config.Feed.Shape == "list" {
		feedCap = config.FeedCapacity
	}
	store := aggregate.NewStore(config.Feed.Table, config.ScopeID, feedCap)

	app, err := applier.New(config.Feed, store, config.Cursors, config.ScopeID, config.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create applier: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		config:  config,
		store:   store,
		applier: app,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start arms the session: baseline fetch, subscription, reconnect loop.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.store.Start()
		s.wg.Add(1)
		go s.run()
		telemetry.SessionsActive.Inc()

		log.Info().
			Str("table", s.config.Feed.Table).
			Str("scope", s.config.ScopeID).
			Msg("Session started")
	})
}

// Stop tears the session down: the subscription handle is closed, any
// pending reconnect timer is cancelled, and the aggregate is reset.
// Idempotent and safe to call on a never-started session.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.subscribed.Store(false)

		// Clear the aggregate so a signed-out user's state is never
		// reported to the next reader
		if _, err := s.store.Reset().Get(); err != nil && !errors.Is(err, aggregate.ErrStopped) {
			log.Warn().Err(err).
				Str("table", s.config.Feed.Table).
				Msg("Failed to clear aggregate during teardown")
		}
		s.store.Stop()
		telemetry.SessionsActive.Dec()

		log.Info().
			Str("table", s.config.Feed.Table).
			Str("scope", s.config.ScopeID).
			Msg("Session stopped")
	})
}

// UnreadCount returns the current counter value
func (s *Session) UnreadCount() int64 {
	return s.store.Read()
}

// Subscribed reports whether the channel is currently SUBSCRIBED
func (s *Session) Subscribed() bool {
	return s.subscribed.Load()
}

// FeedSnapshot returns the cached feed items, newest first
func (s *Session) FeedSnapshot() []aggregate.FeedItem {
	return s.store.FeedSnapshot()
}

// Watch registers an observer for aggregate updates
func (s *Session) Watch() (<-chan aggregate.Update, func()) {
	return s.store.Watch()
}

// Refetch re-runs the baseline query and reseeds the aggregate. Used by
// the UI layer to recover from a failed baseline fetch.
func (s *Session) Refetch(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}

	count, rows, err := s.fetchBaseline(ctx)
	if err != nil {
		return err
	}
	return s.seed(count, rows)
}

// MarkAllRead issues the bulk corrective write and, only after the
// backend acknowledges it, zeroes the local counter through the same
// single-writer queue the live events use.
func (s *Session) MarkAllRead(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}

	affected, err := s.config.Mutator.MarkAllRead(ctx, s.config.Feed, s.config.ScopeID)
	if err != nil {
		// Local aggregate is deliberately left unchanged
		log.Warn().Err(err).
			Str("table", s.config.Feed.Table).
			Str("scope", s.config.ScopeID).
			Msg("Bulk mark-read failed")
		return &MutationError{Table: s.config.Feed.Table, Cause: err}
	}

	if _, err := s.store.SetBaseline(0).Get(); err != nil {
		return &MutationError{Table: s.config.Feed.Table, Cause: err}
	}

	log.Debug().
		Str("table", s.config.Feed.Table).
		Str("scope", s.config.ScopeID).
		Int64("rows", affected).
		Msg("Marked all as read")
	return nil
}

// run is the reconnect loop: one subscribe/consume cycle per iteration,
// with a configurable delay between attempts. The delay resets after any
// cycle that reached SUBSCRIBED.
func (s *Session) run() {
	defer s.wg.Done()

	delay := s.config.ReconnectDelay

	for {
		if s.ctx.Err() != nil {
			return
		}

		wasSubscribed, err := s.runOnce()
		s.subscribed.Store(false)

		if s.ctx.Err() != nil || err == nil {
			// Intentional teardown, local or remote CLOSED: terminal
			return
		}

		if wasSubscribed {
			delay = s.config.ReconnectDelay
		}

		telemetry.ReconnectsTotal.Inc()
		log.Warn().Err(err).
			Str("table", s.config.Feed.Table).
			Str("scope", s.config.ScopeID).
			Dur("retry_in", delay).
			Msg("Channel error, scheduling reconnect")

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		next := time.Duration(float64(delay) * s.config.ReconnectMultiplier)
		if next > s.config.ReconnectMaxDelay {
			next = s.config.ReconnectMaxDelay
		}
		delay = next
	}
}

// runOnce opens one subscription, seeds the baseline, and consumes until
// the channel errors (returned as errChannel), closes (nil), or the
// session stops (nil). The handle is always closed before returning, so
// a reconnect can never overlap a live subscription.
func (s *Session) runOnce() (wasSubscribed bool, err error) {
	filter := stream.Filter{
		Table:   s.config.Feed.Table,
		ScopeID: s.config.ScopeID,
	}

	sub, err := s.config.Source.Subscribe(s.ctx, filter)
	if err != nil {
		return false, fmt.Errorf("subscribe failed: %w", err)
	}
	defer sub.Close()

	// The baseline must seed the aggregate before any live event is
	// applied, or a row gets counted twice. Events arriving during the
	// fetch window are buffered and replayed after seeding.
	type baselineResult struct {
		count int64
		rows  []map[string]interface{}
		err   error
	}
	resCh := make(chan baselineResult, 1)
	go func() {
		count, rows, err := s.fetchBaseline(s.ctx)
		resCh <- baselineResult{count: count, rows: rows, err: err}
	}()

	pending := make([]stream.ChangeEvent, 0, s.config.PendingBufferSize)

seeding:
	for {
		select {
		case res := <-resCh:
			if res.err != nil {
				// Stale-but-not-corrupt: keep the previous value and
				// stay armed; the caller can recover via Refetch.
				log.Warn().Err(res.err).
					Str("table", s.config.Feed.Table).
					Str("scope", s.config.ScopeID).
					Msg("Baseline fetch failed, keeping previous value")
			} else if err := s.seed(res.count, res.rows); err != nil {
				return wasSubscribed, err
			}
			break seeding

		case event, ok := <-sub.Events():
			if !ok {
				return wasSubscribed, errChannel
			}
			if len(pending) >= s.config.PendingBufferSize {
				telemetry.EventsDropped.With("overflow").Inc()
				log.Warn().
					Str("table", s.config.Feed.Table).
					Msg("Pending buffer full during baseline fetch, dropping event")
				continue
			}
			pending = append(pending, event)

		case status, ok := <-sub.Status():
			if !ok {
				return wasSubscribed, errChannel
			}
			subscribedNow, terminal, statusErr := s.handleStatus(status)
			wasSubscribed = wasSubscribed || subscribedNow
			if terminal {
				return wasSubscribed, nil
			}
			if statusErr != nil {
				return wasSubscribed, statusErr
			}

		case <-s.ctx.Done():
			return wasSubscribed, nil
		}
	}

	// Replay events buffered during the fetch window, in delivery order
	for _, event := range pending {
		s.applyEvent(event)
	}

	// Live consume loop
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return wasSubscribed, errChannel
			}
			s.applyEvent(event)

		case status, ok := <-sub.Status():
			if !ok {
				return wasSubscribed, errChannel
			}
			subscribedNow, terminal, statusErr := s.handleStatus(status)
			wasSubscribed = wasSubscribed || subscribedNow
			if terminal {
				return wasSubscribed, nil
			}
			if statusErr != nil {
				return wasSubscribed, statusErr
			}

		case <-s.ctx.Done():
			return wasSubscribed, nil
		}
	}
}

// handleStatus applies one status transition.
// Returns (nowSubscribed, terminal, err).
func (s *Session) handleStatus(status stream.Status) (bool, bool, error) {
	telemetry.StatusTransitionsTotal.With(status.String()).Inc()

	switch status {
	case stream.StatusConnecting:
		log.Debug().
			Str("table", s.config.Feed.Table).
			Str("scope", s.config.ScopeID).
			Msg("Channel connecting")
		return false, false, nil

	case stream.StatusSubscribed:
		s.subscribed.Store(true)
		log.Debug().
			Str("table", s.config.Feed.Table).
			Str("scope", s.config.ScopeID).
			Msg("Channel subscribed")
		return true, false, nil

	case stream.StatusError:
		s.subscribed.Store(false)
		return false, false, errChannel

	case stream.StatusClosed:
		s.subscribed.Store(false)
		return false, true, nil

	default:
		return false, false, nil
	}
}

func (s *Session) applyEvent(event stream.ChangeEvent) {
	if err := s.applier.Apply(event); err != nil {
		telemetry.EventsDropped.With("malformed").Inc()
		log.Warn().Err(err).
			Str("table", event.Table).
			Str("scope", event.ScopeID).
			Uint8("op", event.Op).
			Msg("Dropping unappliable change event")
		return
	}
	telemetry.UnreadCount.With(s.config.Feed.Table).Set(float64(s.store.Read()))
}

// fetchBaseline runs the shape-appropriate point-in-time query
func (s *Session) fetchBaseline(ctx context.Context) (int64, []map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.BaselineTimeout)
	defer cancel()

	switch s.config.Feed.Shape {
	case "counter":
		count, err := s.config.Fetcher.CountUnread(ctx, s.config.Feed, s.config.ScopeID)
		return count, nil, err
	case "list":
		rows, err := s.config.Fetcher.RecentRows(ctx, s.config.Feed, s.config.ScopeID, s.config.FeedCapacity)
		return int64(len(rows)), rows, err
	default:
		return 0, nil, fmt.Errorf("unknown feed shape: %s", s.config.Feed.Shape)
	}
}

// seed applies a baseline result to the aggregate
func (s *Session) seed(count int64, rows []map[string]interface{}) error {
	if s.config.Feed.Shape == "list" {
		items := make([]aggregate.FeedItem, 0, len(rows))
		for _, row := range rows {
			key, ok := rowKey(row, s.config.Feed.KeyColumn)
			if !ok {
				continue
			}
			items = append(items, aggregate.FeedItem{Key: key, Row: row})
		}
		_, err := s.store.Apply(func(_ int64, feed *aggregate.Feed) (int64, error) {
			feed.Seed(items)
			return int64(len(items)), nil
		}).Get()
		return err
	}

	_, err := s.store.SetBaseline(count).Get()
	if err == nil {
		telemetry.UnreadCount.With(s.config.Feed.Table).Set(float64(s.store.Read()))
	}
	return err
}

func rowKey(row map[string]interface{}, column string) (string, bool) {
	v, ok := row[column]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case int64:
		return fmt.Sprintf("%d", t), true
	case []byte:
		return string(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}
