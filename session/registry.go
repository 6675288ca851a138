package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/backend"
	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/identity"
	"github.com/statline/feedsync/journal"
	"github.com/statline/feedsync/stream"
)

// RegistryConfig wires the shared collaborators all sessions use.
type RegistryConfig struct {
	Feeds   []cfg.FeedConfiguration
	Session cfg.SessionConfiguration

	Source  stream.Source
	Fetcher backend.Fetcher
	Mutator backend.Mutator
	Cursors journal.Store

	Identity *identity.Hub
}

// Registry maps the active user to one session per configured feed. It
// follows the identity hub: sign-in starts sessions for the new user,
// sign-out tears them all down.
type Registry struct {
	config RegistryConfig

	// sessions is keyed by feed table; all entries belong to the
	// currently signed-in user.
	sessions *xsync.MapOf[string, *Session]

	identityCh     <-chan identity.Event
	identityCancel func()

	lifecycleMu sync.Mutex
	started     bool
	doneCh      chan struct{}
}

// NewRegistry validates the configuration and builds a registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if len(config.Feeds) == 0 {
		return nil, fmt.Errorf("at least one feed is required")
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
	if config.Identity == nil {
		return nil, fmt.Errorf("identity hub is required")
	}
	if config.Cursors == nil {
		config.Cursors = journal.NewMemoryStore()
	}

	return &Registry{
		config:   config,
		sessions: xsync.NewMapOf[string, *Session](),
	}, nil
}

// Start subscribes to identity transitions. If a user is already signed
// in, their sessions start immediately.
func (r *Registry) Start() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return
	}
	r.started = true
	r.doneCh = make(chan struct{})

	r.identityCh, r.identityCancel = r.config.Identity.Subscribe()
	go r.followIdentity()
}

// Stop deregisters from the identity hub and tears down every session.
// Idempotent.
func (r *Registry) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started {
		return
	}
	r.started = false

	r.identityCancel()
	<-r.doneCh
	r.stopSessions()
}

// Session returns the active session for a feed table, if any
func (r *Registry) Session(table string) (*Session, bool) {
	return r.sessions.Load(table)
}

// Range visits every active session
func (r *Registry) Range(visit func(table string, s *Session) bool) {
	r.sessions.Range(visit)
}

func (r *Registry) followIdentity() {
	defer close(r.doneCh)

	for event := range r.identityCh {
		switch event.Type {
		case identity.SignedIn:
			r.startSessions(event.UserID)
		case identity.SignedOut:
			r.stopSessions()
		}
	}
}

// startSessions replaces any running sessions with fresh ones for
// userID. The previous user's handles are fully closed before the new
// subscriptions open, so at most one handle per table is ever live.
func (r *Registry) startSessions(userID string) {
	r.stopSessions()

	sessionCfg := r.config.Session
	for _, feed := range r.config.Feeds {
		s, err := New(Config{
			Feed:    feed,
			ScopeID: userID,
			Source:  r.config.Source,
			Fetcher: r.config.Fetcher,
			Mutator: r.config.Mutator,
			Cursors: r.config.Cursors,

			ReconnectDelay:      time.Duration(sessionCfg.ReconnectDelayMS) * time.Millisecond,
			ReconnectMultiplier: sessionCfg.ReconnectMultiplier,
			ReconnectMaxDelay:   time.Duration(sessionCfg.ReconnectMaxDelayMS) * time.Millisecond,
			BaselineTimeout:     time.Duration(sessionCfg.BaselineTimeoutMS) * time.Millisecond,
			PendingBufferSize:   sessionCfg.PendingBufferSize,
			DedupCacheSize:      sessionCfg.DedupCacheSize,
			FeedCapacity:        sessionCfg.FeedCapacity,
		})
		if err != nil {
			log.Error().Err(err).
				Str("table", feed.Table).
				Str("user", userID).
				Msg("Unable to create session")
			continue
		}

		s.Start()
		r.sessions.Store(feed.Table, s)
	}

	log.Info().
		Str("user", userID).
		Int("feeds", len(r.config.Feeds)).
		Msg("Sessions started for signed-in user")
}

func (r *Registry) stopSessions() {
	r.sessions.Range(func(table string, s *Session) bool {
		r.sessions.Delete(table)
		s.Stop()
		return true
	})
}
