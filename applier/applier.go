// Package applier turns raw change events into aggregate transitions.
//
// Delivery is at-least-once: the same event can arrive again after a
// reconnect. Sequenced events are deduplicated against the journal
// watermark; unsequenced ones against a bounded LRU of event IDs.
package applier

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/aggregate"
	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/journal"
	"github.com/statline/feedsync/stream"
	"github.com/statline/feedsync/telemetry"
)

// ErrMalformedEvent marks events missing fields the table's semantics
// require. Callers log and drop; a bad event never kills a subscription.
var ErrMalformedEvent = errors.New("applier: malformed change event")

// Applier applies change events for one (table, owner) pair onto its
// aggregate store.
type Applier struct {
	feed     cfg.FeedConfiguration
	store    *aggregate.Store
	cursors  journal.Store
	scopeKey string

	seen *lru.Cache[uint64, struct{}] // Unsequenced event IDs already applied
}

// New creates an applier. dedupSize bounds the unsequenced event-ID cache.
func New(feedCfg cfg.FeedConfiguration, store *aggregate.Store, cursors journal.Store, scopeID string, dedupSize int) (*Applier, error) {
	if store == nil {
		return nil, fmt.Errorf("aggregate store is required")
	}
	if cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if dedupSize <= 0 {
		dedupSize = 1024
	}

	seen, err := lru.New[uint64, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &Applier{
		feed:     feedCfg,
		store:    store,
		cursors:  cursors,
		scopeKey: ScopeKey(feedCfg.Table, scopeID),
		seen:     seen,
	}, nil
}

// ScopeKey builds the journal key for a (table, owner) pair
func ScopeKey(table, scopeID string) string {
	return table + "/" + scopeID
}

// Apply applies one event. Duplicates are silently skipped; malformed
// events return ErrMalformedEvent and leave the aggregate untouched.
func (a *Applier) Apply(event stream.ChangeEvent) error {
	if a.isDuplicate(event) {
		telemetry.EventsDeduped.Inc()
		log.Debug().
			Str("table", event.Table).
			Uint64("seq", event.Seq).
			Str("event_id", event.EventID).
			Msg("Skipping duplicate change event")
		return nil
	}

	var err error
	switch a.feed.Shape {
	case "counter":
		err = a.applyCounter(event)
	case "list":
		err = a.applyList(event)
	default:
		err = fmt.Errorf("unknown feed shape: %s", a.feed.Shape)
	}
	if err != nil {
		return err
	}

	a.recordApplied(event)
	telemetry.EventsApplied.With(a.feed.Table).Inc()
	return nil
}

// isDuplicate checks the event against the sequence watermark, falling
// back to the event-ID cache for unsequenced sources.
func (a *Applier) isDuplicate(event stream.ChangeEvent) bool {
	if event.Seq > 0 {
		return event.Seq <= a.cursors.Cursor(a.scopeKey)
	}
	if event.EventID != "" {
		return a.seen.Contains(a.eventHash(event))
	}
	// No identity at all - apply and hope; matches the source feeds
	// that predate sequencing
	return false
}

func (a *Applier) recordApplied(event stream.ChangeEvent) {
	if event.Seq > 0 {
		if err := a.cursors.Advance(a.scopeKey, event.Seq); err != nil {
			log.Warn().Err(err).Str("scope_key", a.scopeKey).Msg("Failed to advance applied cursor")
		}
		return
	}
	if event.EventID != "" {
		a.seen.Add(a.eventHash(event), struct{}{})
	}
}

func (a *Applier) eventHash(event stream.ChangeEvent) uint64 {
	return xxhash.Sum64String(event.Table + "\x00" + event.ScopeID + "\x00" + event.EventID)
}

// applyCounter implements the unread-counter transitions:
// INSERT increments, UPDATE crossing unread->read decrements (clamped),
// DELETE of a still-unread row decrements, everything else is a no-op.
func (a *Applier) applyCounter(event stream.ChangeEvent) error {
	switch event.Op {
	case stream.OpInsert:
		if event.After == nil {
			return fmt.Errorf("%w: INSERT without new row", ErrMalformedEvent)
		}
		if _, err := a.store.Increment().Get(); err != nil {
			return err
		}
		a.store.NotifyItem(event.After)
		return nil

	case stream.OpUpdate:
		if event.Before == nil || event.After == nil {
			return fmt.Errorf("%w: UPDATE without row snapshots", ErrMalformedEvent)
		}
		wasRead, okOld := boolField(event.Before, a.feed.ReadColumn)
		isRead, okNew := boolField(event.After, a.feed.ReadColumn)
		if !okOld || !okNew {
			return fmt.Errorf("%w: UPDATE missing %s column", ErrMalformedEvent, a.feed.ReadColumn)
		}
		if !wasRead && isRead {
			_, err := a.store.Decrement().Get()
			return err
		}
		return nil

	case stream.OpDelete:
		if event.Before == nil {
			return fmt.Errorf("%w: DELETE without old row", ErrMalformedEvent)
		}
		wasRead, ok := boolField(event.Before, a.feed.ReadColumn)
		if ok && !wasRead {
			_, err := a.store.Decrement().Get()
			return err
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown operation %d", ErrMalformedEvent, event.Op)
	}
}

// applyList implements the feed-cache transitions: INSERT prepends,
// UPDATE replaces in place, DELETE removes by primary key.
func (a *Applier) applyList(event stream.ChangeEvent) error {
	switch event.Op {
	case stream.OpInsert:
		key, ok := keyField(event.After, a.feed.KeyColumn)
		if !ok {
			return fmt.Errorf("%w: INSERT missing %s column", ErrMalformedEvent, a.feed.KeyColumn)
		}
		_, err := a.store.Apply(func(current int64, feed *aggregate.Feed) (int64, error) {
			feed.Prepend(key, event.After)
			return current, nil
		}).Get()
		if err != nil {
			return err
		}
		a.store.NotifyItem(event.After)
		return nil

	case stream.OpUpdate:
		key, ok := keyField(event.After, a.feed.KeyColumn)
		if !ok {
			return fmt.Errorf("%w: UPDATE missing %s column", ErrMalformedEvent, a.feed.KeyColumn)
		}
		_, err := a.store.Apply(func(current int64, feed *aggregate.Feed) (int64, error) {
			feed.Replace(key, event.After)
			return current, nil
		}).Get()
		return err

	case stream.OpDelete:
		key, ok := keyField(event.Before, a.feed.KeyColumn)
		if !ok {
			return fmt.Errorf("%w: DELETE missing %s column", ErrMalformedEvent, a.feed.KeyColumn)
		}
		_, err := a.store.Apply(func(current int64, feed *aggregate.Feed) (int64, error) {
			feed.Remove(key)
			return current, nil
		}).Get()
		return err

	default:
		return fmt.Errorf("%w: unknown operation %d", ErrMalformedEvent, event.Op)
	}
}

// boolField reads a boolean column from a row snapshot. Backends encode
// booleans as bool or as 0/1 integers depending on the driver.
func boolField(row map[string]interface{}, column string) (bool, bool) {
	v, ok := row[column]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case int64:
		return t != 0, true
	case uint64:
		return t != 0, true
	case int8:
		return t != 0, true
	case float64:
		return t != 0, true
	default:
		return false, false
	}
}

// keyField renders a primary key column as a string
func keyField(row map[string]interface{}, column string) (string, bool) {
	if row == nil {
		return "", false
	}
	v, ok := row[column]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case int64:
		return fmt.Sprintf("%d", t), true
	case uint64:
		return fmt.Sprintf("%d", t), true
	case float64:
		return fmt.Sprintf("%.0f", t), true
	case []byte:
		return string(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}
