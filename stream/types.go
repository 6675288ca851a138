package stream

import (
	"context"
	"time"
)

// Operation types for change events
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// ChangeEvent is a single row-level change delivered by the backend.
// Immutable once received.
type ChangeEvent struct {
	Table    string                 `msgpack:"tbl"`    // Source table
	ScopeID  string                 `msgpack:"scope"`  // Owning user ID
	Op       uint8                  `msgpack:"op"`     // 0=INSERT, 1=UPDATE, 2=DELETE
	Seq      uint64                 `msgpack:"seq"`    // Per-scope monotonic sequence (0 = unsequenced)
	EventID  string                 `msgpack:"eid"`    // Delivery-unique ID for unsequenced sources
	Before   map[string]interface{} `msgpack:"before"` // Old row snapshot (UPDATE/DELETE)
	After    map[string]interface{} `msgpack:"after"`  // New row snapshot (INSERT/UPDATE)
	CommitTS int64                  `msgpack:"ts"`     // Commit timestamp (unix ms)

	ReceivedAt time.Time `msgpack:"-"` // Set locally on delivery
}

// Status reports subscription channel transitions.
type Status uint8

const (
	StatusConnecting Status = iota
	StatusSubscribed
	StatusError  // Transient channel failure; the owner schedules a reconnect
	StatusClosed // Intentional teardown; terminal
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusError:
		return "CHANNEL_ERROR"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Filter scopes a subscription to one (table, owner) pair and a set of
// operation types. Empty Ops matches all operations.
type Filter struct {
	Table   string
	ScopeID string
	Ops     []uint8
}

// MatchOp returns true if the filter accepts the given operation type.
func (f Filter) MatchOp(op uint8) bool {
	if len(f.Ops) == 0 {
		return true
	}
	for _, o := range f.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Subscription is one live change-stream connection. Events and status
// transitions are delivered on separate buffered channels; both are closed
// by Close. Close is idempotent.
type Subscription interface {
	Events() <-chan ChangeEvent
	Status() <-chan Status
	Close() error
}

// Source produces subscriptions against a change stream transport.
type Source interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
	Close() error
}
