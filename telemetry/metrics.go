package telemetry

// Histogram buckets for round trips to the backend
var (
	// FetchBuckets for baseline queries and bulk mutations
	FetchBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Subscription lifecycle metrics
var (
	// SessionsActive tracks currently armed sessions
	SessionsActive Gauge = NoopStat{}

	// ReconnectsTotal counts reconnect attempts after channel errors
	ReconnectsTotal Counter = NoopStat{}

	// StatusTransitionsTotal counts channel status transitions by status
	StatusTransitionsTotal CounterVec = noopCounterVec{}
)

// Event application metrics
var (
	// EventsApplied counts applied change events by table
	EventsApplied CounterVec = noopCounterVec{}

	// EventsDeduped counts redelivered events discarded by the watermark or ID cache
	EventsDeduped Counter = NoopStat{}

	// EventsDropped counts events dropped by reason (malformed, overflow)
	EventsDropped CounterVec = noopCounterVec{}

	// UnreadCount tracks the current counter value per table
	UnreadCount GaugeVec = noopGaugeVec{}
)

// Backend round-trip metrics
var (
	// BaselineFetchSeconds measures baseline query latency
	BaselineFetchSeconds Histogram = NoopStat{}

	// BaselineFailuresTotal counts failed baseline fetches
	BaselineFailuresTotal Counter = NoopStat{}

	// MutationsTotal counts bulk mutations by result (success, failed)
	MutationsTotal CounterVec = noopCounterVec{}

	// MutationSeconds measures bulk mutation latency
	MutationSeconds Histogram = NoopStat{}
)

// bindMetrics replaces the noop placeholders with registered collectors
func bindMetrics() {
	SessionsActive = NewGauge("sessions_active", "Currently armed change stream sessions")
	ReconnectsTotal = NewCounter("reconnects_total", "Reconnect attempts after channel errors")
	StatusTransitionsTotal = NewCounterVec("status_transitions_total", "Channel status transitions", []string{"status"})

	EventsApplied = NewCounterVec("events_applied_total", "Applied change events", []string{"table"})
	EventsDeduped = NewCounter("events_deduped_total", "Redelivered events discarded")
	EventsDropped = NewCounterVec("events_dropped_total", "Dropped change events", []string{"reason"})
	UnreadCount = NewGaugeVec("unread_count", "Current unread counter value", []string{"table"})

	BaselineFetchSeconds = NewHistogramWithBuckets("baseline_fetch_seconds", "Baseline query latency", FetchBuckets)
	BaselineFailuresTotal = NewCounter("baseline_failures_total", "Failed baseline fetches")
	MutationsTotal = NewCounterVec("mutations_total", "Bulk corrective writes", []string{"result"})
	MutationSeconds = NewHistogramWithBuckets("mutation_seconds", "Bulk mutation latency", FetchBuckets)
}
