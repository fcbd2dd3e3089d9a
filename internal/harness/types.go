package harness

import "github.com/roach88/outbox/internal/record"

// Trace event types.
const (
	EventEnqueue = "enqueue"
	EventCall    = "call"
	EventSync    = "sync"
	EventOnline  = "online"
	EventServer  = "server"
	EventResolve = "resolve"
)

// TraceEvent is one observable step of a scenario run. Fields that do not
// apply to the event type are left zero.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Entity is "type/id" (or just the type for creates).
	Entity string `json:"entity,omitempty"`

	// Operation is the enqueued operation or the remote method called.
	Operation       string          `json:"operation,omitempty"`
	ExpectedVersion int64           `json:"expected_version,omitempty"`
	Version         int64           `json:"version,omitempty"`
	Data            record.Snapshot `json:"data,omitempty"`

	// Counts are the sync cycle tallies.
	Counts map[string]int `json:"counts,omitempty"`

	// Conflicts are the IDs of conflicts parked by a sync cycle.
	Conflicts []string `json:"conflicts,omitempty"`

	ConflictID string `json:"conflict_id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`

	// Status is queued or rejected for enqueues, online or offline for
	// connectivity changes, and the conflict status after a resolve.
	Status string `json:"status,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every step and remote call in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends an event with the next sequence number.
func (r *Result) add(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
