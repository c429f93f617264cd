// Package models holds the shared data types exchanged between the
// coordination layer, the remote store, and the sync channel.
package models

import "time"

// KeyRecord is the billing state of one API key: the process-local
// mirror of what the remote store holds. Balance, Spent, and Calls are
// denominated in credits / call counts and only ever change through
// the ledger's operations.
type KeyRecord struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Balance  int64             `json:"balance"`
	Spent    int64             `json:"spent"`
	Calls    int64             `json:"calls"`
	Disabled bool              `json:"disabled,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Clone returns a deep copy so mirror internals never leak to callers.
func (r *KeyRecord) Clone() *KeyRecord {
	out := *r
	if r.Meta != nil {
		out.Meta = make(map[string]string, len(r.Meta))
		for k, v := range r.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

type SyncKind string

const (
	// SyncPut carries a full record: created or rewritten.
	SyncPut SyncKind = "put"
	// SyncDelta carries balance/spend/call deltas from a deduction or
	// grant, applied to the receiver's mirror without a round trip.
	SyncDelta SyncKind = "delta"
	// SyncRevoke removes the key everywhere.
	SyncRevoke SyncKind = "revoke"
)

// SyncEvent is the envelope published to the shared notification
// channel whenever one process mutates shared key state. Origin is the
// publishing process's unique id; a process must never apply an event
// whose Origin equals its own.
type SyncEvent struct {
	ID     string   `json:"id"`
	Origin string   `json:"origin"`
	Key    string   `json:"key"`
	Kind   SyncKind `json:"kind"`

	// Inline data, by kind.
	Record       *KeyRecord `json:"record,omitempty"`
	BalanceDelta int64      `json:"balance_delta,omitempty"`
	SpentDelta   int64      `json:"spent_delta,omitempty"`
	CallsDelta   int64      `json:"calls_delta,omitempty"`

	EmittedAt time.Time `json:"emitted_at"`
}

// RateDecision is the outcome of one sliding-window rate check.
type RateDecision struct {
	Allowed bool `json:"allowed"`
	// Count is the number of entries in the window after the check;
	// for a denied call this is the capped in-window count, not the
	// would-be count.
	Count int64 `json:"count"`
	Limit int64 `json:"limit"`
	// RetryAfter is how long until the oldest in-window entry expires.
	// Zero when allowed or unknown.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// FailedOpen reports that the store was unreachable and the call
	// was allowed by policy rather than by counting.
	FailedOpen bool `json:"failed_open,omitempty"`
}
