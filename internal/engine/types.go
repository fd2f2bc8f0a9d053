package engine

import (
	"context"
	"time"

	"beanprepared/internal/dispatch"
	"beanprepared/internal/event"
)

// Catalog supplies event definitions whose expanded occurrences may fall in
// a window. The store may pre-filter on indexed columns; precise inclusion
// is decided here after recurrence expansion.
type Catalog interface {
	DefinitionsInWindow(ctx context.Context, start, end time.Time) ([]event.Definition, error)
}

// Subscriptions resolves who wants to hear about what, and how far ahead.
type Subscriptions interface {
	// LeadMinutesInUse returns the distinct lead-time values currently held
	// by any user. Lead times are user-defined, so this is re-read on every
	// tick rather than configured.
	LeadMinutesInUse(ctx context.Context) ([]int, error)
	// Recipients returns the deduplicated recipient tokens of users holding
	// both a subscription to category and a lead subscription of
	// leadMinutes. An empty result is not an error.
	Recipients(ctx context.Context, category string, leadMinutes int) ([]string, error)
}

// Ledger is the durable record of (occurrence, lead) pairs already
// dispatched. It is the single source of truth preventing duplicate sends.
type Ledger interface {
	Has(ctx context.Context, occurrenceID string, leadMinutes int) (bool, error)
	// Record inserts the pair if absent and reports whether this call
	// inserted it. Inserting an already-present pair is a no-op, which
	// guards the race of two scheduler instances passing Has together.
	Record(ctx context.Context, occurrenceID string, leadMinutes int) (inserted bool, err error)
}

// Dispatcher hands a notification to the external push provider.
type Dispatcher interface {
	Send(ctx context.Context, n dispatch.Notification) (dispatch.Result, error)
}

// Config controls one engine instance.
//
// Pad should match the invoker's tick interval; the operator owns that
// invariant (a mismatch is a coverage gap, not something the engine can
// detect from inside one tick).
type Config struct {
	Workers         int
	Pad             time.Duration
	DispatchTimeout time.Duration
	RatePerSec      int
	MaxOccurrences  int
	Heading         string // push title shown to users
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Pad <= 0 {
		c.Pad = time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = event.MaxOccurrences
	}
	if c.Heading == "" {
		c.Heading = "BeanPrepared"
	}
	return c
}

// job is one (occurrence, lead) decision.
type job struct {
	occ  event.Occurrence
	lead int
}

// TickReport summarizes one scheduler tick for logs and the ops surface.
type TickReport struct {
	ID           string        `json:"id"`
	Now          time.Time     `json:"now"`
	Leads        []int         `json:"leads"`
	Candidates   int           `json:"candidates"`
	Sent         int           `json:"sent"`
	Failed       int           `json:"failed"`
	NoRecipients int           `json:"no_recipients"`
	Rejected     int           `json:"rejected_definitions"`
	Truncated    int           `json:"truncated_definitions"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Totals are lifetime counters across ticks.
type Totals struct {
	Ticks     uint64 `json:"ticks"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected_definitions"`
	Truncated uint64 `json:"truncated_definitions"`
}

// Snapshot is the engine state exposed to the ops server.
type Snapshot struct {
	Totals   Totals      `json:"totals"`
	LastTick *TickReport `json:"last_tick,omitempty"`
}
