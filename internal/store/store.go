package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"beanprepared/internal/event"
	logx "beanprepared/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (embedded, zero-ops default)
//   - "postgres": PostgreSQL via DSN (shared deployments)
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the engine consumes: the event catalog,
// both subscription relations, and the sent-notification ledger.
//
// User identities double as the opaque recipient tokens handed to the
// push provider.
type Store interface {
	// DefinitionsInWindow pre-filters the catalog for definitions whose
	// occurrences may fall in [start, end]. One-off events filter on the
	// indexed start column; recurring events on start/until bounds. Final
	// precise inclusion is the recurrence expander's job, and malformed
	// recurring rows are still returned so the engine can reject and
	// report them.
	DefinitionsInWindow(ctx context.Context, start, end time.Time) ([]event.Definition, error)

	LeadMinutesInUse(ctx context.Context) ([]int, error)
	Recipients(ctx context.Context, category string, leadMinutes int) ([]string, error)

	Has(ctx context.Context, occurrenceID string, leadMinutes int) (bool, error)
	// Record is an atomic insert-if-absent on the (occurrence, lead)
	// primary key; it reports whether this call inserted the pair.
	Record(ctx context.Context, occurrenceID string, leadMinutes int) (inserted bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
