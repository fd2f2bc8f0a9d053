package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"beanprepared/internal/event"
	logx "beanprepared/pkg/logx"
)

// Same relations as the sqlite schema, with native timestamp types.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
    id              TEXT PRIMARY KEY,
    title           TEXT NOT NULL,
    description     TEXT,
    category        TEXT NOT NULL,
    starts_at       TIMESTAMPTZ NOT NULL,
    ends_at         TIMESTAMPTZ,
    one_off         BOOLEAN NOT NULL DEFAULT TRUE,
    repeat_interval INTEGER,
    repeat_unit     TEXT,
    repeat_until    DATE
);
CREATE INDEX IF NOT EXISTS idx_events_starts_at ON events(starts_at);
CREATE INDEX IF NOT EXISTS idx_events_repeat_until ON events(repeat_until);

CREATE TABLE IF NOT EXISTS category_subscriptions (
    user_id  TEXT NOT NULL,
    category TEXT NOT NULL,
    PRIMARY KEY (user_id, category)
);

CREATE TABLE IF NOT EXISTS lead_subscriptions (
    user_id      TEXT NOT NULL,
    lead_minutes INTEGER NOT NULL,
    PRIMARY KEY (user_id, lead_minutes)
);

CREATE TABLE IF NOT EXISTS sent_notifications (
    occurrence_id TEXT NOT NULL,
    lead_minutes  INTEGER NOT NULL,
    sent_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (occurrence_id, lead_minutes)
);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	// Sensible pool defaults for a small daemon.
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) DefinitionsInWindow(ctx context.Context, start, end time.Time) ([]event.Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, COALESCE(description, ''), category, starts_at, ends_at, one_off, repeat_interval, repeat_unit, repeat_until
		 FROM events
		 WHERE (one_off AND starts_at BETWEEN $1 AND $2)
		    OR (NOT one_off AND starts_at <= $2 AND (repeat_until IS NULL OR repeat_until >= $1::date))`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog query: %w", err)
	}
	defer rows.Close()

	var defs []event.Definition
	for rows.Next() {
		var (
			def      event.Definition
			endsAt   *time.Time
			oneOff   bool
			interval *int32
			unit     *string
			until    *time.Time
		)
		if err := rows.Scan(&def.ID, &def.Title, &def.Description, &def.Category, &def.Start, &endsAt, &oneOff, &interval, &unit, &until); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if endsAt != nil {
			def.End = *endsAt
		}
		if oneOff {
			def.Rule = event.OneOff()
		} else {
			var (
				iv int
				u  event.Unit
				ut time.Time
			)
			if interval != nil {
				iv = int(*interval)
			}
			if unit != nil {
				u = event.Unit(*unit)
			}
			if until != nil {
				ut = *until
			}
			// Invalid combinations survive to here on purpose; the engine
			// rejects them via Validate and reports the definition.
			def.Rule = event.Recurring(iv, u, ut)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *postgresStore) LeadMinutesInUse(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT lead_minutes FROM lead_subscriptions ORDER BY lead_minutes`)
	if err != nil {
		return nil, fmt.Errorf("lead query: %w", err)
	}
	defer rows.Close()

	var leads []int
	for rows.Next() {
		var lead int
		if err := rows.Scan(&lead); err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

func (s *postgresStore) Recipients(ctx context.Context, category string, leadMinutes int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT cs.user_id
		 FROM category_subscriptions cs
		 JOIN lead_subscriptions ls ON ls.user_id = cs.user_id AND ls.lead_minutes = $1
		 WHERE cs.category = $2
		 ORDER BY cs.user_id`,
		leadMinutes, category,
	)
	if err != nil {
		return nil, fmt.Errorf("recipient query: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *postgresStore) Has(ctx context.Context, occurrenceID string, leadMinutes int) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM sent_notifications WHERE occurrence_id = $1 AND lead_minutes = $2`,
		occurrenceID, leadMinutes,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *postgresStore) Record(ctx context.Context, occurrenceID string, leadMinutes int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sent_notifications(occurrence_id, lead_minutes) VALUES($1, $2)
		 ON CONFLICT (occurrence_id, lead_minutes) DO NOTHING`,
		occurrenceID, leadMinutes,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
