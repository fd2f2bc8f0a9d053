package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"beanprepared/internal/event"
	logx "beanprepared/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	sqliteTimeFormat = time.RFC3339
	sqliteDateFormat = "2006-01-02"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) DefinitionsInWindow(ctx context.Context, start, end time.Time) ([]event.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, category, starts_at, ends_at, one_off, repeat_interval, repeat_unit, repeat_until
		 FROM events
		 WHERE (one_off = 1 AND starts_at BETWEEN ? AND ?)
		    OR (one_off = 0 AND starts_at <= ? AND (repeat_until IS NULL OR repeat_until >= ?))`,
		start.UTC().Format(sqliteTimeFormat), end.UTC().Format(sqliteTimeFormat),
		end.UTC().Format(sqliteTimeFormat), start.UTC().Format(sqliteDateFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog query: %w", err)
	}
	defer rows.Close()

	var defs []event.Definition
	for rows.Next() {
		var (
			def         event.Definition
			description sql.NullString
			startsAt    string
			endsAt      sql.NullString
			oneOff      int
			interval    sql.NullInt64
			unit, until sql.NullString
		)
		if err := rows.Scan(&def.ID, &def.Title, &description, &def.Category, &startsAt, &endsAt, &oneOff, &interval, &unit, &until); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		def.Description = description.String

		def.Start, err = time.Parse(sqliteTimeFormat, startsAt)
		if err != nil {
			// Unusable row; the engine couldn't even reject it meaningfully.
			s.log.Warn("skipping event with unparseable start", logx.String("event", def.ID), logx.Err(err))
			continue
		}
		if endsAt.Valid && endsAt.String != "" {
			if def.End, err = time.Parse(sqliteTimeFormat, endsAt.String); err != nil {
				s.log.Warn("skipping event with unparseable end", logx.String("event", def.ID), logx.Err(err))
				continue
			}
		}

		def.Rule = scanRule(oneOff == 1, interval, unit, until)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// scanRule maps the storage columns onto the tagged rule. Invalid recurring
// rows (zero interval, bad unit, missing until) become rules that fail
// Validate, so the engine rejects and reports them instead of the store
// silently coercing them into one-offs.
func scanRule(oneOff bool, interval sql.NullInt64, unit, until sql.NullString) event.Rule {
	if oneOff {
		return event.OneOff()
	}
	var untilDate time.Time
	if until.Valid && until.String != "" {
		if t, err := time.Parse(sqliteDateFormat, until.String); err == nil {
			untilDate = t
		}
	}
	return event.Recurring(int(interval.Int64), event.Unit(unit.String), untilDate)
}

func (s *sqliteStore) LeadMinutesInUse(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT lead_minutes FROM lead_subscriptions ORDER BY lead_minutes`)
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

func (s *sqliteStore) Recipients(ctx context.Context, category string, leadMinutes int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT cs.user_id
		 FROM category_subscriptions cs
		 JOIN lead_subscriptions ls ON ls.user_id = cs.user_id AND ls.lead_minutes = ?
		 WHERE cs.category = ?
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

func (s *sqliteStore) Has(ctx context.Context, occurrenceID string, leadMinutes int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sent_notifications WHERE occurrence_id = ? AND lead_minutes = ?`,
		occurrenceID, leadMinutes,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Record(ctx context.Context, occurrenceID string, leadMinutes int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_notifications(occurrence_id, lead_minutes, sent_at) VALUES(?,?,?)
		 ON CONFLICT(occurrence_id, lead_minutes) DO NOTHING`,
		occurrenceID, leadMinutes, time.Now().UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
