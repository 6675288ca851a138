// Package backend talks to the authoritative store: the point-in-time
// baseline queries that seed local aggregates and the bulk corrective
// writes that clear them.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/telemetry"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Fetcher performs the baseline queries that seed local state before the
// live stream is trusted.
type Fetcher interface {
	CountUnread(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error)
	RecentRows(ctx context.Context, feed cfg.FeedConfiguration, scopeID string, limit int) ([]map[string]interface{}, error)
}

// Mutator issues bulk corrective writes.
type Mutator interface {
	// MarkAllRead flips every unread row owned by scopeID to read and
	// returns the number of rows affected.
	MarkAllRead(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error)
}

// Store implements Fetcher and Mutator over database/sql.
type Store struct {
	db      *sql.DB
	builder goqu.DialectWrapper
	timeout time.Duration
}

// Open connects to the configured backend
func Open(config cfg.BackendConfiguration) (*Store, error) {
	db, err := sql.Open(config.Dialect, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend (%s): %w", config.Dialect, err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	timeout := time.Duration(config.QueryTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Store{
		db:      db,
		builder: goqu.Dialect(config.Dialect),
		timeout: timeout,
	}, nil
}

// NewStoreWithDB wraps an existing connection; tests use it with an
// in-memory SQLite database.
func NewStoreWithDB(db *sql.DB, dialect string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, builder: goqu.Dialect(dialect), timeout: timeout}
}

// CountUnread returns the number of unread rows owned by scopeID
func (s *Store) CountUnread(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error) {
	start := time.Now()

	query, args, err := s.builder.
		From(feed.Table).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Ex{
			feed.OwnerColumn: scopeID,
			feed.ReadColumn:  false,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build baseline query for %s: %w", feed.Table, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		telemetry.BaselineFailuresTotal.Inc()
		return 0, fmt.Errorf("baseline count for %s failed: %w", feed.Table, err)
	}

	telemetry.BaselineFetchSeconds.Observe(time.Since(start).Seconds())
	return count, nil
}

// RecentRows returns the newest rows owned by scopeID, newest first,
// for seeding a list-shaped feed cache.
func (s *Store) RecentRows(ctx context.Context, feed cfg.FeedConfiguration, scopeID string, limit int) ([]map[string]interface{}, error) {
	start := time.Now()

	query, args, err := s.builder.
		From(feed.Table).
		Where(goqu.Ex{feed.OwnerColumn: scopeID}).
		Order(goqu.C(feed.KeyColumn).Desc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build feed query for %s: %w", feed.Table, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		telemetry.BaselineFailuresTotal.Inc()
		return nil, fmt.Errorf("feed query for %s failed: %w", feed.Table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan feed rows for %s: %w", feed.Table, err)
	}

	telemetry.BaselineFetchSeconds.Observe(time.Since(start).Seconds())
	return out, nil
}

// MarkAllRead flips all unread rows for scopeID to read
func (s *Store) MarkAllRead(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error) {
	start := time.Now()

	query, args, err := s.builder.
		Update(feed.Table).
		Set(goqu.Record{feed.ReadColumn: true}).
		Where(goqu.Ex{
			feed.OwnerColumn: scopeID,
			feed.ReadColumn:  false,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build bulk update for %s: %w", feed.Table, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		telemetry.MutationsTotal.With("failed").Inc()
		return 0, fmt.Errorf("bulk update for %s failed: %w", feed.Table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		// The write committed; the count is cosmetic
		log.Debug().Err(err).Str("table", feed.Table).Msg("Rows affected unavailable")
		affected = 0
	}

	telemetry.MutationsTotal.With("success").Inc()
	telemetry.MutationSeconds.Observe(time.Since(start).Seconds())
	return affected, nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// scanRows converts a result set into generic row snapshots
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			v := values[i]
			// Normalize driver []byte to string for snapshot comparisons
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}

	return out, rows.Err()
}
