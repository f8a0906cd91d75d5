// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

const defaultTable = "business_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// RecordStore writes business records into Postgres, one row per session and
// map link.
type RecordStore struct {
	pool  pool
	table string
	now   func() time.Time
}

var _ crawler.RecordRepository = (*RecordStore)(nil)

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: p, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	session_id   TEXT NOT NULL,
	map_link     TEXT NOT NULL,
	name         TEXT NOT NULL,
	category     TEXT NOT NULL,
	phone        TEXT NOT NULL,
	website      TEXT NOT NULL,
	rating       TEXT NOT NULL,
	review_count TEXT NOT NULL,
	address      TEXT NOT NULL,
	email        TEXT NOT NULL,
	linkedin     TEXT NOT NULL,
	description  TEXT NOT NULL,
	saved_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, map_link)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveRecord upserts a record row.
func (s *RecordStore) SaveRecord(ctx context.Context, sessionID string, rec crawler.BusinessRecord) error {
	if sessionID == "" || rec.MapLink == "" {
		return errors.New("session id and map link are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session_id,
	map_link,
	name,
	category,
	phone,
	website,
	rating,
	review_count,
	address,
	email,
	linkedin,
	description,
	saved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (session_id, map_link) DO UPDATE SET
	name = EXCLUDED.name,
	category = EXCLUDED.category,
	phone = EXCLUDED.phone,
	website = EXCLUDED.website,
	rating = EXCLUDED.rating,
	review_count = EXCLUDED.review_count,
	address = EXCLUDED.address,
	email = EXCLUDED.email,
	linkedin = EXCLUDED.linkedin,
	description = EXCLUDED.description`, s.table)

	args := []any{
		sessionID,
		rec.MapLink,
		rec.Name,
		rec.Category,
		rec.Phone,
		rec.Website,
		rec.Rating,
		rec.ReviewCount,
		rec.Address,
		rec.Email,
		rec.LinkedIn,
		rec.Description,
		s.now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListRecords returns a session's records in the order they were first saved.
func (s *RecordStore) ListRecords(ctx context.Context, sessionID string) ([]crawler.BusinessRecord, error) {
	query := fmt.Sprintf(`
SELECT map_link, name, category, phone, website, rating, review_count, address, email, linkedin, description
FROM %s
WHERE session_id = $1
ORDER BY saved_at, map_link`, s.table)
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []crawler.BusinessRecord
	for rows.Next() {
		var r crawler.BusinessRecord
		if err := rows.Scan(
			&r.MapLink,
			&r.Name,
			&r.Category,
			&r.Phone,
			&r.Website,
			&r.Rating,
			&r.ReviewCount,
			&r.Address,
			&r.Email,
			&r.LinkedIn,
			&r.Description,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
