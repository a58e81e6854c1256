package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// SQLStore adapts a relational database to the Store contract. It owns a
// single table and carries structured values as JSON text. The host opens the
// *sqlx.DB with whatever driver it prefers; the adapter itself is
// dialect-neutral except for the upsert, which uses the SQLite/Postgres
// ON CONFLICT form.
type SQLStore struct {
	db    *sqlx.DB
	table string
}

type sqlRow struct {
	Key       string        `db:"cache_key"`
	Value     string        `db:"cache_value"`
	ExpiresAt sql.NullInt64 `db:"expires_at"`
}

// NewSQLStore wraps an opened database and creates the cache table if absent.
func NewSQLStore(ctx context.Context, db *sqlx.DB, table string) (*SQLStore, error) {
	if table == "" {
		table = "smartcache_entries"
	}
	s := &SQLStore{db: db, table: table}

	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		cache_key   TEXT PRIMARY KEY,
		cache_value TEXT NOT NULL,
		expires_at  BIGINT
	)`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) expiresAt(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: time.Now().Add(ttl).UnixNano(), Valid: true}
}

func (s *SQLStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	var row sqlRow
	err := s.db.GetContext(ctx, &row,
		`SELECT cache_key, cache_value, expires_at FROM `+s.table+` WHERE cache_key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if row.ExpiresAt.Valid && time.Now().UnixNano() > row.ExpiresAt.Int64 {
		return nil, false, nil
	}

	var value interface{}
	if err := json.Unmarshal([]byte(row.Value), &value); err != nil {
		return row.Value, true, nil
	}
	return value, true, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (cache_key, cache_value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (cache_key) DO UPDATE SET cache_value = $2, expires_at = $3`,
		key, string(raw), s.expiresAt(ttl))
	return err
}

func (s *SQLStore) Forever(ctx context.Context, key string, value interface{}) error {
	return s.Put(ctx, key, value, 0)
}

func (s *SQLStore) Forget(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE cache_key = $1`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *SQLStore) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table)
	return err
}

// Add purges an expired row first, then relies on the primary key for
// only-if-absent semantics. Two processes can still race between the purge
// and the insert; the insert conflict resolves the race in favor of the
// first writer.
func (s *SQLStore) Add(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE cache_key = $1 AND expires_at IS NOT NULL AND expires_at < $2`,
		key, time.Now().UnixNano())
	if err != nil {
		return false, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (cache_key, cache_value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (cache_key) DO NOTHING`,
		key, string(raw), s.expiresAt(ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Increment is read-modify-write inside a transaction; serialization beyond
// that is whatever the database's isolation level provides.
func (s *SQLStore) Increment(ctx context.Context, key string, by int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var row sqlRow
	var current int64
	var expires sql.NullInt64
	err = tx.GetContext(ctx, &row,
		`SELECT cache_key, cache_value, expires_at FROM `+s.table+` WHERE cache_key = $1`, key)
	if err == nil {
		if !row.ExpiresAt.Valid || time.Now().UnixNano() <= row.ExpiresAt.Int64 {
			var stored int64
			if jsonErr := json.Unmarshal([]byte(row.Value), &stored); jsonErr == nil {
				current = stored
				expires = row.ExpiresAt
			}
		}
	} else if err != sql.ErrNoRows {
		return 0, err
	}

	current += by
	raw, err := json.Marshal(current)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+s.table+` (cache_key, cache_value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (cache_key) DO UPDATE SET cache_value = $2, expires_at = $3`,
		key, string(raw), expires)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return current, nil
}

func (s *SQLStore) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	return s.Increment(ctx, key, -by)
}

func (s *SQLStore) Driver() string {
	return "sql"
}

// PurgeExpired removes expired rows; wired to the engine's maintenance sweep.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE expires_at IS NOT NULL AND expires_at < $1`,
		time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
