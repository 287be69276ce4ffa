package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresKVTableName      = "paperrelay_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresKVStore stores one scope as rows of (scope, key, value) so the sync
// and local scopes can share a database.
type PostgresKVStore struct {
	dsn       string
	scope     string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresKVStore(dsn, scope string) (*PostgresKVStore, error) {
	dsn = strings.TrimSpace(dsn)
	scope = strings.TrimSpace(scope)
	if dsn == "" || scope == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKVStore{
		dsn:       dsn,
		scope:     scope,
		tableName: postgresKVTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresKVStore) Get(ctx context.Context, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if len(defaults) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE scope = $1 AND key = ANY($2)", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.scope, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stored := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		stored[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mergeDefaults(stored, defaults), nil
}

func (s *PostgresKVStore) Set(ctx context.Context, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}
	if err := validateRawValues(values); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	query := fmt.Sprintf(`
		INSERT INTO %s (scope, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	for key, value := range values {
		if _, err := tx.ExecContext(ctx, query, s.scope, key, string(value)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresKVStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureReady creates the table once, detached from any caller's context.
// Its error is kept for the life of the store.
func (s *PostgresKVStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				scope TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (scope, key)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
