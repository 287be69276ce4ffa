package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteKVTableName = "paperrelay_kv"
	sqliteInitTimeout = 10 * time.Second
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// SQLiteKVStore is the single-file durable scope. It uses the same
// (scope, key, value) layout as the postgres store.
type SQLiteKVStore struct {
	path   string
	scope  string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteKVStore(path, scope string) (*SQLiteKVStore, error) {
	path = strings.TrimSpace(path)
	scope = strings.TrimSpace(scope)
	if path == "" || scope == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteKVStore{path: path, scope: scope, openDB: sql.Open}, nil
}

func (s *SQLiteKVStore) Get(ctx context.Context, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if len(defaults) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT value FROM %s WHERE scope = ? AND key = ?", sqliteKVTableName)
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	stored := map[string]json.RawMessage{}
	for key := range defaults {
		var value string
		err := stmt.QueryRowContext(ctx, s.scope, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stored[key] = json.RawMessage(value)
	}
	return mergeDefaults(stored, defaults), nil
}

func (s *SQLiteKVStore) Set(ctx context.Context, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}
	if err := validateRawValues(values); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	query := fmt.Sprintf(`
		INSERT INTO %s (scope, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (scope, key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, sqliteKVTableName)
	for key, value := range values {
		if _, err := tx.ExecContext(ctx, query, s.scope, key, string(value)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteKVStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureReady creates the table once, detached from any caller's context.
// Its error is kept for the life of the store.
func (s *SQLiteKVStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sqliteInitTimeout)
		defer cancel()
		if s.path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
				s.initErr = fmt.Errorf("sqlite: mkdir: %w", err)
				return
			}
		}
		db, err := s.openDB("sqlite", s.path)
		if err != nil {
			s.initErr = fmt.Errorf("sqlite: open: %w", err)
			return
		}
		// one connection keeps :memory: databases alive across calls.
		db.SetMaxOpenConns(1)
		for _, pragma := range sqlitePragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("sqlite: %s: %w", pragma, err)
				return
			}
		}
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				scope TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (scope, key)
			)`, sqliteKVTableName)
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("sqlite: schema: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}
