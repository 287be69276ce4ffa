package coordinator

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// KVStoreFactory builds a scope from a DSN. scope is ScopeSync or ScopeLocal
// and lets shared databases keep the two apart.
type KVStoreFactory func(dsn, scope string) (KVStore, error)

var kvFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVStoreFactory
}{
	factories: map[string]KVStoreFactory{},
}

func RegisterKVStoreFactory(scheme string, factory KVStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	kvFactoryRegistry.mu.Lock()
	defer kvFactoryRegistry.mu.Unlock()
	kvFactoryRegistry.factories[scheme] = factory
}

func lookupKVStoreFactory(scheme string) (KVStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	kvFactoryRegistry.mu.RLock()
	defer kvFactoryRegistry.mu.RUnlock()
	factory, ok := kvFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildKVStoreFromDSN returns nil, nil for an empty DSN so callers can fall
// back to their own default.
func BuildKVStoreFromDSN(dsn, scope string) (KVStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupKVStoreFactory(scheme); ok {
		return factory(dsn, scope)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileKVStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryKVStore(), nil
	case "postgres", "postgresql":
		return NewPostgresKVStore(dsn, scope)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteKVStore(path, scope)
	case "mysql":
		return nil, fmt.Errorf("%w: kv store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Opaque)
	if path == "" {
		path = strings.TrimSpace(parsed.Host + parsed.Path)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// FilePathFromDSN returns the file behind a plain-path or file:// DSN.
func FilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", false
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", false
	}
	switch normalizeBackendScheme(parsed.Scheme) {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return "", false
		}
		return path, true
	}
	return "", false
}
