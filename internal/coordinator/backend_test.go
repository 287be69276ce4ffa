package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildKVStoreFromDSNMemory(t *testing.T) {
	store, err := BuildKVStoreFromDSN("memory://", ScopeSync)
	if err != nil {
		t.Fatalf("build kv store failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil memory kv store")
	}
	assertKVRoundTrip(t, store)
}

func TestBuildKVStoreFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sync.json")
	store, err := BuildKVStoreFromDSN("file://"+path, ScopeSync)
	if err != nil {
		t.Fatalf("build file kv store failed: %v", err)
	}
	assertKVRoundTrip(t, store)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file kv store to write %s: %v", path, err)
	}

	reopened := NewJSONFileKVStore(path)
	values, err := reopened.Get(context.Background(), map[string]json.RawMessage{"autoDownload": json.RawMessage("false")})
	if err != nil {
		t.Fatalf("reopened get failed: %v", err)
	}
	if string(values["autoDownload"]) != "true" {
		t.Fatalf("expected persisted autoDownload true, got %s", values["autoDownload"])
	}
}

func TestBuildKVStoreFromDSNBarePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.json")
	store, err := BuildKVStoreFromDSN(path, ScopeLocal)
	if err != nil {
		t.Fatalf("build kv store from bare path failed: %v", err)
	}
	fileStore, ok := store.(*JSONFileKVStore)
	if !ok {
		t.Fatalf("expected *JSONFileKVStore, got %T", store)
	}
	if fileStore.Path != path {
		t.Fatalf("expected path %q, got %q", path, fileStore.Path)
	}
}

func TestBuildKVStoreFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paperrelay.db")
	syncStore, err := BuildKVStoreFromDSN("sqlite://"+path, ScopeSync)
	if err != nil {
		t.Fatalf("build sqlite kv store failed: %v", err)
	}
	localStore, err := BuildKVStoreFromDSN("sqlite://"+path, ScopeLocal)
	if err != nil {
		t.Fatalf("build sqlite kv store failed: %v", err)
	}
	t.Cleanup(func() {
		_ = syncStore.(kvStoreCloser).Close()
		_ = localStore.(kvStoreCloser).Close()
	})
	assertKVRoundTrip(t, syncStore)

	values, err := localStore.Get(context.Background(), map[string]json.RawMessage{"autoDownload": json.RawMessage("false")})
	if err != nil {
		t.Fatalf("local scope get failed: %v", err)
	}
	if string(values["autoDownload"]) != "false" {
		t.Fatalf("expected scopes to be isolated, local scope saw %s", values["autoDownload"])
	}
}

func TestSQLiteKVStoreSurvivesCancelledFirstCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paperrelay.db")
	seed, err := NewSQLiteKVStore(path, ScopeLocal)
	if err != nil {
		t.Fatalf("new sqlite kv store: %v", err)
	}
	seeded := newTestCoordinator(t, Options{LocalScope: seed})
	if err := seeded.Append(context.Background(), HistoryEntry{Title: "Seeded", URL: "u1", Timestamp: 1}); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	seeded.Close()

	reopened, err := NewSQLiteKVStore(path, ScopeLocal)
	if err != nil {
		t.Fatalf("reopen sqlite kv store: %v", err)
	}
	c := newTestCoordinator(t, Options{LocalScope: reopened})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.GetAll(cancelled)

	entries := c.GetAll(context.Background())
	if len(entries) != 1 || entries[0].Title != "Seeded" {
		t.Fatalf("expected 1 persisted entry after a cancelled first read, got %+v", entries)
	}
	if err := c.Append(context.Background(), HistoryEntry{Title: "Second", URL: "u2", Timestamp: 2}); err != nil {
		t.Fatalf("append after cancelled first read: %v", err)
	}
}

func TestBuildKVStoreFromDSNUnsupported(t *testing.T) {
	store, err := BuildKVStoreFromDSN("postgres://localhost/paperrelay?sslmode=disable", ScopeSync)
	if err != nil {
		t.Fatalf("expected postgres kv store to be available, got %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil postgres kv store")
	}
	if _, err := BuildKVStoreFromDSN("mysql://localhost/paperrelay", ScopeSync); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql kv store, got %v", err)
	}
	if _, err := BuildKVStoreFromDSN("redis://localhost", ScopeSync); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	store, err = BuildKVStoreFromDSN("  ", ScopeSync)
	if err != nil || store != nil {
		t.Fatalf("expected nil store for empty dsn, got %v, %v", store, err)
	}
}

func TestRegisterKVStoreFactoryOverridesScheme(t *testing.T) {
	var gotScope string
	custom := NewInMemoryKVStore()
	RegisterKVStoreFactory("Custom-KV", func(dsn, scope string) (KVStore, error) {
		gotScope = scope
		return custom, nil
	})
	store, err := BuildKVStoreFromDSN("custom-kv://anything", ScopeLocal)
	if err != nil {
		t.Fatalf("build custom kv store failed: %v", err)
	}
	if store != custom {
		t.Fatalf("expected registered factory result, got %T", store)
	}
	if gotScope != ScopeLocal {
		t.Fatalf("expected scope %q, got %q", ScopeLocal, gotScope)
	}
}

func TestKVStoreRejectsInvalidValues(t *testing.T) {
	store := NewInMemoryKVStore()
	err := store.Set(context.Background(), map[string]json.RawMessage{"bad": json.RawMessage("{not json")})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	err = store.Set(context.Background(), map[string]json.RawMessage{" ": json.RawMessage("1")})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank key, got %v", err)
	}
}

func TestJSONFileKVStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	store := NewJSONFileKVStore(path)
	if _, err := store.Get(context.Background(), map[string]json.RawMessage{"a": json.RawMessage("1")}); err == nil {
		t.Fatalf("expected error reading corrupt scope file")
	}
}

func assertKVRoundTrip(t *testing.T, store KVStore) {
	t.Helper()
	ctx := context.Background()
	defaults := map[string]json.RawMessage{
		"autoDownload": json.RawMessage("false"),
		"downloadPath": json.RawMessage(`""`),
	}
	values, err := store.Get(ctx, defaults)
	if err != nil {
		t.Fatalf("initial get failed: %v", err)
	}
	if string(values["autoDownload"]) != "false" || string(values["downloadPath"]) != `""` {
		t.Fatalf("expected defaults on empty scope, got %v", values)
	}
	if err := store.Set(ctx, map[string]json.RawMessage{"autoDownload": json.RawMessage("true")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	values, err = store.Get(ctx, defaults)
	if err != nil {
		t.Fatalf("get after set failed: %v", err)
	}
	if string(values["autoDownload"]) != "true" {
		t.Fatalf("expected stored autoDownload true, got %s", values["autoDownload"])
	}
	if string(values["downloadPath"]) != `""` {
		t.Fatalf("expected untouched key to keep default, got %s", values["downloadPath"])
	}
	if _, ok := values["unrequested"]; ok {
		t.Fatalf("expected only requested keys in result")
	}
}

func TestFilePathFromDSN(t *testing.T) {
	cases := []struct {
		dsn  string
		path string
		ok   bool
	}{
		{dsn: "file:///tmp/sync.json", path: "/tmp/sync.json", ok: true},
		{dsn: "data/sync.json", path: "data/sync.json", ok: true},
		{dsn: "memory://", ok: false},
		{dsn: "sqlite:///tmp/paperrelay.db", ok: false},
		{dsn: "", ok: false},
	}
	for _, tc := range cases {
		path, ok := FilePathFromDSN(tc.dsn)
		if ok != tc.ok || path != tc.path {
			t.Fatalf("dsn %q: expected (%q, %v), got (%q, %v)", tc.dsn, tc.path, tc.ok, path, ok)
		}
	}
}
