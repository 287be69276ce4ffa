package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func boolPtr(v bool) *bool       { return &v }
func stringPtr(v string) *string { return &v }

func TestLoadReturnsDefaultsOnEmptyScope(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	got := c.Load(context.Background())
	if got != DefaultSettings() {
		t.Fatalf("expected defaults %+v, got %+v", DefaultSettings(), got)
	}
	if again := c.Load(context.Background()); again != got {
		t.Fatalf("expected repeated loads to match, got %+v then %+v", got, again)
	}
}

func TestLoadMergesStoredKeysWithDefaults(t *testing.T) {
	syncScope := NewInMemoryKVStore()
	err := syncScope.Set(context.Background(), map[string]json.RawMessage{
		"quickAccess":  json.RawMessage("false"),
		"downloadPath": json.RawMessage(`"~/papers"`),
		"legacyKey":    json.RawMessage(`"ignored"`),
	})
	if err != nil {
		t.Fatalf("seed sync scope: %v", err)
	}
	c := newTestCoordinator(t, Options{SyncScope: syncScope})
	got := c.Load(context.Background())
	want := DefaultSettings()
	want.QuickAccess = false
	want.DownloadPath = "~/papers"
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestLoadKeepsDefaultForMalformedKey(t *testing.T) {
	syncScope := NewInMemoryKVStore()
	err := syncScope.Set(context.Background(), map[string]json.RawMessage{
		"autoDownload":  json.RawMessage(`"yes"`),
		"enhanceSearch": json.RawMessage("false"),
	})
	if err != nil {
		t.Fatalf("seed sync scope: %v", err)
	}
	c := newTestCoordinator(t, Options{SyncScope: syncScope})
	got := c.Load(context.Background())
	if got.AutoDownload != false {
		t.Fatalf("expected malformed autoDownload to fall back to false")
	}
	if got.EnhanceSearch != false {
		t.Fatalf("expected well-formed enhanceSearch to be kept")
	}
}

func TestLoadFallsBackToDefaultsOnReadFailure(t *testing.T) {
	syncScope := newFlakyKVStore()
	_ = syncScope.inner.Set(context.Background(), map[string]json.RawMessage{"quickAccess": json.RawMessage("false")})
	syncScope.setFailures(true, false)
	c := newTestCoordinator(t, Options{SyncScope: syncScope})

	if got := c.Load(context.Background()); got != DefaultSettings() {
		t.Fatalf("expected defaults on read failure, got %+v", got)
	}

	syncScope.setFailures(false, false)
	if got := c.Load(context.Background()); got.QuickAccess {
		t.Fatalf("expected load to retry the read once the scope recovers, got %+v", got)
	}
}

func TestUpdateMergesPartialSettings(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	ctx := context.Background()
	before := c.Load(ctx)
	if err := c.Update(ctx, SettingsPatch{DownloadPath: stringPtr("/tmp/papers")}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	after := c.Load(ctx)
	want := before
	want.DownloadPath = "/tmp/papers"
	if after != want {
		t.Fatalf("expected only downloadPath to change: want %+v, got %+v", want, after)
	}

	stored, err := c.syncScope.Get(ctx, DefaultSettings().kv())
	if err != nil {
		t.Fatalf("read sync scope: %v", err)
	}
	if string(stored["downloadPath"]) != `"/tmp/papers"` {
		t.Fatalf("expected persisted downloadPath, got %s", stored["downloadPath"])
	}
	if string(stored["enhanceSearch"]) != "true" {
		t.Fatalf("expected full settings set persisted, got enhanceSearch=%s", stored["enhanceSearch"])
	}
}

func TestUpdateIsOptimisticWhenPersistFails(t *testing.T) {
	syncScope := newFlakyKVStore()
	syncScope.setFailures(false, true)
	var logs bytes.Buffer
	c := newTestCoordinator(t, Options{SyncScope: syncScope, Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	ctx := context.Background()
	agent := c.Hub().Subscribe("https://kns.cnki.net/kns8/defaultresult/index", 4)

	err := c.Update(ctx, SettingsPatch{AutoDownload: boolPtr(true)})
	if !errors.Is(err, ErrPersistenceWrite) {
		t.Fatalf("expected persistence write error, got %v", err)
	}
	logged := logs.String()
	if !strings.Contains(logged, "level=ERROR") || !strings.Contains(logged, "settings persist failed") || !strings.Contains(logged, "sync scope write: injected failure") {
		t.Fatalf("expected persistence write error to be logged, got %q", logged)
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Scope != ScopeSync {
		t.Fatalf("expected sync scope persistence error, got %#v", err)
	}
	if !c.Load(ctx).AutoDownload {
		t.Fatalf("expected in-memory settings to keep autoDownload true")
	}
	expectNoEnvelope(t, agent)

	syncScope.setFailures(false, false)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	stored, err := syncScope.Get(ctx, DefaultSettings().kv())
	if err != nil {
		t.Fatalf("read sync scope: %v", err)
	}
	if string(stored["autoDownload"]) != "true" {
		t.Fatalf("expected flush to persist autoDownload, got %s", stored["autoDownload"])
	}
	env := receiveEnvelope(t, agent)
	if env.Type != MessageSettingsChanged {
		t.Fatalf("expected SETTINGS_CHANGED after flush, got %s", env.Type)
	}

	calls := syncScope.setCalls
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("idle flush failed: %v", err)
	}
	if syncScope.setCalls != calls {
		t.Fatalf("expected idle flush to skip writing")
	}
}

func TestUpdateBroadcastsToMatchingAgentsOnly(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	hub := c.Hub()
	first := hub.Subscribe("https://kns.cnki.net/kcms/detail.aspx", 4)
	second := hub.Subscribe("http://www.cnki.com/Article/1.htm", 4)
	other := hub.Subscribe("https://example.org/", 4)
	panel := hub.Subscribe("", 4)

	if err := c.Update(context.Background(), SettingsPatch{QuickAccess: boolPtr(false)}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	for _, sub := range []*Subscription{first, second} {
		env := receiveEnvelope(t, sub)
		if env.Type != MessageSettingsChanged {
			t.Fatalf("expected SETTINGS_CHANGED, got %s", env.Type)
		}
		var settings Settings
		if err := json.Unmarshal(env.Payload, &settings); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if settings.QuickAccess {
			t.Fatalf("expected quickAccess false in broadcast, got %+v", settings)
		}
		expectNoEnvelope(t, sub)
	}
	expectNoEnvelope(t, other)
	expectNoEnvelope(t, panel)
}

func TestLateAgentSelfCorrectsOnLoad(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	ctx := context.Background()
	if err := c.Update(ctx, SettingsPatch{QuickAccess: boolPtr(false)}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	late := c.Hub().Subscribe("https://kns.cnki.net/", 4)
	expectNoEnvelope(t, late)
	if c.Load(ctx).QuickAccess {
		t.Fatalf("expected late agent load to see quickAccess false")
	}
}

func TestReloadBroadcastsOnlyOnChange(t *testing.T) {
	syncScope := NewInMemoryKVStore()
	c := newTestCoordinator(t, Options{SyncScope: syncScope})
	ctx := context.Background()
	c.Load(ctx)
	agent := c.Hub().Subscribe("https://kns.cnki.net/", 4)

	if err := c.Reload(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	expectNoEnvelope(t, agent)

	if err := syncScope.Set(ctx, map[string]json.RawMessage{"enhanceSearch": json.RawMessage("false")}); err != nil {
		t.Fatalf("outside write: %v", err)
	}
	if err := c.Reload(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if c.Load(ctx).EnhanceSearch {
		t.Fatalf("expected reload to pick up enhanceSearch false")
	}
	if env := receiveEnvelope(t, agent); env.Type != MessageSettingsChanged {
		t.Fatalf("expected SETTINGS_CHANGED, got %s", env.Type)
	}
}

func TestInstallPersistsDefaultsAndOpensPanelOnce(t *testing.T) {
	nav := &recordingNavigator{}
	c := newTestCoordinator(t, Options{Navigator: nav, PanelURL: "http://127.0.0.1:8080/panel"})
	ctx := context.Background()

	installed, err := c.Install(ctx)
	if err != nil || !installed {
		t.Fatalf("expected first install, got installed=%v err=%v", installed, err)
	}
	installed, err = c.Install(ctx)
	if err != nil || installed {
		t.Fatalf("expected second install to be a no-op, got installed=%v err=%v", installed, err)
	}
	if got := nav.urls(); len(got) != 1 || got[0] != "http://127.0.0.1:8080/panel" {
		t.Fatalf("expected welcome page opened once, got %v", got)
	}
	stored, err := c.syncScope.Get(ctx, DefaultSettings().kv())
	if err != nil {
		t.Fatalf("read sync scope: %v", err)
	}
	if string(stored["quickAccess"]) != "true" {
		t.Fatalf("expected defaults persisted on install, got %v", stored)
	}
}
