package coordinator

import (
	"context"
	"encoding/json"
	"html"
)

const (
	keyAutoDownload  = "autoDownload"
	keyEnhanceSearch = "enhanceSearch"
	keyQuickAccess   = "quickAccess"
	keyDownloadPath  = "downloadPath"

	installedAtKey = "installedAt"
)

type Settings struct {
	AutoDownload  bool   `json:"autoDownload"`
	EnhanceSearch bool   `json:"enhanceSearch"`
	QuickAccess   bool   `json:"quickAccess"`
	DownloadPath  string `json:"downloadPath"`
}

func DefaultSettings() Settings {
	return Settings{
		AutoDownload:  false,
		EnhanceSearch: true,
		QuickAccess:   true,
		DownloadPath:  "",
	}
}

// SettingsPatch is a partial update. Nil fields keep their current value and
// unknown JSON keys are dropped on decode.
type SettingsPatch struct {
	AutoDownload  *bool   `json:"autoDownload,omitempty"`
	EnhanceSearch *bool   `json:"enhanceSearch,omitempty"`
	QuickAccess   *bool   `json:"quickAccess,omitempty"`
	DownloadPath  *string `json:"downloadPath,omitempty"`
}

func (p SettingsPatch) IsEmpty() bool {
	return p.AutoDownload == nil && p.EnhanceSearch == nil && p.QuickAccess == nil && p.DownloadPath == nil
}

func (p SettingsPatch) Apply(s Settings) Settings {
	if p.AutoDownload != nil {
		s.AutoDownload = *p.AutoDownload
	}
	if p.EnhanceSearch != nil {
		s.EnhanceSearch = *p.EnhanceSearch
	}
	if p.QuickAccess != nil {
		s.QuickAccess = *p.QuickAccess
	}
	if p.DownloadPath != nil {
		s.DownloadPath = *p.DownloadPath
	}
	return s
}

func (s Settings) kv() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		keyAutoDownload:  mustRaw(s.AutoDownload),
		keyEnhanceSearch: mustRaw(s.EnhanceSearch),
		keyQuickAccess:   mustRaw(s.QuickAccess),
		keyDownloadPath:  mustRaw(s.DownloadPath),
	}
}

// settingsFromKV decodes per key. A key whose stored value has the wrong
// shape keeps its default.
func settingsFromKV(values map[string]json.RawMessage) (Settings, []string) {
	settings := DefaultSettings()
	var rejected []string
	if !decodeKey(values, keyAutoDownload, &settings.AutoDownload) {
		rejected = append(rejected, keyAutoDownload)
	}
	if !decodeKey(values, keyEnhanceSearch, &settings.EnhanceSearch) {
		rejected = append(rejected, keyEnhanceSearch)
	}
	if !decodeKey(values, keyQuickAccess, &settings.QuickAccess) {
		rejected = append(rejected, keyQuickAccess)
	}
	if !decodeKey(values, keyDownloadPath, &settings.DownloadPath) {
		rejected = append(rejected, keyDownloadPath)
	}
	return settings, rejected
}

func decodeKey[T any](values map[string]json.RawMessage, key string, target *T) bool {
	raw, ok := values[key]
	if !ok || len(raw) == 0 {
		return true
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	*target = value
	return true
}

// Load returns the coordinator's settings. The first call reads the sync
// scope; if that read fails the defaults are returned and the read is
// retried on the next call.
func (c *Coordinator) Load(ctx context.Context) Settings {
	c.mu.RLock()
	if c.loaded {
		settings := c.settings
		c.mu.RUnlock()
		return settings
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return c.settings
}

func (c *Coordinator) ensureLoadedLocked(ctx context.Context) {
	if c.loaded {
		return
	}
	settings, err := c.readSettings(ctx)
	if err != nil {
		c.logger.Error("settings load failed, using defaults", "error", err)
		return
	}
	c.settings = settings
	c.loaded = true
}

func (c *Coordinator) readSettings(ctx context.Context) (Settings, error) {
	values, err := c.syncScope.Get(ctx, DefaultSettings().kv())
	if err != nil {
		return DefaultSettings(), &PersistenceError{Scope: ScopeSync, Op: "read", Err: err}
	}
	settings, rejected := settingsFromKV(values)
	if len(rejected) > 0 {
		c.logger.Warn("ignoring malformed stored settings", "keys", rejected)
	}
	return settings, nil
}

// Update merges patch into the in-memory settings, persists the full set and
// broadcasts SETTINGS_CHANGED to every live agent. The in-memory copy stays
// updated even when the write fails; Flush retries it later.
func (c *Coordinator) Update(ctx context.Context, patch SettingsPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	c.settings = patch.Apply(c.settings)
	c.loaded = true
	snapshot := c.settings
	if err := c.syncScope.Set(ctx, snapshot.kv()); err != nil {
		c.dirty = true
		perr := &PersistenceError{Scope: ScopeSync, Op: "write", Err: err}
		c.logger.Error("settings persist failed", "error", perr)
		return perr
	}
	c.dirty = false
	c.broadcastSettingsLocked(snapshot)
	return nil
}

// Flush rewrites settings whose last persist failed. It is a no-op when
// nothing is pending.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	snapshot := c.settings
	if err := c.syncScope.Set(ctx, snapshot.kv()); err != nil {
		return &PersistenceError{Scope: ScopeSync, Op: "write", Err: err}
	}
	c.dirty = false
	c.logger.Info("pending settings flushed")
	c.broadcastSettingsLocked(snapshot)
	return nil
}

// Reload re-reads the sync scope after an outside change and broadcasts when
// the values differ. Pending unpersisted updates win over the stored copy.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty {
		c.logger.Debug("skipping settings reload while a write is pending")
		return nil
	}
	settings, err := c.readSettings(ctx)
	if err != nil {
		return err
	}
	changed := !c.loaded || settings != c.settings
	c.settings = settings
	c.loaded = true
	if changed {
		c.logger.Info("settings reloaded from sync scope")
		c.broadcastSettingsLocked(settings)
	}
	return nil
}

func (c *Coordinator) broadcastSettingsLocked(settings Settings) {
	env := Envelope{Type: MessageSettingsChanged, Payload: mustRaw(settings)}
	delivered := c.hub.Broadcast(env, c.matchesOrigin)
	c.logger.Debug("settings change broadcast", "delivered", delivered)
}

func (c *Coordinator) matchesOrigin(origin string) bool {
	for _, pattern := range c.origins {
		if pattern.Match(origin) {
			return true
		}
	}
	return false
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unescapeHTML(s string) string {
	return html.UnescapeString(s)
}
