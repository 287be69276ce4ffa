package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrPersistenceRead     = errors.New("persistence read failed")
	ErrPersistenceWrite    = errors.New("persistence write failed")
	ErrUnknownMessageType  = errors.New(unknownMessageType)
	ErrHandlerFault        = errors.New("handler fault")
	ErrFacilityUnavailable = errors.New("facility unavailable")
)

const unknownMessageType = "Unknown message type"

const (
	ScopeSync  = "sync"
	ScopeLocal = "local"

	DefaultSource    = "paperrelay"
	DefaultSearchURL = "https://kns.cnki.net/kns8/AdvSearch"
)

// DefaultOrigins are the match patterns of the portal pages a Page Agent runs on.
var DefaultOrigins = []string{"*://*.cnki.net/*", "*://*.cnki.com/*"}

type PersistenceError struct {
	Scope string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s scope %s: %v", e.Scope, e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	switch target {
	case ErrPersistenceRead:
		return e.Op == "read"
	case ErrPersistenceWrite:
		return e.Op == "write"
	}
	return false
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type Options struct {
	SyncScope  KVStore
	LocalScope KVStore
	Hub        *Hub
	Origins    []string
	SearchURL  string
	PanelURL   string
	Navigator  Navigator
	Notifier   Notifier
	Downloader Downloader
	Logger     *slog.Logger
	Now        func() time.Time
}

// Coordinator owns the canonical settings and the download history. Other
// contexts only ever see copies handed out through Dispatch or the Hub.
type Coordinator struct {
	mu       sync.RWMutex
	settings Settings
	loaded   bool
	dirty    bool

	historyMu sync.Mutex
	settled   map[string]DownloadStatus

	facilityMu sync.RWMutex
	navigator  Navigator
	notifier   Notifier
	downloader Downloader

	syncScope  KVStore
	localScope KVStore
	hub        *Hub
	origins    []OriginPattern
	searchURL  string
	panelURL   string
	policy     *bluemonday.Policy
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	closeOnce sync.Once
}

func New(opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	syncScope := opts.SyncScope
	if syncScope == nil {
		syncScope = NewInMemoryKVStore()
	}
	localScope := opts.LocalScope
	if localScope == nil {
		localScope = NewInMemoryKVStore()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	rawOrigins := opts.Origins
	if len(rawOrigins) == 0 {
		rawOrigins = DefaultOrigins
	}
	origins := make([]OriginPattern, 0, len(rawOrigins))
	for _, raw := range rawOrigins {
		pattern, err := ParseOriginPattern(raw)
		if err != nil {
			return nil, err
		}
		origins = append(origins, pattern)
	}
	searchURL := strings.TrimSpace(opts.SearchURL)
	if searchURL == "" {
		searchURL = DefaultSearchURL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		settings:   DefaultSettings(),
		settled:    map[string]DownloadStatus{},
		syncScope:  syncScope,
		localScope: localScope,
		hub:        hub,
		origins:    origins,
		searchURL:  searchURL,
		panelURL:   strings.TrimSpace(opts.PanelURL),
		navigator:  opts.Navigator,
		notifier:   opts.Notifier,
		downloader: opts.Downloader,
		policy:     bluemonday.StrictPolicy(),
		logger:     logger,
		now:        now,
		newID:      uuid.NewString,
	}, nil
}

func (c *Coordinator) Hub() *Hub {
	return c.hub
}

// SetDownloader installs the download facility after construction, for
// facilities that need the coordinator as their completion callback.
func (c *Coordinator) SetDownloader(d Downloader) {
	c.facilityMu.Lock()
	defer c.facilityMu.Unlock()
	c.downloader = d
}

// SetNotifier installs the notification facility after construction.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.facilityMu.Lock()
	defer c.facilityMu.Unlock()
	c.notifier = n
}

// Install runs first-start bookkeeping: when the sync scope has never been
// written it persists the defaults and opens the control panel.
func (c *Coordinator) Install(ctx context.Context) (bool, error) {
	values, err := c.syncScope.Get(ctx, map[string]json.RawMessage{installedAtKey: json.RawMessage("null")})
	if err != nil {
		return false, &PersistenceError{Scope: ScopeSync, Op: "read", Err: err}
	}
	if raw := values[installedAtKey]; len(raw) > 0 && string(raw) != "null" {
		return false, nil
	}
	settings := c.Load(ctx)
	kv := settings.kv()
	kv[installedAtKey] = json.RawMessage(fmt.Sprintf("%d", c.now().UnixMilli()))
	if err := c.syncScope.Set(ctx, kv); err != nil {
		return false, &PersistenceError{Scope: ScopeSync, Op: "write", Err: err}
	}
	c.logger.Info("paperrelay installed")
	if c.panelURL != "" {
		if err := c.openURL(ctx, c.panelURL); err != nil {
			c.logger.Warn("failed to show welcome page", "error", err)
		}
	}
	return true, nil
}

// Close persists pending settings and releases the persistence scopes.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Flush(ctx); err != nil {
			c.logger.Error("final settings flush failed", "error", err)
		}
		for _, scope := range []KVStore{c.syncScope, c.localScope} {
			if closer, ok := scope.(kvStoreCloser); ok && closer != nil {
				_ = closer.Close()
			}
		}
		c.hub.CloseAll()
	})
}

func (c *Coordinator) facilities() (Navigator, Notifier, Downloader) {
	c.facilityMu.RLock()
	defer c.facilityMu.RUnlock()
	return c.navigator, c.notifier, c.downloader
}

func (c *Coordinator) openURL(ctx context.Context, target string) error {
	navigator, _, _ := c.facilities()
	if navigator == nil {
		return ErrFacilityUnavailable
	}
	return navigator.Open(ctx, target)
}

func (c *Coordinator) notify(ctx context.Context, title, message string) {
	_, notifier, _ := c.facilities()
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, title, message); err != nil {
		c.logger.Warn("failed to show notification", "error", err, "title", title)
	}
}

func (c *Coordinator) sanitize(value string) string {
	return strings.TrimSpace(unescapeHTML(c.policy.Sanitize(value)))
}
