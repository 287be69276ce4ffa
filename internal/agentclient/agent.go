package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/paperrelay/internal/coordinator"
	"github.com/agentworkforce/paperrelay/internal/discovery"
	"golang.org/x/net/html"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrNoDownloadControl   = errors.New("no download control on page")
	ErrQuickAccessDisabled = errors.New("quick access is disabled")
)

const maxPageBytes = 8 << 20

type PageAgentOptions struct {
	// Origin is the address of the page this agent runs on.
	Origin         string
	Client         *HTTPClient
	HTTPClient     *http.Client
	Finder         *discovery.Finder
	Logger         *slog.Logger
	Reconnect      time.Duration
	ReconnectRatio float64
	OnSettings     func(coordinator.Settings)
	OnNotification func(coordinator.Notification)
	Now            func() time.Time
}

// PageAgent mirrors one portal page. It keeps a cached copy of the settings,
// refreshed on connect and replaced on every SETTINGS_CHANGED push.
type PageAgent struct {
	origin         string
	client         *HTTPClient
	httpClient     *http.Client
	finder         *discovery.Finder
	logger         *slog.Logger
	reconnect      time.Duration
	reconnectRatio float64
	onSettings     func(coordinator.Settings)
	onNotification func(coordinator.Notification)
	now            func() time.Time

	mu       sync.RWMutex
	settings coordinator.Settings
}

func NewPageAgent(opts PageAgentOptions) (*PageAgent, error) {
	origin := strings.TrimSpace(opts.Origin)
	if origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	finder := opts.Finder
	if finder == nil {
		finder = discovery.NewFinder()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconnect := opts.Reconnect
	if reconnect <= 0 {
		reconnect = 2 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PageAgent{
		origin:         origin,
		client:         opts.Client,
		httpClient:     httpClient,
		finder:         finder,
		logger:         logger.With("origin", origin),
		reconnect:      reconnect,
		reconnectRatio: clampJitterRatio(opts.ReconnectRatio),
		onSettings:     opts.OnSettings,
		onNotification: opts.OnNotification,
		now:            now,
		settings:       coordinator.DefaultSettings(),
	}, nil
}

// Settings returns the cached copy; defaults until the first Refresh.
func (a *PageAgent) Settings() coordinator.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// Refresh asks the coordinator for the current settings. On failure the
// cached copy is kept.
func (a *PageAgent) Refresh(ctx context.Context) error {
	settings, err := a.client.GetSettings(ctx)
	if err != nil {
		return err
	}
	a.applySettings(settings)
	return nil
}

func (a *PageAgent) applySettings(settings coordinator.Settings) {
	a.mu.Lock()
	a.settings = settings
	a.mu.Unlock()
	if a.onSettings != nil {
		a.onSettings(settings)
	}
}

// Run keeps a live socket open until ctx ends, reconnecting with jitter.
// Settings are refreshed once each socket is open, so pushes missed while
// offline or while connecting are made up for.
func (a *PageAgent) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(a.now().UnixNano()))
	for {
		err := a.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("agent socket closed, reconnecting", "error", err)
		delay := jitteredIntervalWithSample(a.reconnect, a.reconnectRatio, rng.Float64())
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil
		}
	}
}

func (a *PageAgent) socketURL() (string, error) {
	base, err := url.Parse(a.client.BaseURL())
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/v1/agents/connect"
	base.RawQuery = url.Values{"origin": {a.origin}}.Encode()
	return base.String(), nil
}

func (a *PageAgent) listen(ctx context.Context) error {
	wsURL, err := a.socketURL()
	if err != nil {
		return err
	}
	// The socket outlives any client timeout, so only the transport is shared.
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: a.httpClient.Transport},
		HTTPHeader: http.Header{"Authorization": {"Bearer " + a.client.token}},
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	a.logger.Info("agent socket connected")
	// Pushes arriving during the refresh wait on the socket and are applied
	// after it, so the newest settings win.
	if err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("settings refresh failed", "error", err)
	}
	for {
		var env coordinator.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		a.handleEnvelope(env)
	}
}

func (a *PageAgent) handleEnvelope(env coordinator.Envelope) {
	switch env.Type {
	case coordinator.MessageSettingsChanged:
		var settings coordinator.Settings
		if err := json.Unmarshal(env.Payload, &settings); err != nil {
			a.logger.Warn("ignoring malformed settings push", "error", err)
			return
		}
		a.applySettings(settings)
	case coordinator.MessageNotification:
		var note coordinator.Notification
		if err := json.Unmarshal(env.Payload, &note); err != nil {
			a.logger.Warn("ignoring malformed notification", "error", err)
			return
		}
		if a.onNotification != nil {
			a.onNotification(note)
			return
		}
		a.logger.Info(note.Message, "title", note.Title)
	default:
		a.logger.Debug("ignoring pushed envelope", "type", env.Type)
	}
}

// DownloadFromPage looks for a download control on page and asks the
// coordinator to fetch it. Title and authors come from the page markup.
func (a *PageAgent) DownloadFromPage(ctx context.Context, page io.Reader) (coordinator.PaperDescriptor, error) {
	doc, err := html.Parse(io.LimitReader(page, maxPageBytes))
	if err != nil {
		return coordinator.PaperDescriptor{}, err
	}
	candidate, ok, err := a.finder.FindNode(doc, a.origin)
	if err != nil {
		return coordinator.PaperDescriptor{}, err
	}
	if !ok || candidate.Href == "" {
		return coordinator.PaperDescriptor{}, ErrNoDownloadControl
	}
	meta := discovery.ExtractPaperNode(doc)
	paper := coordinator.PaperDescriptor{
		Title:       meta.Title,
		Authors:     meta.Authors,
		URL:         a.origin,
		DownloadURL: candidate.Href,
		Timestamp:   a.now().UnixMilli(),
	}
	a.logger.Info("download control found", "matcher", candidate.Matcher, "href", candidate.Href)
	if err := a.client.DownloadPaper(ctx, paper); err != nil {
		return paper, err
	}
	return paper, nil
}

// QuickDownload fetches the agent's page and downloads from it. It is the
// toolbar action and honours the quickAccess setting.
func (a *PageAgent) QuickDownload(ctx context.Context) (coordinator.PaperDescriptor, error) {
	if !a.Settings().QuickAccess {
		return coordinator.PaperDescriptor{}, ErrQuickAccessDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.origin, nil)
	if err != nil {
		return coordinator.PaperDescriptor{}, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return coordinator.PaperDescriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return coordinator.PaperDescriptor{}, &HTTPError{StatusCode: resp.StatusCode, Message: "fetch page failed"}
	}
	return a.DownloadFromPage(ctx, resp.Body)
}

// QuickSearch opens the portal search page with an empty query.
func (a *PageAgent) QuickSearch(ctx context.Context) error {
	return a.client.Search(ctx, "")
}

func (a *PageAgent) OpenSettings(ctx context.Context) error {
	return a.client.OpenSettings(ctx)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
