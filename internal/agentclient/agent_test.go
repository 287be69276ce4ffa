package agentclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/paperrelay/internal/coordinator"
	"github.com/agentworkforce/paperrelay/internal/httpapi"
)

const portalOrigin = "https://kns.cnki.net/kcms/detail/detail.aspx?id=7"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	coord  *coordinator.Coordinator
	server *httptest.Server
	client *HTTPClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	coord, err := coordinator.New(coordinator.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	server := httptest.NewServer(httpapi.NewServerWithConfig(coord, httpapi.ServerConfig{
		JWTSecret: "agent-secret",
		Logger:    discardLogger(),
	}))
	t.Cleanup(func() {
		coord.Close()
		server.Close()
	})
	token, err := httpapi.IssueToken("agent-secret", "tab-1", httpapi.ContextAgent, []string{httpapi.ScopeMessagesSend, httpapi.ScopeAgentsConnect}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &harness{coord: coord, server: server, client: NewHTTPClient(server.URL, token, server.Client())}
}

func (h *harness) newAgent(t *testing.T, opts PageAgentOptions) *PageAgent {
	t.Helper()
	if opts.Origin == "" {
		opts.Origin = portalOrigin
	}
	opts.Client = h.client
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	agent, err := NewPageAgent(opts)
	if err != nil {
		t.Fatalf("new page agent: %v", err)
	}
	return agent
}

func TestPageAgentFollowsSettingsPushes(t *testing.T) {
	h := newHarness(t)
	updates := make(chan coordinator.Settings, 8)
	agent := h.newAgent(t, PageAgentOptions{
		Reconnect:  20 * time.Millisecond,
		OnSettings: func(s coordinator.Settings) { updates <- s },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.coord.Hub().Origins()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("agent never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	quickAccess := false
	if err := h.coord.Update(context.Background(), coordinator.SettingsPatch{QuickAccess: &quickAccess}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitForSettings(t, updates, func(s coordinator.Settings) bool { return !s.QuickAccess })
	if agent.Settings().QuickAccess {
		t.Fatalf("expected cached settings to follow the push")
	}
	if _, err := agent.QuickDownload(context.Background()); !errors.Is(err, ErrQuickAccessDisabled) {
		t.Fatalf("expected quick download to be disabled, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("agent did not stop after cancel")
	}
}

func TestPageAgentKeepsUpdateMadeWhileConnecting(t *testing.T) {
	h := newHarness(t)
	var once sync.Once
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := h.server.Client().Transport.RoundTrip(req)
		if err == nil && req.URL.Path == "/v1/messages" {
			// The settings reply is already stale once this update lands.
			once.Do(func() {
				quickAccess := false
				if uerr := h.coord.Update(context.Background(), coordinator.SettingsPatch{QuickAccess: &quickAccess}); uerr != nil {
					t.Errorf("update: %v", uerr)
				}
			})
		}
		return resp, err
	})
	updates := make(chan coordinator.Settings, 8)
	agent, err := NewPageAgent(PageAgentOptions{
		Origin:     portalOrigin,
		Client:     NewHTTPClient(h.server.URL, h.client.token, &http.Client{Transport: transport}),
		HTTPClient: h.server.Client(),
		Logger:     discardLogger(),
		Reconnect:  20 * time.Millisecond,
		OnSettings: func(s coordinator.Settings) { updates <- s },
	})
	if err != nil {
		t.Fatalf("new page agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	waitForSettings(t, updates, func(s coordinator.Settings) bool { return !s.QuickAccess })
	if h.coord.Load(context.Background()).QuickAccess {
		t.Fatalf("expected coordinator to hold quickAccess=false")
	}
	if agent.Settings().QuickAccess {
		t.Fatalf("expected connected agent to converge on quickAccess=false")
	}
}

func TestPageAgentIgnoresForeignOriginPushes(t *testing.T) {
	h := newHarness(t)
	agent := h.newAgent(t, PageAgentOptions{Origin: "https://example.org/paper"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.coord.Hub().Origins()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("agent never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	autoDownload := true
	if err := h.coord.Update(context.Background(), coordinator.SettingsPatch{AutoDownload: &autoDownload}); err != nil {
		t.Fatalf("update: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if agent.Settings().AutoDownload {
		t.Fatalf("expected non-matching page to keep its stale copy until refresh")
	}
	if err := agent.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !agent.Settings().AutoDownload {
		t.Fatalf("expected refresh to self-correct the cached copy")
	}
}

func TestPageAgentDownloadFromPage(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer files.Close()

	h := newHarness(t)
	downloader := coordinator.NewHTTPDownloader(coordinator.HTTPDownloaderOptions{
		Dir:        t.TempDir(),
		HTTPClient: files.Client(),
		OnChange:   h.coord.HandleDownloadChanged,
		Logger:     discardLogger(),
	})
	h.coord.SetDownloader(downloader)
	agent := h.newAgent(t, PageAgentOptions{})

	page := `<h1 class="title">Graph Learning</h1><span class="authors">Wang</span>
<a class="btn" href="` + files.URL + `/bar/download?id=7">PDF下载</a>`
	paper, err := agent.DownloadFromPage(context.Background(), strings.NewReader(page))
	if err != nil {
		t.Fatalf("download from page: %v", err)
	}
	if paper.Title != "Graph Learning" || paper.Authors != "Wang" || paper.URL != portalOrigin {
		t.Fatalf("unexpected descriptor %+v", paper)
	}
	downloader.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries := h.coord.GetAll(context.Background())
		if len(entries) == 1 && entries[0].Status == coordinator.StatusCompleted {
			if entries[0].Title != "Graph Learning" {
				t.Fatalf("unexpected history title %q", entries[0].Title)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a completed history entry, got %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPageAgentQuickDownloadFetchesPage(t *testing.T) {
	h := newHarness(t)
	requested := make(chan string, 1)
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<a href="/files/paper.pdf">全文</a>`))
	}))
	defer portal.Close()
	h.coord.SetDownloader(downloaderFunc(func(_ context.Context, req coordinator.DownloadRequest) (string, error) {
		requested <- req.URL
		return "dl-1", nil
	}))
	agent := h.newAgent(t, PageAgentOptions{Origin: portal.URL + "/detail", HTTPClient: portal.Client()})

	paper, err := agent.QuickDownload(context.Background())
	if err != nil {
		t.Fatalf("quick download: %v", err)
	}
	if paper.Title != "未知标题" {
		t.Fatalf("expected placeholder title, got %q", paper.Title)
	}
	select {
	case got := <-requested:
		if got != portal.URL+"/files/paper.pdf" {
			t.Fatalf("expected resolved download url, got %q", got)
		}
	default:
		t.Fatalf("expected the coordinator to start a download")
	}
}

func TestPageAgentNoDownloadControl(t *testing.T) {
	h := newHarness(t)
	agent := h.newAgent(t, PageAgentOptions{})
	_, err := agent.DownloadFromPage(context.Background(), strings.NewReader(`<a href="/home">首页</a>`))
	if !errors.Is(err, ErrNoDownloadControl) {
		t.Fatalf("expected no download control, got %v", err)
	}
	if entries := h.coord.GetAll(context.Background()); len(entries) != 0 {
		t.Fatalf("expected no history entries, got %+v", entries)
	}
}

func TestPageAgentQuickSearchAndOpenSettings(t *testing.T) {
	h := newHarness(t)
	agent := h.newAgent(t, PageAgentOptions{})
	if err := agent.QuickSearch(context.Background()); err != nil {
		t.Fatalf("quick search: %v", err)
	}
	if err := agent.OpenSettings(context.Background()); err != nil {
		t.Fatalf("open settings: %v", err)
	}
}

func TestPageAgentNotifications(t *testing.T) {
	h := newHarness(t)
	h.coord.SetNotifier(coordinator.NewHubNotifier(h.coord.Hub()))
	notes := make(chan coordinator.Notification, 1)
	agent := h.newAgent(t, PageAgentOptions{OnNotification: func(n coordinator.Notification) { notes <- n }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.coord.Hub().Origins()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("agent never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.client.RecordDownload(context.Background(), coordinator.PaperDescriptor{Title: "A", URL: "https://kns.cnki.net/a"}); err != nil {
		t.Fatalf("record download: %v", err)
	}
	select {
	case note := <-notes:
		if note.Title == "" {
			t.Fatalf("expected notification title")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification pushed")
	}
}

func TestNewPageAgentValidation(t *testing.T) {
	if _, err := NewPageAgent(PageAgentOptions{Client: NewHTTPClient("", "t", nil)}); err == nil {
		t.Fatalf("expected error without origin")
	}
	if _, err := NewPageAgent(PageAgentOptions{Origin: portalOrigin}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func waitForSettings(t *testing.T, updates <-chan coordinator.Settings, want func(coordinator.Settings) bool) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-updates:
			if want(s) {
				return
			}
		case <-timeout:
			t.Fatalf("agent never saw the expected settings")
		}
	}
}

type downloaderFunc func(ctx context.Context, req coordinator.DownloadRequest) (string, error)

func (f downloaderFunc) Download(ctx context.Context, req coordinator.DownloadRequest) (string, error) {
	return f(ctx, req)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
