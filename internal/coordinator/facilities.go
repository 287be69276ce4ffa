package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Navigator opens a page in the user's browser.
type Navigator interface {
	Open(ctx context.Context, pageURL string) error
}

// Notifier shows a short user-facing notice.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

type DownloadRequest struct {
	URL      string
	Filename string
}

// Downloader starts a download and returns its id. Completion is reported
// asynchronously through the callback the downloader was built with.
type Downloader interface {
	Download(ctx context.Context, req DownloadRequest) (string, error)
}

type DownloadCallback func(downloadID string, status DownloadStatus)

type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// HubNotifier pushes NOTIFICATION envelopes to every live context.
type HubNotifier struct {
	hub *Hub
}

func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Notify(_ context.Context, title, message string) error {
	if n == nil || n.hub == nil {
		return ErrFacilityUnavailable
	}
	n.hub.Broadcast(Envelope{
		Type:    MessageNotification,
		Payload: mustRaw(Notification{Title: title, Message: message}),
	}, nil)
	return nil
}

const (
	defaultDownloadTimeout = 2 * time.Minute
	maxDownloadBytes       = 256 << 20
)

// HTTPDownloader fetches files into Dir. Each download runs in its own
// goroutine and reports completed or failed through OnChange.
type HTTPDownloader struct {
	dir        string
	httpClient *http.Client
	onChange   DownloadCallback
	logger     *slog.Logger
	timeout    time.Duration

	wg sync.WaitGroup
}

type HTTPDownloaderOptions struct {
	Dir        string
	HTTPClient *http.Client
	OnChange   DownloadCallback
	Logger     *slog.Logger
	Timeout    time.Duration
}

func NewHTTPDownloader(opts HTTPDownloaderOptions) *HTTPDownloader {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = "."
	}
	return &HTTPDownloader{
		dir:        dir,
		httpClient: client,
		onChange:   opts.OnChange,
		logger:     logger,
		timeout:    timeout,
	}
}

func (d *HTTPDownloader) Download(_ context.Context, req DownloadRequest) (string, error) {
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return "", fmt.Errorf("%w: download url %q", ErrInvalidInput, req.URL)
	}
	filename := safeFilename(req.Filename)
	if filename == "" {
		filename = safeFilename(filepath.Base(target.Path))
	}
	if filename == "" {
		return "", fmt.Errorf("%w: download filename", ErrInvalidInput)
	}
	id := uuid.NewString()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		status := StatusCompleted
		if err := d.fetch(target.String(), filepath.Join(d.dir, filename)); err != nil {
			status = StatusFailed
			d.logger.Error("download failed", "id", id, "url", target.String(), "error", err)
		} else {
			d.logger.Info("download completed", "id", id, "file", filename)
		}
		if d.onChange != nil {
			d.onChange(id, status)
		}
	}()
	return id, nil
}

// Wait blocks until every started download has reported.
func (d *HTTPDownloader) Wait() {
	d.wg.Wait()
}

func (d *HTTPDownloader) fetch(rawURL, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxDownloadBytes {
		return errors.New("download exceeds size limit")
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".paperrelay-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// safeFilename strips path separators and characters most filesystems reject.
func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	if strings.Trim(name, "_") == "" {
		return ""
	}
	return name
}
