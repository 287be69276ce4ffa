package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// statusUpdateTimeout bounds the history write made from a download
// completion callback, which has no caller context of its own.
const statusUpdateTimeout = 5 * time.Second

type MessageType string

const (
	MessageGetSettings        MessageType = "GET_SETTINGS"
	MessageUpdateSettings     MessageType = "UPDATE_SETTINGS"
	MessageDownloadPaper      MessageType = "DOWNLOAD_PAPER"
	MessageRecordDownload     MessageType = "RECORD_DOWNLOAD"
	MessageSearchPapers       MessageType = "SEARCH_PAPERS"
	MessageGetDownloadHistory MessageType = "GET_DOWNLOAD_HISTORY"
	MessageOpenSettings       MessageType = "OPEN_SETTINGS"
	MessageSettingsChanged    MessageType = "SETTINGS_CHANGED"
	MessageNotification       MessageType = "NOTIFICATION"
)

// Envelope is the unit exchanged between contexts.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(msgType MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = data
	return env, nil
}

type Ack struct {
	Success bool `json:"success"`
}

type ErrorReply struct {
	Error string `json:"error"`
}

// PaperDescriptor is the payload of DOWNLOAD_PAPER and RECORD_DOWNLOAD.
type PaperDescriptor struct {
	Title       string `json:"title"`
	Authors     string `json:"authors,omitempty"`
	URL         string `json:"url"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Dispatch routes env to its handler and returns the reply to send back.
// It never panics and never returns a Go error: failures come back as
// ErrorReply values.
func (c *Coordinator) Dispatch(ctx context.Context, env Envelope) (reply any) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrHandlerFault, r)
			c.logger.Error("message handler panicked", "type", env.Type, "error", err)
			reply = ErrorReply{Error: fmt.Sprint(r)}
		}
	}()
	if err := c.validatePayload(env); err != nil {
		c.logger.Warn("rejected message payload", "type", env.Type, "error", err)
		return errorReply(err)
	}
	reply, err := c.handle(ctx, env)
	if err != nil {
		c.logger.Warn("message handler failed", "type", env.Type, "error", err)
		return errorReply(err)
	}
	return reply
}

func (c *Coordinator) handle(ctx context.Context, env Envelope) (any, error) {
	switch env.Type {
	case MessageGetSettings:
		return c.Load(ctx), nil
	case MessageUpdateSettings:
		var patch SettingsPatch
		if err := decodePayload(env.Payload, &patch); err != nil {
			return nil, err
		}
		if err := c.Update(ctx, patch); err != nil {
			return nil, err
		}
		return Ack{Success: true}, nil
	case MessageDownloadPaper:
		var paper PaperDescriptor
		if err := decodePayload(env.Payload, &paper); err != nil {
			return nil, err
		}
		if err := c.DownloadPaper(ctx, paper); err != nil {
			return nil, err
		}
		return Ack{Success: true}, nil
	case MessageRecordDownload:
		var paper PaperDescriptor
		if err := decodePayload(env.Payload, &paper); err != nil {
			return nil, err
		}
		c.RecordDownload(ctx, paper)
		return Ack{Success: true}, nil
	case MessageSearchPapers:
		var query string
		if err := decodePayload(env.Payload, &query); err != nil {
			return nil, err
		}
		if err := c.Search(ctx, query); err != nil {
			return nil, err
		}
		return Ack{Success: true}, nil
	case MessageGetDownloadHistory:
		return c.GetAll(ctx), nil
	case MessageOpenSettings:
		if err := c.OpenSettings(ctx); err != nil {
			return nil, err
		}
		return Ack{Success: true}, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

// DownloadPaper starts a download of paper.DownloadURL. A pending history
// entry tagged with the download id is recorded so the completion callback
// can settle it. Without a download URL or a download facility it is a no-op.
func (c *Coordinator) DownloadPaper(ctx context.Context, paper PaperDescriptor) error {
	if strings.TrimSpace(paper.DownloadURL) == "" {
		return nil
	}
	_, _, downloader := c.facilities()
	if downloader == nil {
		c.logger.Debug("download facility unavailable, skipping download", "title", paper.Title)
		return nil
	}
	entry, err := c.startDownload(ctx, downloader, paper)
	if err != nil {
		c.notify(ctx, "Download failed", err.Error())
		return err
	}
	if err := c.Append(ctx, entry); err != nil {
		c.logger.Warn("download started but not recorded", "downloadId", entry.DownloadID, "error", err)
	}
	return nil
}

// RecordDownload appends a history entry for paper. With autoDownload
// enabled and a download URL present the download is started first and the
// entry is recorded as pending.
func (c *Coordinator) RecordDownload(ctx context.Context, paper PaperDescriptor) {
	entry := HistoryEntry{
		Title:     paper.Title,
		URL:       paper.URL,
		Timestamp: paper.Timestamp,
		Source:    paper.Source,
		Status:    StatusCompleted,
	}
	_, _, downloader := c.facilities()
	if c.Load(ctx).AutoDownload && strings.TrimSpace(paper.DownloadURL) != "" && downloader != nil {
		started, err := c.startDownload(ctx, downloader, paper)
		if err != nil {
			entry.Status = StatusFailed
			c.notify(ctx, "Download failed", err.Error())
		} else {
			entry.Status = started.Status
			entry.DownloadID = started.DownloadID
		}
	}
	if err := c.Append(ctx, entry); err != nil {
		return
	}
	c.notify(ctx, "Paper recorded", c.sanitize(paper.Title))
}

func (c *Coordinator) startDownload(ctx context.Context, downloader Downloader, paper PaperDescriptor) (HistoryEntry, error) {
	title := c.sanitize(paper.Title)
	filename := title
	if filename == "" {
		filename = "paper"
	}
	id, err := downloader.Download(ctx, DownloadRequest{
		URL:      strings.TrimSpace(paper.DownloadURL),
		Filename: filename + ".pdf",
	})
	if err != nil {
		return HistoryEntry{}, err
	}
	c.logger.Info("download started", "downloadId", id, "title", title)
	return HistoryEntry{
		Title:      title,
		URL:        paper.URL,
		Timestamp:  paper.Timestamp,
		Source:     paper.Source,
		Status:     StatusPending,
		DownloadID: id,
	}, nil
}

// HandleDownloadChanged is the completion callback for Downloader
// implementations.
func (c *Coordinator) HandleDownloadChanged(downloadID string, status DownloadStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer cancel()
	changed, err := c.UpdateStatus(ctx, downloadID, status)
	if err != nil {
		c.logger.Error("download status update failed", "downloadId", downloadID, "error", err)
		return
	}
	c.logger.Info("download status changed", "downloadId", downloadID, "status", status, "entries", changed)
	if status == StatusFailed {
		c.notify(ctx, "Download failed", "A paper download did not complete")
	}
}

// Search opens the portal's advanced search for query. A missing navigator
// is logged and treated as success.
func (c *Coordinator) Search(ctx context.Context, query string) error {
	target, err := c.searchTarget(query)
	if err != nil {
		return err
	}
	return c.open(ctx, target)
}

func (c *Coordinator) OpenSettings(ctx context.Context) error {
	if c.panelURL == "" {
		c.logger.Warn("no control panel url configured")
		return nil
	}
	return c.open(ctx, c.panelURL)
}

func (c *Coordinator) open(ctx context.Context, target string) error {
	err := c.openURL(ctx, target)
	if errors.Is(err, ErrFacilityUnavailable) {
		c.logger.Warn("navigation facility unavailable", "url", target)
		return nil
	}
	return err
}

func (c *Coordinator) searchTarget(query string) (string, error) {
	base, err := url.Parse(c.searchURL)
	if err != nil {
		return "", fmt.Errorf("%w: search url: %v", ErrInvalidInput, err)
	}
	encoded := "q=" + strings.ReplaceAll(url.QueryEscape(query), "+", "%20")
	if base.RawQuery == "" {
		base.RawQuery = encoded
	} else {
		base.RawQuery += "&" + encoded
	}
	return base.String(), nil
}

func decodePayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func errorReply(err error) ErrorReply {
	if errors.Is(err, ErrUnknownMessageType) {
		return ErrorReply{Error: unknownMessageType}
	}
	return ErrorReply{Error: err.Error()}
}
