package coordinator

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	historyKey        = "downloadHistory"
	MaxHistoryEntries = 100
)

type DownloadStatus string

const (
	StatusPending   DownloadStatus = "pending"
	StatusCompleted DownloadStatus = "completed"
	StatusFailed    DownloadStatus = "failed"
)

func (s DownloadStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type HistoryEntry struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	URL        string         `json:"url"`
	Timestamp  int64          `json:"timestamp"`
	Source     string         `json:"source"`
	Status     DownloadStatus `json:"status"`
	DownloadID string         `json:"downloadId,omitempty"`
}

// Append inserts entry at the head of the history and trims the list to
// MaxHistoryEntries. Appends are serialized so concurrent callers never lose
// each other's entries.
func (c *Coordinator) Append(ctx context.Context, entry HistoryEntry) error {
	entry = c.normalizeEntry(entry)

	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	entries, err := c.readHistory(ctx)
	if err != nil {
		c.logger.Error("history append failed", "error", err, "title", entry.Title)
		return err
	}
	if status, ok := c.settled[entry.DownloadID]; ok && entry.DownloadID != "" {
		entry.Status = status
		delete(c.settled, entry.DownloadID)
	}
	next := make([]HistoryEntry, 0, min(len(entries)+1, MaxHistoryEntries))
	next = append(next, entry)
	next = append(next, entries...)
	if len(next) > MaxHistoryEntries {
		next = next[:MaxHistoryEntries]
	}
	if err := c.writeHistory(ctx, next); err != nil {
		c.logger.Error("history append failed", "error", err, "title", entry.Title)
		return err
	}
	return nil
}

// UpdateStatus moves every entry tagged with downloadID to status and
// reports how many entries changed. A status for a download whose entry has
// not been appended yet is held and applied by Append.
func (c *Coordinator) UpdateStatus(ctx context.Context, downloadID string, status DownloadStatus) (int, error) {
	downloadID = strings.TrimSpace(downloadID)
	if downloadID == "" || !status.Valid() {
		return 0, ErrInvalidInput
	}
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	entries, err := c.readHistory(ctx)
	if err != nil {
		return 0, err
	}
	matched, changed := 0, 0
	for i := range entries {
		if entries[i].DownloadID != downloadID {
			continue
		}
		matched++
		if entries[i].Status == status {
			continue
		}
		entries[i].Status = status
		changed++
	}
	if matched == 0 {
		if len(c.settled) >= MaxHistoryEntries {
			c.settled = map[string]DownloadStatus{}
		}
		c.settled[downloadID] = status
		return 0, nil
	}
	if changed == 0 {
		return 0, nil
	}
	if err := c.writeHistory(ctx, entries); err != nil {
		return 0, err
	}
	return changed, nil
}

// GetAll returns the history newest first, or an empty list when the local
// scope cannot be read.
func (c *Coordinator) GetAll(ctx context.Context) []HistoryEntry {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	entries, err := c.readHistory(ctx)
	if err != nil {
		c.logger.Error("history read failed", "error", err)
		return []HistoryEntry{}
	}
	return entries
}

func (c *Coordinator) normalizeEntry(entry HistoryEntry) HistoryEntry {
	entry.Title = c.sanitize(entry.Title)
	entry.URL = strings.TrimSpace(entry.URL)
	entry.Source = strings.TrimSpace(entry.Source)
	if entry.Source == "" {
		entry.Source = DefaultSource
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = c.now().UnixMilli()
	}
	if !entry.Status.Valid() {
		entry.Status = StatusCompleted
	}
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = c.newID()
	}
	return entry
}

func (c *Coordinator) readHistory(ctx context.Context) ([]HistoryEntry, error) {
	values, err := c.localScope.Get(ctx, map[string]json.RawMessage{historyKey: json.RawMessage("[]")})
	if err != nil {
		return nil, &PersistenceError{Scope: ScopeLocal, Op: "read", Err: err}
	}
	entries := []HistoryEntry{}
	raw := values[historyKey]
	if len(raw) == 0 || string(raw) == "null" {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &PersistenceError{Scope: ScopeLocal, Op: "read", Err: err}
	}
	return entries, nil
}

func (c *Coordinator) writeHistory(ctx context.Context, entries []HistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := c.localScope.Set(ctx, map[string]json.RawMessage{historyKey: data}); err != nil {
		return &PersistenceError{Scope: ScopeLocal, Op: "write", Err: err}
	}
	return nil
}
