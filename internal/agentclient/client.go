// Package agentclient is the context side of paperrelay: an HTTP client for
// /v1/messages and a Page Agent that keeps a live socket to the coordinator.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/paperrelay/internal/coordinator"
	"github.com/google/uuid"
)

var ErrMessageFailed = errors.New("message failed")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// MessageError is an {error} reply from the coordinator.
type MessageError struct {
	Type    coordinator.MessageType
	Message string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *MessageError) Is(target error) bool {
	return target == ErrMessageFailed
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) GetSettings(ctx context.Context) (coordinator.Settings, error) {
	var settings coordinator.Settings
	err := c.Send(ctx, coordinator.MessageGetSettings, nil, &settings)
	return settings, err
}

func (c *HTTPClient) UpdateSettings(ctx context.Context, patch coordinator.SettingsPatch) error {
	return c.Send(ctx, coordinator.MessageUpdateSettings, patch, nil)
}

func (c *HTTPClient) DownloadPaper(ctx context.Context, paper coordinator.PaperDescriptor) error {
	return c.Send(ctx, coordinator.MessageDownloadPaper, paper, nil)
}

func (c *HTTPClient) RecordDownload(ctx context.Context, paper coordinator.PaperDescriptor) error {
	return c.Send(ctx, coordinator.MessageRecordDownload, paper, nil)
}

func (c *HTTPClient) Search(ctx context.Context, query string) error {
	return c.Send(ctx, coordinator.MessageSearchPapers, query, nil)
}

func (c *HTTPClient) History(ctx context.Context) ([]coordinator.HistoryEntry, error) {
	var entries []coordinator.HistoryEntry
	err := c.Send(ctx, coordinator.MessageGetDownloadHistory, nil, &entries)
	return entries, err
}

func (c *HTTPClient) OpenSettings(ctx context.Context) error {
	return c.Send(ctx, coordinator.MessageOpenSettings, nil, nil)
}

// Send posts one envelope and decodes the reply into out. Only read-only
// tags are retried; a retried UPDATE or RECORD could apply twice.
func (c *HTTPClient) Send(ctx context.Context, msgType coordinator.MessageType, payload any, out any) error {
	env, err := coordinator.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	bodyBytes, err := json.Marshal(env)
	if err != nil {
		return err
	}
	maxRetries := 0
	if idempotent(msgType) {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if msg, failed := errorReply(payloadBytes); failed {
				return &MessageError{Type: msgType, Message: msg}
			}
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func idempotent(msgType coordinator.MessageType) bool {
	switch msgType {
	case coordinator.MessageGetSettings, coordinator.MessageGetDownloadHistory:
		return true
	}
	return false
}

// errorReply reports whether payload is an object carrying an "error" key.
func errorReply(payload []byte) (string, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return "", false
	}
	raw, ok := fields["error"]
	if !ok {
		return "", false
	}
	var message string
	if err := json.Unmarshal(raw, &message); err != nil {
		message = string(raw)
	}
	return message, true
}

func correlationID() string {
	return "agent_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
