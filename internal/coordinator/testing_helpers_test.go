package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errInjected = errors.New("injected failure")

// flakyKVStore wraps an in-memory scope and fails reads or writes on demand.
type flakyKVStore struct {
	mu       sync.Mutex
	inner    *InMemoryKVStore
	failGet  bool
	failSet  bool
	setCalls int
}

func newFlakyKVStore() *flakyKVStore {
	return &flakyKVStore{inner: NewInMemoryKVStore()}
}

func (s *flakyKVStore) Get(ctx context.Context, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return s.inner.Get(ctx, defaults)
}

func (s *flakyKVStore) Set(ctx context.Context, values map[string]json.RawMessage) error {
	s.mu.Lock()
	s.setCalls++
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.inner.Set(ctx, values)
}

func (s *flakyKVStore) setFailures(get, set bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet = get
	s.failSet = set
}

type recordingNavigator struct {
	mu     sync.Mutex
	opened []string
	err    error
	panic  bool
}

func (n *recordingNavigator) Open(_ context.Context, pageURL string) error {
	if n.panic {
		panic("navigator exploded")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, pageURL)
	return n.err
}

func (n *recordingNavigator) urls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.opened...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

type fakeDownloader struct {
	mu       sync.Mutex
	requests []DownloadRequest
	nextID   string
	err      error
}

func (d *fakeDownloader) Download(_ context.Context, req DownloadRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.requests = append(d.requests, req)
	return d.nextID, nil
}

func (d *fakeDownloader) all() []DownloadRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DownloadRequest(nil), d.requests...)
}

// deadlineKVStore records the longest context deadline seen by any call.
type deadlineKVStore struct {
	mu       sync.Mutex
	inner    *InMemoryKVStore
	calls    int
	longest  time.Duration
	noBudget bool
	failSet  bool
}

func newDeadlineKVStore() *deadlineKVStore {
	return &deadlineKVStore{inner: NewInMemoryKVStore()}
}

func (s *deadlineKVStore) observe(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	deadline, ok := ctx.Deadline()
	if !ok {
		s.noBudget = true
		return
	}
	if left := time.Until(deadline); left > s.longest {
		s.longest = left
	}
}

func (s *deadlineKVStore) Get(ctx context.Context, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	s.observe(ctx)
	return s.inner.Get(ctx, defaults)
}

func (s *deadlineKVStore) Set(ctx context.Context, values map[string]json.RawMessage) error {
	s.observe(ctx)
	s.mu.Lock()
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.inner.Set(ctx, values)
}

func (s *deadlineKVStore) reset(failSet bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = 0
	s.longest = 0
	s.noBudget = false
	s.failSet = failSet
}

func (s *deadlineKVStore) assertBoundedBy(t *testing.T, budget time.Duration) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == 0 {
		t.Fatalf("expected the store to be called")
	}
	if s.noBudget {
		t.Fatalf("expected every store call to carry a deadline")
	}
	if s.longest > budget {
		t.Fatalf("expected deadlines within %s, got %s", budget, s.longest)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func receiveEnvelope(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription %s closed before delivery", sub.ID)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope on %s", sub.Origin)
	}
	return Envelope{}
}

func expectNoEnvelope(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case env := <-sub.C:
		t.Fatalf("expected no envelope for %s, got %s", sub.Origin, env.Type)
	default:
	}
}
