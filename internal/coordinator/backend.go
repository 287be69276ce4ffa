package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KVStore is one persistence scope. Get returns, for every requested key,
// the stored value or the supplied default.
type KVStore interface {
	Get(ctx context.Context, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error)
	Set(ctx context.Context, values map[string]json.RawMessage) error
}

type kvStoreCloser interface {
	Close() error
}

type InMemoryKVStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

func NewInMemoryKVStore() *InMemoryKVStore {
	return &InMemoryKVStore{values: map[string]json.RawMessage{}}
}

func (s *InMemoryKVStore) Get(_ context.Context, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if s == nil {
		return cloneRawMap(defaults), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return mergeDefaults(s.values, defaults), nil
}

func (s *InMemoryKVStore) Set(_ context.Context, values map[string]json.RawMessage) error {
	if s == nil {
		return nil
	}
	if err := validateRawValues(values); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = map[string]json.RawMessage{}
	}
	for key, value := range values {
		s.values[key] = cloneRaw(value)
	}
	return nil
}

// JSONFileKVStore keeps a scope as one JSON object on disk. Writes go to a
// temp file that is renamed into place while holding an advisory lock, so
// two processes sharing the file never interleave.
type JSONFileKVStore struct {
	Path string
}

func NewJSONFileKVStore(path string) *JSONFileKVStore {
	return &JSONFileKVStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileKVStore) Get(_ context.Context, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if s == nil || s.Path == "" {
		return cloneRawMap(defaults), nil
	}
	if _, err := os.Stat(filepath.Dir(s.Path)); errors.Is(err, os.ErrNotExist) {
		return cloneRawMap(defaults), nil
	}
	unlock, err := lockFile(s.Path, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	stored, err := s.read()
	if err != nil {
		return nil, err
	}
	return mergeDefaults(stored, defaults), nil
}

func (s *JSONFileKVStore) Set(_ context.Context, values map[string]json.RawMessage) error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := validateRawValues(values); err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	unlock, err := lockFile(s.Path, true)
	if err != nil {
		return err
	}
	defer unlock()
	stored, err := s.read()
	if err != nil {
		return err
	}
	for key, value := range values {
		stored[key] = cloneRaw(value)
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *JSONFileKVStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	stored := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) == 0 {
		return stored, nil
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func mergeDefaults(stored, defaults map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(defaults))
	for key, fallback := range defaults {
		if value, ok := stored[key]; ok {
			out[key] = cloneRaw(value)
			continue
		}
		out[key] = cloneRaw(fallback)
	}
	return out
}

func validateRawValues(values map[string]json.RawMessage) error {
	for key, value := range values {
		if strings.TrimSpace(key) == "" || !json.Valid(value) {
			return ErrInvalidInput
		}
	}
	return nil
}

func cloneRawMap(values map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		out[key] = cloneRaw(value)
	}
	return out
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	if value == nil {
		return nil
	}
	return append(json.RawMessage(nil), value...)
}
