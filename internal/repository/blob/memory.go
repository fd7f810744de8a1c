package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

type (
	object struct {
		data        []byte
		contentType string
	}

	MemoryStore struct {
		naming
		mu      sync.RWMutex
		objects map[string]object
		// uploads counts successful uploads.
		uploads int
	}
)

func NewMemoryStore(publicURL string, maxSize int64) *MemoryStore {
	return &MemoryStore{
		naming:  newNaming(publicURL, maxSize),
		objects: make(map[string]object),
	}
}

func (s *MemoryStore) Upload(_ context.Context, data []byte, conversationID, mimeType string) (string, error) {
	if err := s.check(data); err != nil {
		return "", err
	}
	key := s.key(conversationID, mimeType)

	s.mu.Lock()
	s.objects[key] = object{data: bytes.Clone(data), contentType: mimeType}
	s.uploads++
	s.mu.Unlock()

	return s.url(key), nil
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

func (s *MemoryStore) Uploads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploads
}
