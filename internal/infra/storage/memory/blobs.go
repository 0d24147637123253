package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"huddle/internal/app/blob"
)

// BlobStore keeps uploaded objects in memory and hands out memory:// URLs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]StoredObject
	BaseURL string
}

type StoredObject struct {
	ContentType string
	Data        []byte
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]StoredObject), BaseURL: "memory://attachments"}
}

func (b *BlobStore) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error) {
	if r == nil {
		return "", errors.New("memory blobs: reader is required")
	}
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("memory blobs: object path is required")
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.objects[path] = StoredObject{ContentType: contentType, Data: buf.Bytes()}
	b.mu.Unlock()
	return strings.TrimRight(b.BaseURL, "/") + "/" + path, nil
}

// Object returns a stored object by path.
func (b *BlobStore) Object(path string) (StoredObject, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[strings.Trim(path, "/")]
	return obj, ok
}

var _ blob.Store = (*BlobStore)(nil)
