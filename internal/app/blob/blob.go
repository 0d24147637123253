package blob

import (
	"context"
	"io"
)

// Store puts attachment bytes somewhere retrievable and returns their URL.
// Callers treat the URL as opaque.
type Store interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (url string, err error)
}
