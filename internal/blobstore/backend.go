package blobstore

import (
	"context"
	"io"
)

// Backend is the narrow surface the Upload Handler, Streaming Handler, and
// Processing Worker depend on. Store (S3-compatible) and Fake (in-memory)
// both satisfy it.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Size(ctx context.Context, key string) (int64, error)
	GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

var _ Backend = (*Store)(nil)
var _ Backend = (*Fake)(nil)
