package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Stat and Get for missing objects.
var ErrNotFound = errors.New("object not found")

// Store abstracts the staging object storage.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Ref names one staged object.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// URI renders the reference for warehouse load jobs.
func (r Ref) URI() string {
	return "gs://" + r.Bucket + "/" + r.Key
}
