package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore uses the Cloud Storage JSON API with service account credentials.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore authenticates with a service account key, or application default
// credentials when keyJSON is empty.
func NewGCSStore(ctx context.Context, keyJSON string) (*GCSStore, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(keyJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(keyJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

func (s *GCSStore) Put(ctx context.Context, bucket, key string, body io.Reader, _ int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("gcs store not initialized")
	}
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *GCSStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, ObjectInfo{}, fmt.Errorf("gcs store not initialized")
	}
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, ObjectInfo{}, gcsNotFound(err)
	}
	info := ObjectInfo{
		Key:          key,
		Size:         r.Attrs.Size,
		ContentType:  r.Attrs.ContentType,
		LastModified: r.Attrs.LastModified,
	}
	return r, info, nil
}

func (s *GCSStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if s == nil || s.client == nil {
		return ObjectInfo{}, fmt.Errorf("gcs store not initialized")
	}
	attrs, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, gcsNotFound(err)
	}
	return ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ETag:         attrs.Etag,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

// Delete is idempotent: removing a missing key succeeds.
func (s *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("gcs store not initialized")
	}
	err := s.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *GCSStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func gcsNotFound(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
