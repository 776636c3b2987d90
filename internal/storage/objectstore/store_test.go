package objectstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/minio/minio-go/v7"
)

func TestRefURI(t *testing.T) {
	ref := Ref{Bucket: "landing", Key: "staging/job-1/1714000000000.json"}
	if got := ref.URI(); got != "gs://landing/staging/job-1/1714000000000.json" {
		t.Fatalf("URI()=%q", got)
	}
}

func TestNotFoundMapping(t *testing.T) {
	err := minioNotFound(minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("minio 404 not mapped: %v", err)
	}
	if errors.Is(minioNotFound(minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}), ErrNotFound) {
		t.Fatalf("minio 403 mapped to not found")
	}
	if !errors.Is(gcsNotFound(fmt.Errorf("attrs: %w", storage.ErrObjectNotExist)), ErrNotFound) {
		t.Fatalf("gcs not-exist not mapped")
	}
}

func TestNilStores(t *testing.T) {
	var m *MinioStore
	if err := m.Delete(context.Background(), "b", "k"); err == nil {
		t.Fatalf("nil minio store should fail")
	}
	var g *GCSStore
	if _, err := g.Stat(context.Background(), "b", "k"); err == nil {
		t.Fatalf("nil gcs store should fail")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close() on nil store err=%v", err)
	}
}
