package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
)

const (
	googleReadTimeout       = 10 * time.Second
	googleWriteTimeout      = 30 * time.Second
	googleOperationTimeout  = 5 * time.Second
	googleInitialBackoff    = 10 * time.Millisecond
	googleMaxBackoff        = 10 * time.Second
	googleBackoffMultiplier = 2
	googleMaxAttempts       = 10
)

type gcpStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

var _ ObjectStore = (*gcpStorage)(nil)

func newGCPStorage(ctx context.Context, bucketName string) (*gcpStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &gcpStorage{
		client: client,
		bucket: client.Bucket(bucketName),
	}, nil
}

func (g *gcpStorage) String() string {
	return fmt.Sprintf("[GCP Storage, bucket set to %s]", g.bucket.BucketName())
}

func (g *gcpStorage) object(path string) *storage.ObjectHandle {
	return g.bucket.Object(path).Retryer(
		storage.WithMaxAttempts(googleMaxAttempts),
		storage.WithPolicy(storage.RetryAlways),
		storage.WithBackoff(
			gax.Backoff{
				Initial:    googleInitialBackoff,
				Max:        googleMaxBackoff,
				Multiplier: googleBackoffMultiplier,
			},
		),
	)
}

func (g *gcpStorage) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "gcs-get")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, googleReadTimeout)
	defer cancel()

	reader, err := g.object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotExist
		}

		return nil, fmt.Errorf("failed to create GCS reader for %s: %w", path, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", path, err)
	}

	return data, nil
}

func (g *gcpStorage) Put(ctx context.Context, path string, data []byte) error {
	ctx, span := tracer.Start(ctx, "gcs-put")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, googleWriteTimeout)
	defer cancel()

	w := g.object(path).NewWriter(ctx)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()

		return fmt.Errorf("failed to write GCS object %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS object %s: %w", path, err)
	}

	return nil
}

func (g *gcpStorage) Exists(ctx context.Context, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, googleOperationTimeout)
	defer cancel()

	_, err := g.object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to get GCS object (%s) attributes: %w", path, err)
	}

	return true, nil
}

func (g *gcpStorage) Delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, googleOperationTimeout)
	defer cancel()

	err := g.object(path).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrObjectNotExist
	}

	return err
}
