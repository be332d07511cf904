package storage

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/e2b-dev/research/internal/storage")

var ErrObjectNotExist = errors.New("object does not exist")

type ProviderName string

const (
	GCPStorageProvider   ProviderName = "GCPBucket"
	AWSStorageProvider   ProviderName = "AWSBucket"
	LocalStorageProvider ProviderName = "Local"
)

// ObjectStore is a flat key/value view over a bucket or directory.
type ObjectStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	String() string
}

func New(ctx context.Context, provider ProviderName, bucketName string, localPath string) (ObjectStore, error) {
	switch provider {
	case GCPStorageProvider:
		if bucketName == "" {
			return nil, errors.New("bucket name is required for the GCP storage provider")
		}

		return newGCPStorage(ctx, bucketName)
	case AWSStorageProvider:
		if bucketName == "" {
			return nil, errors.New("bucket name is required for the AWS storage provider")
		}

		return newAWSStorage(ctx, bucketName)
	case LocalStorageProvider, "":
		return NewFS(localPath)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", provider)
	}
}
