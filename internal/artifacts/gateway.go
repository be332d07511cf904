package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/storage"
)

const (
	DefaultFetchTimeout = 60 * time.Second

	pdfMimeType = "application/pdf"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("artifact not found")
	ErrInvalidPath  = errors.New("invalid artifact path")
)

type Artifact struct {
	Data     []byte
	MimeType string
}

// Gateway scopes every object access to the "{userID}/" prefix of the caller.
type Gateway struct {
	store        storage.ObjectStore
	fetchTimeout time.Duration
}

func NewGateway(store storage.ObjectStore, fetchTimeout time.Duration) *Gateway {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}

	return &Gateway{store: store, fetchTimeout: fetchTimeout}
}

// Fetch decodes the percent-encoded path, then checks ownership, then reads the object.
// A path outside the caller's prefix never reaches storage.
func (g *Gateway) Fetch(ctx context.Context, principal auth.Principal, encodedPath string) (Artifact, error) {
	if !principal.Authenticated() {
		return Artifact{}, auth.ErrUnauthorized
	}

	decoded, err := url.PathUnescape(encodedPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}

	if err := checkOwnership(principal.UserID, decoded); err != nil {
		zap.L().Info("artifact access denied", logger.WithUserID(principal.UserID), zap.String("path", decoded))

		return Artifact{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()

	data, err := g.store.Get(ctx, decoded)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Artifact{}, ErrNotFound
	}

	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read artifact: %w", err)
	}

	return Artifact{Data: data, MimeType: detectMimeType(decoded, data)}, nil
}

// Put stores data under the caller's prefix and returns the storage path.
func (g *Gateway) Put(ctx context.Context, principal auth.Principal, name string, data []byte) (string, error) {
	if !principal.Authenticated() {
		return "", auth.ErrUnauthorized
	}

	name = strings.TrimPrefix(name, "/")
	storagePath := principal.UserID + "/" + name

	if err := checkOwnership(principal.UserID, storagePath); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}

	ctx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()

	if err := g.store.Put(ctx, storagePath, data); err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}

	return storagePath, nil
}

func checkOwnership(userID string, storagePath string) error {
	if userID == "" || strings.ContainsAny(storagePath, "\x00\\") {
		return ErrAccessDenied
	}

	segments := strings.Split(storagePath, "/")
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." {
			return ErrAccessDenied
		}
	}

	if !strings.HasPrefix(storagePath, userID+"/") {
		return ErrAccessDenied
	}

	return nil
}

func detectMimeType(storagePath string, data []byte) string {
	if strings.EqualFold(path.Ext(storagePath), ".pdf") {
		return pdfMimeType
	}

	return mimetype.Detect(data).String()
}
