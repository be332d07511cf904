package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type fsStore struct {
	basePath string
}

var _ ObjectStore = (*fsStore)(nil)

func NewFS(basePath string) (ObjectStore, error) {
	if basePath == "" {
		return nil, errors.New("base path is required for the local storage provider")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &fsStore{basePath: abs}, nil
}

func (fs *fsStore) String() string {
	return fmt.Sprintf("[Local file storage, base path set to %s]", fs.basePath)
}

// abs resolves path under the base path and refuses anything that escapes it.
func (fs *fsStore) abs(path string) (string, error) {
	full := filepath.Join(fs.basePath, filepath.FromSlash(path))
	if full != fs.basePath && !strings.HasPrefix(full, fs.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the storage root", path)
	}

	return full, nil
}

func (fs *fsStore) Get(ctx context.Context, path string) ([]byte, error) {
	_, span := tracer.Start(ctx, "fs-get")
	defer span.End()

	full, err := fs.abs(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotExist
		}

		return nil, err
	}

	if info.IsDir() {
		return nil, ErrObjectNotExist
	}

	return os.ReadFile(full)
}

func (fs *fsStore) Put(ctx context.Context, path string, data []byte) error {
	_, span := tracer.Start(ctx, "fs-put")
	defer span.End()

	full, err := fs.abs(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	// Write then rename so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), full)
}

func (fs *fsStore) Exists(_ context.Context, path string) (bool, error) {
	full, err := fs.abs(path)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return !info.IsDir(), nil
}

func (fs *fsStore) Delete(_ context.Context, path string) error {
	full, err := fs.abs(path)
	if err != nil {
		return err
	}

	err = os.Remove(full)
	if os.IsNotExist(err) {
		return ErrObjectNotExist
	}

	return err
}
