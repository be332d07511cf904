package docker

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// tarFile packs a single file at name, relative to the extraction root.
func tarFile(name string, data []byte, mode os.FileMode) (io.Reader, error) {
	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	err := tw.WriteHeader(&tar.Header{
		Name:    strings.TrimPrefix(name, "/"),
		Mode:    int64(mode.Perm()),
		Size:    int64(len(data)),
		ModTime: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}

	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write tar content: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar: %w", err)
	}

	return &buf, nil
}

// untarFirstFile returns the content of the first regular file in the archive.
func untarFirstFile(r io.Reader, maxSize int64) ([]byte, error) {
	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("archive contains no regular file")
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		if header.Size > maxSize {
			return nil, fmt.Errorf("file %s is %d bytes, limit is %d", header.Name, header.Size, maxSize)
		}

		return io.ReadAll(tr)
	}
}
