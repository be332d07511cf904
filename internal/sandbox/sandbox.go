package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/e2b-dev/research/internal/template"
)

const ProjectLabel = "research.project_id"

var (
	ErrFileNotFound = errors.New("file not found in sandbox")
	ErrBootTimeout  = errors.New("sandbox boot timed out")
)

type Config struct {
	Resources template.Resources
	Workdir   string
	Env       map[string]string
	Labels    map[string]string
}

type ExecOptions struct {
	Workdir string
	Env     map[string]string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Instance is a running, isolated sandbox booted from a built template image.
type Instance interface {
	ID() string
	// Address is the host the instance's ports are reachable on.
	Address() string
	// Exec runs cmd through a shell and returns its exit code. A non-nil error means the
	// command could not be run at all.
	Exec(ctx context.Context, cmd string, opts ExecOptions) (int, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Kill(ctx context.Context) error
}

type Provider interface {
	Create(ctx context.Context, image string, config Config) (Instance, error)
}
