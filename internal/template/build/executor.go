package build

import (
	"context"
	"io"
)

type Command struct {
	Cmd     string
	Workdir string
}

type ImageConfig struct {
	StartCommand string
	Workdir      string
}

// Executor materialises layers. Every method returning a layer id produces a new immutable
// layer on top of parent.
type Executor interface {
	PullBase(ctx context.Context, image string, logs io.Writer) (string, error)
	RunCommand(ctx context.Context, parent string, cmd Command, logs io.Writer) (string, error)
	CopyFile(ctx context.Context, parent string, src string, dest string, logs io.Writer) (string, error)
	Configure(ctx context.Context, parent string, config ImageConfig) (string, error)
	Tag(ctx context.Context, layer string, alias string) (string, error)
	Exists(ctx context.Context, ref string) (bool, error)
}
