package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/template"
)

var tracer = otel.Tracer("github.com/e2b-dev/research/internal/template/build")

const (
	DefaultStepTimeout = 10 * time.Minute

	aliasCacheTTL  = 5 * time.Minute
	rootWorkdir    = "/"
	cachedLogLabel = "CACHED"
)

type Options struct {
	// SkipCache executes every step even when a cached layer exists.
	SkipCache bool
	Logs      io.Writer
}

// Image is a built template ready to boot.
type Image struct {
	Alias        string
	Ref          string
	Hash         string
	Workdir      string
	StartCommand template.StartCommand
	Resources    template.Resources
}

type Config struct {
	ContextDir  string
	StepTimeout time.Duration
}

type Builder struct {
	executor Executor
	index    *HashIndex
	locker   Locker
	config   Config

	aliases *ttlcache.Cache[string, *Image]
	group   singleflight.Group
}

// NewBuilder creates a builder. locker may be nil when builds never span replicas.
func NewBuilder(executor Executor, index *HashIndex, locker Locker, config Config) *Builder {
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}

	aliases := ttlcache.New(
		ttlcache.WithTTL[string, *Image](aliasCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *Image](),
	)

	return &Builder{
		executor: executor,
		index:    index,
		locker:   locker,
		config:   config,
		aliases:  aliases,
	}
}

func (b *Builder) Build(ctx context.Context, tmpl template.Template, opts Options) (*Image, error) {
	ctx, span := tracer.Start(ctx, "build-template", trace.WithAttributes(
		attribute.String("template.alias", tmpl.Alias),
		attribute.Bool("template.skip_cache", opts.SkipCache),
	))
	defer span.End()

	if opts.Logs == nil {
		opts.Logs = io.Discard
	}

	if err := tmpl.Validate(); err != nil {
		return nil, NewBuildError(0, "", "invalid template", err)
	}

	stepHashes, err := b.stepHashes(tmpl)
	if err != nil {
		return nil, err
	}
	templateHash := hashTemplate(stepHashes[len(stepHashes)-1], tmpl.Resources)
	span.SetAttributes(attribute.String("template.hash", templateHash))

	if !opts.SkipCache {
		if img := b.current(ctx, tmpl.Alias, templateHash); img != nil {
			fmt.Fprintf(opts.Logs, "template %s is up to date (%s)\n", tmpl.Alias, img.Ref)

			return img, nil
		}
	}

	key := tmpl.Alias
	if opts.SkipCache {
		key += ":no-cache"
	}

	result, err, _ := b.group.Do(key, func() (any, error) {
		return b.build(ctx, tmpl, templateHash, stepHashes, opts)
	})
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	return result.(*Image), nil
}

func (b *Builder) Close() {
	b.aliases.DeleteAll()
}

func (b *Builder) stepHashes(tmpl template.Template) ([]string, error) {
	hashes := make([]string, len(tmpl.Steps))

	prev := HashKeys(hashingVersion, tmpl.Alias)
	for i, step := range tmpl.Steps {
		hash, err := hashStep(prev, step, b.config.ContextDir)
		if err != nil {
			return nil, NewBuildError(i+1, step.Kind, "failed to hash step", err)
		}

		hashes[i] = hash
		prev = hash
	}

	return hashes, nil
}

// current returns the image the alias points at when it was built from templateHash and still exists.
func (b *Builder) current(ctx context.Context, alias string, templateHash string) *Image {
	var img *Image

	if item := b.aliases.Get(alias); item != nil && item.Value().Hash == templateHash {
		img = item.Value()
	} else {
		record, err := b.index.Alias(ctx, alias)
		if err != nil || record.Hash != templateHash {
			return nil
		}

		img = &Image{
			Alias:        record.Alias,
			Ref:          record.Ref,
			Hash:         record.Hash,
			Workdir:      record.Workdir,
			StartCommand: record.StartCommand,
			Resources:    record.Resources,
		}
	}

	exists, err := b.executor.Exists(ctx, img.Ref)
	if err != nil {
		zap.L().Warn("failed to check template image", logger.WithTemplateAlias(alias), zap.Error(err))

		return nil
	}

	if !exists {
		b.aliases.Delete(alias)

		return nil
	}

	b.aliases.Set(alias, img, ttlcache.DefaultTTL)

	return img
}

func (b *Builder) build(ctx context.Context, tmpl template.Template, templateHash string, stepHashes []string, opts Options) (*Image, error) {
	if b.locker != nil {
		unlock, err := b.locker.Lock(ctx, lockKey(tmpl.Alias))
		if err != nil {
			return nil, NewBuildError(0, "", "failed to acquire build lock", err)
		}
		defer unlock()

		// Another replica may have finished the same build while we waited.
		if !opts.SkipCache {
			if img := b.current(ctx, tmpl.Alias, templateHash); img != nil {
				return img, nil
			}
		}
	}

	start, _ := tmpl.StartCommand()

	layer := ""
	workdir := rootWorkdir
	total := len(tmpl.Steps)

	for i, step := range tmpl.Steps {
		prefix := fmt.Sprintf("builder %d/%d", i+1, total)
		hash := stepHashes[i]

		if !opts.SkipCache {
			if meta, ok := b.cachedLayer(ctx, hash); ok {
				layer = meta.Layer
				workdir = meta.Workdir
				fmt.Fprintf(opts.Logs, "%s [%s] %s\n", cachedLogLabel, prefix, step)

				continue
			}
		}

		fmt.Fprintf(opts.Logs, "[%s] %s\n", prefix, step)

		newLayer, newWorkdir, err := b.runStep(ctx, layer, workdir, step, opts.Logs)
		if err != nil {
			return nil, stepError(ctx, i+1, step, err)
		}

		layer = newLayer
		workdir = newWorkdir

		if err := b.index.SaveLayerMeta(ctx, hash, LayerMetadata{Layer: layer, Workdir: workdir}); err != nil {
			zap.L().Warn("failed to save layer metadata", logger.WithTemplateAlias(tmpl.Alias), logger.WithStep(i+1, string(step.Kind)), zap.Error(err))
		}
	}

	ref, err := b.executor.Tag(ctx, layer, tmpl.Alias)
	if err != nil {
		return nil, NewBuildError(0, "", "failed to tag template image", err)
	}

	img := &Image{
		Alias:        tmpl.Alias,
		Ref:          ref,
		Hash:         templateHash,
		Workdir:      workdir,
		StartCommand: start,
		Resources:    tmpl.Resources,
	}

	err = b.index.SaveAlias(ctx, AliasRecord{
		Alias:        img.Alias,
		Hash:         img.Hash,
		Ref:          img.Ref,
		Workdir:      img.Workdir,
		StartCommand: img.StartCommand,
		Resources:    img.Resources,
		BuiltAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, NewBuildError(0, "", "failed to save template alias", err)
	}

	b.aliases.Set(tmpl.Alias, img, ttlcache.DefaultTTL)

	fmt.Fprintf(opts.Logs, "template %s built as %s\n", tmpl.Alias, ref)
	zap.L().Info("template built", logger.WithTemplateAlias(tmpl.Alias), zap.String("ref", ref), zap.String("hash", templateHash))

	return img, nil
}

func (b *Builder) cachedLayer(ctx context.Context, hash string) (LayerMetadata, bool) {
	meta, err := b.index.LayerMetaFromHash(ctx, hash)
	if err != nil {
		return LayerMetadata{}, false
	}

	exists, err := b.executor.Exists(ctx, meta.Layer)
	if err != nil || !exists {
		return LayerMetadata{}, false
	}

	return meta, true
}

// runStep executes one step on top of parent and returns the new layer and working directory.
func (b *Builder) runStep(ctx context.Context, parent string, workdir string, step template.Step, logs io.Writer) (string, string, error) {
	ctx, span := tracer.Start(ctx, "build-step", trace.WithAttributes(attribute.String("step.kind", string(step.Kind))))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.config.StepTimeout)
	defer cancel()

	switch step.Kind {
	case template.StepBaseImage:
		layer, err := b.executor.PullBase(ctx, step.Args[0], logs)

		return layer, rootWorkdir, err
	case template.StepInstallPackages:
		layer, err := b.executor.RunCommand(ctx, parent, Command{
			Cmd:     installCommand(step.Args[0], step.Args[1:]),
			Workdir: workdir,
		}, logs)

		return layer, workdir, err
	case template.StepSetWorkdir:
		dir := resolvePath(workdir, step.Args[0])
		layer, err := b.executor.RunCommand(ctx, parent, Command{
			Cmd:     "mkdir -p " + shellQuote(dir),
			Workdir: rootWorkdir,
		}, logs)

		return layer, dir, err
	case template.StepCopyFile:
		src, err := contextPath(b.config.ContextDir, step.Args[0])
		if err != nil {
			return "", "", err
		}

		layer, err := b.executor.CopyFile(ctx, parent, src, resolvePath(workdir, step.Args[1]), logs)

		return layer, workdir, err
	case template.StepRunCommand:
		layer, err := b.executor.RunCommand(ctx, parent, Command{Cmd: step.Args[0], Workdir: workdir}, logs)

		return layer, workdir, err
	case template.StepSetStartCommand:
		layer, err := b.executor.Configure(ctx, parent, ImageConfig{StartCommand: step.Args[0], Workdir: workdir})

		return layer, workdir, err
	default:
		return "", "", fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func stepError(ctx context.Context, index int, step template.Step, err error) *BuildError {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return NewBuildError(index, step.Kind, "step timed out", err)
	}

	return NewBuildError(index, step.Kind, "step failed", err)
}

func installCommand(manager string, packages []string) string {
	quoted := make([]string, len(packages))
	for i, pkg := range packages {
		quoted[i] = shellQuote(pkg)
	}
	list := strings.Join(quoted, " ")

	switch manager {
	case "apt":
		return "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + list + " && rm -rf /var/lib/apt/lists/*"
	case "npm":
		return "npm install -g " + list
	default:
		return "pip install --no-cache-dir " + list
	}
}

func resolvePath(workdir string, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}

	return path.Join(workdir, p)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
