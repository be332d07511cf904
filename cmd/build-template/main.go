package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/cfg"
	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/sandbox/docker"
	"github.com/e2b-dev/research/internal/storage"
	"github.com/e2b-dev/research/internal/template"
	"github.com/e2b-dev/research/internal/template/build"
)

type buildFlags struct {
	file       string
	contextDir string
	noCache    bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := buildFlags{}

	cmd := &cobra.Command{
		Use:           "build-template",
		Short:         "Build the research sandbox template with Docker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return buildTemplate(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "template file, the built-in research template when empty")
	cmd.Flags().StringVarP(&flags.contextDir, "context", "c", ".", "directory copyFile sources are resolved against")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "execute every step even when cached layers exist")

	return cmd
}

func buildTemplate(ctx context.Context, flags buildFlags) error {
	config, err := cfg.Parse()
	if err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	l := logger.New(logger.Config{Service: "build-template", Debug: config.Debug})
	defer l.Sync()
	zap.ReplaceGlobals(l)

	tmpl := template.Default()
	if flags.file != "" {
		tmpl, err = template.Load(flags.file)
		if err != nil {
			return err
		}
	}

	cache, err := storage.New(ctx, storage.ProviderName(config.StorageProvider), config.TemplateCacheBucketName, config.LocalTemplateCachePath)
	if err != nil {
		return fmt.Errorf("error creating template cache storage: %w", err)
	}

	dockerClient, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	var locker build.Locker
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return fmt.Errorf("error parsing Redis URL: %w", err)
		}

		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		locker = build.NewRedisLocker(redisClient)
	}

	builder := build.NewBuilder(
		docker.NewExecutor(dockerClient),
		build.NewHashIndex(tmpl.Alias, cache),
		locker,
		build.Config{ContextDir: flags.contextDir, StepTimeout: config.BuildStepTimeout},
	)
	defer builder.Close()

	img, err := builder.Build(ctx, tmpl, build.Options{SkipCache: flags.noCache, Logs: os.Stdout})
	if err != nil {
		return err
	}

	fmt.Printf("built %s (%s)\n", img.Ref, img.Hash)

	return nil
}
