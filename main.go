package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	limits "github.com/gin-contrib/size"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/apikeys"
	"github.com/e2b-dev/research/internal/artifacts"
	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/cfg"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/db/memory"
	"github.com/e2b-dev/research/internal/handlers"
	"github.com/e2b-dev/research/internal/logger"
	customMiddleware "github.com/e2b-dev/research/internal/middleware"
	"github.com/e2b-dev/research/internal/pipeline"
	"github.com/e2b-dev/research/internal/sandbox/docker"
	"github.com/e2b-dev/research/internal/shortlink"
	"github.com/e2b-dev/research/internal/storage"
	"github.com/e2b-dev/research/internal/template"
	"github.com/e2b-dev/research/internal/template/build"
)

const (
	serviceName    = "research-api"
	maxUploadLimit = 1 << 20 // 1 MiB

	maxReadHeaderTimeout = 5 * time.Second
	maxReadTimeout       = 10 * time.Second
	maxWriteTimeout      = 75 * time.Second

	idleTimeout = 620 * time.Second

	reaperInterval = time.Minute

	defaultPort = 80
)

var commitSHA string

// projectStore is everything the service persists: projects and API keys.
type projectStore interface {
	pipeline.Store
	apikeys.Store
	auth.KeyStore
}

func NewGinServer(ctx context.Context, config cfg.Config, l *zap.Logger, apiStore *handlers.APIStore, resolver *auth.Resolver, port int) *http.Server {
	r := gin.New()

	r.Use(
		customMiddleware.ExcludeRoutes(
			otelgin.Middleware(serviceName),
			"/health",
			"/v1/projects/:projectID/status",
		),
		gin.Recovery(),
	)

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"User-Agent",
		"Authorization",
		"X-API-Key",
	}
	r.Use(cors.New(corsConfig))

	r.Use(
		limits.RequestSizeLimiter(maxUploadLimit),
		customMiddleware.ExcludeRoutes(
			customMiddleware.LoggingMiddleware(l, customMiddleware.Config{
				TimeFormat:   time.RFC3339Nano,
				UTC:          true,
				DefaultLevel: zap.InfoLevel,
			}),
			"/health",
			"/v1/projects/:projectID/status",
		),
	)

	apiStore.RegisterRoutes(r, resolver)

	s := &http.Server{
		Handler: customMiddleware.SubdomainRewrite(r, config.APISubdomain, "/v1"),
		Addr:    fmt.Sprintf("0.0.0.0:%d", port),

		ReadHeaderTimeout: maxReadHeaderTimeout,
		ReadTimeout:       maxReadTimeout,
		WriteTimeout:      maxWriteTimeout,

		IdleTimeout: idleTimeout,

		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	return s
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background()) // root context
	defer cancel()

	var (
		port  int
		debug string
	)
	flag.IntVar(&port, "port", defaultPort, "Port for the HTTP server")
	flag.StringVar(&debug, "debug", "false", "is debug")
	flag.Parse()

	config, err := cfg.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing config: %v\n", err)

		return 1
	}

	l := logger.New(logger.Config{
		Service:   serviceName,
		CommitSHA: commitSHA,
		Debug:     config.Debug || debug == "true",
	})
	defer l.Sync()
	zap.ReplaceGlobals(l)

	l.Info("Starting API service...")
	if debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	var cleanupFns []func(context.Context) error
	exitCode := &atomic.Int32{}
	cleanupOp := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		start := time.Now()
		cwg := &sync.WaitGroup{}
		count := 0
		for idx := range cleanupFns {
			if cleanup := cleanupFns[idx]; cleanup != nil {
				cwg.Add(1)
				count++
				go func(
					op func(context.Context) error,
					idx int,
				) {
					defer cwg.Done()
					if err := op(ctx); err != nil {
						exitCode.Add(1)
						l.Error("Cleanup operation error", zap.Int("index", idx), zap.Error(err))
					}
				}(cleanup, idx)

				cleanupFns[idx] = nil
			}
		}
		if count == 0 {
			l.Info("no cleanup operations")

			return
		}
		l.Info("Running cleanup operations", zap.Int("count", count))
		cwg.Wait()
		l.Info("Cleanup operations completed", zap.Int("count", count), zap.Duration("duration", time.Since(start)))
	}
	cleanupOnce := &sync.Once{}
	cleanup := func() { cleanupOnce.Do(cleanupOp) }
	defer cleanup()

	var store projectStore
	switch {
	case config.PostgresConnectionString != "":
		dbClient, err := db.NewClient(ctx, config.PostgresConnectionString)
		if err != nil {
			l.Error("Error connecting to database", zap.Error(err))

			return 1
		}
		cleanupFns = append(cleanupFns, func(context.Context) error { return dbClient.Close() })
		store = dbClient
	case config.InMemoryStore:
		l.Warn("Using the in-memory store, projects and API keys are lost on restart")
		store = memory.New()
	default:
		l.Warn("No project store configured, project and API key routes will fail")
	}

	var redisClient redis.UniversalClient
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			l.Error("Error parsing Redis URL", zap.Error(err))

			return 1
		}

		redisClient = redis.NewClient(opts)
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			l.Warn("Error instrumenting Redis client", zap.Error(err))
		}
		cleanupFns = append(cleanupFns, func(context.Context) error { return redisClient.Close() })
	}

	artifactStore, err := storage.New(ctx, storage.ProviderName(config.StorageProvider), config.ArtifactsBucketName, config.LocalArtifactsPath)
	if err != nil {
		l.Error("Error creating artifact storage", zap.Error(err))

		return 1
	}
	gateway := artifacts.NewGateway(artifactStore, config.ArtifactFetchTimeout)

	tmpl := template.Default()
	if config.TemplatePath != "" {
		tmpl, err = template.Load(config.TemplatePath)
		if err != nil {
			l.Error("Error loading sandbox template", zap.Error(err))

			return 1
		}
	}

	var (
		projects handlers.Projects
		keys     handlers.APIKeys
		keyStore auth.KeyStore
	)
	if store != nil {
		dockerClient, err := docker.NewClient()
		if err != nil {
			l.Error("Error creating Docker client", zap.Error(err))

			return 1
		}

		templateCache, err := storage.New(ctx, storage.ProviderName(config.StorageProvider), config.TemplateCacheBucketName, config.LocalTemplateCachePath)
		if err != nil {
			l.Error("Error creating template cache storage", zap.Error(err))

			return 1
		}

		var locker build.Locker
		if redisClient != nil {
			locker = build.NewRedisLocker(redisClient)
		}

		builder := build.NewBuilder(
			docker.NewExecutor(dockerClient),
			build.NewHashIndex(tmpl.Alias, templateCache),
			locker,
			build.Config{ContextDir: config.TemplateContextDir, StepTimeout: config.BuildStepTimeout},
		)
		provider := docker.NewProvider(dockerClient)

		pipe := pipeline.New(store, builder, provider, gateway, pipeline.Config{
			Template:          tmpl,
			GenerationCommand: config.GenerationCommand,
			BootTimeout:       config.SandboxBootTimeout,
			GenerationTimeout: config.GenerationTimeout,
			CollectTimeout:    config.CollectTimeout,
		})

		reaperCtx, stopReaper := context.WithCancel(ctx)
		go pipe.StartReaper(reaperCtx, reaperInterval, config.StaleRunTimeout)

		// Runs are waited for before their sandboxes are torn down.
		cleanupFns = append(cleanupFns, func(ctx context.Context) error {
			stopReaper()
			builder.Close()

			return errors.Join(pipe.Close(ctx), provider.Close(ctx), dockerClient.Close())
		})

		projects = pipe
		keys = apikeys.NewService(store)
		keyStore = store
	}

	resolver := auth.NewResolver(keyStore, config.SessionJWTSecrets)
	cleanupFns = append(cleanupFns, func(context.Context) error {
		resolver.Close()

		return nil
	})

	apiStore := handlers.NewAPIStore(projects, gateway, keys, shortlink.NewResolver(redisClient, config.DefaultRedirectURL))
	if redisClient != nil && config.ProjectCreateRateLimit > 0 {
		apiStore.ProjectRateLimit = customMiddleware.NewRedisRateLimiter(redisClient, config.ProjectCreateRateLimit)
	}

	s := NewGinServer(ctx, config, l, apiStore, resolver, port)

	signalCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer sigCancel()

	wg := &sync.WaitGroup{}

	defer wg.Wait()

	apiStore.Healthy.Store(true)

	wg.Go(func() {
		defer cancel()

		l.Info("Http service starting", zap.Int("port", port))

		err := s.ListenAndServe()

		switch {
		case errors.Is(err, http.ErrServerClosed):
			l.Info("Http service shutdown successfully", zap.Int("port", port))
		case err != nil:
			exitCode.Add(1)
			l.Error("Http service encountered error", zap.Int("port", port), zap.Error(err))
		default:
			l.Info("Http service exited without error", zap.Int("port", port))
		}
	})

	wg.Go(func() {
		<-signalCtx.Done()

		// Health checks answer 503 while the load balancer drains this instance.
		apiStore.Healthy.Store(false)

		select {
		case <-time.After(config.ShutdownDrainDelay):
		case <-ctx.Done():
		}

		if err := s.Shutdown(ctx); err != nil {
			exitCode.Add(1)
			l.Error("Http service shutdown error", zap.Int("port", port), zap.Error(err))
		}
	})

	wg.Wait()

	// defers do not run on os.Exit.
	cleanup()

	return int(exitCode.Load())
}

func main() {
	os.Exit(run())
}
