package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/sandbox"
	"github.com/e2b-dev/research/internal/template"
	"github.com/e2b-dev/research/internal/template/build"
)

var tracer = otel.Tracer("github.com/e2b-dev/research/internal/pipeline")

const (
	maxTitleLength       = 255
	maxDescriptionLength = 10_000

	DefaultGenerationCommand = "python /home/user/generate.py"
	DefaultBootTimeout       = 60 * time.Second
	DefaultGenerationTimeout = 5 * time.Minute
	DefaultCollectTimeout    = 2 * time.Minute

	dispatchFailedMessage = "dispatch failed"
)

var (
	ErrNotFound          = errors.New("project not found")
	ErrAlreadyDispatched = errors.New("project already dispatched")
	ErrInvalidProject    = errors.New("invalid project")
)

// Store persists projects. Every call filters by id and owner; a row owned by someone
// else is reported as db.ErrNotFound.
type Store interface {
	CreateProject(ctx context.Context, params db.CreateProjectParams) (db.Project, error)
	GetProject(ctx context.Context, id uuid.UUID, ownerID string) (db.Project, error)
	MarkRunning(ctx context.Context, id uuid.UUID, ownerID string) (db.Project, error)
	AppendMessage(ctx context.Context, id uuid.UUID, ownerID string, message db.Message) error
	CompleteProject(ctx context.Context, id uuid.UUID, ownerID string, fragment, result []byte) (db.Project, error)
	FailProject(ctx context.Context, id uuid.UUID, ownerID string, message string) (db.Project, error)
	FailStaleProjects(ctx context.Context, before time.Time, message string) ([]uuid.UUID, error)
}

type ImageBuilder interface {
	Build(ctx context.Context, tmpl template.Template, opts build.Options) (*build.Image, error)
}

type ArtifactWriter interface {
	Put(ctx context.Context, principal auth.Principal, name string, data []byte) (string, error)
}

type Config struct {
	Template          template.Template
	GenerationCommand string
	BootTimeout       time.Duration
	GenerationTimeout time.Duration
	// CollectTimeout bounds reading the result and storing the artifact.
	CollectTimeout time.Duration
}

type CreateParams struct {
	Title       string
	Description string
}

// Status is the polling projection of a project.
type Status struct {
	ID           uuid.UUID
	Status       db.ProjectStatus
	ErrorMessage *string
	UpdatedAt    time.Time
}

type Pipeline struct {
	store     Store
	builder   ImageBuilder
	sandboxes sandbox.Provider
	artifacts ArtifactWriter
	config    Config

	runs sync.WaitGroup
}

func New(store Store, builder ImageBuilder, sandboxes sandbox.Provider, artifacts ArtifactWriter, config Config) *Pipeline {
	if config.GenerationCommand == "" {
		config.GenerationCommand = DefaultGenerationCommand
	}

	if config.BootTimeout <= 0 {
		config.BootTimeout = DefaultBootTimeout
	}

	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = DefaultGenerationTimeout
	}

	if config.CollectTimeout <= 0 {
		config.CollectTimeout = DefaultCollectTimeout
	}

	return &Pipeline{
		store:     store,
		builder:   builder,
		sandboxes: sandboxes,
		artifacts: artifacts,
		config:    config,
	}
}

func (p *Pipeline) Create(ctx context.Context, principal auth.Principal, params CreateParams) (db.Project, error) {
	if !principal.Authenticated() {
		return db.Project{}, auth.ErrUnauthorized
	}

	title := strings.TrimSpace(params.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return db.Project{}, fmt.Errorf("%w: title must be between 1 and %d characters", ErrInvalidProject, maxTitleLength)
	}

	if utf8.RuneCountInString(params.Description) > maxDescriptionLength {
		return db.Project{}, fmt.Errorf("%w: description must be at most %d characters", ErrInvalidProject, maxDescriptionLength)
	}

	project, err := p.store.CreateProject(ctx, db.CreateProjectParams{
		OwnerID:     principal.UserID,
		Title:       title,
		Description: params.Description,
	})
	if err != nil {
		return db.Project{}, fmt.Errorf("failed to create project: %w", err)
	}

	zap.L().Info("project created", logger.WithProjectID(project.ID.String()), logger.WithUserID(principal.UserID))

	return project, nil
}

// Dispatch moves a queued project to running and starts its run in the background.
// The run outlives ctx; its outcome is only recorded on the project.
func (p *Pipeline) Dispatch(ctx context.Context, principal auth.Principal, id uuid.UUID) (db.Project, error) {
	if !principal.Authenticated() {
		return db.Project{}, auth.ErrUnauthorized
	}

	project, err := p.store.MarkRunning(ctx, id, principal.UserID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return db.Project{}, ErrNotFound
	case errors.Is(err, db.ErrInvalidTransition):
		return db.Project{}, ErrAlreadyDispatched
	case err != nil:
		p.failDispatch(ctx, id, principal.UserID, err)

		return db.Project{}, fmt.Errorf("failed to dispatch project: %w", err)
	}

	p.runs.Add(1)
	go func() {
		defer p.runs.Done()

		p.run(context.WithoutCancel(ctx), principal, project)
	}()

	return project, nil
}

// failDispatch records a dispatch that could not start so the project does not stay queued.
func (p *Pipeline) failDispatch(ctx context.Context, id uuid.UUID, ownerID string, cause error) {
	log := zap.L().With(logger.WithProjectID(id.String()), logger.WithUserID(ownerID))
	log.Error("failed to dispatch project", zap.Error(cause))

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	_, err := p.store.FailProject(failCtx, id, ownerID, dispatchFailedMessage)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrInvalidTransition), errors.Is(err, db.ErrNotFound):
		log.Warn("project changed state while failing its dispatch", zap.Error(err))
	default:
		log.Error("failed to record dispatch failure", zap.Error(err))
	}
}

func (p *Pipeline) Get(ctx context.Context, principal auth.Principal, id uuid.UUID) (db.Project, error) {
	if !principal.Authenticated() {
		return db.Project{}, auth.ErrUnauthorized
	}

	project, err := p.store.GetProject(ctx, id, principal.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return db.Project{}, ErrNotFound
	}

	if err != nil {
		return db.Project{}, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

func (p *Pipeline) Status(ctx context.Context, principal auth.Principal, id uuid.UUID) (Status, error) {
	project, err := p.Get(ctx, principal, id)
	if err != nil {
		return Status{}, err
	}

	return Status{
		ID:           project.ID,
		Status:       project.Status,
		ErrorMessage: project.ErrorMessage,
		UpdatedAt:    project.UpdatedAt,
	}, nil
}

// Close waits for in-flight runs until ctx is done.
func (p *Pipeline) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for project runs: %w", ctx.Err())
	}
}
