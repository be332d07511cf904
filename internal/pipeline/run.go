package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/sandbox"
	"github.com/e2b-dev/research/internal/template/build"
)

const (
	RequestPath = "/home/user/request.json"
	OutputDir   = "/home/user/output"
	ResultPath  = OutputDir + "/result.json"

	killTimeout     = 10 * time.Second
	finalizeTimeout = 30 * time.Second

	maxStderrTail = 4 << 10
)

// runError is a failure recorded on the project. message is shown to the owner.
type runError struct {
	message string
	err     error
}

func (e *runError) Error() string {
	if e.err == nil {
		return e.message
	}

	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *runError) Unwrap() error {
	return e.err
}

func failf(err error, format string, args ...any) *runError {
	return &runError{message: fmt.Sprintf(format, args...), err: err}
}

type request struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type generationResult struct {
	Fragment json.RawMessage `json:"fragment"`
	Result   json.RawMessage `json:"result"`
	Artifact string          `json:"artifact,omitempty"`
}

func (p *Pipeline) run(ctx context.Context, principal auth.Principal, project db.Project) {
	ctx, span := tracer.Start(ctx, "run-project", trace.WithAttributes(attribute.String("project.id", project.ID.String())))
	defer span.End()

	log := zap.L().With(logger.WithProjectID(project.ID.String()), logger.WithUserID(project.OwnerID))
	startTime := time.Now()

	fragment, result, err := p.execute(ctx, log, principal, project)

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err != nil {
		span.RecordError(err)

		message := err.Error()
		var runErr *runError
		if errors.As(err, &runErr) {
			message = runErr.message
		}

		log.Warn("project run failed", zap.String("reason", message), zap.Error(err), zap.Duration("duration", time.Since(startTime)))

		if _, err := p.store.FailProject(finalizeCtx, project.ID, project.OwnerID, message); err != nil {
			log.Error("failed to record project failure", zap.Error(err))
		}

		return
	}

	if _, err := p.store.CompleteProject(finalizeCtx, project.ID, project.OwnerID, fragment, result); err != nil {
		log.Error("failed to record project completion", zap.Error(err))

		return
	}

	log.Info("project run completed", zap.Duration("duration", time.Since(startTime)))
}

func (p *Pipeline) execute(ctx context.Context, log *zap.Logger, principal auth.Principal, project db.Project) ([]byte, []byte, error) {
	img, err := p.builder.Build(ctx, p.config.Template, build.Options{Logs: &zapWriter{log: log}})
	if err != nil {
		var buildErr *build.BuildError
		if errors.As(err, &buildErr) {
			return nil, nil, failf(err, "template build failed: %s", buildErr.Error())
		}

		return nil, nil, failf(err, "template build failed")
	}

	createCtx, cancelCreate := context.WithTimeout(ctx, p.config.BootTimeout)
	instance, err := p.sandboxes.Create(createCtx, img.Ref, sandbox.Config{
		Resources: img.Resources,
		Workdir:   img.Workdir,
		Env:       map[string]string{"PROJECT_ID": project.ID.String()},
		Labels:    map[string]string{sandbox.ProjectLabel: project.ID.String()},
	})
	timedOut := createCtx.Err() != nil && ctx.Err() == nil
	cancelCreate()

	if err != nil && timedOut {
		return nil, nil, failf(err, "sandbox start timed out")
	}

	if err != nil {
		return nil, nil, failf(err, "sandbox failed to start")
	}
	defer func() {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
		defer cancel()

		if err := instance.Kill(killCtx); err != nil {
			log.Warn("failed to kill sandbox", logger.WithSandboxID(instance.ID()), zap.Error(err))
		}
	}()

	log = log.With(logger.WithSandboxID(instance.ID()))

	if err := sandbox.WaitReady(ctx, instance, img.StartCommand.Probe, p.config.BootTimeout); err != nil {
		if errors.Is(err, sandbox.ErrBootTimeout) {
			return nil, nil, failf(err, "sandbox boot timed out")
		}

		return nil, nil, failf(err, "sandbox failed to start")
	}

	if err := p.generate(ctx, log, instance, project, img.Workdir); err != nil {
		return nil, nil, err
	}

	collectCtx, cancelCollect := context.WithTimeout(ctx, p.config.CollectTimeout)
	defer cancelCollect()

	fragment, result, err := p.collect(collectCtx, principal, instance, project)
	if err != nil && collectCtx.Err() != nil && ctx.Err() == nil {
		return nil, nil, failf(err, "collecting generation result timed out")
	}

	return fragment, result, err
}

func (p *Pipeline) generate(ctx context.Context, log *zap.Logger, instance sandbox.Instance, project db.Project, workdir string) error {
	ctx, span := tracer.Start(ctx, "generate")
	defer span.End()

	payload, err := json.Marshal(request{
		ID:          project.ID.String(),
		Title:       project.Title,
		Description: project.Description,
	})
	if err != nil {
		return failf(err, "generation failed: could not encode request")
	}

	if err := instance.WriteFile(ctx, RequestPath, payload); err != nil {
		return failf(err, "generation failed: could not write request")
	}

	genCtx, cancel := context.WithTimeout(ctx, p.config.GenerationTimeout)
	defer cancel()

	stdout := newMessageWriter(ctx, log, func(ctx context.Context, message db.Message) error {
		return p.store.AppendMessage(ctx, project.ID, project.OwnerID, message)
	})
	stderr := &tailBuffer{limit: maxStderrTail}

	exitCode, err := instance.Exec(genCtx, p.config.GenerationCommand, sandbox.ExecOptions{
		Workdir: workdir,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	stdout.Flush()

	if err != nil && genCtx.Err() != nil && ctx.Err() == nil {
		return failf(err, "generation timed out")
	}

	if err != nil {
		return failf(err, "generation failed")
	}

	if exitCode != 0 {
		log.Warn("generation exited with an error", zap.Int("exit_code", exitCode), zap.String("stderr", stderr.String()))

		return failf(nil, "generation failed: exit code %d", exitCode)
	}

	return nil
}

// collect reads the generation result and persists the produced artifact under the owner's prefix.
func (p *Pipeline) collect(ctx context.Context, principal auth.Principal, instance sandbox.Instance, project db.Project) ([]byte, []byte, error) {
	data, err := instance.ReadFile(ctx, ResultPath)
	if errors.Is(err, sandbox.ErrFileNotFound) {
		return nil, nil, failf(err, "invalid generation result: %s was not written", ResultPath)
	}

	if err != nil {
		return nil, nil, failf(err, "invalid generation result: could not read %s", ResultPath)
	}

	var generated generationResult
	if err := json.Unmarshal(data, &generated); err != nil {
		return nil, nil, failf(err, "invalid generation result: %s", err.Error())
	}

	if isNull(generated.Result) {
		return nil, nil, failf(nil, "invalid generation result: result is empty")
	}

	if isNull(generated.Fragment) {
		generated.Fragment = json.RawMessage("{}")
	}

	if generated.Artifact == "" {
		return generated.Fragment, generated.Result, nil
	}

	name := path.Clean(generated.Artifact)
	if path.IsAbs(name) || name == "." || strings.HasPrefix(name, "..") {
		return nil, nil, failf(nil, "invalid generation result: artifact %q is outside %s", generated.Artifact, OutputDir)
	}

	artifact, err := instance.ReadFile(ctx, path.Join(OutputDir, name))
	if err != nil {
		return nil, nil, failf(err, "invalid generation result: artifact %q could not be read", generated.Artifact)
	}

	storagePath, err := p.artifacts.Put(ctx, principal, path.Join("projects", project.ID.String(), name), artifact)
	if err != nil {
		return nil, nil, failf(err, "failed to store artifact")
	}

	result, err := withArtifactPath(generated.Result, storagePath)
	if err != nil {
		return nil, nil, failf(err, "invalid generation result: %s", err.Error())
	}

	return generated.Fragment, result, nil
}

func withArtifactPath(result json.RawMessage, storagePath string) ([]byte, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(result, &object); err != nil {
		object = map[string]json.RawMessage{"value": result}
	}

	encodedPath, err := json.Marshal(storagePath)
	if err != nil {
		return nil, err
	}
	object["artifactPath"] = encodedPath

	return json.Marshal(object)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)

	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
