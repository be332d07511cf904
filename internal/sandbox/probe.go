package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/template"
)

var tracer = otel.Tracer("github.com/e2b-dev/research/internal/sandbox")

const portDialTimeout = time.Second

var readyRetryInterval = 2 * time.Second

// WaitReady polls the probe until it succeeds. It returns ErrBootTimeout when timeout
// elapses first and the parent context error when ctx is cancelled.
func WaitReady(ctx context.Context, instance Instance, probe template.Probe, timeout time.Duration) error {
	ctx, span := tracer.Start(ctx, "wait-sandbox-ready", trace.WithAttributes(
		attribute.String("probe.kind", string(probe.Kind)),
		attribute.String("probe.value", probe.Value),
	))
	defer span.End()

	startTime := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		err := check(probeCtx, instance, probe)
		if err == nil {
			zap.L().Debug("sandbox is ready", logger.WithSandboxID(instance.ID()), zap.Duration("waited", time.Since(startTime)))

			return nil
		}

		zap.L().Debug("sandbox is not ready yet", logger.WithSandboxID(instance.ID()), zap.Error(err))

		select {
		case <-probeCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("%w after %s: %w", ErrBootTimeout, time.Since(startTime).Round(time.Millisecond), err)
		case <-time.After(readyRetryInterval):
		}
	}
}

func check(ctx context.Context, instance Instance, probe template.Probe) error {
	switch probe.Kind {
	case template.ProbePort:
		dialer := net.Dialer{Timeout: portDialTimeout}

		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(instance.Address(), probe.Value))
		if err != nil {
			return err
		}

		return conn.Close()
	case template.ProbeCommand:
		exitCode, err := instance.Exec(ctx, probe.Value, ExecOptions{})
		if err != nil {
			return err
		}

		if exitCode != 0 {
			return fmt.Errorf("ready command exited with code %d", exitCode)
		}

		return nil
	default:
		return errors.New("unsupported probe kind " + string(probe.Kind))
	}
}
