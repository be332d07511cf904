package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/logger"
)

const (
	DefaultStaleRunTimeout = 30 * time.Minute

	interruptedMessage = "run interrupted"
)

// ReapStale fails queued and running projects that have not been updated for staleAfter.
// It covers runs lost to a process restart and dispatches that never started.
func (p *Pipeline) ReapStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	ids, err := p.store.FailStaleProjects(ctx, time.Now().Add(-staleAfter), interruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale projects: %w", err)
	}

	for _, id := range ids {
		zap.L().Warn("failed stale project run", logger.WithProjectID(id.String()))
	}

	return len(ids), nil
}

// StartReaper runs ReapStale every interval until ctx is done.
func (p *Pipeline) StartReaper(ctx context.Context, interval time.Duration, staleAfter time.Duration) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleRunTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ReapStale(ctx, staleAfter); err != nil {
				zap.L().Error("stale run reaper failed", zap.Error(err))
			}
		}
	}
}
