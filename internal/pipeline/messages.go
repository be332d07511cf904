package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/db"
)

const maxMessageLineLength = 1 << 20

// messageWriter turns generation stdout into project messages. Each complete line that
// decodes as {"role", "content"} is appended in order; other lines are only logged.
type messageWriter struct {
	ctx  context.Context
	log  *zap.Logger
	sink func(ctx context.Context, message db.Message) error

	mu       sync.Mutex
	buf      []byte
	overflow bool
}

func newMessageWriter(ctx context.Context, log *zap.Logger, sink func(ctx context.Context, message db.Message) error) *messageWriter {
	return &messageWriter{ctx: ctx, log: log, sink: sink}
}

func (w *messageWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			w.emit()

			continue
		}

		if len(w.buf) >= maxMessageLineLength {
			w.overflow = true

			continue
		}

		w.buf = append(w.buf, b)
	}

	return len(p), nil
}

// Flush emits a trailing line that was not newline terminated.
func (w *messageWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.emit()
}

func (w *messageWriter) emit() {
	line := bytes.TrimSpace(w.buf)
	overflow := w.overflow
	w.buf = w.buf[:0]
	w.overflow = false

	if len(line) == 0 {
		return
	}

	if overflow {
		w.log.Warn("dropping oversized generation output line")

		return
	}

	var message db.Message
	if err := json.Unmarshal(line, &message); err != nil || message.Role == "" {
		w.log.Debug("generation output", zap.ByteString("line", line))

		return
	}

	if err := w.sink(w.ctx, message); err != nil {
		w.log.Warn("failed to append project message", zap.String("role", message.Role), zap.Error(err))
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}

	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return string(t.buf)
}

// zapWriter forwards build output to the run logger line by line.
type zapWriter struct {
	log *zap.Logger
}

func (z *zapWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			z.log.Debug("template build", zap.String("line", line))
		}
	}

	return len(p), nil
}
