package logger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	l := New(Config{
		Service:   "research-api",
		CommitSHA: "abc123",
		Fields:    []zap.Field{zap.String("env", "test")},
		Cores:     []zapcore.Core{core},
	})

	l.Info("project created", WithProjectID("p-1"), WithStep(2, "copyFile"))

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "research-api", fields["service"])
	assert.Equal(t, "abc123", fields["commit_sha"])
	assert.Equal(t, "test", fields["env"])
	assert.Equal(t, int64(os.Getpid()), fields["pid"])
	assert.Equal(t, "p-1", fields["project.id"])
	assert.Equal(t, map[string]any{"index": int64(2), "kind": "copyFile"}, fields["step"])
}

func TestNew_Defaults(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	l := New(Config{Cores: []zapcore.Core{core}})
	l.Error("boom")

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "research", fields["service"])
	assert.NotContains(t, fields, "commit_sha")
	assert.NotEmpty(t, entries[0].Stack)

	assert.False(t, New(Config{}).Core().Enabled(zapcore.DebugLevel))
	assert.True(t, New(Config{Debug: true}).Core().Enabled(zapcore.DebugLevel))
}
