package logger

import (
	"go.uber.org/zap"
)

func WithProjectID(projectID string) zap.Field {
	return zap.String("project.id", projectID)
}

func WithUserID(userID string) zap.Field {
	return zap.String("user.id", userID)
}

func WithTemplateAlias(alias string) zap.Field {
	return zap.String("template.alias", alias)
}

func WithSandboxID(sandboxID string) zap.Field {
	return zap.String("sandbox.id", sandboxID)
}

func WithAuthMode(mode string) zap.Field {
	return zap.String("auth.mode", mode)
}

func WithStep(index int, kind string) zap.Field {
	return zap.Dict("step", zap.Int("index", index), zap.String("kind", kind))
}
