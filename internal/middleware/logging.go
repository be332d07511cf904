package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/logger"
)

type Config struct {
	TimeFormat   string
	UTC          bool
	DefaultLevel zapcore.Level
}

// LoggingMiddleware logs one line per request after the handler chain has run, so the
// resolved principal is available.
func LoggingMiddleware(l *zap.Logger, conf Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		end := time.Now()
		latency := end.Sub(start)
		if conf.UTC {
			end = end.UTC()
		}

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("route", c.FullPath()),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.String("user-agent", c.Request.UserAgent()),
			zap.Duration("latency", latency),
		}

		if conf.TimeFormat != "" {
			fields = append(fields, zap.String("time", end.Format(conf.TimeFormat)))
		}

		if principal := auth.GetPrincipal(c); principal.Authenticated() {
			fields = append(fields, logger.WithUserID(principal.UserID), logger.WithAuthMode(string(principal.AuthMode)))
		}

		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
		}

		level := conf.DefaultLevel
		switch status := c.Writer.Status(); {
		case status >= 500:
			level = zapcore.ErrorLevel
		case status >= 400:
			level = zapcore.WarnLevel
		}

		if ce := l.Check(level, "request"); ce != nil {
			ce.Write(fields...)
		}
	}
}
