package utils

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

func ParseBody[B any](ctx context.Context, c *gin.Context) (body B, err error) {
	err = c.ShouldBindJSON(&body)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)

		return body, fmt.Errorf("error when parsing request: %w", err)
	}

	return body, nil
}
