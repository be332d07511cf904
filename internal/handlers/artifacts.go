package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/e2b-dev/research/internal/artifacts"
	"github.com/e2b-dev/research/internal/auth"
)

const pdfRoutePrefix = "/pdf/"

type ArtifactFile struct {
	// Data is encoded as base64 by encoding/json.
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
}

func (a *APIStore) GetPDF(c *gin.Context) {
	ctx := c.Request.Context()

	if a.artifacts == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when fetching file", errors.New("artifact storage is not configured"))

		return
	}

	// The gateway decodes the path itself, so it gets the raw escaped form.
	encodedPath := strings.TrimPrefix(c.Request.URL.EscapedPath(), pdfRoutePrefix)

	artifact, err := a.artifacts.Fetch(ctx, auth.GetPrincipal(c), encodedPath)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		a.sendAPIStoreError(c, http.StatusUnauthorized, "Authentication required", err)
	case errors.Is(err, artifacts.ErrInvalidPath):
		a.sendAPIStoreError(c, http.StatusBadRequest, "Invalid file path", err)
	case errors.Is(err, artifacts.ErrAccessDenied):
		a.sendAPIStoreError(c, http.StatusForbidden, "You don't have access to this file", err)
	case errors.Is(err, artifacts.ErrNotFound):
		a.sendAPIStoreError(c, http.StatusNotFound, "File not found", err)
	case err != nil:
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when fetching file", err)
	default:
		c.JSON(http.StatusOK, ArtifactFile{Data: artifact.Data, MimeType: artifact.MimeType})
	}
}
