package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/api"
	"github.com/e2b-dev/research/internal/apikeys"
	"github.com/e2b-dev/research/internal/artifacts"
	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/middleware"
	"github.com/e2b-dev/research/internal/pipeline"
)

type Projects interface {
	Create(ctx context.Context, principal auth.Principal, params pipeline.CreateParams) (db.Project, error)
	Dispatch(ctx context.Context, principal auth.Principal, id uuid.UUID) (db.Project, error)
	Get(ctx context.Context, principal auth.Principal, id uuid.UUID) (db.Project, error)
	Status(ctx context.Context, principal auth.Principal, id uuid.UUID) (pipeline.Status, error)
}

type Artifacts interface {
	Fetch(ctx context.Context, principal auth.Principal, encodedPath string) (artifacts.Artifact, error)
}

type APIKeys interface {
	Create(ctx context.Context, principal auth.Principal, description string, expiresAt *time.Time) (apikeys.CreatedKey, error)
	List(ctx context.Context, principal auth.Principal) ([]db.APIKey, error)
	Revoke(ctx context.Context, principal auth.Principal, id uuid.UUID) error
}

type ShortLinks interface {
	Resolve(ctx context.Context, id string) string
}

// APIStore holds the collaborators of every handler. A nil collaborator makes its
// routes answer 500.
type APIStore struct {
	Healthy atomic.Bool
	// ProjectRateLimit limits project creation per user when set.
	ProjectRateLimit middleware.RateLimiter

	projects   Projects
	artifacts  Artifacts
	apiKeys    APIKeys
	shortLinks ShortLinks
}

func NewAPIStore(projects Projects, artifacts Artifacts, apiKeys APIKeys, shortLinks ShortLinks) *APIStore {
	return &APIStore{
		projects:   projects,
		artifacts:  artifacts,
		apiKeys:    apiKeys,
		shortLinks: shortLinks,
	}
}

// RegisterRoutes mounts every route on r. Authentication is resolved per route group.
func (a *APIStore) RegisterRoutes(r gin.IRouter, resolver *auth.Resolver) {
	sessionOnly := auth.Middleware(resolver, auth.AuthModeSession)
	anyMode := auth.Middleware(resolver, auth.AuthModeSession, auth.AuthModeAPIKey)

	r.GET("/health", a.GetHealth)
	r.GET("/s/:shortID", a.GetShortLink)

	v1 := r.Group("/v1", anyMode)
	createProject := []gin.HandlerFunc{a.PostProjects}
	if a.ProjectRateLimit != nil {
		createProject = append([]gin.HandlerFunc{middleware.RateLimit(a.ProjectRateLimit)}, createProject...)
	}

	v1.POST("/projects", createProject...)
	v1.POST("/projects/:projectID/dispatch", a.PostProjectDispatch)
	v1.GET("/projects/:projectID/status", a.GetProjectStatus)

	r.GET("/projects/:projectID", sessionOnly, a.GetProject)
	r.GET("/pdf/*storagePath", sessionOnly, a.GetPDF)

	keys := r.Group("/api-keys", sessionOnly)
	keys.POST("", a.PostAPIKeys)
	keys.GET("", a.GetAPIKeys)
	keys.DELETE("/:apiKeyID", a.DeleteAPIKey)
}

func (a *APIStore) sendAPIStoreError(c *gin.Context, code int, message string, err error) {
	if err == nil {
		err = errors.New(message)
	}

	if code >= http.StatusInternalServerError {
		zap.L().Error(message, zap.String("route", c.FullPath()), zap.Error(err))
	} else {
		zap.L().Debug(message, zap.String("route", c.FullPath()), zap.Error(err))
	}

	c.Error(err)
	c.JSON(code, api.Error{
		Code:    int32(code),
		Message: message,
	})
}

func (a *APIStore) GetHealth(c *gin.Context) {
	if a.Healthy.Load() {
		c.String(http.StatusOK, "Health check successful")

		return
	}

	c.String(http.StatusServiceUnavailable, "Service is unavailable")
}
