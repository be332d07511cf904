package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/api"
	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/pipeline"
	"github.com/e2b-dev/research/internal/utils"
)

type NewProject struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type ProjectCreated struct {
	ID     uuid.UUID        `json:"id"`
	Status db.ProjectStatus `json:"status"`
}

type ProjectStatus struct {
	ID           uuid.UUID        `json:"id"`
	Status       db.ProjectStatus `json:"status"`
	ErrorMessage *string          `json:"error_message"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type Project struct {
	ID          uuid.UUID       `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	Fragment    json.RawMessage `json:"fragment"`
	Result      json.RawMessage `json:"result"`
	Messages    []db.Message    `json:"messages"`
}

var errProjectsNotConfigured = errors.New("project store is not configured")

func (a *APIStore) PostProjects(c *gin.Context) {
	ctx := c.Request.Context()
	principal := auth.GetPrincipal(c)

	if a.projects == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when creating project", errProjectsNotConfigured)

		return
	}

	body, err := utils.ParseBody[NewProject](ctx, c)
	if err != nil {
		a.sendAPIStoreError(c, http.StatusBadRequest, fmt.Sprintf("Error when parsing request: %s", err), err)

		return
	}

	project, err := a.projects.Create(ctx, principal, pipeline.CreateParams{
		Title:       body.Title,
		Description: body.Description,
	})
	if err != nil {
		apiErr := projectError(err, "Error when creating project")
		a.sendAPIStoreError(c, apiErr.Code, apiErr.ClientMsg, apiErr.Err)

		return
	}

	dispatched, err := a.projects.Dispatch(ctx, principal, project.ID)
	if err != nil {
		// The project exists at this point; name it so the caller can poll its status.
		apiErr := projectError(err, fmt.Sprintf("Error when dispatching project %s", project.ID))
		a.sendAPIStoreError(c, apiErr.Code, apiErr.ClientMsg, apiErr.Err)

		return
	}

	c.JSON(http.StatusAccepted, ProjectCreated{ID: dispatched.ID, Status: dispatched.Status})
}

func (a *APIStore) PostProjectDispatch(c *gin.Context) {
	ctx := c.Request.Context()
	principal := auth.GetPrincipal(c)

	if a.projects == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when dispatching project", errProjectsNotConfigured)

		return
	}

	id, ok := a.projectID(c)
	if !ok {
		return
	}

	project, err := a.projects.Dispatch(ctx, principal, id)
	if err != nil {
		apiErr := projectError(err, "Error when dispatching project")
		a.sendAPIStoreError(c, apiErr.Code, apiErr.ClientMsg, apiErr.Err)

		return
	}

	zap.L().Info("project dispatched", logger.WithProjectID(id.String()), logger.WithUserID(principal.UserID))

	c.JSON(http.StatusAccepted, ProjectCreated{ID: project.ID, Status: project.Status})
}

func (a *APIStore) GetProjectStatus(c *gin.Context) {
	ctx := c.Request.Context()
	principal := auth.GetPrincipal(c)

	if a.projects == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when getting project status", errProjectsNotConfigured)

		return
	}

	id, ok := a.projectID(c)
	if !ok {
		return
	}

	status, err := a.projects.Status(ctx, principal, id)
	if err != nil {
		apiErr := projectError(err, "Error when getting project status")
		a.sendAPIStoreError(c, apiErr.Code, apiErr.ClientMsg, apiErr.Err)

		return
	}

	c.JSON(http.StatusOK, ProjectStatus{
		ID:           status.ID,
		Status:       status.Status,
		ErrorMessage: status.ErrorMessage,
		UpdatedAt:    status.UpdatedAt,
	})
}

func (a *APIStore) GetProject(c *gin.Context) {
	ctx := c.Request.Context()
	principal := auth.GetPrincipal(c)

	if a.projects == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when getting project", errProjectsNotConfigured)

		return
	}

	id, ok := a.projectID(c)
	if !ok {
		return
	}

	project, err := a.projects.Get(ctx, principal, id)
	if err != nil {
		apiErr := projectError(err, "Error when getting project")
		a.sendAPIStoreError(c, apiErr.Code, apiErr.ClientMsg, apiErr.Err)

		return
	}

	messages := project.Messages
	if messages == nil {
		messages = []db.Message{}
	}

	c.JSON(http.StatusOK, Project{
		ID:          project.ID,
		Title:       project.Title,
		Description: project.Description,
		CreatedAt:   project.CreatedAt,
		Fragment:    project.Fragment,
		Result:      project.Result,
		Messages:    messages,
	})
}

// projectID parses the path parameter. A malformed id is answered as not found, the
// same as a project owned by someone else.
func (a *APIStore) projectID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Param("projectID")

	id, err := uuid.Parse(raw)
	if err != nil {
		a.sendAPIStoreError(c, http.StatusNotFound, fmt.Sprintf("Project %s not found", raw), err)

		return uuid.Nil, false
	}

	return id, true
}

func projectError(err error, message string) *api.APIError {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return &api.APIError{Err: err, ClientMsg: "Authentication required", Code: http.StatusUnauthorized}
	case errors.Is(err, pipeline.ErrNotFound):
		return &api.APIError{Err: err, ClientMsg: "Project not found", Code: http.StatusNotFound}
	case errors.Is(err, pipeline.ErrAlreadyDispatched):
		return &api.APIError{Err: err, ClientMsg: "Project has already been dispatched", Code: http.StatusConflict}
	case errors.Is(err, pipeline.ErrInvalidProject):
		return &api.APIError{Err: err, ClientMsg: err.Error(), Code: http.StatusBadRequest}
	default:
		return &api.APIError{Err: err, ClientMsg: message, Code: http.StatusInternalServerError}
	}
}
