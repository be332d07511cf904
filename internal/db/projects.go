package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const projectColumns = `id, owner_id, title, description, status, error_message, fragment, result, created_at, updated_at`

// Every statement filters by (id, owner_id). updated_at never moves backwards.
const (
	insertProjectSQL = `INSERT INTO projects (id, owner_id, title, description, status)
VALUES ($1, $2, $3, $4, 'queued')
RETURNING ` + projectColumns

	getProjectSQL = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 AND owner_id = $2`

	getProjectStatusSQL = `SELECT status FROM projects WHERE id = $1 AND owner_id = $2`

	listMessagesSQL = `SELECT role, content FROM project_messages WHERE project_id = $1 ORDER BY seq`

	markRunningSQL = `UPDATE projects
SET status = 'running', updated_at = GREATEST(now(), updated_at)
WHERE id = $1 AND owner_id = $2 AND status = 'queued'
RETURNING ` + projectColumns

	touchRunningSQL = `UPDATE projects
SET updated_at = GREATEST(now(), updated_at)
WHERE id = $1 AND owner_id = $2 AND status = 'running'`

	insertMessageSQL = `INSERT INTO project_messages (project_id, role, content) VALUES ($1, $2, $3)`

	completeProjectSQL = `UPDATE projects
SET status = 'complete', fragment = $3, result = $4, error_message = NULL, updated_at = GREATEST(now(), updated_at)
WHERE id = $1 AND owner_id = $2 AND status = 'running'
RETURNING ` + projectColumns

	failProjectSQL = `UPDATE projects
SET status = 'error', error_message = $3, updated_at = GREATEST(now(), updated_at)
WHERE id = $1 AND owner_id = $2 AND status IN ('queued', 'running')
RETURNING ` + projectColumns

	failStaleProjectsSQL = `UPDATE projects
SET status = 'error', error_message = $2, updated_at = GREATEST(now(), updated_at)
WHERE status IN ('queued', 'running') AND updated_at < $1
RETURNING id`
)

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	var status string
	var fragment, result []byte

	err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Description, &status, &p.ErrorMessage, &fragment, &result, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, err
	}

	p.Status = ProjectStatus(status)
	p.Fragment = fragment
	p.Result = result

	return p, nil
}

func (db *Client) CreateProject(ctx context.Context, params CreateProjectParams) (Project, error) {
	project, err := scanProject(db.conn.QueryRow(ctx, insertProjectSQL, uuid.New(), params.OwnerID, params.Title, params.Description))
	if err != nil {
		return Project{}, fmt.Errorf("failed to insert project: %w", err)
	}

	project.Messages = []Message{}

	return project, nil
}

func (db *Client) GetProject(ctx context.Context, id uuid.UUID, ownerID string) (Project, error) {
	project, err := scanProject(db.conn.QueryRow(ctx, getProjectSQL, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, ErrNotFound
	}

	if err != nil {
		return Project{}, fmt.Errorf("failed to get project: %w", err)
	}

	rows, err := db.conn.Query(ctx, listMessagesSQL, id)
	if err != nil {
		return Project{}, fmt.Errorf("failed to list project messages: %w", err)
	}

	project.Messages, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.Role, &m.Content)

		return m, err
	})
	if err != nil {
		return Project{}, fmt.Errorf("failed to scan project messages: %w", err)
	}

	return project, nil
}

// transitionError tells a missing or foreign row apart from a row in the wrong state.
func (db *Client) transitionError(ctx context.Context, id uuid.UUID, ownerID string) error {
	var status string

	err := db.conn.QueryRow(ctx, getProjectStatusSQL, id, ownerID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("failed to get project status: %w", err)
	}

	return fmt.Errorf("%w: project is %s", ErrInvalidTransition, status)
}

func (db *Client) transition(ctx context.Context, sql string, id uuid.UUID, ownerID string, args ...any) (Project, error) {
	project, err := scanProject(db.conn.QueryRow(ctx, sql, append([]any{id, ownerID}, args...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, db.transitionError(ctx, id, ownerID)
	}

	if err != nil {
		return Project{}, fmt.Errorf("failed to update project: %w", err)
	}

	return project, nil
}

func (db *Client) MarkRunning(ctx context.Context, id uuid.UUID, ownerID string) (Project, error) {
	return db.transition(ctx, markRunningSQL, id, ownerID)
}

func (db *Client) AppendMessage(ctx context.Context, id uuid.UUID, ownerID string, message Message) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, touchRunningSQL, id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to touch project: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return db.transitionError(ctx, id, ownerID)
		}

		if _, err := tx.Exec(ctx, insertMessageSQL, id, message.Role, message.Content); err != nil {
			return fmt.Errorf("failed to insert project message: %w", err)
		}

		return nil
	})
}

func (db *Client) CompleteProject(ctx context.Context, id uuid.UUID, ownerID string, fragment, result []byte) (Project, error) {
	return db.transition(ctx, completeProjectSQL, id, ownerID, fragment, result)
}

func (db *Client) FailProject(ctx context.Context, id uuid.UUID, ownerID string, message string) (Project, error) {
	return db.transition(ctx, failProjectSQL, id, ownerID, message)
}

func (db *Client) FailStaleProjects(ctx context.Context, before time.Time, message string) ([]uuid.UUID, error) {
	rows, err := db.conn.Query(ctx, failStaleProjectsSQL, before, message)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale projects: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale project ids: %w", err)
	}

	return ids, nil
}
