package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when the row exists but is not in a state the update applies to.
	ErrInvalidTransition = errors.New("invalid project status transition")
)

type ProjectStatus string

const (
	ProjectStatusQueued   ProjectStatus = "queued"
	ProjectStatusRunning  ProjectStatus = "running"
	ProjectStatusComplete ProjectStatus = "complete"
	ProjectStatusError    ProjectStatus = "error"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusComplete || s == ProjectStatusError
}

// Message is one record of the generation conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Project struct {
	ID           uuid.UUID
	OwnerID      string
	Title        string
	Description  string
	Status       ProjectStatus
	ErrorMessage *string
	Fragment     json.RawMessage
	Result       json.RawMessage
	Messages     []Message
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type APIKey struct {
	ID          uuid.UUID
	OwnerID     string
	Prefix      string
	SecretHash  string
	Mask        string
	Description string
	CreatedAt   time.Time
	LastUsedAt  *time.Time
	ExpiresAt   *time.Time
	IsRevoked   bool
}

type CreateAPIKeyParams struct {
	OwnerID     string
	Prefix      string
	SecretHash  string
	Mask        string
	Description string
	ExpiresAt   *time.Time
}

type CreateProjectParams struct {
	OwnerID     string
	Title       string
	Description string
}
