package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/e2b-dev/research/internal/db"
)

// Store keeps projects and API keys in process memory. Each row has its own lock so
// transitions are compare-and-set like the single-row updates in Postgres.
type Store struct {
	projects cmap.ConcurrentMap[string, *memoryProject]
	apiKeys  cmap.ConcurrentMap[string, *memoryAPIKey]

	now func() time.Time
}

func New() *Store {
	return &Store{
		projects: cmap.New[*memoryProject](),
		apiKeys:  cmap.New[*memoryAPIKey](),
		now:      time.Now,
	}
}

type memoryProject struct {
	mu    sync.RWMutex
	_data db.Project
}

func (p *memoryProject) Data() db.Project {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return copyProject(p._data)
}

func copyProject(p db.Project) db.Project {
	p.Messages = slices.Clone(p.Messages)
	p.Fragment = slices.Clone(p.Fragment)
	p.Result = slices.Clone(p.Result)

	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		p.ErrorMessage = &msg
	}

	return p
}

// touch keeps updated_at non-decreasing even if the clock goes backwards.
func (s *Store) touch(p *db.Project) {
	now := s.now()
	if now.After(p.UpdatedAt) {
		p.UpdatedAt = now
	}
}

func (s *Store) owned(id uuid.UUID, ownerID string) (*memoryProject, error) {
	item, ok := s.projects.Get(id.String())
	if !ok {
		return nil, db.ErrNotFound
	}

	item.mu.RLock()
	owner := item._data.OwnerID
	item.mu.RUnlock()

	if owner != ownerID {
		return nil, db.ErrNotFound
	}

	return item, nil
}

func (s *Store) update(id uuid.UUID, ownerID string, from []db.ProjectStatus, apply func(p *db.Project)) (db.Project, error) {
	item, err := s.owned(id, ownerID)
	if err != nil {
		return db.Project{}, err
	}

	item.mu.Lock()
	defer item.mu.Unlock()

	if !slices.Contains(from, item._data.Status) {
		return db.Project{}, db.ErrInvalidTransition
	}

	apply(&item._data)
	s.touch(&item._data)

	return copyProject(item._data), nil
}

func (s *Store) CreateProject(_ context.Context, params db.CreateProjectParams) (db.Project, error) {
	now := s.now()
	project := db.Project{
		ID:          uuid.New(),
		OwnerID:     params.OwnerID,
		Title:       params.Title,
		Description: params.Description,
		Status:      db.ProjectStatusQueued,
		Messages:    []db.Message{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.projects.Set(project.ID.String(), &memoryProject{_data: project})

	return copyProject(project), nil
}

func (s *Store) GetProject(_ context.Context, id uuid.UUID, ownerID string) (db.Project, error) {
	item, err := s.owned(id, ownerID)
	if err != nil {
		return db.Project{}, err
	}

	return item.Data(), nil
}

func (s *Store) MarkRunning(_ context.Context, id uuid.UUID, ownerID string) (db.Project, error) {
	return s.update(id, ownerID, []db.ProjectStatus{db.ProjectStatusQueued}, func(p *db.Project) {
		p.Status = db.ProjectStatusRunning
	})
}

func (s *Store) AppendMessage(_ context.Context, id uuid.UUID, ownerID string, message db.Message) error {
	_, err := s.update(id, ownerID, []db.ProjectStatus{db.ProjectStatusRunning}, func(p *db.Project) {
		p.Messages = append(p.Messages, message)
	})

	return err
}

func (s *Store) CompleteProject(_ context.Context, id uuid.UUID, ownerID string, fragment, result []byte) (db.Project, error) {
	return s.update(id, ownerID, []db.ProjectStatus{db.ProjectStatusRunning}, func(p *db.Project) {
		p.Status = db.ProjectStatusComplete
		p.Fragment = slices.Clone(fragment)
		p.Result = slices.Clone(result)
		p.ErrorMessage = nil
	})
}

func (s *Store) FailProject(_ context.Context, id uuid.UUID, ownerID string, message string) (db.Project, error) {
	return s.update(id, ownerID, []db.ProjectStatus{db.ProjectStatusQueued, db.ProjectStatusRunning}, func(p *db.Project) {
		p.Status = db.ProjectStatusError
		p.ErrorMessage = &message
	})
}

func (s *Store) FailStaleProjects(_ context.Context, before time.Time, message string) ([]uuid.UUID, error) {
	failed := make([]uuid.UUID, 0)

	for _, item := range s.projects.Items() {
		item.mu.Lock()
		stale := item._data.Status == db.ProjectStatusQueued || item._data.Status == db.ProjectStatusRunning
		if stale && item._data.UpdatedAt.Before(before) {
			msg := message
			item._data.Status = db.ProjectStatusError
			item._data.ErrorMessage = &msg
			s.touch(&item._data)
			failed = append(failed, item._data.ID)
		}
		item.mu.Unlock()
	}

	return failed, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}
