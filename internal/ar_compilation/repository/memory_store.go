package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps projects in process memory. It backs local runs without
// a database and the service tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*domain.ARProject
	items    map[string]map[string]*domain.ARProjectItem
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*domain.ARProject),
		items:    make(map[string]map[string]*domain.ARProjectItem),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateProject(_ context.Context, p *domain.ARProject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.StatusPending
	}
	if _, exists := s.projects[p.ID]; exists {
		return persistence("create_project", errDuplicate)
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (*domain.ARProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	return cloneProject(p), nil
}

func (s *MemoryStore) ListProjects(_ context.Context, ownerID string, limit int) ([]domain.ARProject, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ARProject, 0, len(s.projects))
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, *cloneProject(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateProject(_ context.Context, id string, patch domain.ProjectPatch) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return domain.ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return domain.ErrProjectNotFound
	}
	patch.Apply(p)
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return domain.ErrProjectNotFound
	}
	delete(s.projects, id)
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) ListExpiredDemos(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, p := range s.projects {
		if p.IsDemo && p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AddItem(_ context.Context, it *domain.ARProjectItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[it.ProjectID]; !ok {
		return domain.ErrProjectNotFound
	}
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	next := 0
	for _, existing := range s.items[it.ProjectID] {
		if existing.TargetIndex >= next {
			next = existing.TargetIndex + 1
		}
	}
	it.TargetIndex = next
	now := s.now()
	it.CreatedAt, it.UpdatedAt = now, now

	if s.items[it.ProjectID] == nil {
		s.items[it.ProjectID] = make(map[string]*domain.ARProjectItem)
	}
	s.items[it.ProjectID][it.ID] = cloneItem(it)
	return nil
}

func (s *MemoryStore) GetItem(_ context.Context, projectID, itemID string) (*domain.ARProjectItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[projectID][itemID]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	return cloneItem(it), nil
}

func (s *MemoryStore) ListItems(_ context.Context, projectID string) ([]domain.ARProjectItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ARProjectItem, 0, len(s.items[projectID]))
	for _, it := range s.items[projectID] {
		out = append(out, *cloneItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetIndex < out[j].TargetIndex })
	return out, nil
}

func (s *MemoryStore) UpdateItem(_ context.Context, projectID, itemID string, patch domain.ItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[projectID][itemID]
	if !ok {
		return domain.ErrItemNotFound
	}
	patch.Apply(it)
	it.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, projectID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[projectID][itemID]; !ok {
		return domain.ErrItemNotFound
	}
	delete(s.items[projectID], itemID)
	return nil
}

var errDuplicate = errors.New("duplicate project id")

// cloneProject deep-copies through JSON so callers never share pointers
// with the stored record.
func cloneProject(p *domain.ARProject) *domain.ARProject {
	raw, _ := json.Marshal(p)
	var out domain.ARProject
	_ = json.Unmarshal(raw, &out)
	return &out
}

func cloneItem(it *domain.ARProjectItem) *domain.ARProjectItem {
	raw, _ := json.Marshal(it)
	var out domain.ARProjectItem
	_ = json.Unmarshal(raw, &out)
	return &out
}
