package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryProjectStore is an in-memory ProjectStore used by tests and local
// development.
type MemoryProjectStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewMemoryProjectStore constructs an empty store.
func NewMemoryProjectStore() *MemoryProjectStore {
	return &MemoryProjectStore{projects: make(map[string]*Project)}
}

// Create inserts a project record.
func (m *MemoryProjectStore) Create(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = StatusUploading
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	stored := *p
	m.projects[p.ID] = &stored
	return nil
}

// Get returns a copy of the project.
func (m *MemoryProjectStore) Get(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

// UpdateStatus sets status, progress, and error message.
func (m *MemoryProjectStore) UpdateStatus(ctx context.Context, id string, status ProjectStatus, progress float64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.Progress = progress
	p.ErrorMessage = errMsg
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateMedia attaches final URLs and probe results.
func (m *MemoryProjectStore) UpdateMedia(ctx context.Context, id string, media Media) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	if media.VideoURL != "" {
		p.VideoURL = media.VideoURL
	}
	if media.ThumbnailURL != "" {
		p.ThumbnailURL = media.ThumbnailURL
	}
	p.Duration = media.Duration
	p.Width = media.Width
	p.Height = media.Height
	p.UpdatedAt = time.Now().UTC()
	return nil
}
