package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in process memory. Used by tests and by
// installations that do not want a database file.
type memStore struct {
	mu          sync.RWMutex
	deployments map[string]Deployment
	events      map[string][]StatusEvent
}

func newMemory() Store {
	return &memStore{
		deployments: make(map[string]Deployment),
		events:      make(map[string][]StatusEvent),
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) UpsertDeployment(_ context.Context, d Deployment) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.deployments[d.ID]; ok {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = prev.CreatedAt
		}
		if d.LastKind == "" {
			d.LastKind = prev.LastKind
		}
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.Status == "" {
		d.Status = "pending"
	}
	s.deployments[d.ID] = d
	return nil
}

func (s *memStore) GetDeployment(_ context.Context, id string) (Deployment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	return d, ok, nil
}

func (s *memStore) ListDeployments(_ context.Context) ([]Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SetStatus(_ context.Context, id, status string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = at
	s.deployments[id] = d
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, e StatusEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.TargetID] = append(s.events[e.TargetID], e)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, targetID string, limit int) ([]StatusEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[targetID]
	// Newest first, matching the sqlite driver.
	out := make([]StatusEvent, 0, limit)
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, evs[i])
	}
	return out, nil
}

func (s *memStore) PruneEvents(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, evs := range s.events {
		kept := evs[:0]
		for _, e := range evs {
			if e.At.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		s.events[id] = kept
	}
	return removed, nil
}
