package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-inbox/queue/domain/job"
)

// MemoryJobStore keeps jobs in process memory. Jobs are lost on restart; the
// reconciler rediscovers outstanding work from the persisted records.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]job.Job)}
}

func (s *MemoryJobStore) Create(ctx context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	return j, nil
}

func (s *MemoryJobStore) Update(ctx context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return job.ErrJobNotFound
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryJobStore) HasLive(ctx context.Context, kind job.Kind, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Kind == kind && j.Key == key && j.Status.Live() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryJobStore) ListByStatus(ctx context.Context, kind job.Kind, status job.Status) ([]job.Job, error) {
	s.mu.RLock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Kind == kind && j.Status == status {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].EnqueuedAt.Before(out[b].EnqueuedAt) })
	return out, nil
}

func (s *MemoryJobStore) PurgeFinished(ctx context.Context, kind job.Kind, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if limit > 0 && n >= limit {
			break
		}
		if j.Kind == kind && j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
