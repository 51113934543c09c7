package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/pkg/utils"
)

// MemoryStore keeps jobs and presence in process. A single mutex covers both
// tables so a dispatch observes presence and driver load in the same step
// as its write, the way one SQL statement does.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	presence map[string]*models.DriverPresence
}

var (
	_ JobRepository      = (*MemoryStore)(nil)
	_ PresenceRepository = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		presence: make(map[string]*models.DriverPresence),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = utils.GenerateID()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = models.JobStatusPending
	job.DriverID = nil
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return copyJob(job), nil
}

func (s *MemoryStore) List(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.DriverID != "" && !job.AssignedTo(filter.DriverID) {
			continue
		}
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetActiveByDriverID(_ context.Context, driverID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.AssignedTo(driverID) && models.IsActiveStatus(job.Status) {
			return copyJob(job), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CountActiveByDriverID(_ context.Context, driverID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked(driverID), nil
}

func (s *MemoryStore) Counts(_ context.Context) (JobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c JobCounts
	busy := make(map[string]struct{})
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPending {
			c.Pending++
		}
		if models.IsActiveStatus(job.Status) && job.DriverID != nil {
			busy[*job.DriverID] = struct{}{}
		}
	}
	c.BusyDrivers = len(busy)
	return c, nil
}

func (s *MemoryStore) Dispatch(_ context.Context, id, driverID string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusPending {
		return nil, ErrStaleWrite
	}
	p, ok := s.presence[driverID]
	if !ok || !p.IsOnline {
		return nil, ErrStaleWrite
	}
	if s.activeCountLocked(driverID) > 0 {
		return nil, ErrStaleWrite
	}

	d := driverID
	dispatchedAt := at
	job.Status = models.JobStatusDispatched
	job.DriverID = &d
	job.DispatchedAt = &dispatchedAt
	job.AcceptedAt = nil
	job.UpdatedAt = at
	return copyJob(job), nil
}

func (s *MemoryStore) Accept(_ context.Context, id, driverID string, offeredAfter, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusDispatched || !job.AssignedTo(driverID) {
		return nil, ErrStaleWrite
	}
	if job.DispatchedAt == nil || !job.DispatchedAt.After(offeredAfter) {
		return nil, ErrStaleWrite
	}
	acceptedAt := at
	job.Status = models.JobStatusAccepted
	job.AcceptedAt = &acceptedAt
	job.UpdatedAt = at
	return copyJob(job), nil
}

func (s *MemoryStore) Release(_ context.Context, id, driverID string, dispatchedAt *time.Time, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusDispatched || !job.AssignedTo(driverID) {
		return nil, ErrStaleWrite
	}
	if dispatchedAt != nil && (job.DispatchedAt == nil || !job.DispatchedAt.Equal(*dispatchedAt)) {
		return nil, ErrStaleWrite
	}
	job.Status = models.JobStatusPending
	job.DriverID = nil
	job.UpdatedAt = at
	return copyJob(job), nil
}

func (s *MemoryStore) Advance(_ context.Context, id, from, to string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != from || !job.CanTransitionTo(to) {
		return nil, ErrStaleWrite
	}
	job.Status = to
	job.UpdatedAt = at
	return copyJob(job), nil
}

func (s *MemoryStore) Cancel(_ context.Context, id, from string, driverID *string, reason string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != from || !job.CanTransitionTo(models.JobStatusCancelled) {
		return nil, ErrStaleWrite
	}
	if (driverID == nil) != (job.DriverID == nil) || (driverID != nil && *driverID != *job.DriverID) {
		return nil, ErrStaleWrite
	}
	job.Status = models.JobStatusCancelled
	job.DriverID = nil
	if reason != "" {
		r := reason
		job.CancelReason = &r
	}
	job.UpdatedAt = at
	return copyJob(job), nil
}

func (s *MemoryStore) GetPresence(_ context.Context, driverID string) (*models.DriverPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presence[driverID]
	if !ok {
		return nil, nil
	}
	return copyPresence(p), nil
}

func (s *MemoryStore) SetOnline(_ context.Context, driverID string, online bool, at time.Time) (*models.DriverPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.presenceLocked(driverID)
	p.IsOnline = online
	p.UpdatedAt = at
	return copyPresence(p), nil
}

func (s *MemoryStore) UpdateLocation(_ context.Context, driverID string, lat, lng float64, at time.Time) (*models.DriverPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.presenceLocked(driverID)
	la, ln, ts := lat, lng, at
	p.LastLat = &la
	p.LastLng = &ln
	p.LocationUpdatedAt = &ts
	p.UpdatedAt = at
	return copyPresence(p), nil
}

func (s *MemoryStore) ListOnline(_ context.Context) ([]*models.DriverPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DriverPresence
	for _, p := range s.presence {
		if p.IsOnline {
			out = append(out, copyPresence(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (s *MemoryStore) CountOnline(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.presence {
		if p.IsOnline {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) activeCountLocked(driverID string) int {
	n := 0
	for _, job := range s.jobs {
		if job.AssignedTo(driverID) && models.IsActiveStatus(job.Status) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) presenceLocked(driverID string) *models.DriverPresence {
	p, ok := s.presence[driverID]
	if !ok {
		p = &models.DriverPresence{DriverID: driverID}
		s.presence[driverID] = p
	}
	return p
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.DriverID != nil {
		d := *j.DriverID
		c.DriverID = &d
	}
	if j.CategoryID != nil {
		cat := *j.CategoryID
		c.CategoryID = &cat
	}
	if j.DispatchedAt != nil {
		t := *j.DispatchedAt
		c.DispatchedAt = &t
	}
	if j.AcceptedAt != nil {
		t := *j.AcceptedAt
		c.AcceptedAt = &t
	}
	if j.CancelReason != nil {
		r := *j.CancelReason
		c.CancelReason = &r
	}
	return &c
}

func copyPresence(p *models.DriverPresence) *models.DriverPresence {
	c := *p
	if p.LastLat != nil {
		v := *p.LastLat
		c.LastLat = &v
	}
	if p.LastLng != nil {
		v := *p.LastLng
		c.LastLng = &v
	}
	if p.LocationUpdatedAt != nil {
		t := *p.LocationUpdatedAt
		c.LocationUpdatedAt = &t
	}
	return &c
}
