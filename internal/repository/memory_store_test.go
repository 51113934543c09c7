package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(v string) *string { return &v }

func newPendingJob(t *testing.T, s *MemoryStore) *models.Job {
	t.Helper()
	job := &models.Job{PickupLat: 1, PickupLng: 1, DropoffLat: 2, DropoffLng: 2, Source: models.JobSourceApp}
	require.NoError(t, s.Create(context.Background(), job))
	return job
}

func TestMemoryStoreDispatchRequiresOnlineIdleDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	j1 := newPendingJob(t, s)
	j2 := newPendingJob(t, s)

	_, err := s.Dispatch(ctx, j1.ID, "d1", now)
	assert.ErrorIs(t, err, ErrStaleWrite, "unknown driver")

	_, err = s.SetOnline(ctx, "d1", true, now)
	require.NoError(t, err)

	job, err := s.Dispatch(ctx, j1.ID, "d1", now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDispatched, job.Status)

	_, err = s.Dispatch(ctx, j2.ID, "d1", now)
	assert.ErrorIs(t, err, ErrStaleWrite, "driver already busy")

	_, err = s.Dispatch(ctx, j1.ID, "d1", now)
	assert.ErrorIs(t, err, ErrStaleWrite, "job no longer pending")
}

func TestMemoryStoreConcurrentDispatchOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.SetOnline(ctx, "d1", true, time.Now())
	require.NoError(t, err)

	jobs := make([]*models.Job, 20)
	for i := range jobs {
		jobs[i] = newPendingJob(t, s)
	}

	var wins int32
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.Dispatch(ctx, id, "d1", time.Now()); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(j.ID)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	n, err := s.CountActiveByDriverID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStoreReleaseMatchesOffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_, _ = s.SetOnline(ctx, "d1", true, now)
	j := newPendingJob(t, s)

	dispatched, err := s.Dispatch(ctx, j.ID, "d1", now)
	require.NoError(t, err)

	stale := now.Add(-time.Minute)
	_, err = s.Release(ctx, j.ID, "d1", &stale, now)
	assert.ErrorIs(t, err, ErrStaleWrite)

	_, err = s.Release(ctx, j.ID, "d2", nil, now)
	assert.ErrorIs(t, err, ErrStaleWrite)

	released, err := s.Release(ctx, j.ID, "d1", dispatched.DispatchedAt, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, released.Status)
	assert.Nil(t, released.DriverID)
}

func TestMemoryStoreCancelClearsDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_, _ = s.SetOnline(ctx, "d1", true, now)
	j := newPendingJob(t, s)
	_, err := s.Dispatch(ctx, j.ID, "d1", now)
	require.NoError(t, err)
	_, err = s.Accept(ctx, j.ID, "d1", now.Add(-time.Minute), now)
	require.NoError(t, err)

	_, err = s.Cancel(ctx, j.ID, models.JobStatusAccepted, strPtr("d2"), "customer left", now)
	assert.ErrorIs(t, err, ErrStaleWrite, "cancel must match the driver it read")
	_, err = s.Cancel(ctx, j.ID, models.JobStatusAccepted, nil, "customer left", now)
	assert.ErrorIs(t, err, ErrStaleWrite)

	cancelled, err := s.Cancel(ctx, j.ID, models.JobStatusAccepted, strPtr("d1"), "customer left", now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.DriverID)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "customer left", *cancelled.CancelReason)

	n, _ := s.CountActiveByDriverID(ctx, "d1")
	assert.Zero(t, n)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	j := newPendingJob(t, s)

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusCompleted

	again, _ := s.GetByID(ctx, j.ID)
	assert.Equal(t, models.JobStatusPending, again.Status)
}

func TestMemoryStoreCountsAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_, _ = s.SetOnline(ctx, "d1", true, now)
	_, _ = s.SetOnline(ctx, "d2", true, now)
	_, _ = s.SetOnline(ctx, "d3", false, now)
	j1 := newPendingJob(t, s)
	newPendingJob(t, s)
	_, err := s.Dispatch(ctx, j1.ID, "d1", now)
	require.NoError(t, err)

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobCounts{Pending: 1, BusyDrivers: 1}, c)

	online, _ := s.CountOnline(ctx)
	assert.Equal(t, 2, online)

	list, err := s.List(ctx, JobFilter{DriverID: "d1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, j1.ID, list[0].ID)

	p, err := s.UpdateLocation(ctx, "d1", 12.9, 77.6, now)
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.True(t, p.HasLocation())
}

func TestMemoryStoreAcceptAfterWindowIsStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_, _ = s.SetOnline(ctx, "d1", true, now)
	j := newPendingJob(t, s)
	_, err := s.Dispatch(ctx, j.ID, "d1", now)
	require.NoError(t, err)

	_, err = s.Accept(ctx, j.ID, "d1", now, now.Add(31*time.Second))
	assert.ErrorIs(t, err, ErrStaleWrite)

	got, _ := s.GetByID(ctx, j.ID)
	assert.Equal(t, models.JobStatusDispatched, got.Status)
}

func TestMemoryStoreAdvanceFollowsLadder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	j := newPendingJob(t, s)

	_, err := s.Advance(ctx, j.ID, models.JobStatusPending, models.JobStatusCompleted, time.Now())
	assert.ErrorIs(t, err, ErrStaleWrite)
	assert.Equal(t, models.JobStatusPending, mustGet(t, s, j.ID).Status)
}

func mustGet(t *testing.T, s *MemoryStore, id string) *models.Job {
	t.Helper()
	job, err := s.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}
