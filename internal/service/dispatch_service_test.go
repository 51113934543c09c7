package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/internal/events"
	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *repository.MemoryStore
	bus      *events.MemoryBus
	presence PresenceService
	dispatch DispatchService
	events   <-chan events.JobEvent
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, window time.Duration, now func() time.Time) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store := repository.NewMemoryStore()
	bus := events.NewMemoryBus()
	jobEvents, err := bus.SubscribeJobs(ctx)
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		bus:      bus,
		presence: NewPresenceService(store, store, nil, bus, PresenceOptions{Logger: discardLogger(), Now: now}),
		dispatch: NewDispatchService(store, store, bus, DispatchOptions{OfferWindow: window, Logger: discardLogger(), Now: now}),
		events:   jobEvents,
	}
	t.Cleanup(func() {
		f.dispatch.Shutdown()
		cancel()
	})
	return f
}

func (f *fixture) createJob(t *testing.T) *models.Job {
	t.Helper()
	job, err := f.dispatch.CreateJob(context.Background(), &models.CreateJobRequest{
		Pickup:  models.Location{Lat: 12.9716, Lng: 77.5946, Address: "MG Road"},
		Dropoff: models.Location{Lat: 12.9352, Lng: 77.6245, Address: "Koramangala garage"},
		Source:  models.JobSourceManual,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) online(t *testing.T, driverIDs ...string) {
	t.Helper()
	for _, id := range driverIDs {
		_, err := f.presence.SetOnline(context.Background(), id, true)
		require.NoError(t, err)
	}
}

func (f *fixture) status(t *testing.T, jobID string) *models.Job {
	t.Helper()
	job, err := f.dispatch.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func (f *fixture) eligible(t *testing.T, driverID string) bool {
	t.Helper()
	ok, err := f.presence.IsEligible(context.Background(), driverID)
	require.NoError(t, err)
	return ok
}

func waitForEvent(t *testing.T, ch <-chan events.JobEvent, eventType, jobID string) events.JobEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == eventType && evt.JobID == jobID {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event for job %s", eventType, jobID)
		}
	}
}

func TestDispatchHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1")
	job := f.createJob(t)
	assert.True(t, f.eligible(t, "d1"))

	dispatched, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDispatched, dispatched.Status)
	require.NotNil(t, dispatched.DispatchedAt)
	assert.False(t, f.eligible(t, "d1"))

	offered := waitForEvent(t, f.events, events.JobOffered, job.ID)
	assert.Equal(t, "d1", offered.DriverID)
	require.NotNil(t, offered.ExpiresAt)
	assert.Equal(t, dispatched.DispatchedAt.Add(time.Minute), *offered.ExpiresAt)

	accepted, err := f.dispatch.Accept(ctx, job.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)
	waitForEvent(t, f.events, events.JobAccepted, job.ID)

	_, err = f.dispatch.MarkArrived(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.dispatch.StartTow(ctx, job.ID)
	require.NoError(t, err)
	completed, err := f.dispatch.Complete(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, completed.Status)
	assert.True(t, completed.AssignedTo("d1"), "completed jobs keep their driver")
	assert.True(t, f.eligible(t, "d1"))
}

func TestDispatchRejectReturnsJobToPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1")
	job := f.createJob(t)

	_, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	released, err := f.dispatch.Reject(ctx, job.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, released.Status)
	assert.Nil(t, released.DriverID)
	assert.True(t, f.eligible(t, "d1"))

	evt := waitForEvent(t, f.events, events.JobReleased, job.ID)
	assert.Equal(t, events.ReasonRejected, evt.Reason)
	assert.Equal(t, "d1", evt.PreviousDriverID)

	_, err = f.dispatch.Reject(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrOfferExpired)
}

func TestDispatchOfferTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50*time.Millisecond, nil)
	f.online(t, "d1")
	job := f.createJob(t)

	_, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	evt := waitForEvent(t, f.events, events.JobReleased, job.ID)
	assert.Equal(t, events.ReasonTimeout, evt.Reason)
	assert.Equal(t, "d1", evt.PreviousDriverID)

	got := f.status(t, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.DriverID)
	assert.True(t, f.eligible(t, "d1"))

	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrOfferExpired)
	assert.Equal(t, models.JobStatusPending, f.status(t, job.ID).Status)
}

func TestDispatchLateAcceptBeforeTimerFires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	f := newFixture(t, 30*time.Second, clock.Now)
	f.online(t, "d1")
	job := f.createJob(t)

	_, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrOfferExpired)
	assert.Equal(t, models.JobStatusDispatched, f.status(t, job.ID).Status)
}

func TestDispatchDriverUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1")
	j1 := f.createJob(t)
	j2 := f.createJob(t)

	_, err := f.dispatch.Assign(ctx, j1.ID, "d1")
	require.NoError(t, err)

	_, err = f.dispatch.Assign(ctx, j2.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrDriverUnavailable)
	assert.Equal(t, models.JobStatusPending, f.status(t, j2.ID).Status)

	_, err = f.presence.SetOnline(ctx, "d2", false)
	require.NoError(t, err)
	_, err = f.dispatch.Assign(ctx, j2.ID, "d2")
	assert.ErrorIs(t, err, apperrors.ErrDriverUnavailable)

	_, err = f.dispatch.Assign(ctx, j2.ID, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.dispatch.Assign(ctx, "missing", "d1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDispatchAssignDispatchedJobIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1", "d2")
	job := f.createJob(t)

	_, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	_, err = f.dispatch.Assign(ctx, job.ID, "d2")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestDispatchWithdrawThenReassign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1", "d2")
	job := f.createJob(t)

	_, err := f.dispatch.Withdraw(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "nothing to withdraw")

	_, err = f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	withdrawn, err := f.dispatch.Withdraw(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, withdrawn.Status)
	evt := waitForEvent(t, f.events, events.JobReleased, job.ID)
	assert.Equal(t, events.ReasonWithdrawn, evt.Reason)

	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrOfferExpired)

	reassigned, err := f.dispatch.Assign(ctx, job.ID, "d2")
	require.NoError(t, err)
	assert.True(t, reassigned.AssignedTo("d2"))

	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrOfferExpired, "offer now belongs to another driver")
}

func TestDispatchCancelDuringOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100*time.Millisecond, nil)
	f.online(t, "d1")
	job := f.createJob(t)

	_, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	cancelled, err := f.dispatch.Cancel(ctx, job.ID, "customer found another tow")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.DriverID)
	assert.True(t, f.eligible(t, "d1"))

	evt := waitForEvent(t, f.events, events.JobStatusChanged, job.ID)
	for evt.Status != models.JobStatusCancelled {
		evt = waitForEvent(t, f.events, events.JobStatusChanged, job.ID)
	}
	assert.Equal(t, "d1", evt.PreviousDriverID)

	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrOfferExpired)

	_, err = f.dispatch.Cancel(ctx, job.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, models.JobStatusCancelled, f.status(t, job.ID).Status, "timer must not resurrect a cancelled job")
}

func TestDispatchAdvanceOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	job := f.createJob(t)

	_, err := f.dispatch.MarkArrived(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	_, err = f.dispatch.Complete(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	_, err = f.dispatch.StartTow(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDispatchAnswerNeverOfferedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1")
	job := f.createJob(t)

	_, err := f.dispatch.Accept(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.NotErrorIs(t, err, apperrors.ErrOfferExpired)

	_, err = f.dispatch.Reject(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	got := f.status(t, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.DriverID)

	_, err = f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)
	_, err = f.dispatch.Reject(ctx, job.ID, "d1")
	require.NoError(t, err)

	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrOfferExpired, "a released offer has expired, not never existed")
}

func TestDispatchAcceptTimeoutRace(t *testing.T) {
	ctx := context.Background()
	window := 20 * time.Millisecond
	f := newFixture(t, window, nil)
	f.online(t, "d1")

	for i := 0; i < 25; i++ {
		job := f.createJob(t)
		_, err := f.dispatch.Assign(ctx, job.ID, "d1")
		require.NoError(t, err)

		time.Sleep(window - time.Duration(i%5)*time.Millisecond)
		_, acceptErr := f.dispatch.Accept(ctx, job.ID, "d1")

		require.Eventually(t, func() bool {
			s := f.status(t, job.ID).Status
			return s == models.JobStatusAccepted || s == models.JobStatusPending
		}, time.Second, 5*time.Millisecond)

		got := f.status(t, job.ID)
		if acceptErr == nil {
			assert.Equal(t, models.JobStatusAccepted, got.Status)
			assert.True(t, got.AssignedTo("d1"))
			_, err = f.dispatch.Cancel(ctx, job.ID, "test cleanup")
			require.NoError(t, err)
		} else {
			assert.ErrorIs(t, acceptErr, apperrors.ErrOfferExpired)
			assert.Equal(t, models.JobStatusPending, got.Status)
			assert.Nil(t, got.DriverID)
		}
	}
}

func TestDispatchConcurrentAssignOneDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1")

	jobs := make([]*models.Job, 10)
	for i := range jobs {
		jobs[i] = f.createJob(t)
	}

	var wins, unavailable int32
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.dispatch.Assign(ctx, id, "d1")
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, apperrors.ErrDriverUnavailable):
				atomic.AddInt32(&unavailable, 1)
			}
		}(job.ID)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(len(jobs)-1), unavailable)
}

// reofferBeforeCancel moves the job from d1 to d2 right before the first
// cancel write, the way a timeout and a fresh assign could.
type reofferBeforeCancel struct {
	*repository.MemoryStore
	once sync.Once
}

func (r *reofferBeforeCancel) Cancel(ctx context.Context, id, from string, driverID *string, reason string, at time.Time) (*models.Job, error) {
	r.once.Do(func() {
		if _, err := r.Release(ctx, id, "d1", nil, at); err != nil {
			panic(err)
		}
		if _, err := r.Dispatch(ctx, id, "d2", at); err != nil {
			panic(err)
		}
	})
	return r.MemoryStore.Cancel(ctx, id, from, driverID, reason, at)
}

func TestDispatchCancelNamesDriverHoldingJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &reofferBeforeCancel{MemoryStore: repository.NewMemoryStore()}
	bus := events.NewMemoryBus()
	jobEvents, err := bus.SubscribeJobs(ctx)
	require.NoError(t, err)

	dispatch := NewDispatchService(store, store, bus, DispatchOptions{OfferWindow: time.Hour, Logger: discardLogger()})
	defer dispatch.Shutdown()

	for _, id := range []string{"d1", "d2"} {
		_, err := store.SetOnline(ctx, id, true, time.Now())
		require.NoError(t, err)
	}
	job := &models.Job{Source: models.JobSourceApp}
	require.NoError(t, store.Create(ctx, job))
	_, err = dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	cancelled, err := dispatch.Cancel(ctx, job.ID, "customer left")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	evt := waitForEvent(t, jobEvents, events.JobStatusChanged, job.ID)
	for evt.Status != models.JobStatusCancelled {
		evt = waitForEvent(t, jobEvents, events.JobStatusChanged, job.ID)
	}
	assert.Equal(t, "d2", evt.PreviousDriverID)

	n, err := store.CountActiveByDriverID(ctx, "d2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchRecoverOffers(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	bus := events.NewMemoryBus()

	first := NewDispatchService(store, store, bus, DispatchOptions{OfferWindow: time.Hour, Logger: discardLogger()})
	_, err := store.SetOnline(ctx, "d1", true, time.Now())
	require.NoError(t, err)
	job := &models.Job{Source: models.JobSourceApp}
	require.NoError(t, store.Create(ctx, job))
	_, err = first.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)
	first.Shutdown()

	restarted := NewDispatchService(store, store, bus, DispatchOptions{OfferWindow: 50 * time.Millisecond, Logger: discardLogger()})
	defer restarted.Shutdown()

	n, err := restarted.RecoverOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		got, _ := store.GetByID(ctx, job.ID)
		return got.Status == models.JobStatusPending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchExpireOverdueAndCurrentOffer(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	f := newFixture(t, 30*time.Second, clock.Now)
	f.online(t, "d1")
	job := f.createJob(t)

	offer, err := f.dispatch.CurrentOffer(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, offer)

	_, err = f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	offer, err = f.dispatch.CurrentOffer(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, job.ID, offer.Job.ID)
	assert.InDelta(t, 20, offer.RemainingSeconds, 0.01)

	n, err := f.dispatch.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(21 * time.Second)
	n, err = f.dispatch.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.JobStatusPending, f.status(t, job.ID).Status)

	offer, err = f.dispatch.CurrentOffer(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, offer)
}

// acceptBeforeRelease lets the driver accept just before a release lands.
type acceptBeforeRelease struct {
	*repository.MemoryStore
}

func (r *acceptBeforeRelease) Release(ctx context.Context, id, driverID string, dispatchedAt *time.Time, at time.Time) (*models.Job, error) {
	if _, err := r.Accept(ctx, id, driverID, time.Time{}, at); err != nil {
		return nil, err
	}
	return r.MemoryStore.Release(ctx, id, driverID, dispatchedAt, at)
}

func TestDispatchExpireOverdueSkipsResolvedOffer(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &acceptBeforeRelease{MemoryStore: repository.NewMemoryStore()}
	dispatch := NewDispatchService(store, store, events.NewMemoryBus(), DispatchOptions{
		OfferWindow: 30 * time.Second,
		Logger:      discardLogger(),
		Now:         clock.Now,
	})
	defer dispatch.Shutdown()

	_, err := store.SetOnline(ctx, "d1", true, clock.Now())
	require.NoError(t, err)
	job := &models.Job{Source: models.JobSourceApp}
	require.NoError(t, store.Create(ctx, job))
	_, err = dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	n, err := dispatch.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "an offer accepted first is not counted as expired")

	got, err := dispatch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAccepted, got.Status)
}

func TestDispatchOfflineDriverKeepsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1")
	job := f.createJob(t)

	_, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)
	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	require.NoError(t, err)

	_, err = f.presence.SetOnline(ctx, "d1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAccepted, f.status(t, job.ID).Status)

	_, err = f.dispatch.MarkArrived(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, f.eligible(t, "d1"))
}

func TestDriverIDInvariantAcrossLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute, nil)
	f.online(t, "d1")
	job := f.createJob(t)

	check := func() {
		got := f.status(t, job.ID)
		assert.Equal(t, models.HoldsDriver(got.Status), got.DriverID != nil, got.Status)
	}

	check()
	_, err := f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)
	check()
	_, err = f.dispatch.Reject(ctx, job.ID, "d1")
	require.NoError(t, err)
	check()
	_, err = f.dispatch.Assign(ctx, job.ID, "d1")
	require.NoError(t, err)
	_, err = f.dispatch.Accept(ctx, job.ID, "d1")
	require.NoError(t, err)
	check()
	_, err = f.dispatch.Cancel(ctx, job.ID, "")
	require.NoError(t, err)
	check()
}
