package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/internal/events"
	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/observability"
	"github.com/aditya/tow-dispatch/internal/repository"
)

const (
	defaultOfferWindow = 30 * time.Second
	maxCancelAttempts  = 3
)

// DispatchService drives the job state machine. Every write is a single
// conditional update; when it matches no row the job is re-read to explain
// why.
type DispatchService interface {
	CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter repository.JobFilter) ([]*models.Job, error)

	Assign(ctx context.Context, jobID, driverID string) (*models.Job, error)
	Accept(ctx context.Context, jobID, driverID string) (*models.Job, error)
	Reject(ctx context.Context, jobID, driverID string) (*models.Job, error)
	Withdraw(ctx context.Context, jobID string) (*models.Job, error)
	MarkArrived(ctx context.Context, jobID string) (*models.Job, error)
	StartTow(ctx context.Context, jobID string) (*models.Job, error)
	Complete(ctx context.Context, jobID string) (*models.Job, error)
	Cancel(ctx context.Context, jobID, reason string) (*models.Job, error)

	// CurrentOffer returns the driver's outstanding offer or nil.
	CurrentOffer(ctx context.Context, driverID string) (*models.OfferResponse, error)

	// RecoverOffers re-arms timers for every dispatched job.
	RecoverOffers(ctx context.Context) (int, error)
	// ExpireOverdue releases every dispatched job whose window has passed.
	ExpireOverdue(ctx context.Context) (int, error)
	RunSweeper(ctx context.Context, interval time.Duration)
	Shutdown()
}

type DispatchOptions struct {
	OfferWindow time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

type dispatchService struct {
	jobs     repository.JobRepository
	presence repository.PresenceRepository
	bus      events.Publisher
	timer    *OfferTimer
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatchService(
	jobs repository.JobRepository,
	presence repository.PresenceRepository,
	bus events.Publisher,
	opts DispatchOptions,
) DispatchService {
	if opts.OfferWindow <= 0 {
		opts.OfferWindow = defaultOfferWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &dispatchService{
		jobs:     jobs,
		presence: presence,
		bus:      bus,
		window:   opts.OfferWindow,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	s.timer = NewOfferTimer(opts.OfferWindow, func(ctx context.Context, jobID, driverID string, dispatchedAt time.Time) {
		s.expireOffer(ctx, jobID, driverID, dispatchedAt)
	}, opts.Logger)
	s.timer.now = opts.Now
	return s
}

func (s *dispatchService) CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.Job, error) {
	job := &models.Job{
		PickupLat:      req.Pickup.Lat,
		PickupLng:      req.Pickup.Lng,
		PickupAddress:  req.Pickup.Address,
		DropoffLat:     req.Dropoff.Lat,
		DropoffLng:     req.Dropoff.Lng,
		DropoffAddress: req.Dropoff.Address,
		Source:         req.Source,
	}
	if req.CategoryID != "" {
		category := req.CategoryID
		job.CategoryID = &category
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	observability.JobTransitions.WithLabelValues(models.JobStatusPending).Inc()
	s.publish(ctx, events.JobEvent{
		Type:   events.JobStatusChanged,
		JobID:  job.ID,
		Status: job.Status,
		Job:    job.ToResponse(),
	})
	s.logger.Info("job created", slog.String("job_id", job.ID), slog.String("source", job.Source))
	return job, nil
}

func (s *dispatchService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobNotFound(jobID)
	}
	return job, nil
}

func (s *dispatchService) ListJobs(ctx context.Context, filter repository.JobFilter) ([]*models.Job, error) {
	return s.jobs.List(ctx, filter)
}

func (s *dispatchService) Assign(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobNotFound(jobID)
	}
	presence, err := s.presence.GetPresence(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if presence == nil {
		return nil, fmt.Errorf("%w: driver %s", apperrors.ErrNotFound, driverID)
	}
	if job.Status != models.JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", apperrors.ErrInvalidState, jobID, job.Status)
	}
	if !presence.IsOnline {
		return nil, fmt.Errorf("%w: driver %s is offline", apperrors.ErrDriverUnavailable, driverID)
	}
	active, err := s.jobs.CountActiveByDriverID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, fmt.Errorf("%w: driver %s already holds an active job", apperrors.ErrDriverUnavailable, driverID)
	}

	now := s.clock()
	updated, err := s.jobs.Dispatch(ctx, jobID, driverID, now)
	switch {
	case errors.Is(err, repository.ErrDriverBusy):
		return nil, fmt.Errorf("%w: driver %s already holds an active job", apperrors.ErrDriverUnavailable, driverID)
	case errors.Is(err, repository.ErrStaleWrite):
		observability.StaleWrites.WithLabelValues("assign").Inc()
		return nil, s.explainAssign(ctx, jobID, driverID)
	case err != nil:
		return nil, err
	}

	s.timer.Arm(jobID, driverID, now)

	expiresAt := now.Add(s.window)
	observability.OfferOutcomes.WithLabelValues("offered").Inc()
	observability.JobTransitions.WithLabelValues(models.JobStatusDispatched).Inc()
	s.publish(ctx, events.JobEvent{
		Type:      events.JobOffered,
		JobID:     jobID,
		Status:    updated.Status,
		DriverID:  driverID,
		ExpiresAt: &expiresAt,
		Job:       updated.ToResponse(),
	})
	s.logger.Info("job offered",
		slog.String("job_id", jobID),
		slog.String("driver_id", driverID),
		slog.Time("expires_at", expiresAt),
	)
	return updated, nil
}

func (s *dispatchService) explainAssign(ctx context.Context, jobID, driverID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return jobNotFound(jobID)
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: job %s is %s", apperrors.ErrInvalidState, jobID, job.Status)
	}
	return fmt.Errorf("%w: driver %s is offline or busy", apperrors.ErrDriverUnavailable, driverID)
}

func (s *dispatchService) Accept(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	now := s.clock()
	updated, err := s.jobs.Accept(ctx, jobID, driverID, now.Add(-s.window), now)
	if errors.Is(err, repository.ErrStaleWrite) {
		observability.StaleWrites.WithLabelValues("accept").Inc()
		return nil, s.explainOffer(ctx, jobID, driverID)
	}
	if err != nil {
		return nil, err
	}

	s.timer.Cancel(jobID)

	observability.OfferOutcomes.WithLabelValues("accepted").Inc()
	observability.JobTransitions.WithLabelValues(models.JobStatusAccepted).Inc()
	s.publish(ctx, events.JobEvent{
		Type:     events.JobAccepted,
		JobID:    jobID,
		Status:   updated.Status,
		DriverID: driverID,
		Job:      updated.ToResponse(),
	})
	s.logger.Info("offer accepted", slog.String("job_id", jobID), slog.String("driver_id", driverID))
	return updated, nil
}

func (s *dispatchService) Reject(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	updated, err := s.jobs.Release(ctx, jobID, driverID, nil, s.clock())
	if errors.Is(err, repository.ErrStaleWrite) {
		observability.StaleWrites.WithLabelValues("reject").Inc()
		return nil, s.explainOffer(ctx, jobID, driverID)
	}
	if err != nil {
		return nil, err
	}

	s.timer.Cancel(jobID)
	s.released(ctx, updated, driverID, events.ReasonRejected)
	return updated, nil
}

// explainOffer classifies a failed accept or reject. A job that was never
// offered is in the wrong state; any other job means the caller no longer
// holds the offer.
func (s *dispatchService) explainOffer(ctx context.Context, jobID, driverID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return jobNotFound(jobID)
	}
	if job.Status == models.JobStatusPending && job.DispatchedAt == nil {
		return fmt.Errorf("%w: job %s has not been offered", apperrors.ErrInvalidState, jobID)
	}
	return fmt.Errorf("%w: job %s is not offered to driver %s", apperrors.ErrOfferExpired, jobID, driverID)
}

func (s *dispatchService) Withdraw(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobNotFound(jobID)
	}
	if job.Status != models.JobStatusDispatched || job.DriverID == nil {
		return nil, fmt.Errorf("%w: job %s is %s", apperrors.ErrInvalidState, jobID, job.Status)
	}
	driverID := *job.DriverID

	updated, err := s.jobs.Release(ctx, jobID, driverID, job.DispatchedAt, s.clock())
	if errors.Is(err, repository.ErrStaleWrite) {
		observability.StaleWrites.WithLabelValues("withdraw").Inc()
		return nil, s.explainTransition(ctx, jobID, models.JobStatusDispatched)
	}
	if err != nil {
		return nil, err
	}

	s.timer.Cancel(jobID)
	s.released(ctx, updated, driverID, events.ReasonWithdrawn)
	return updated, nil
}

// expireOffer is the timer and sweeper callback and reports whether it
// released the job. A release that matches no row means the offer was already
// resolved, which is the normal outcome of losing a race with accept, reject,
// withdraw or cancel.
func (s *dispatchService) expireOffer(ctx context.Context, jobID, driverID string, dispatchedAt time.Time) bool {
	updated, err := s.jobs.Release(ctx, jobID, driverID, &dispatchedAt, s.clock())
	if errors.Is(err, repository.ErrStaleWrite) {
		s.logger.Debug("offer already resolved",
			slog.String("job_id", jobID),
			slog.String("driver_id", driverID),
		)
		return false
	}
	if err != nil {
		s.logger.Error("offer expiry failed",
			slog.String("job_id", jobID),
			slog.String("driver_id", driverID),
			slog.Any("error", err),
		)
		return false
	}
	s.released(ctx, updated, driverID, events.ReasonTimeout)
	return true
}

func (s *dispatchService) released(ctx context.Context, job *models.Job, driverID, reason string) {
	observability.OfferOutcomes.WithLabelValues(reason).Inc()
	observability.JobTransitions.WithLabelValues(models.JobStatusPending).Inc()
	s.publish(ctx, events.JobEvent{
		Type:             events.JobReleased,
		JobID:            job.ID,
		Status:           job.Status,
		PreviousDriverID: driverID,
		Reason:           reason,
		Job:              job.ToResponse(),
	})
	s.logger.Info("offer released",
		slog.String("job_id", job.ID),
		slog.String("driver_id", driverID),
		slog.String("reason", reason),
	)
}

func (s *dispatchService) MarkArrived(ctx context.Context, jobID string) (*models.Job, error) {
	return s.advance(ctx, jobID, models.JobStatusAccepted, models.JobStatusEnRoute)
}

func (s *dispatchService) StartTow(ctx context.Context, jobID string) (*models.Job, error) {
	return s.advance(ctx, jobID, models.JobStatusEnRoute, models.JobStatusInProgress)
}

func (s *dispatchService) Complete(ctx context.Context, jobID string) (*models.Job, error) {
	return s.advance(ctx, jobID, models.JobStatusInProgress, models.JobStatusCompleted)
}

func (s *dispatchService) advance(ctx context.Context, jobID, from, to string) (*models.Job, error) {
	updated, err := s.jobs.Advance(ctx, jobID, from, to, s.clock())
	if errors.Is(err, repository.ErrStaleWrite) {
		observability.StaleWrites.WithLabelValues("advance").Inc()
		return nil, s.explainTransition(ctx, jobID, from)
	}
	if err != nil {
		return nil, err
	}

	observability.JobTransitions.WithLabelValues(to).Inc()
	evt := events.JobEvent{
		Type:   events.JobStatusChanged,
		JobID:  jobID,
		Status: to,
		Job:    updated.ToResponse(),
	}
	if updated.DriverID != nil {
		evt.DriverID = *updated.DriverID
	}
	s.publish(ctx, evt)
	s.logger.Info("job status changed",
		slog.String("job_id", jobID),
		slog.String("from", from),
		slog.String("to", to),
	)
	return updated, nil
}

func (s *dispatchService) explainTransition(ctx context.Context, jobID, expected string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return jobNotFound(jobID)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s", apperrors.ErrInvalidState, jobID, job.Status, expected)
}

func (s *dispatchService) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		job, err := s.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, jobNotFound(jobID)
		}
		if !job.CanTransitionTo(models.JobStatusCancelled) {
			return nil, fmt.Errorf("%w: job %s is already %s", apperrors.ErrInvalidState, jobID, job.Status)
		}

		// The driver read here must still hold the job, or the event would
		// name the wrong driver.
		updated, err := s.jobs.Cancel(ctx, jobID, job.Status, job.DriverID, reason, s.clock())
		if errors.Is(err, repository.ErrStaleWrite) {
			observability.StaleWrites.WithLabelValues("cancel").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		if job.Status == models.JobStatusDispatched {
			s.timer.Cancel(jobID)
		}

		evt := events.JobEvent{
			Type:   events.JobStatusChanged,
			JobID:  jobID,
			Status: updated.Status,
			Reason: reason,
			Job:    updated.ToResponse(),
		}
		if job.DriverID != nil {
			evt.PreviousDriverID = *job.DriverID
		}
		observability.JobTransitions.WithLabelValues(models.JobStatusCancelled).Inc()
		s.publish(ctx, evt)
		s.logger.Info("job cancelled",
			slog.String("job_id", jobID),
			slog.String("from", job.Status),
			slog.String("reason", reason),
		)
		return updated, nil
	}
	return nil, fmt.Errorf("%w: job %s kept changing, retry the cancel", apperrors.ErrInvalidState, jobID)
}

func (s *dispatchService) CurrentOffer(ctx context.Context, driverID string) (*models.OfferResponse, error) {
	job, err := s.jobs.GetActiveByDriverID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	expiresAt, ok := job.OfferExpiresAt(s.window)
	if !ok {
		return nil, nil
	}

	remaining := expiresAt.Sub(s.clock()).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	return &models.OfferResponse{
		Job:              job.ToResponse(),
		ExpiresAt:        expiresAt,
		RemainingSeconds: remaining,
	}, nil
}

func (s *dispatchService) RecoverOffers(ctx context.Context) (int, error) {
	jobs, err := s.jobs.List(ctx, repository.JobFilter{Status: models.JobStatusDispatched})
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, job := range jobs {
		if job.DriverID == nil || job.DispatchedAt == nil {
			continue
		}
		s.timer.Arm(job.ID, *job.DriverID, *job.DispatchedAt)
		armed++
	}
	return armed, nil
}

func (s *dispatchService) ExpireOverdue(ctx context.Context) (int, error) {
	jobs, err := s.jobs.List(ctx, repository.JobFilter{Status: models.JobStatusDispatched})
	if err != nil {
		return 0, err
	}
	now := s.clock()
	expired := 0
	for _, job := range jobs {
		expiresAt, ok := job.OfferExpiresAt(s.window)
		if !ok || job.DriverID == nil || now.Before(expiresAt) {
			continue
		}
		if s.expireOffer(ctx, job.ID, *job.DriverID, *job.DispatchedAt) {
			expired++
		}
	}
	return expired, nil
}

func (s *dispatchService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireOverdue(ctx)
			if err != nil {
				s.logger.Warn("offer sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.Info("offer sweep released overdue offers", slog.Int("count", n))
			}
		}
	}
}

func (s *dispatchService) Shutdown() {
	s.timer.Stop()
}

func (s *dispatchService) publish(ctx context.Context, evt events.JobEvent) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.clock()
	}
	if err := s.bus.PublishJob(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("publish job event failed",
			slog.String("job_id", evt.JobID),
			slog.String("type", evt.Type),
			slog.Any("error", err),
		)
	}
}

func (s *dispatchService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func jobNotFound(jobID string) error {
	return fmt.Errorf("%w: job %s", apperrors.ErrNotFound, jobID)
}
