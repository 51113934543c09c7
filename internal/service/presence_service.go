package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aditya/tow-dispatch/internal/cache"
	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/internal/events"
	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/observability"
	"github.com/aditya/tow-dispatch/internal/repository"
)

const defaultMinDisplacementM = 25.0

type PresenceService interface {
	SetOnline(ctx context.Context, driverID string, online bool) (*models.PresenceResponse, error)
	// UpdateLocation reports whether the ping moved the stored location.
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64) (bool, error)
	// IsEligible is true when the driver is online and holds no active job.
	IsEligible(ctx context.Context, driverID string) (bool, error)
	Get(ctx context.Context, driverID string) (*models.PresenceResponse, error)
	Snapshot(ctx context.Context) (*models.FleetSnapshot, error)
}

type PresenceOptions struct {
	MinDisplacementM float64
	Logger           *slog.Logger
	Now              func() time.Time
}

type presenceService struct {
	presence        repository.PresenceRepository
	jobs            repository.JobRepository
	driverCache     cache.DriverLocationCache
	bus             events.Publisher
	minDisplacement float64
	logger          *slog.Logger
	now             func() time.Time
}

// NewPresenceService builds the tracker. driverCache may be nil.
func NewPresenceService(
	presence repository.PresenceRepository,
	jobs repository.JobRepository,
	driverCache cache.DriverLocationCache,
	bus events.Publisher,
	opts PresenceOptions,
) PresenceService {
	if opts.MinDisplacementM <= 0 {
		opts.MinDisplacementM = defaultMinDisplacementM
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &presenceService{
		presence:        presence,
		jobs:            jobs,
		driverCache:     driverCache,
		bus:             bus,
		minDisplacement: opts.MinDisplacementM,
		logger:          opts.Logger,
		now:             opts.Now,
	}
}

func (s *presenceService) SetOnline(ctx context.Context, driverID string, online bool) (*models.PresenceResponse, error) {
	p, err := s.presence.SetOnline(ctx, driverID, online, s.clock())
	if err != nil {
		return nil, err
	}

	if n, err := s.presence.CountOnline(ctx); err == nil {
		observability.DriversOnline.Set(float64(n))
	}
	s.mirror(ctx, p)
	s.publish(ctx, p)

	s.logger.Info("driver presence changed",
		slog.String("driver_id", driverID),
		slog.Bool("online", online),
	)

	busy, err := s.isBusy(ctx, driverID)
	if err != nil {
		return nil, err
	}
	return p.ToResponse(busy), nil
}

func (s *presenceService) UpdateLocation(ctx context.Context, driverID string, lat, lng float64) (bool, error) {
	if !validCoordinates(lat, lng) {
		return false, fmt.Errorf("%w: coordinates out of range", apperrors.ErrBadRequest)
	}

	current, err := s.presence.GetPresence(ctx, driverID)
	if err != nil {
		return false, err
	}
	if current != nil && current.HasLocation() {
		moved := haversineMeters(*current.LastLat, *current.LastLng, lat, lng)
		if moved <= s.minDisplacement {
			return false, nil
		}
	}

	p, err := s.presence.UpdateLocation(ctx, driverID, lat, lng, s.clock())
	if err != nil {
		return false, err
	}
	s.mirror(ctx, p)
	s.publish(ctx, p)
	return true, nil
}

func (s *presenceService) IsEligible(ctx context.Context, driverID string) (bool, error) {
	p, err := s.presence.GetPresence(ctx, driverID)
	if err != nil {
		return false, err
	}
	if p == nil || !p.IsOnline {
		return false, nil
	}
	busy, err := s.isBusy(ctx, driverID)
	if err != nil {
		return false, err
	}
	return !busy, nil
}

func (s *presenceService) Get(ctx context.Context, driverID string) (*models.PresenceResponse, error) {
	p, err := s.presence.GetPresence(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: driver %s has no presence", apperrors.ErrNotFound, driverID)
	}
	busy, err := s.isBusy(ctx, driverID)
	if err != nil {
		return nil, err
	}
	return p.ToResponse(busy), nil
}

func (s *presenceService) Snapshot(ctx context.Context) (*models.FleetSnapshot, error) {
	online, err := s.presence.CountOnline(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.jobs.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &models.FleetSnapshot{
		OnlineDrivers: online,
		BusyDrivers:   counts.BusyDrivers,
		PendingJobs:   counts.Pending,
		At:            s.clock(),
	}, nil
}

func (s *presenceService) isBusy(ctx context.Context, driverID string) (bool, error) {
	n, err := s.jobs.CountActiveByDriverID(ctx, driverID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// mirror pushes presence into the location cache. Failures only cost the
// auto-matcher its fast path.
func (s *presenceService) mirror(ctx context.Context, p *models.DriverPresence) {
	if s.driverCache == nil {
		return
	}
	var err error
	switch {
	case !p.IsOnline:
		err = s.driverCache.RemoveDriver(ctx, p.DriverID)
	case p.HasLocation():
		if err = s.driverCache.SetOnline(ctx, p.DriverID, true); err == nil {
			err = s.driverCache.UpdateLocation(ctx, p.DriverID, *p.LastLat, *p.LastLng)
		}
	default:
		err = s.driverCache.SetOnline(ctx, p.DriverID, true)
	}
	if err != nil {
		s.logger.Warn("location cache update failed",
			slog.String("driver_id", p.DriverID),
			slog.Any("error", err),
		)
	}
}

func (s *presenceService) publish(ctx context.Context, p *models.DriverPresence) {
	evt := events.PresenceEvent{
		Type:       events.PresenceChanged,
		DriverID:   p.DriverID,
		IsOnline:   p.IsOnline,
		Lat:        p.LastLat,
		Lng:        p.LastLng,
		OccurredAt: p.UpdatedAt,
	}
	if err := s.bus.PublishPresence(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("publish presence event failed",
			slog.String("driver_id", p.DriverID),
			slog.Any("error", err),
		)
	}
}

func (s *presenceService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
