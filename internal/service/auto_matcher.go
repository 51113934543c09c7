package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aditya/tow-dispatch/internal/cache"
	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/internal/events"
	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/observability"
	"github.com/aditya/tow-dispatch/internal/repository"
)

const maxCandidates = 20

type AutoMatcherConfig struct {
	Interval   time.Duration
	BatchSize  int
	RadiusKM   float64
	DeclineTTL time.Duration
}

type Candidate struct {
	DriverID   string
	DistanceKM float64
}

// AutoMatcher offers pending jobs to the nearest driver that has not just
// turned the same job down. It goes through Assign like a dispatcher would.
type AutoMatcher struct {
	dispatch    DispatchService
	jobs        repository.JobRepository
	presence    repository.PresenceRepository
	driverCache cache.DriverLocationCache
	cfg         AutoMatcherConfig
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	declines map[string]map[string]time.Time // job -> driver -> until
}

// NewAutoMatcher builds a matcher. driverCache may be nil, in which case
// candidates come from the presence table.
func NewAutoMatcher(
	dispatch DispatchService,
	jobs repository.JobRepository,
	presence repository.PresenceRepository,
	driverCache cache.DriverLocationCache,
	cfg AutoMatcherConfig,
	logger *slog.Logger,
) *AutoMatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoMatcher{
		dispatch:    dispatch,
		jobs:        jobs,
		presence:    presence,
		driverCache: driverCache,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "auto_matcher")),
		now:         time.Now,
		declines:    make(map[string]map[string]time.Time),
	}
}

// Run polls until ctx is done. Releases seen on the bus feed the decline
// memory so a driver is not offered the same job again straight away.
func (m *AutoMatcher) Run(ctx context.Context, bus events.Subscriber) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		err := m.consume(ctx, bus, ticker.C)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		m.logger.Warn("job event stream interrupted, resubscribing")
	}
}

// consume returns nil when ctx is done or the bus closes the subscription.
func (m *AutoMatcher) consume(ctx context.Context, bus events.Subscriber, tick <-chan time.Time) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobEvents, err := bus.SubscribeJobs(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-jobEvents:
			if !ok {
				return nil
			}
			m.observe(evt)
		case <-tick:
			m.drain(jobEvents)
			if _, err := m.MatchOnce(ctx); err != nil {
				m.logger.Warn("match pass failed", slog.Any("error", err))
			}
		}
	}
}

// drain absorbs releases already queued so the pass that follows sees them.
func (m *AutoMatcher) drain(jobEvents <-chan events.JobEvent) {
	for {
		select {
		case evt, ok := <-jobEvents:
			if !ok {
				return
			}
			m.observe(evt)
		default:
			return
		}
	}
}

func (m *AutoMatcher) observe(evt events.JobEvent) {
	if evt.Type != events.JobReleased || evt.PreviousDriverID == "" {
		return
	}
	if evt.Reason == events.ReasonRejected || evt.Reason == events.ReasonTimeout {
		m.RecordDecline(evt.JobID, evt.PreviousDriverID)
	}
}

func (m *AutoMatcher) RecordDecline(jobID, driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drivers, ok := m.declines[jobID]
	if !ok {
		drivers = make(map[string]time.Time)
		m.declines[jobID] = drivers
	}
	drivers[driverID] = m.now().Add(m.cfg.DeclineTTL)
}

func (m *AutoMatcher) declined(jobID, driverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.declines[jobID][driverID]
	return ok && m.now().Before(until)
}

func (m *AutoMatcher) pruneDeclines() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for jobID, drivers := range m.declines {
		for driverID, until := range drivers {
			if !now.Before(until) {
				delete(drivers, driverID)
			}
		}
		if len(drivers) == 0 {
			delete(m.declines, jobID)
		}
	}
}

// MatchOnce makes one pass over the oldest pending jobs and returns how many
// were offered.
func (m *AutoMatcher) MatchOnce(ctx context.Context) (int, error) {
	m.pruneDeclines()

	pending, err := m.jobs.List(ctx, repository.JobFilter{
		Status: models.JobStatusPending,
		Limit:  m.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	offered := 0
	for _, job := range pending {
		if ctx.Err() != nil {
			return offered, ctx.Err()
		}
		if m.offer(ctx, job) {
			offered++
		}
	}
	return offered, nil
}

func (m *AutoMatcher) offer(ctx context.Context, job *models.Job) bool {
	candidates, err := m.Candidates(ctx, job.PickupLat, job.PickupLng)
	if err != nil {
		m.logger.Warn("candidate lookup failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return false
	}

	for _, c := range candidates {
		if m.declined(job.ID, c.DriverID) {
			continue
		}
		_, err := m.dispatch.Assign(ctx, job.ID, c.DriverID)
		switch {
		case err == nil:
			observability.AutoMatchAttempts.WithLabelValues("offered").Inc()
			m.logger.Info("auto-matched job",
				slog.String("job_id", job.ID),
				slog.String("driver_id", c.DriverID),
				slog.Float64("distance_km", c.DistanceKM),
			)
			return true
		case errors.Is(err, apperrors.ErrDriverUnavailable):
			observability.AutoMatchAttempts.WithLabelValues("driver_unavailable").Inc()
			continue
		case errors.Is(err, apperrors.ErrInvalidState), errors.Is(err, apperrors.ErrNotFound):
			// Job moved on underneath us.
			observability.AutoMatchAttempts.WithLabelValues("job_changed").Inc()
			return false
		default:
			observability.AutoMatchAttempts.WithLabelValues("error").Inc()
			m.logger.Warn("auto-assign failed",
				slog.String("job_id", job.ID),
				slog.String("driver_id", c.DriverID),
				slog.Any("error", err),
			)
			return false
		}
	}
	observability.AutoMatchAttempts.WithLabelValues("no_candidate").Inc()
	return false
}

// Candidates lists online drivers near a point, nearest first. The Redis GEO
// set is tried first; the presence table is the fallback.
func (m *AutoMatcher) Candidates(ctx context.Context, lat, lng float64) ([]Candidate, error) {
	if m.driverCache != nil {
		nearby, err := m.driverCache.GetNearbyDrivers(ctx, lat, lng, m.cfg.RadiusKM, maxCandidates)
		if err != nil {
			m.logger.Debug("geo cache lookup failed, using presence table", slog.Any("error", err))
		} else if len(nearby) > 0 {
			out := make([]Candidate, 0, len(nearby))
			for _, d := range nearby {
				out = append(out, Candidate{DriverID: d.DriverID, DistanceKM: d.Distance})
			}
			return out, nil
		}
	}

	online, err := m.presence.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(online))
	for _, p := range online {
		if !p.HasLocation() {
			continue
		}
		km := haversineMeters(lat, lng, *p.LastLat, *p.LastLng) / 1000
		if km > m.cfg.RadiusKM {
			continue
		}
		out = append(out, Candidate{DriverID: p.DriverID, DistanceKM: km})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKM == out[j].DistanceKM {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceKM < out[j].DistanceKM
	})
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out, nil
}
