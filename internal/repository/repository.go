package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aditya/tow-dispatch/internal/models"
)

var (
	// ErrStaleWrite is returned when a conditional update matched no row:
	// the row changed (or vanished) since the caller last read it.
	ErrStaleWrite = errors.New("conditional update matched no row")

	// ErrDriverBusy is returned when the store refuses a second active job
	// for the same driver.
	ErrDriverBusy = errors.New("driver already holds an active job")
)

type JobFilter struct {
	Status   string
	DriverID string
	Limit    int
}

// JobCounts is the aggregate view other drivers are allowed to see.
type JobCounts struct {
	Pending     int `db:"pending" json:"pending_jobs"`
	BusyDrivers int `db:"busy_drivers" json:"busy_drivers"`
}

// JobRepository mutates jobs only through single-row conditional updates.
// Every mutating method returns the row as written, or ErrStaleWrite when
// the expected prior state no longer holds.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	GetActiveByDriverID(ctx context.Context, driverID string) (*models.Job, error)
	CountActiveByDriverID(ctx context.Context, driverID string) (int, error)
	Counts(ctx context.Context) (JobCounts, error)

	// Dispatch moves a pending job to dispatched for driverID, provided the
	// driver is online and owns no active job, in one write.
	Dispatch(ctx context.Context, id, driverID string, at time.Time) (*models.Job, error)
	// Accept moves a dispatched job owned by driverID to accepted, provided
	// the offer was made after offeredAfter.
	Accept(ctx context.Context, id, driverID string, offeredAfter, at time.Time) (*models.Job, error)
	// Release returns a dispatched job owned by driverID to pending. When
	// dispatchedAt is set the write also requires that exact offer.
	Release(ctx context.Context, id, driverID string, dispatchedAt *time.Time, at time.Time) (*models.Job, error)
	// Advance moves a job from one in-flight status to the next.
	Advance(ctx context.Context, id, from, to string, at time.Time) (*models.Job, error)
	// Cancel moves a job from status from, held by driverID (nil for none),
	// to cancelled and clears its driver.
	Cancel(ctx context.Context, id, from string, driverID *string, reason string, at time.Time) (*models.Job, error)
}

type PresenceRepository interface {
	GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	SetOnline(ctx context.Context, driverID string, online bool, at time.Time) (*models.DriverPresence, error)
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64, at time.Time) (*models.DriverPresence, error)
	ListOnline(ctx context.Context) ([]*models.DriverPresence, error)
	CountOnline(ctx context.Context) (int, error)
}
