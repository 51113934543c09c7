package models

import (
	"time"
)

// Job status constants
const (
	JobStatusPending    = "pending"
	JobStatusDispatched = "dispatched"
	JobStatusAccepted   = "accepted"
	JobStatusEnRoute    = "en_route"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
)

// Job sources
const (
	JobSourceApp    = "app"
	JobSourceManual = "manual"
)

// Valid job state transitions. Release (dispatched -> pending) covers
// reject, timeout and withdraw.
var ValidJobTransitions = map[string][]string{
	JobStatusPending:    {JobStatusDispatched, JobStatusCancelled},
	JobStatusDispatched: {JobStatusAccepted, JobStatusPending, JobStatusCancelled},
	JobStatusAccepted:   {JobStatusEnRoute, JobStatusCancelled},
	JobStatusEnRoute:    {JobStatusInProgress, JobStatusCancelled},
	JobStatusInProgress: {JobStatusCompleted, JobStatusCancelled},
	JobStatusCompleted:  {},
	JobStatusCancelled:  {},
}

// ActiveJobStatuses are the statuses that make the owning driver busy.
var ActiveJobStatuses = []string{
	JobStatusDispatched,
	JobStatusAccepted,
	JobStatusEnRoute,
	JobStatusInProgress,
}

type Location struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" validate:"longitude"`
	Address string  `json:"address,omitempty"`
}

type Job struct {
	ID             string     `db:"id" json:"id"`
	Status         string     `db:"status" json:"status"`
	DriverID       *string    `db:"driver_id" json:"driver_id,omitempty"`
	PickupLat      float64    `db:"pickup_lat" json:"pickup_lat"`
	PickupLng      float64    `db:"pickup_lng" json:"pickup_lng"`
	PickupAddress  string     `db:"pickup_address" json:"pickup_address"`
	DropoffLat     float64    `db:"dropoff_lat" json:"dropoff_lat"`
	DropoffLng     float64    `db:"dropoff_lng" json:"dropoff_lng"`
	DropoffAddress string     `db:"dropoff_address" json:"dropoff_address"`
	Source         string     `db:"source" json:"source"`
	CategoryID     *string    `db:"category_id" json:"category_id,omitempty"`
	DispatchedAt   *time.Time `db:"dispatched_at" json:"dispatched_at,omitempty"`
	AcceptedAt     *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	CancelReason   *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

type CreateJobRequest struct {
	Pickup     Location `json:"pickup" validate:"required"`
	Dropoff    Location `json:"dropoff" validate:"required"`
	Source     string   `json:"source" validate:"required,oneof=app manual"`
	CategoryID string   `json:"category_id,omitempty"`
}

type DriverCommandRequest struct {
	DriverID string `json:"driver_id" validate:"required"`
}

type CancelJobRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type JobResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	DriverID     *string    `json:"driver_id,omitempty"`
	Pickup       Location   `json:"pickup"`
	Dropoff      Location   `json:"dropoff"`
	Source       string     `json:"source"`
	CategoryID   *string    `json:"category_id,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (j *Job) ToResponse() *JobResponse {
	return &JobResponse{
		ID:       j.ID,
		Status:   j.Status,
		DriverID: j.DriverID,
		Pickup: Location{
			Lat:     j.PickupLat,
			Lng:     j.PickupLng,
			Address: j.PickupAddress,
		},
		Dropoff: Location{
			Lat:     j.DropoffLat,
			Lng:     j.DropoffLng,
			Address: j.DropoffAddress,
		},
		Source:       j.Source,
		CategoryID:   j.CategoryID,
		DispatchedAt: j.DispatchedAt,
		AcceptedAt:   j.AcceptedAt,
		CancelReason: j.CancelReason,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// CanTransitionTo checks if a job can transition to a new status
func (j *Job) CanTransitionTo(newStatus string) bool {
	for _, state := range ValidJobTransitions[j.Status] {
		if state == newStatus {
			return true
		}
	}
	return false
}

// HoldsDriver reports whether a job in this status must carry a driver.
func HoldsDriver(status string) bool {
	return IsActiveStatus(status) || status == JobStatusCompleted
}

// IsActiveStatus reports whether a job in this status keeps its driver busy.
func IsActiveStatus(status string) bool {
	for _, s := range ActiveJobStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// AssignedTo reports whether the job currently names driverID.
func (j *Job) AssignedTo(driverID string) bool {
	return j.DriverID != nil && *j.DriverID == driverID
}

// OfferExpiresAt returns when the outstanding offer lapses. ok is false when
// the job has no outstanding offer.
func (j *Job) OfferExpiresAt(window time.Duration) (time.Time, bool) {
	if j.Status != JobStatusDispatched || j.DispatchedAt == nil {
		return time.Time{}, false
	}
	return j.DispatchedAt.Add(window), true
}

func IsValidJobStatus(status string) bool {
	_, ok := ValidJobTransitions[status]
	return ok
}
