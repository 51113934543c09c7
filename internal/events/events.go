package events

import (
	"context"
	"time"

	"github.com/aditya/tow-dispatch/internal/models"
)

// Job event types
const (
	JobOffered       = "job.offered"
	JobAccepted      = "job.accepted"
	JobReleased      = "job.released"
	JobStatusChanged = "job.status_changed"
)

const PresenceChanged = "presence.changed"

// Release reasons
const (
	ReasonRejected  = "rejected"
	ReasonTimeout   = "timeout"
	ReasonWithdrawn = "withdrawn"
)

// Redis channels, one per concern.
const (
	ChannelJobs     = "dispatch:jobs"
	ChannelPresence = "dispatch:presence"
)

// JobEvent is published after every committed job write. PreviousDriverID
// names the driver who lost the job on a release or cancel.
type JobEvent struct {
	Type             string              `json:"type"`
	JobID            string              `json:"job_id"`
	Status           string              `json:"status"`
	DriverID         string              `json:"driver_id,omitempty"`
	PreviousDriverID string              `json:"previous_driver_id,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	ExpiresAt        *time.Time          `json:"expires_at,omitempty"`
	Job              *models.JobResponse `json:"job,omitempty"`
	OccurredAt       time.Time           `json:"occurred_at"`
}

// Concerns reports whether driverID is the driver the event is about.
func (e JobEvent) Concerns(driverID string) bool {
	return driverID != "" && (e.DriverID == driverID || e.PreviousDriverID == driverID)
}

type PresenceEvent struct {
	Type       string    `json:"type"`
	DriverID   string    `json:"driver_id"`
	IsOnline   bool      `json:"is_online"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	PublishJob(ctx context.Context, evt JobEvent) error
	PublishPresence(ctx context.Context, evt PresenceEvent) error
}

// Subscriber channels are closed once ctx is done.
type Subscriber interface {
	SubscribeJobs(ctx context.Context) (<-chan JobEvent, error)
	SubscribePresence(ctx context.Context) (<-chan PresenceEvent, error)
}

type Bus interface {
	Publisher
	Subscriber
}
