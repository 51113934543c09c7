package models

import (
	"time"
)

// DriverPresence is one row per driver, upserted on every online toggle or
// accepted location ping. Busy is derived from the job table, never stored.
type DriverPresence struct {
	DriverID          string     `db:"driver_id" json:"driver_id"`
	IsOnline          bool       `db:"is_online" json:"is_online"`
	LastLat           *float64   `db:"last_lat" json:"last_lat,omitempty"`
	LastLng           *float64   `db:"last_lng" json:"last_lng,omitempty"`
	LocationUpdatedAt *time.Time `db:"location_updated_at" json:"location_updated_at,omitempty"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

type UpdateLocationRequest struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

type PresenceResponse struct {
	DriverID  string    `json:"driver_id"`
	IsOnline  bool      `json:"is_online"`
	IsBusy    bool      `json:"is_busy"`
	Eligible  bool      `json:"eligible"`
	LastLat   *float64  `json:"last_lat,omitempty"`
	LastLng   *float64  `json:"last_lng,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OfferResponse describes the driver's outstanding offer, if any.
type OfferResponse struct {
	Job              *JobResponse `json:"job"`
	ExpiresAt        time.Time    `json:"expires_at"`
	RemainingSeconds float64      `json:"remaining_seconds"`
}

// HasLocation reports whether a last known location is stored.
func (p *DriverPresence) HasLocation() bool {
	return p.LastLat != nil && p.LastLng != nil
}

func (p *DriverPresence) ToResponse(busy bool) *PresenceResponse {
	return &PresenceResponse{
		DriverID:  p.DriverID,
		IsOnline:  p.IsOnline,
		IsBusy:    busy,
		Eligible:  p.IsOnline && !busy,
		LastLat:   p.LastLat,
		LastLng:   p.LastLng,
		UpdatedAt: p.UpdatedAt,
	}
}

// FleetSnapshot is the aggregate other drivers see instead of job detail.
type FleetSnapshot struct {
	OnlineDrivers int       `json:"online_drivers"`
	BusyDrivers   int       `json:"busy_drivers"`
	PendingJobs   int       `json:"pending_jobs"`
	At            time.Time `json:"at"`
}
