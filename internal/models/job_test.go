package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobCanTransitionTo(t *testing.T) {
	tests := []struct {
		from string
		to   string
		want bool
	}{
		{JobStatusPending, JobStatusDispatched, true},
		{JobStatusPending, JobStatusAccepted, false},
		{JobStatusDispatched, JobStatusAccepted, true},
		{JobStatusDispatched, JobStatusPending, true},
		{JobStatusAccepted, JobStatusEnRoute, true},
		{JobStatusAccepted, JobStatusInProgress, false},
		{JobStatusEnRoute, JobStatusInProgress, true},
		{JobStatusInProgress, JobStatusCompleted, true},
		{JobStatusInProgress, JobStatusCancelled, true},
		{JobStatusCompleted, JobStatusCancelled, false},
		{JobStatusCancelled, JobStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			j := &Job{Status: tt.from}
			assert.Equal(t, tt.want, j.CanTransitionTo(tt.to))
		})
	}
}

func TestHoldsDriver(t *testing.T) {
	assert.False(t, HoldsDriver(JobStatusPending))
	assert.False(t, HoldsDriver(JobStatusCancelled))
	for _, s := range []string{JobStatusDispatched, JobStatusAccepted, JobStatusEnRoute, JobStatusInProgress, JobStatusCompleted} {
		assert.True(t, HoldsDriver(s), s)
	}
	assert.False(t, IsActiveStatus(JobStatusCompleted))
}

func TestOfferExpiresAt(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := &Job{Status: JobStatusDispatched, DispatchedAt: &at}

	expires, ok := j.OfferExpiresAt(30 * time.Second)
	assert.True(t, ok)
	assert.Equal(t, at.Add(30*time.Second), expires)

	j.Status = JobStatusAccepted
	_, ok = j.OfferExpiresAt(30 * time.Second)
	assert.False(t, ok)
}

func TestJobToResponse(t *testing.T) {
	driver := "d1"
	j := &Job{
		ID:            "j1",
		Status:        JobStatusDispatched,
		DriverID:      &driver,
		PickupLat:     12.97,
		PickupLng:     77.59,
		PickupAddress: "MG Road",
		Source:        JobSourceManual,
	}

	resp := j.ToResponse()
	assert.Equal(t, "MG Road", resp.Pickup.Address)
	assert.Equal(t, 12.97, resp.Pickup.Lat)
	assert.True(t, j.AssignedTo("d1"))
	assert.False(t, j.AssignedTo("d2"))
}
