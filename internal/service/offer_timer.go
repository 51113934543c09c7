package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aditya/tow-dispatch/internal/observability"
)

const expireTimeout = 5 * time.Second

// ExpireFunc releases an offer if it is still the one identified by
// (jobID, driverID, dispatchedAt).
type ExpireFunc func(ctx context.Context, jobID, driverID string, dispatchedAt time.Time)

type armedOffer struct {
	timer        *time.Timer
	driverID     string
	dispatchedAt time.Time
}

// OfferTimer owns one pending expiry per job. Timers only ask for an expiry;
// the conditional release decides whether anything happens, so a timer that
// fires late or twice is harmless.
type OfferTimer struct {
	window time.Duration
	expire ExpireFunc
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	offers  map[string]*armedOffer
	stopped bool
	wg      sync.WaitGroup
}

func NewOfferTimer(window time.Duration, expire ExpireFunc, logger *slog.Logger) *OfferTimer {
	return &OfferTimer{
		window: window,
		expire: expire,
		logger: logger,
		now:    time.Now,
		offers: make(map[string]*armedOffer),
	}
}

// Arm schedules expiry at dispatchedAt + window, replacing any timer already
// armed for the job. Deadlines already in the past fire immediately.
func (t *OfferTimer) Arm(jobID, driverID string, dispatchedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if prev, ok := t.offers[jobID]; ok {
		prev.timer.Stop()
		delete(t.offers, jobID)
		observability.ArmedTimers.Dec()
	}

	delay := dispatchedAt.Add(t.window).Sub(t.now())
	if delay < 0 {
		delay = 0
	}

	offer := &armedOffer{driverID: driverID, dispatchedAt: dispatchedAt}
	offer.timer = time.AfterFunc(delay, func() { t.fire(jobID, offer) })
	t.offers[jobID] = offer
	observability.ArmedTimers.Inc()
}

// Cancel stops the job's timer if one is armed. It is advisory: a timer that
// already fired still goes through the conditional release.
func (t *OfferTimer) Cancel(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offer, ok := t.offers[jobID]; ok {
		offer.timer.Stop()
		delete(t.offers, jobID)
		observability.ArmedTimers.Dec()
	}
}

// Armed reports whether a timer is pending for the job.
func (t *OfferTimer) Armed(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.offers[jobID]
	return ok
}

// Stop cancels every pending timer and waits for in-flight expiries.
func (t *OfferTimer) Stop() {
	t.mu.Lock()
	t.stopped = true
	for jobID, offer := range t.offers {
		offer.timer.Stop()
		delete(t.offers, jobID)
		observability.ArmedTimers.Dec()
	}
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *OfferTimer) fire(jobID string, offer *armedOffer) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if cur, ok := t.offers[jobID]; ok && cur == offer {
		delete(t.offers, jobID)
		observability.ArmedTimers.Dec()
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	t.logger.Debug("offer timer fired",
		slog.String("job_id", jobID),
		slog.String("driver_id", offer.driverID),
	)
	t.expire(ctx, jobID, offer.driverID, offer.dispatchedAt)
}
