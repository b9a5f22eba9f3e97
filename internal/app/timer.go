package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quiz-session-client/internal/domain"
)

// TimerConfig wires a timer to the controller.
type TimerConfig struct {
	DegradedAfter int
	Events        EventFunc
	Logger        zerolog.Logger
}

// Timer keeps the local estimate of time remaining. The local countdown only
// interpolates between heartbeats: every successful heartbeat replaces the
// estimate, and expiry is only ever raised from a server verdict.
type Timer struct {
	emit          EventFunc
	degradedAfter int
	log           zerolog.Logger

	mu        sync.Mutex
	timed     bool
	remaining int
	running   bool
	failures  int
	degraded  bool
	// latches so each terminal verdict is raised once
	expired   bool
	submitted bool
}

func NewTimer(cfg TimerConfig) *Timer {
	if cfg.Events == nil {
		cfg.Events = discardEvents
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	return &Timer{
		emit:          cfg.Events,
		degradedAfter: cfg.DegradedAfter,
		log:           cfg.Logger.With().Str("component", "timer").Logger(),
	}
}

// Arm sets the countdown. An untimed timer never counts down or expires.
func (t *Timer) Arm(timed bool, remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timed = timed
	t.remaining = clampSeconds(remaining)
}

// Start resumes the countdown and heartbeats.
func (t *Timer) Start() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
}

// Stop freezes the countdown and heartbeats.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Remaining returns the local estimate and whether the session is timed.
func (t *Timer) Remaining() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining, t.timed
}

func (t *Timer) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// Tick decrements the local estimate by one second. It never goes below zero
// and never raises expiry on its own.
func (t *Timer) Tick() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || !t.timed || t.remaining == 0 {
		return false
	}
	t.remaining--
	return true
}

// Reconcile replaces the estimate with the server value and returns the
// server's verdict. It does not latch: callers that raise events use ApplyHeartbeat.
func (t *Timer) Reconcile(status domain.TimeStatus) (expired, submitted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timed {
		t.remaining = clampSeconds(status.RemainingSeconds)
	}
	submitted = status.Status == domain.VerdictSubmitted
	expired = !submitted && t.timed && (status.Expired() || status.RemainingSeconds <= 0)
	return expired, submitted
}

// ApplyHeartbeat folds one heartbeat outcome into the timer and reports what changed.
func (t *Timer) ApplyHeartbeat(status domain.TimeStatus, err error) {
	if err != nil {
		if domain.IsRejected(err) {
			t.emit(Event{Kind: EventHeartbeatRejected, Err: err})
			return
		}
		t.mu.Lock()
		t.failures++
		failures := t.failures
		becameDegraded := failures >= t.degradedAfter && !t.degraded
		if becameDegraded {
			t.degraded = true
		}
		t.mu.Unlock()

		t.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("heartbeat failed")
		if becameDegraded {
			t.emit(Event{Kind: EventDegraded, Err: err})
		}
		return
	}

	t.mu.Lock()
	t.failures = 0
	recovered := t.degraded
	t.degraded = false
	t.mu.Unlock()

	expired, submitted := t.Reconcile(status)
	t.mu.Lock()
	fireSubmitted := submitted && !t.submitted
	fireExpired := expired && !t.expired
	t.submitted = t.submitted || submitted
	t.expired = t.expired || expired
	t.mu.Unlock()

	if recovered {
		t.emit(Event{Kind: EventRecovered})
	}
	t.emit(Event{Kind: EventReconciled, Time: status})
	switch {
	case fireSubmitted:
		t.emit(Event{Kind: EventSubmittedExternally, Time: status})
	case fireExpired:
		t.emit(Event{Kind: EventExpired, Time: status})
	}
}

// Run drives the per-second countdown and the heartbeat until ctx is done.
// Both halt while the timer is stopped.
func (t *Timer) Run(ctx context.Context, tickEvery, heartbeatEvery time.Duration, beat func(context.Context)) {
	tick := time.NewTicker(tickEvery)
	defer tick.Stop()
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if t.Tick() {
				t.emit(Event{Kind: EventTick})
			}
		case <-heartbeat.C:
			if t.Running() {
				beat(ctx)
			}
		}
	}
}

func clampSeconds(s int) int {
	if s < 0 {
		return 0
	}
	return s
}
