package app

import (
	"errors"
	"net/http"
	"sync"
	"testing"

	"quiz-session-client/internal/domain"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestTimerTickStaysAboveZero(t *testing.T) {
	timer := NewTimer(TimerConfig{})
	timer.Arm(true, 2)
	if timer.Tick() {
		t.Fatalf("a stopped timer must not tick")
	}
	timer.Start()
	timer.Tick()
	timer.Tick()
	if timer.Tick() {
		t.Fatalf("tick at zero must be a no-op")
	}
	if remaining, timed := timer.Remaining(); remaining != 0 || !timed {
		t.Fatalf("expected 0 remaining, got %d timed=%v", remaining, timed)
	}

	untimed := NewTimer(TimerConfig{})
	untimed.Arm(false, 0)
	untimed.Start()
	if untimed.Tick() {
		t.Fatalf("an untimed session must not count down")
	}
}

func TestTimerHeartbeatReplacesEstimate(t *testing.T) {
	log := &eventLog{}
	timer := NewTimer(TimerConfig{Events: log.record})
	timer.Arm(true, 100)
	timer.Start()
	timer.Tick()

	timer.ApplyHeartbeat(domain.TimeStatus{RemainingSeconds: 42, Status: domain.VerdictRunning}, nil)
	if remaining, _ := timer.Remaining(); remaining != 42 {
		t.Fatalf("expected server value 42, got %d", remaining)
	}
	if log.count(EventReconciled) != 1 || log.count(EventExpired) != 0 {
		t.Fatalf("unexpected events %+v", log.events)
	}
}

func TestTimerExpiresOnlyOnServerVerdict(t *testing.T) {
	log := &eventLog{}
	timer := NewTimer(TimerConfig{Events: log.record})
	timer.Arm(true, 1)
	timer.Start()
	timer.Tick()
	if log.count(EventExpired) != 0 {
		t.Fatalf("local countdown must not raise expiry")
	}

	expired := domain.TimeStatus{RemainingSeconds: 0, Status: domain.VerdictExpired}
	timer.ApplyHeartbeat(expired, nil)
	timer.ApplyHeartbeat(expired, nil)
	if log.count(EventExpired) != 1 {
		t.Fatalf("expected exactly one expired event, got %d", log.count(EventExpired))
	}
}

func TestTimerSubmittedExternally(t *testing.T) {
	log := &eventLog{}
	timer := NewTimer(TimerConfig{Events: log.record})
	timer.Arm(true, 300)
	timer.Start()

	timer.ApplyHeartbeat(domain.TimeStatus{RemainingSeconds: 0, Status: domain.VerdictSubmitted}, nil)
	if log.count(EventSubmittedExternally) != 1 || log.count(EventExpired) != 0 {
		t.Fatalf("unexpected events %+v", log.events)
	}
}

func TestTimerDegradesAndRecovers(t *testing.T) {
	log := &eventLog{}
	timer := NewTimer(TimerConfig{DegradedAfter: 2, Events: log.record})
	timer.Arm(true, 300)
	timer.Start()

	offline := domain.Transient("heartbeat", errors.New("connection refused"))
	timer.ApplyHeartbeat(domain.TimeStatus{}, offline)
	if timer.Degraded() {
		t.Fatalf("one failure must not degrade")
	}
	timer.ApplyHeartbeat(domain.TimeStatus{}, offline)
	timer.ApplyHeartbeat(domain.TimeStatus{}, offline)
	if !timer.Degraded() || log.count(EventDegraded) != 1 {
		t.Fatalf("expected a single degraded event, got %d", log.count(EventDegraded))
	}
	if remaining, _ := timer.Remaining(); remaining != 300 {
		t.Fatalf("failed heartbeats must keep the local estimate, got %d", remaining)
	}

	timer.ApplyHeartbeat(domain.TimeStatus{RemainingSeconds: 250, Status: domain.VerdictRunning}, nil)
	if timer.Degraded() || log.count(EventRecovered) != 1 {
		t.Fatalf("expected recovery after a successful heartbeat")
	}
}

func TestTimerRejectedHeartbeat(t *testing.T) {
	log := &eventLog{}
	timer := NewTimer(TimerConfig{Events: log.record})
	timer.Arm(true, 300)

	timer.ApplyHeartbeat(domain.TimeStatus{}, domain.Rejected("heartbeat", http.StatusNotFound, "no session"))
	if log.count(EventHeartbeatRejected) != 1 || timer.Degraded() {
		t.Fatalf("expected heartbeat rejected without degrading, got %+v", log.events)
	}
}
