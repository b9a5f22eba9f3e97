package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quiz-session-client/internal/domain"
	"quiz-session-client/internal/infra/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyAPI is the in-memory backend with switchable failures.
type faultyAPI struct {
	*memory.Backend

	mu           sync.Mutex
	saveErrs     []error
	saveCalls    int
	dropSaves    bool
	heartbeatErr error
	submitCalls  int
	submitGate   chan struct{}
}

func (a *faultyAPI) SaveAnswer(ctx context.Context, req domain.SaveAnswerRequest) error {
	a.mu.Lock()
	a.saveCalls++
	var err error
	if len(a.saveErrs) > 0 {
		err = a.saveErrs[0]
		if len(a.saveErrs) > 1 {
			a.saveErrs = a.saveErrs[1:]
		}
	}
	drop := a.dropSaves
	a.mu.Unlock()
	if err != nil || drop {
		return err
	}
	return a.Backend.SaveAnswer(ctx, req)
}

func (a *faultyAPI) Heartbeat(ctx context.Context, sessionID string) (domain.TimeStatus, error) {
	a.mu.Lock()
	err := a.heartbeatErr
	a.mu.Unlock()
	if err != nil {
		return domain.TimeStatus{}, err
	}
	return a.Backend.Heartbeat(ctx, sessionID)
}

func (a *faultyAPI) SubmitSession(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	a.mu.Lock()
	a.submitCalls++
	gate := a.submitGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return a.Backend.SubmitSession(ctx, req)
}

func (a *faultyAPI) setSaveErrs(errs ...error) {
	a.mu.Lock()
	a.saveErrs = errs
	a.mu.Unlock()
}

// setDropSaves makes saves succeed without reaching the backend.
func (a *faultyAPI) setDropSaves(drop bool) {
	a.mu.Lock()
	a.dropSaves = drop
	a.mu.Unlock()
}

func (a *faultyAPI) saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveCalls
}

func (a *faultyAPI) setHeartbeatErr(err error) {
	a.mu.Lock()
	a.heartbeatErr = err
	a.mu.Unlock()
}

func (a *faultyAPI) submits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitCalls
}

func newFaultyAPI(examPauses int) (*faultyAPI, *testClock) {
	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	backend := memory.NewBackend(memory.NewStaticQuizLoader(memory.DemoQuizzes()), memory.BackendOptions{
		ExamMaxPauses: examPauses,
		Clock:         clock.Now,
	})
	return &faultyAPI{Backend: backend}, clock
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Background = false
	opts.FlushTimeout = 200 * time.Millisecond
	opts.DegradedAfter = 2
	opts.Retry = fastRetry
	return opts
}

func newTestController(api SessionAPI, store JournalStore, examPauses int) *Controller {
	opts := testOptions()
	opts.ExamMaxPauses = examPauses
	return NewController(api, store, opts, zerolog.Nop())
}

func slotStatus(t *testing.T, ctrl *Controller, position int) domain.QuestionStatus {
	t.Helper()
	slots := ctrl.Slots()
	if position < 1 || position > len(slots) {
		t.Fatalf("no slot at %d (have %d)", position, len(slots))
	}
	return slots[position-1].Status
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestControllerRejectsIntentsOutsideActive(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)

	checks := map[string]error{
		"answer": ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`)),
		"flag":   ctrl.Flag(ctx, "q1"),
		"pause":  ctrl.Pause(ctx),
		"resume": ctrl.Resume(ctx),
		"review": ctrl.Review(),
	}
	_, checks["next"] = ctrl.Next(ctx)
	_, checks["submit"] = ctrl.Submit(ctx)
	for op, err := range checks {
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("%s while idle: expected invalid state, got %v", op, err)
		}
	}
	if api.submits() != 0 {
		t.Fatalf("state errors must not reach the backend")
	}

	if err := ctrl.Start(ctx, "go-basics", "speedrun"); !errors.Is(err, domain.ErrInvalidMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
	if err := ctrl.Start(ctx, "missing", domain.ModeExam); !domain.IsRejected(err) {
		t.Fatalf("expected rejected start, got %v", err)
	}
	if ctrl.State() != domain.StateIdle {
		t.Fatalf("failed start must return to idle, got %s", ctrl.State())
	}
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second start: expected invalid state, got %v", err)
	}
}

func TestControllerAttemptFlow(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	store := memory.NewJournalStore()
	ctrl := newTestController(api, store, 2)

	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := ctrl.Snapshot()
	if snap.State != domain.StateActive || snap.Session == nil || len(snap.Slots) != 3 || snap.CurrentPosition != 1 {
		t.Fatalf("unexpected snapshot after start: %+v", snap)
	}
	if remaining, timed := ctrl.TimeRemaining(); !timed || remaining != 600 {
		t.Fatalf("expected 600s timed, got %d timed=%v", remaining, timed)
	}
	if ctrl.PausesRemaining() != 2 {
		t.Fatalf("expected 2 pauses, got %d", ctrl.PausesRemaining())
	}
	sid := snap.Session.SessionID

	if err := ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := ctrl.Flag(ctx, "q2"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if flagged, err := ctrl.ToggleFlag(ctx, "q3"); err != nil || !flagged {
		t.Fatalf("toggle flag: %v %v", flagged, err)
	}
	if err := ctrl.Unflag(ctx, "q3"); err != nil {
		t.Fatalf("unflag: %v", err)
	}
	if err := ctrl.Answer(ctx, "nope", domain.Answer(`1`)); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}
	if slotStatus(t, ctrl, 1) != domain.StatusAnswered || slotStatus(t, ctrl, 2) != domain.StatusFlaggedUnanswered ||
		slotStatus(t, ctrl, 3) != domain.StatusUnanswered {
		t.Fatalf("unexpected slots %+v", ctrl.Slots())
	}
	if flagged := ctrl.FlaggedPositions(); len(flagged) != 1 || flagged[0] != 2 {
		t.Fatalf("unexpected flagged positions %v", flagged)
	}

	if pos, err := ctrl.Next(ctx); err != nil || pos != 2 {
		t.Fatalf("next: %d %v", pos, err)
	}
	if pos, err := ctrl.GoTo(ctx, 5); !errors.Is(err, domain.ErrPositionOutOfRange) || pos != 2 {
		t.Fatalf("go to 5: expected out of range at 2, got %d %v", pos, err)
	}
	if pos, err := ctrl.Prev(ctx); err != nil || pos != 1 {
		t.Fatalf("prev: %d %v", pos, err)
	}
	if pos, _ := ctrl.Prev(ctx); pos != 1 {
		t.Fatalf("prev at first question must stay, got %d", pos)
	}

	j, _ := store.Load(ctx, sid)
	if j.Meta == nil || string(j.Answers["q1"]) != `"q1-a"` || !j.Flags["q2"] || len(j.Pending) == 0 {
		t.Fatalf("expected the journal to hold the attempt, got %+v", j)
	}

	result, err := ctrl.Submit(ctx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Score != 1 || result.MaxScore != 3 || result.Forced || result.AutoSubmitted {
		t.Fatalf("unexpected result %+v", result)
	}
	if ctrl.State() != domain.StateSubmitted {
		t.Fatalf("expected submitted, got %s", ctrl.State())
	}
	if j, _ := store.Load(ctx, sid); j.Meta != nil || len(j.Pending) != 0 {
		t.Fatalf("journal must be cleared after submit, got %+v", j)
	}

	again, err := ctrl.Submit(ctx)
	if err != nil || again != result {
		t.Fatalf("second submit must return the latched result, got %+v %v", again, err)
	}
	if api.submits() != 1 {
		t.Fatalf("expected one submission, got %d", api.submits())
	}

	if err := ctrl.Review(); err != nil || ctrl.State() != domain.StateReviewing {
		t.Fatalf("review: %v state=%s", err, ctrl.State())
	}
	if err := ctrl.Answer(ctx, "q2", domain.Answer(`"q2-a"`)); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("answer while reviewing: expected invalid state, got %v", err)
	}
	if ctrl.Snapshot().Result == nil {
		t.Fatalf("review snapshot must carry the result")
	}
}

func TestControllerSubmitExactlyOnce(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`))

	gate := make(chan struct{})
	api.mu.Lock()
	api.submitGate = gate
	api.mu.Unlock()

	const callers = 8
	results := make([]domain.SubmitResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ctrl.Submit(ctx)
		}(i)
	}
	waitFor(t, func() bool { return api.submits() == 1 })
	close(gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d saw a different result: %+v vs %+v", i, results[i], results[0])
		}
	}
	if api.submits() != 1 {
		t.Fatalf("expected exactly one submission, got %d", api.submits())
	}
}

func TestControllerAutoSubmitsOnExpiry(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := ctrl.Snapshot().Session.SessionID
	_ = ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`))

	if err := api.Expire(sid); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := ctrl.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	snap := ctrl.Snapshot()
	if snap.State != domain.StateSubmitted || snap.Result == nil {
		t.Fatalf("expected auto-submitted attempt, got %+v", snap)
	}
	if !snap.Result.AutoSubmitted || snap.Result.Score != 1 {
		t.Fatalf("expected auto-submit carrying the cached answer, got %+v", snap.Result)
	}
	if api.submits() != 1 {
		t.Fatalf("expected one submission, got %d", api.submits())
	}
}

func TestControllerPauseAndResume(t *testing.T) {
	ctx := context.Background()
	api, clock := newFaultyAPI(1)
	ctrl := newTestController(api, memory.NewJournalStore(), 1)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(100 * time.Second)

	if err := ctrl.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if ctrl.State() != domain.StatePaused || ctrl.PausesRemaining() != 0 {
		t.Fatalf("expected paused with no pauses left, got %s/%d", ctrl.State(), ctrl.PausesRemaining())
	}
	if err := ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`)); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("answer while paused: expected invalid state, got %v", err)
	}
	clock.Advance(time.Hour)

	if err := ctrl.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ctrl.State() != domain.StateActive {
		t.Fatalf("expected active, got %s", ctrl.State())
	}
	if remaining, _ := ctrl.TimeRemaining(); remaining != 500 {
		t.Fatalf("paused time must not count, expected 500s, got %d", remaining)
	}
	if err := ctrl.Pause(ctx); !errors.Is(err, domain.ErrPauseNotAllowed) {
		t.Fatalf("expected pause budget exhausted, got %v", err)
	}
	if ctrl.State() != domain.StateActive {
		t.Fatalf("refused pause must leave the attempt active, got %s", ctrl.State())
	}
}

func TestControllerResumeIntoExpired(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := ctrl.Snapshot().Session.SessionID
	if err := ctrl.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_ = api.Expire(sid)

	if err := ctrl.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	snap := ctrl.Snapshot()
	if snap.State != domain.StateSubmitted || snap.Result == nil || !snap.Result.AutoSubmitted {
		t.Fatalf("expected resume into expiry to auto-submit, got %+v", snap)
	}
}

func TestControllerResumeIntoSubmitted(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := ctrl.Snapshot().Session.SessionID
	if err := ctrl.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_ = api.SubmitExternally(sid)

	if err := ctrl.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ctrl.State() != domain.StateSubmitted {
		t.Fatalf("expected submitted, got %s", ctrl.State())
	}

	// the result of an external submission is fetched on demand
	result, err := ctrl.Submit(ctx)
	if err != nil || result.SessionID != sid {
		t.Fatalf("submit after external close: %+v %v", result, err)
	}
}

func TestControllerDegradedAndRecovered(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}

	api.setHeartbeatErr(domain.Transient("heartbeat", errors.New("offline")))
	_ = ctrl.Heartbeat(ctx)
	_ = ctrl.Heartbeat(ctx)
	if !ctrl.Snapshot().Degraded {
		t.Fatalf("expected degraded after repeated heartbeat failures")
	}
	if ctrl.State() != domain.StateActive {
		t.Fatalf("going offline must not change the state, got %s", ctrl.State())
	}
	if err := ctrl.Answer(ctx, "q2", domain.Answer(`"q2-b"`)); err != nil {
		t.Fatalf("answers must keep working offline: %v", err)
	}

	api.setHeartbeatErr(nil)
	if err := ctrl.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if snap := ctrl.Snapshot(); snap.Degraded || snap.LastError != "" {
		t.Fatalf("expected recovery, got %+v", snap)
	}
}

func TestControllerRejectedSaveReconciles(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := ctrl.Snapshot().Session.SessionID

	// q2 is acked but never reaches the server
	api.setDropSaves(true)
	_ = ctrl.Answer(ctx, "q2", domain.Answer(`"q2-a"`))
	if _, err := ctrl.FlushAll(ctx, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	api.setDropSaves(false)

	api.setSaveErrs(domain.Rejected("save-answer", http.StatusConflict, "stale"), nil)
	_ = ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`))
	if _, err := ctrl.FlushAll(ctx, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// the reconcile finds q2 missing on the server and queues it again
	waitFor(t, func() bool {
		_, _ = ctrl.FlushAll(ctx, 100*time.Millisecond)
		remote, err := api.QuestionsStatus(ctx, sid)
		return err == nil && remote[1].Answered
	})
	remote, _ := api.QuestionsStatus(ctx, sid)
	if remote[0].Answered {
		t.Fatalf("a rejected answer must not be sent again")
	}
	if snap := ctrl.Snapshot(); snap.State != domain.StateActive || snap.PendingWrites != 0 {
		t.Fatalf("unexpected snapshot after reconcile %+v", snap)
	}
}

func TestControllerRejectedSaveIsSentOnce(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	opts := testOptions()
	opts.Background = true
	opts.SyncInterval = 20 * time.Millisecond
	opts.HeartbeatInterval = time.Hour
	ctrl := NewController(api, memory.NewJournalStore(), opts, zerolog.Nop())
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ctrl.Close(ctx)
	sid := ctrl.Snapshot().Session.SessionID

	api.setSaveErrs(domain.Rejected("save-answer", http.StatusUnprocessableEntity, "bad answer"))
	_ = ctrl.Answer(ctx, "q1", domain.Answer(`"q1-x"`))
	waitFor(t, func() bool { return api.saves() >= 1 && ctrl.Snapshot().LastError != "" })
	time.Sleep(300 * time.Millisecond)
	if n := api.saves(); n != 1 {
		t.Fatalf("expected the rejected save to be sent once, got %d calls", n)
	}

	// a new value from the user is delivered again
	api.setSaveErrs()
	if err := ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	waitFor(t, func() bool {
		remote, err := api.QuestionsStatus(ctx, sid)
		return err == nil && remote[0].Answered
	})
	if n := api.saves(); n != 2 {
		t.Fatalf("expected one more save for the new value, got %d calls", n)
	}
}

func TestControllerRejectsMalformedAnswer(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := ctrl.Answer(ctx, "q1", domain.Answer("B")); !errors.Is(err, domain.ErrInvalidAnswer) {
		t.Fatalf("expected invalid answer, got %v", err)
	}
	if slotStatus(t, ctrl, 1) != domain.StatusUnanswered || api.saves() != 0 {
		t.Fatalf("a malformed answer must not be cached or sent")
	}
	if err := ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	result, err := ctrl.Submit(ctx)
	if err != nil || result.Score != 1 {
		t.Fatalf("submit: %+v %v", result, err)
	}
}

func TestControllerAutoSubmitRacingManualSubmit(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := ctrl.Snapshot().Session.SessionID
	_ = ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`))

	gate := make(chan struct{})
	api.mu.Lock()
	api.submitGate = gate
	api.mu.Unlock()
	if err := api.Expire(sid); err != nil {
		t.Fatalf("expire: %v", err)
	}

	var (
		wg        sync.WaitGroup
		manual    domain.SubmitResult
		manualErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = ctrl.Heartbeat(ctx)
	}()
	go func() {
		defer wg.Done()
		manual, manualErr = ctrl.Submit(ctx)
	}()
	waitFor(t, func() bool { return api.submits() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if manualErr != nil {
		t.Fatalf("manual submit: %v", manualErr)
	}
	snap := ctrl.Snapshot()
	if snap.State != domain.StateSubmitted || snap.Result == nil || *snap.Result != manual {
		t.Fatalf("both paths must observe one result, got %+v vs %+v", snap.Result, manual)
	}
	if api.submits() != 1 {
		t.Fatalf("expected exactly one submission, got %d", api.submits())
	}
}

func TestControllerPauseResumeKeepsProgress(t *testing.T) {
	ctx := context.Background()
	limit := 900
	quiz := domain.Quiz{ID: "five", Title: "Five questions", TimeLimitSeconds: &limit}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("q%d", i)
		quiz.Questions = append(quiz.Questions, domain.Question{
			ID:      id,
			Points:  1,
			Options: []domain.Option{{ID: id + "-a", Correct: true}, {ID: id + "-b"}},
		})
	}
	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	backend := memory.NewBackend(memory.NewStaticQuizLoader(map[string]domain.Quiz{"five": quiz}), memory.BackendOptions{
		ExamMaxPauses: 2,
		Clock:         clock.Now,
	})
	ctrl := newTestController(&faultyAPI{Backend: backend}, memory.NewJournalStore(), 2)
	if err := ctrl.Start(ctx, "five", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("q%d", i)
		if err := ctrl.Answer(ctx, id, domain.Answer(fmt.Sprintf("%q", id+"-a"))); err != nil {
			t.Fatalf("answer %s: %v", id, err)
		}
	}
	if err := ctrl.Flag(ctx, "q3"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	before := ctrl.Slots()
	remainingBefore, _ := ctrl.TimeRemaining()
	if ctrl.PausesRemaining() != 2 {
		t.Fatalf("expected 2 pauses, got %d", ctrl.PausesRemaining())
	}

	if err := ctrl.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if ctrl.PausesRemaining() != 1 {
		t.Fatalf("expected 1 pause left, got %d", ctrl.PausesRemaining())
	}
	if err := ctrl.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if ctrl.State() != domain.StateActive || ctrl.PausesRemaining() != 1 {
		t.Fatalf("expected active with 1 pause left, got %s/%d", ctrl.State(), ctrl.PausesRemaining())
	}
	if remaining, _ := ctrl.TimeRemaining(); remaining != remainingBefore {
		t.Fatalf("expected %ds remaining, got %d", remainingBefore, remaining)
	}
	after := ctrl.Slots()
	if len(after) != len(before) {
		t.Fatalf("slot count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Status != after[i].Status {
			t.Fatalf("slot %d changed from %s to %s", i+1, before[i].Status, after[i].Status)
		}
	}
	if after[2].Status != domain.StatusFlaggedAnswered {
		t.Fatalf("expected q3 flagged and answered, got %s", after[2].Status)
	}
}

func TestControllerRecoversFromJournal(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	store := memory.NewJournalStore()

	first := newTestController(api, store, 2)
	if err := first.Start(ctx, "go-practice", domain.ModePractice); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := first.Snapshot().Session.SessionID
	api.setSaveErrs(domain.Transient("save-answer", errors.New("offline")))
	_ = first.Answer(ctx, "p1", domain.Answer(`"p1-a"`))
	_ = first.Flag(ctx, "p2")
	if _, err := first.GoTo(ctx, 2); err != nil {
		t.Fatalf("go to: %v", err)
	}
	first.Close(ctx)
	if first.State() != domain.StateIdle {
		t.Fatalf("closed controller must be idle, got %s", first.State())
	}

	api.setSaveErrs()
	second := newTestController(api, store, 2)
	if err := second.Recover(ctx, sid); err != nil {
		t.Fatalf("recover: %v", err)
	}
	snap := second.Snapshot()
	if snap.State != domain.StateActive || snap.CurrentPosition != 2 {
		t.Fatalf("unexpected recovered snapshot %+v", snap)
	}
	if slotStatus(t, second, 1) != domain.StatusAnswered || slotStatus(t, second, 2) != domain.StatusFlaggedUnanswered {
		t.Fatalf("unexpected recovered slots %+v", snap.Slots)
	}
	if snap.PendingWrites == 0 {
		t.Fatalf("expected undelivered writes to survive the restart")
	}
	if res, _ := second.FlushAll(ctx, time.Second); !res.Drained {
		t.Fatalf("expected recovered writes to drain, got %+v", res)
	}
	remote, _ := api.QuestionsStatus(ctx, sid)
	if !remote[0].Answered || !remote[1].Flagged {
		t.Fatalf("expected recovered writes on the server, got %+v", remote)
	}

	if err := newTestController(api, store, 2).Recover(ctx, "unknown"); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
}

func TestControllerRecoverIgnoresCorruptPosition(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	store := memory.NewJournalStore()

	first := newTestController(api, store, 2)
	if err := first.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := first.Snapshot().Session.SessionID
	first.Close(ctx)

	j, _ := store.Load(ctx, sid)
	meta := *j.Meta
	meta.Position = 42
	if err := store.PutMeta(ctx, sid, meta); err != nil {
		t.Fatalf("put meta: %v", err)
	}

	var logs bytes.Buffer
	second := NewController(api, store, testOptions(), zerolog.New(&logs))
	if err := second.Recover(ctx, sid); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if snap := second.Snapshot(); snap.State != domain.StateActive || snap.CurrentPosition != 1 {
		t.Fatalf("expected active at the first question, got %+v", snap)
	}
	if !strings.Contains(logs.String(), "journal position ignored") || !strings.Contains(logs.String(), `"level":"warn"`) {
		t.Fatalf("expected a warning about the journal position, got %s", logs.String())
	}
}

func TestControllerPracticeIsUntimed(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(0)
	ctrl := newTestController(api, memory.NewJournalStore(), 0)
	if err := ctrl.Start(ctx, "go-practice", domain.ModePractice); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, timed := ctrl.TimeRemaining(); timed {
		t.Fatalf("practice must be untimed")
	}
	if ctrl.PausesRemaining() != Unlimited {
		t.Fatalf("practice pauses must be unlimited, got %d", ctrl.PausesRemaining())
	}
	for i := 0; i < 3; i++ {
		if err := ctrl.Pause(ctx); err != nil {
			t.Fatalf("pause %d: %v", i, err)
		}
		if err := ctrl.Resume(ctx); err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
	}
	if err := ctrl.Heartbeat(ctx); err != nil || ctrl.State() != domain.StateActive {
		t.Fatalf("heartbeat must never expire practice: %v %s", err, ctrl.State())
	}
}

func TestControllerAbandon(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	store := memory.NewJournalStore()
	ctrl := newTestController(api, store, 2)
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := ctrl.Snapshot().Session.SessionID
	_ = ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`))

	if err := ctrl.Abandon(ctx); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if ctrl.State() != domain.StateIdle || ctrl.Snapshot().Session != nil {
		t.Fatalf("expected idle without session, got %+v", ctrl.Snapshot())
	}
	if j, _ := store.Load(ctx, sid); j.Meta != nil {
		t.Fatalf("abandon must clear the journal")
	}
	if api.submits() != 0 {
		t.Fatalf("abandon must not submit")
	}
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start after abandon: %v", err)
	}
}

func TestControllerSubscribe(t *testing.T) {
	ctx := context.Background()
	api, _ := newFaultyAPI(2)
	ctrl := newTestController(api, memory.NewJournalStore(), 2)
	ch, cancel := ctrl.Subscribe()
	defer cancel()

	if initial := <-ch; initial.State != domain.StateIdle {
		t.Fatalf("expected idle snapshot first, got %s", initial.State)
	}
	if err := ctrl.Start(ctx, "go-basics", domain.ModeExam); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = ctrl.Answer(ctx, "q1", domain.Answer(`"q1-a"`))

	var last domain.Snapshot
	for len(ch) > 0 {
		last = <-ch
	}
	if last.State != domain.StateActive || len(last.Slots) != 3 || last.Slots[0].Status != domain.StatusAnswered {
		t.Fatalf("expected the latest snapshot to show the answer, got %+v", last)
	}
}
