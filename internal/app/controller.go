package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"quiz-session-client/internal/domain"
)

// Options tunes the controller's timing and retry behavior.
type Options struct {
	HeartbeatInterval         time.Duration
	PracticeHeartbeatInterval time.Duration
	TickInterval              time.Duration
	SyncInterval              time.Duration
	FlushTimeout              time.Duration
	DegradedAfter             int
	ExamMaxPauses             int
	Retry                     RetryPolicy
	// Background starts the tick, heartbeat and sync loops on start.
	// Without it callers drive Heartbeat and FlushAll themselves.
	Background bool
	Now        func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:         15 * time.Second,
		PracticeHeartbeatInterval: 60 * time.Second,
		TickInterval:              time.Second,
		SyncInterval:              2 * time.Second,
		FlushTimeout:              10 * time.Second,
		DegradedAfter:             3,
		ExamMaxPauses:             2,
		Retry:                     RetryPolicy{}.withDefaults(),
		Background:                true,
		Now:                       time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.PracticeHeartbeatInterval <= 0 {
		o.PracticeHeartbeatInterval = d.PracticeHeartbeatInterval
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = d.SyncInterval
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = d.FlushTimeout
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = d.DegradedAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// Controller drives one quiz attempt through its lifecycle. It is the only
// writer of the session and its slots; the timer and the sync queue report
// back through events.
type Controller struct {
	api   SessionAPI
	store JournalStore
	opts  Options
	log   zerolog.Logger
	now   func() time.Time

	flight singleflight.Group

	mu          sync.RWMutex
	state       domain.State
	generation  uint64
	session     *domain.QuizSession
	policy      Policy
	pauses      *PauseBudget
	nav         *Navigator
	cache       *AnswerCache
	queue       *SyncQueue
	timer       *Timer
	result      *domain.SubmitResult
	rejected    map[string]struct{}
	degraded    bool
	lastErr     string
	sessionCtx  context.Context
	cancel      context.CancelFunc
	subscribers map[chan domain.Snapshot]struct{}
}

func NewController(api SessionAPI, store JournalStore, opts Options, log zerolog.Logger) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		api:         api,
		store:       store,
		opts:        opts,
		log:         log.With().Str("component", "controller").Logger(),
		now:         opts.Now,
		state:       domain.StateIdle,
		subscribers: make(map[chan domain.Snapshot]struct{}),
	}
}

func (c *Controller) policyConfig() PolicyConfig {
	return PolicyConfig{
		ExamMaxPauses:             c.opts.ExamMaxPauses,
		HeartbeatInterval:         c.opts.HeartbeatInterval,
		PracticeHeartbeatInterval: c.opts.PracticeHeartbeatInterval,
	}
}

// Start opens a new attempt. On failure the controller returns to idle and the
// caller must invoke Start again.
func (c *Controller) Start(ctx context.Context, quizID string, mode domain.Mode) error {
	policy, err := PolicyFor(mode, c.policyConfig())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != domain.StateIdle {
		err := &domain.StateError{Op: "start", State: c.state}
		c.mu.Unlock()
		return err
	}
	c.setStateLocked(domain.StateStarting)
	gen := c.generation
	c.broadcastLocked()
	c.mu.Unlock()

	resp, err := c.api.StartSession(ctx, domain.StartRequest{QuizID: quizID, Mode: mode})

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.state != domain.StateStarting {
		return &domain.StateError{Op: "start", State: c.state}
	}
	if err != nil {
		c.setStateLocked(domain.StateIdle)
		c.lastErr = err.Error()
		c.broadcastLocked()
		return fmt.Errorf("start session: %w", err)
	}

	remaining := resp.RemainingSeconds
	if remaining == 0 && resp.TimeLimitSeconds != nil {
		remaining = *resp.TimeLimitSeconds
	}
	startedAt := resp.StartedAt
	if startedAt.IsZero() {
		startedAt = c.now()
	}
	if resp.Mode == "" {
		resp.Mode = mode
	}
	if resp.QuizID == "" {
		resp.QuizID = quizID
	}
	session := &domain.QuizSession{
		SessionID:           resp.SessionID,
		QuizID:              resp.QuizID,
		Mode:                resp.Mode,
		TotalQuestions:      len(resp.QuestionIDs),
		TimeLimitSeconds:    resp.TimeLimitSeconds,
		StartedAt:           startedAt,
		ServerTimeRemaining: remaining,
	}
	c.installLocked(session, resp.QuestionIDs, policy)
	c.pauses.Reconcile(resp.PausesRemaining)
	c.timer.Arm(policy.TimeLimited && session.Timed(), remaining)
	c.timer.Start()
	c.setStateLocked(domain.StateActive)
	c.putMetaLocked(ctx)
	c.startLoopsLocked()
	c.broadcastLocked()
	return nil
}

// Recover rebuilds an attempt from the local journal after a client restart
// and reconciles it with the server.
func (c *Controller) Recover(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.state != domain.StateIdle {
		err := &domain.StateError{Op: "recover", State: c.state}
		c.mu.Unlock()
		return err
	}
	c.setStateLocked(domain.StateStarting)
	gen := c.generation
	c.mu.Unlock()

	journal, err := c.store.Load(ctx, sessionID)
	if err == nil && journal.Meta == nil {
		err = domain.ErrNoSession
	}
	var status domain.TimeStatus
	if err == nil {
		status, err = c.api.TimeRemaining(ctx, sessionID)
	}
	var policy Policy
	if err == nil {
		policy, err = PolicyFor(journal.Meta.Session.Mode, c.policyConfig())
	}

	c.mu.Lock()
	if gen != c.generation || c.state != domain.StateStarting {
		err := &domain.StateError{Op: "recover", State: c.state}
		c.mu.Unlock()
		return err
	}
	if err != nil {
		c.setStateLocked(domain.StateIdle)
		c.lastErr = err.Error()
		c.broadcastLocked()
		c.mu.Unlock()
		return fmt.Errorf("recover session %s: %w", sessionID, err)
	}

	meta := journal.Meta
	session := meta.Session
	session.ServerTimeRemaining = status.RemainingSeconds
	c.installLocked(&session, meta.QuestionIDs, policy)
	c.cache.restore(journal)
	c.queue.Restore(journal.Pending)
	if meta.Position > 0 {
		if err := c.nav.GoTo(meta.Position); err != nil {
			c.log.Warn().Err(err).Str("session_id", sessionID).Int("position", meta.Position).
				Msg("journal position ignored")
		}
	}
	c.pauses.Reconcile(status.PausesRemaining)
	c.timer.Arm(policy.TimeLimited && session.Timed(), status.RemainingSeconds)
	expired, submitted := c.timer.Reconcile(status)

	autoSubmit := false
	switch {
	case submitted:
		c.finishLocked(domain.StateSubmitted)
	case expired:
		c.setStateLocked(domain.StateExpired)
		autoSubmit = c.policy.AutoSubmit
	case status.Status == domain.VerdictPaused:
		c.setStateLocked(domain.StatePaused)
		c.startLoopsLocked()
	default:
		c.timer.Start()
		c.setStateLocked(domain.StateActive)
		c.startLoopsLocked()
		c.queue.Kick()
	}
	c.log.Info().Str("session_id", sessionID).Str("state", string(c.state)).
		Int("pending", c.queue.Len()).Msg("session recovered")
	c.broadcastLocked()
	c.mu.Unlock()

	if autoSubmit {
		_, err := c.submit(ctx, true)
		return err
	}
	return nil
}

// Answer stores value for questionID. Only valid while active.
func (c *Controller) Answer(ctx context.Context, questionID string, value domain.Answer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireLocked("answer", domain.StateActive); err != nil {
		return err
	}
	if _, ok := c.nav.PositionOf(questionID); !ok {
		return fmt.Errorf("answer %s: %w", questionID, domain.ErrQuestionNotFound)
	}
	if len(value) > 0 && !json.Valid(value) {
		return fmt.Errorf("answer %s: %w", questionID, domain.ErrInvalidAnswer)
	}
	delete(c.rejected, "answer:"+questionID)
	c.cache.SetAnswer(ctx, questionID, value)
	c.broadcastLocked()
	return nil
}

// Flag marks questionID for review.
func (c *Controller) Flag(ctx context.Context, questionID string) error {
	return c.setFlag(ctx, "flag", questionID, true)
}

// Unflag clears the review mark.
func (c *Controller) Unflag(ctx context.Context, questionID string) error {
	return c.setFlag(ctx, "unflag", questionID, false)
}

// ToggleFlag flips the review mark and returns the new value.
func (c *Controller) ToggleFlag(ctx context.Context, questionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireQuestionLocked("toggle flag", questionID); err != nil {
		return false, err
	}
	delete(c.rejected, "flag:"+questionID)
	flagged := c.cache.ToggleFlag(ctx, questionID)
	c.broadcastLocked()
	return flagged, nil
}

func (c *Controller) setFlag(ctx context.Context, op, questionID string, flagged bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireQuestionLocked(op, questionID); err != nil {
		return err
	}
	delete(c.rejected, "flag:"+questionID)
	if c.cache.SetFlag(ctx, questionID, flagged) {
		c.broadcastLocked()
	}
	return nil
}

// Next advances to the following question. At the last question it is a no-op.
func (c *Controller) Next(ctx context.Context) (int, error) {
	return c.move(ctx, "next", func(n *Navigator) (bool, error) { return n.Next(), nil })
}

// Prev goes back one question. At the first question it is a no-op.
func (c *Controller) Prev(ctx context.Context) (int, error) {
	return c.move(ctx, "prev", func(n *Navigator) (bool, error) { return n.Prev(), nil })
}

// GoTo jumps to position (1-based). Out-of-range positions are errors.
func (c *Controller) GoTo(ctx context.Context, position int) (int, error) {
	return c.move(ctx, "go to", func(n *Navigator) (bool, error) {
		if err := n.GoTo(position); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (c *Controller) move(ctx context.Context, op string, step func(*Navigator) (bool, error)) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireLocked(op, domain.StateActive); err != nil {
		return 0, err
	}
	moved, err := step(c.nav)
	if err != nil {
		return c.nav.Current(), err
	}
	if moved {
		c.queue.Enqueue(ctx, domain.PendingWrite{Kind: domain.WriteNavigate, Position: c.nav.Current()})
		c.putMetaLocked(ctx)
		c.broadcastLocked()
	}
	return c.nav.Current(), nil
}

// Pause freezes the attempt. The backend call is best effort: the client is
// paused locally even when it fails, and reconciles on resume.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	if err := c.requireLocked("pause", domain.StateActive); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.pauses.Consume() {
		c.mu.Unlock()
		return fmt.Errorf("pause: %w", domain.ErrPauseNotAllowed)
	}
	c.timer.Stop()
	c.setStateLocked(domain.StatePaused)
	c.putMetaLocked(ctx)
	sid, gen, cache := c.session.SessionID, c.generation, c.cache
	c.broadcastLocked()
	c.mu.Unlock()

	if flush := cache.FlushAll(ctx, c.opts.FlushTimeout); !flush.Drained {
		c.log.Warn().Str("session_id", sid).Int("remaining", flush.Remaining).Msg("pause flush incomplete")
	}
	status, err := c.api.PauseSession(ctx, sid)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.state != domain.StatePaused {
		return nil
	}
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sid).Msg("pause not confirmed by server")
		c.lastErr = err.Error()
		c.broadcastLocked()
		return nil
	}
	c.pauses.Reconcile(status.PausesRemaining)
	c.broadcastLocked()
	return nil
}

// Resume reconciles time with the server before restarting the countdown. The
// server may report the attempt already expired or submitted, in which case
// the controller moves there instead of back to active.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if err := c.requireLocked("resume", domain.StatePaused); err != nil {
		c.mu.Unlock()
		return err
	}
	sid, gen := c.session.SessionID, c.generation
	c.mu.Unlock()

	status, err := c.api.ResumeSession(ctx, sid)
	if err != nil && !domain.IsRejected(err) {
		status, err = c.api.TimeRemaining(ctx, sid)
	}

	c.mu.Lock()
	if gen != c.generation || c.state != domain.StatePaused {
		err := &domain.StateError{Op: "resume", State: c.state}
		c.mu.Unlock()
		return err
	}
	if err != nil {
		if domain.IsRejected(err) {
			c.lastErr = err.Error()
			c.broadcastLocked()
			c.mu.Unlock()
			if rerr := c.Reconcile(ctx); rerr != nil {
				c.log.Warn().Err(rerr).Msg("reconcile after rejected resume failed")
			}
			return fmt.Errorf("resume session: %w", err)
		}
		// Unreachable server: continue on the local estimate.
		timer := c.timer
		c.timer.Start()
		c.setStateLocked(domain.StateActive)
		c.putMetaLocked(ctx)
		c.queue.Kick()
		c.broadcastLocked()
		c.mu.Unlock()
		timer.ApplyHeartbeat(domain.TimeStatus{}, err)
		return nil
	}

	autoSubmit := c.applyVerdictLocked(ctx, status, true)
	c.mu.Unlock()
	if autoSubmit {
		_, err := c.submit(ctx, true)
		return err
	}
	return nil
}

// applyVerdictLocked moves the attempt according to an authoritative time
// status. resume reports whether a paused attempt should become active.
func (c *Controller) applyVerdictLocked(ctx context.Context, status domain.TimeStatus, resume bool) bool {
	c.session.ServerTimeRemaining = status.RemainingSeconds
	c.pauses.Reconcile(status.PausesRemaining)
	expired, submitted := c.timer.Reconcile(status)

	autoSubmit := false
	switch {
	case submitted:
		if c.state == domain.StateActive || c.state == domain.StatePaused || c.state == domain.StateExpired {
			c.finishLocked(domain.StateSubmitted)
		}
	case expired && (c.state == domain.StateActive || c.state == domain.StatePaused):
		c.timer.Stop()
		c.setStateLocked(domain.StateExpired)
		c.putMetaLocked(ctx)
		autoSubmit = c.policy.AutoSubmit
	case resume && c.state == domain.StatePaused:
		c.timer.Start()
		c.setStateLocked(domain.StateActive)
		c.putMetaLocked(ctx)
		c.queue.Kick()
	}
	c.broadcastLocked()
	return autoSubmit
}

// Heartbeat asks the server for the authoritative time and folds the answer
// into the timer. The background loop calls it on every heartbeat interval.
func (c *Controller) Heartbeat(ctx context.Context) error {
	c.mu.RLock()
	if c.state != domain.StateActive {
		err := &domain.StateError{Op: "heartbeat", State: c.state}
		c.mu.RUnlock()
		return err
	}
	sid, timer := c.session.SessionID, c.timer
	c.mu.RUnlock()

	status, err := c.api.Heartbeat(ctx, sid)
	timer.ApplyHeartbeat(status, err)
	return err
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	if err := c.Heartbeat(ctx); err != nil {
		c.log.Debug().Err(err).Msg("heartbeat")
	}
}

// Reconcile re-fetches the server's view after a rejection. Answers the
// server does not have are queued again; local intent wins, except for values
// the server already rejected, which wait for the user to change them.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.RLock()
	if c.state != domain.StateActive && c.state != domain.StatePaused {
		c.mu.RUnlock()
		return nil
	}
	sid, gen := c.session.SessionID, c.generation
	c.mu.RUnlock()

	remote, err := c.api.QuestionsStatus(ctx, sid)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sid).Msg("questions status unavailable")
	} else {
		c.mu.Lock()
		if gen == c.generation {
			c.requeueMissingLocked(ctx, remote)
		}
		c.mu.Unlock()
	}

	status, err := c.api.TimeRemaining(ctx, sid)
	if err != nil {
		return fmt.Errorf("reconcile time: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation || c.session == nil {
		c.mu.Unlock()
		return nil
	}
	autoSubmit := c.applyVerdictLocked(ctx, status, false)
	c.mu.Unlock()
	if autoSubmit {
		_, err := c.submit(ctx, true)
		return err
	}
	return nil
}

func (c *Controller) requeueMissingLocked(ctx context.Context, remote []domain.RemoteQuestionStatus) {
	for _, r := range remote {
		if _, ok := c.nav.PositionOf(r.QuestionID); !ok {
			continue
		}
		answer, _ := c.cache.Get(r.QuestionID)
		if !answer.Empty() && !r.Answered && c.requeueableLocked("answer:"+r.QuestionID) {
			c.queue.Enqueue(ctx, domain.PendingWrite{
				Kind:       domain.WriteSaveAnswer,
				QuestionID: r.QuestionID,
				Payload:    answer.Clone(),
			})
		}
		flagged := c.cache.IsFlagged(r.QuestionID)
		if flagged != r.Flagged && c.requeueableLocked("flag:"+r.QuestionID) {
			kind := domain.WriteUnflag
			if flagged {
				kind = domain.WriteFlag
			}
			c.queue.Enqueue(ctx, domain.PendingWrite{Kind: kind, QuestionID: r.QuestionID})
		}
	}
}

func (c *Controller) requeueableLocked(key string) bool {
	if _, ok := c.rejected[key]; ok {
		return false
	}
	return !c.queue.Has(key)
}

// Submit drains the sync queue with a bounded wait and submits once. Concurrent
// calls, including an auto-submit racing a manual one, share one submission
// and observe the same result.
func (c *Controller) Submit(ctx context.Context) (domain.SubmitResult, error) {
	return c.submit(ctx, false)
}

func (c *Controller) submit(ctx context.Context, auto bool) (domain.SubmitResult, error) {
	c.mu.Lock()
	if c.result != nil {
		result := *c.result
		c.mu.Unlock()
		return result, nil
	}
	switch c.state {
	case domain.StateActive, domain.StateExpired, domain.StateSubmitting, domain.StateSubmitted:
	default:
		err := &domain.StateError{Op: "submit", State: c.state}
		c.mu.Unlock()
		return domain.SubmitResult{}, err
	}
	sid, gen := c.session.SessionID, c.generation
	c.mu.Unlock()

	v, err, _ := c.flight.Do(sid, func() (interface{}, error) {
		return c.doSubmit(ctx, gen, auto)
	})
	if err != nil {
		return domain.SubmitResult{}, err
	}
	return v.(domain.SubmitResult), nil
}

func (c *Controller) doSubmit(ctx context.Context, gen uint64, auto bool) (domain.SubmitResult, error) {
	c.mu.Lock()
	if gen != c.generation {
		err := &domain.StateError{Op: "submit", State: c.state}
		c.mu.Unlock()
		return domain.SubmitResult{}, err
	}
	if c.result != nil {
		result := *c.result
		c.mu.Unlock()
		return result, nil
	}
	prior := c.state
	switch prior {
	case domain.StateActive, domain.StateExpired:
		c.setStateLocked(domain.StateSubmitting)
	case domain.StateSubmitted:
		// closed by the server; submit again to fetch the prior result
	default:
		err := &domain.StateError{Op: "submit", State: prior}
		c.mu.Unlock()
		return domain.SubmitResult{}, err
	}
	auto = auto || prior == domain.StateExpired
	c.timer.Stop()
	sid, cache := c.session.SessionID, c.cache
	c.broadcastLocked()
	c.mu.Unlock()

	flush := FlushResult{Drained: true}
	if prior != domain.StateSubmitted {
		flush = cache.FlushAll(ctx, c.opts.FlushTimeout)
		if !flush.Drained {
			c.log.Warn().Str("session_id", sid).Int("remaining", flush.Remaining).
				Msg("submitting with undelivered writes")
		}
	}

	c.mu.Lock()
	req := domain.SubmitRequest{
		SessionID:     sid,
		Answers:       cache.Answers(),
		Flagged:       cache.Flagged(),
		AutoSubmitted: auto,
		Forced:        !flush.Drained,
	}
	c.mu.Unlock()

	var result domain.SubmitResult
	_, err := retry(ctx, c.opts.Retry, func(int) error {
		var err error
		result, err = c.api.SubmitSession(ctx, req)
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return domain.SubmitResult{}, &domain.StateError{Op: "submit", State: c.state}
	}
	if err != nil {
		c.log.Error().Err(err).Str("session_id", sid).Msg("submit failed")
		c.lastErr = err.Error()
		if prior != domain.StateSubmitted {
			c.setStateLocked(prior)
			if prior == domain.StateActive {
				c.timer.Start()
			}
		}
		c.broadcastLocked()
		return domain.SubmitResult{}, fmt.Errorf("submit session: %w", err)
	}

	if result.SessionID == "" {
		result.SessionID = sid
	}
	if result.SubmittedAt.IsZero() {
		result.SubmittedAt = c.now()
	}
	result.Forced = result.Forced || !flush.Drained
	result.AutoSubmitted = result.AutoSubmitted || auto
	c.result = &result
	c.finishLocked(domain.StateSubmitted)
	c.broadcastLocked()
	return result, nil
}

// Review enters the read-only review of a submitted attempt.
func (c *Controller) Review() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireLocked("review", domain.StateSubmitted); err != nil {
		return err
	}
	c.setStateLocked(domain.StateReviewing)
	c.broadcastLocked()
	return nil
}

// Abandon drops the attempt from any state. Pending writes get one bounded
// flush and are never retried afterwards; in-flight calls are not aborted but
// their responses are ignored.
func (c *Controller) Abandon(ctx context.Context) error {
	c.detach(ctx, true)
	return nil
}

// Close detaches the controller from its attempt without ending it, as when
// the UI goes away. Pending writes get one bounded flush and whatever is left
// stays in the journal for Recover.
func (c *Controller) Close(ctx context.Context) {
	c.detach(ctx, false)
}

func (c *Controller) detach(ctx context.Context, discard bool) {
	c.mu.Lock()
	if c.state == domain.StateIdle {
		c.mu.Unlock()
		return
	}
	var sid string
	if c.session != nil {
		sid = c.session.SessionID
	}
	queue, timer := c.queue, c.timer
	terminal := c.state.Terminal()
	if !discard && !terminal && c.session != nil {
		c.putMetaLocked(ctx)
	}
	c.stopLoopsLocked()
	c.generation++
	c.resetLocked()
	c.broadcastLocked()
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if queue != nil {
		if !terminal {
			if flush := queue.FlushAll(ctx, c.opts.FlushTimeout); !flush.Drained {
				c.log.Warn().Str("session_id", sid).Int("remaining", flush.Remaining).Msg("detached with undelivered writes")
			}
		}
		queue.Close()
	}
	if discard && sid != "" {
		if err := c.store.Clear(ctx, sid); err != nil {
			c.log.Warn().Err(err).Str("session_id", sid).Msg("journal clear failed")
		}
	}
	if discard {
		c.log.Info().Str("session_id", sid).Msg("session abandoned")
	}
}

// FlushAll delivers pending writes with a bounded wait.
func (c *Controller) FlushAll(ctx context.Context, timeout time.Duration) (FlushResult, error) {
	c.mu.RLock()
	if c.session == nil || c.queue == nil {
		c.mu.RUnlock()
		return FlushResult{}, domain.ErrNoSession
	}
	queue := c.queue
	c.mu.RUnlock()
	return queue.FlushAll(ctx, timeout), nil
}

// State returns the current lifecycle state.
func (c *Controller) State() domain.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TimeRemaining returns the local estimate in seconds. ok is false when the
// attempt is untimed or absent.
func (c *Controller) TimeRemaining() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.timer == nil {
		return 0, false
	}
	return c.timer.Remaining()
}

// Slots returns every slot with its derived status.
func (c *Controller) Slots() []domain.QuestionSlot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.nav == nil {
		return []domain.QuestionSlot{}
	}
	return c.nav.Slots(c.cache)
}

// FlaggedPositions returns the flagged positions in order.
func (c *Controller) FlaggedPositions() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.nav == nil {
		return []int{}
	}
	return c.nav.FlaggedPositions(c.cache)
}

// PausesRemaining returns the pause budget, or Unlimited.
func (c *Controller) PausesRemaining() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pauses == nil {
		return 0
	}
	return c.pauses.Remaining()
}

// Snapshot returns the full read-only view.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel of snapshots, starting with the current one.
// The caller must invoke the returned cancel function to avoid leaks.
func (c *Controller) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 8)

	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// handleEvent applies a timer or queue event. Events from an earlier
// generation belong to an abandoned attempt and are dropped.
func (c *Controller) handleEvent(gen uint64, ev Event) {
	c.mu.Lock()
	if gen != c.generation || c.session == nil {
		c.mu.Unlock()
		return
	}

	var followUp func()
	switch ev.Kind {
	case EventWriteAcked:
		if ev.Write.Kind == domain.WriteSaveAnswer {
			c.cache.MarkSynced(ev.Write.QuestionID, c.now())
		}
	case EventWriteRejected:
		c.lastErr = ev.Err.Error()
		c.rejected[ev.Write.Key()] = struct{}{}
		ctx := c.sessionCtx
		// the queue is mid-pass; reconcile off its goroutine
		followUp = func() {
			go func() {
				if err := c.Reconcile(ctx); err != nil {
					c.log.Warn().Err(err).Msg("reconcile after rejected write failed")
				}
			}()
		}
	case EventWriteRetrying:
		c.lastErr = ev.Err.Error()
	case EventReconciled:
		c.session.ServerTimeRemaining = ev.Time.RemainingSeconds
		c.pauses.Reconcile(ev.Time.PausesRemaining)
	case EventDegraded:
		c.degraded = true
		c.log.Warn().Str("session_id", c.session.SessionID).Msg("connectivity degraded")
	case EventRecovered:
		c.degraded = false
		c.lastErr = ""
	case EventHeartbeatRejected:
		c.lastErr = ev.Err.Error()
		ctx := c.sessionCtx
		followUp = func() {
			if err := c.Reconcile(ctx); err != nil {
				c.log.Warn().Err(err).Msg("reconcile after rejected heartbeat failed")
			}
		}
	case EventExpired:
		if c.state == domain.StateActive {
			c.timer.Stop()
			c.setStateLocked(domain.StateExpired)
			c.putMetaLocked(c.sessionCtx)
			if c.policy.AutoSubmit {
				ctx := c.sessionCtx
				followUp = func() {
					if _, err := c.submit(ctx, true); err != nil {
						c.log.Error().Err(err).Msg("auto-submit failed")
					}
				}
			}
		}
	case EventSubmittedExternally:
		if c.state == domain.StateActive || c.state == domain.StatePaused || c.state == domain.StateExpired {
			c.finishLocked(domain.StateSubmitted)
		}
	}
	c.broadcastLocked()
	c.mu.Unlock()

	if followUp != nil {
		followUp()
	}
}

func (c *Controller) installLocked(session *domain.QuizSession, questionIDs []string, policy Policy) {
	c.generation++
	gen := c.generation
	events := func(ev Event) { c.handleEvent(gen, ev) }
	log := c.log.With().Str("session_id", session.SessionID).Logger()

	session.TotalQuestions = len(questionIDs)
	c.session = session
	c.policy = policy
	c.pauses = NewPauseBudget(policy)
	c.nav = NewNavigator(questionIDs)
	c.queue = NewSyncQueue(SyncQueueConfig{
		SessionID: session.SessionID,
		API:       c.api,
		Store:     c.store,
		Retry:     c.opts.Retry,
		Events:    events,
		Now:       c.now,
		Logger:    log,
	})
	c.cache = NewAnswerCache(session.SessionID, c.store, c.queue, log)
	c.timer = NewTimer(TimerConfig{
		DegradedAfter: c.opts.DegradedAfter,
		Events:        events,
		Logger:        log,
	})
	c.result = nil
	c.rejected = make(map[string]struct{})
	c.degraded = false
	c.lastErr = ""
	c.sessionCtx, c.cancel = context.WithCancel(context.Background())
}

func (c *Controller) startLoopsLocked() {
	if !c.opts.Background {
		return
	}
	ctx := c.sessionCtx
	go c.queue.Run(ctx, c.opts.SyncInterval)
	go c.timer.Run(ctx, c.opts.TickInterval, c.policy.HeartbeatInterval, c.heartbeatLoop)
}

// stopLoopsLocked cancels the loops without waiting: they may be blocked on
// the controller lock.
func (c *Controller) stopLoopsLocked() {
	if c.cancel != nil {
		c.cancel()
	}
}

// finishLocked ends the attempt. No pending write survives it.
func (c *Controller) finishLocked(state domain.State) {
	c.timer.Stop()
	c.queue.Clear()
	c.queue.Close()
	c.setStateLocked(state)
	if err := c.store.Clear(context.WithoutCancel(c.sessionCtx), c.session.SessionID); err != nil {
		c.log.Warn().Err(err).Str("session_id", c.session.SessionID).Msg("journal clear failed")
	}
	c.stopLoopsLocked()
}

func (c *Controller) resetLocked() {
	c.state = domain.StateIdle
	c.session = nil
	c.policy = Policy{}
	c.pauses = nil
	c.nav = nil
	c.cache = nil
	c.queue = nil
	c.timer = nil
	c.result = nil
	c.rejected = nil
	c.degraded = false
	c.lastErr = ""
	c.cancel = nil
}

func (c *Controller) setStateLocked(state domain.State) {
	if c.state == state {
		return
	}
	event := c.log.Info().Str("from", string(c.state)).Str("to", string(state))
	if c.session != nil {
		c.session.State = state
		event = event.Str("session_id", c.session.SessionID)
	}
	c.state = state
	event.Msg("state transition")
}

func (c *Controller) requireLocked(op string, allowed ...domain.State) error {
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return &domain.StateError{Op: op, State: c.state}
}

func (c *Controller) requireQuestionLocked(op, questionID string) error {
	if err := c.requireLocked(op, domain.StateActive); err != nil {
		return err
	}
	if _, ok := c.nav.PositionOf(questionID); !ok {
		return fmt.Errorf("%s %s: %w", op, questionID, domain.ErrQuestionNotFound)
	}
	return nil
}

func (c *Controller) putMetaLocked(ctx context.Context) {
	if c.session == nil {
		return
	}
	meta := domain.JournalMeta{
		Session:     *c.session,
		QuestionIDs: c.nav.QuestionIDs(),
		Position:    c.nav.Current(),
	}
	if remaining, timed := c.timer.Remaining(); timed {
		meta.Session.LocalTimeRemaining = remaining
	}
	if err := c.store.PutMeta(ctx, c.session.SessionID, meta); err != nil {
		c.log.Warn().Err(err).Str("session_id", c.session.SessionID).Msg("journal put meta failed")
	}
}

func (c *Controller) broadcastLocked() {
	if len(c.subscribers) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot so a slow reader never blocks the controller
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		State:            c.state,
		Slots:            []domain.QuestionSlot{},
		FlaggedPositions: []int{},
		Degraded:         c.degraded,
		LastError:        c.lastErr,
	}
	if c.session != nil {
		session := *c.session
		if remaining, timed := c.timer.Remaining(); timed {
			session.LocalTimeRemaining = remaining
			snap.TimeRemaining = &remaining
		}
		snap.Session = &session
		snap.CurrentPosition = c.nav.Current()
		snap.Slots = c.nav.Slots(c.cache)
		snap.FlaggedPositions = c.nav.FlaggedPositions(c.cache)
		snap.PausesRemaining = c.pauses.Remaining()
		snap.PendingWrites = c.queue.Len()
	}
	if c.result != nil {
		result := *c.result
		snap.Result = &result
	}
	return snap
}
