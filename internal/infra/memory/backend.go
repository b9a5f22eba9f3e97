package memory

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quiz-session-client/internal/domain"
)

// BackendOptions tunes the development backend.
type BackendOptions struct {
	ExamMaxPauses int
	Clock         func() time.Time
	Logger        zerolog.Logger
}

// Backend is an in-memory authoritative session backend. It owns the clock
// and the final answer set the way a real server would, and is meant for
// local runs and tests.
type Backend struct {
	quizzes   QuizLoader
	maxPauses int
	clock     func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*backendSession
}

type backendSession struct {
	id         string
	quiz       domain.Quiz
	mode       domain.Mode
	startedAt  time.Time
	limit      *int
	elapsed    time.Duration
	resumedAt  time.Time
	paused     bool
	pauses     *int
	expired    bool
	position   int
	answers    map[string]domain.Answer
	answerSeqs map[string]uint64
	flags      map[string]bool
	result     *domain.SubmitResult
}

func NewBackend(quizzes QuizLoader, opts BackendOptions) *Backend {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Backend{
		quizzes:   quizzes,
		maxPauses: opts.ExamMaxPauses,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "stub_backend").Logger(),
		sessions:  make(map[string]*backendSession),
	}
}

func (b *Backend) StartSession(ctx context.Context, req domain.StartRequest) (domain.StartResponse, error) {
	if !req.Mode.Valid() {
		return domain.StartResponse{}, domain.Rejected("start", http.StatusBadRequest, domain.ErrInvalidMode.Error())
	}
	quiz, err := b.quizzes.LoadQuiz(ctx, req.QuizID)
	if err != nil {
		if errors.Is(err, domain.ErrQuizNotFound) {
			return domain.StartResponse{}, domain.Rejected("start", http.StatusNotFound, err.Error())
		}
		return domain.StartResponse{}, domain.Transient("start", err)
	}

	now := b.clock()
	s := &backendSession{
		id:         uuid.NewString(),
		quiz:       quiz,
		mode:       req.Mode,
		startedAt:  now,
		resumedAt:  now,
		position:   1,
		answers:    make(map[string]domain.Answer),
		answerSeqs: make(map[string]uint64),
		flags:      make(map[string]bool),
	}
	if req.Mode == domain.ModeExam {
		s.limit = quiz.TimeLimitSeconds
		pauses := b.maxPauses
		s.pauses = &pauses
	}

	status := b.statusLocked(s, now)

	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.log.Info().Str("session_id", s.id).Str("quiz_id", quiz.ID).Str("mode", string(req.Mode)).Msg("session started")
	return domain.StartResponse{
		SessionID:        s.id,
		QuizID:           quiz.ID,
		Mode:             req.Mode,
		QuestionIDs:      quiz.QuestionIDs(),
		TimeLimitSeconds: s.limit,
		RemainingSeconds: status.RemainingSeconds,
		PausesRemaining:  copyInt(s.pauses),
		StartedAt:        now,
	}, nil
}

// SaveAnswer is idempotent per (session, question, seq): a sequence number
// at or below the last one applied is acknowledged without effect.
func (b *Backend) SaveAnswer(_ context.Context, req domain.SaveAnswerRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.openLocked("save-answer", req.SessionID)
	if err != nil {
		return err
	}
	if !s.hasQuestion(req.QuestionID) {
		return domain.Rejected("save-answer", http.StatusNotFound, domain.ErrQuestionNotFound.Error())
	}
	if last, ok := s.answerSeqs[req.QuestionID]; ok && req.Seq <= last {
		return nil
	}
	s.answerSeqs[req.QuestionID] = req.Seq
	s.answers[req.QuestionID] = req.Answer.Clone()
	return nil
}

func (b *Backend) SetFlag(_ context.Context, sessionID, questionID string, flagged bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.openLocked("flag", sessionID)
	if err != nil {
		return err
	}
	if !s.hasQuestion(questionID) {
		return domain.Rejected("flag", http.StatusNotFound, domain.ErrQuestionNotFound.Error())
	}
	if flagged {
		s.flags[questionID] = true
	} else {
		delete(s.flags, questionID)
	}
	return nil
}

func (b *Backend) GoToQuestion(_ context.Context, sessionID string, position int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.openLocked("go-to-question", sessionID)
	if err != nil {
		return err
	}
	if position < 1 || position > len(s.quiz.Questions) {
		return domain.Rejected("go-to-question", http.StatusBadRequest, domain.ErrPositionOutOfRange.Error())
	}
	s.position = position
	return nil
}

// NextQuestion advances the server-side position and returns it.
func (b *Backend) NextQuestion(_ context.Context, sessionID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.openLocked("next-question", sessionID)
	if err != nil {
		return 0, err
	}
	if s.position < len(s.quiz.Questions) {
		s.position++
	}
	return s.position, nil
}

func (b *Backend) PauseSession(_ context.Context, sessionID string) (domain.TimeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.openLocked("pause", sessionID)
	if err != nil {
		return domain.TimeStatus{}, err
	}
	now := b.clock()
	if s.paused {
		return b.statusLocked(s, now), nil
	}
	if s.pauses != nil {
		if *s.pauses <= 0 {
			return domain.TimeStatus{}, domain.Rejected("pause", http.StatusConflict, domain.ErrPauseNotAllowed.Error())
		}
		*s.pauses--
	}
	s.elapsed += now.Sub(s.resumedAt)
	s.paused = true
	return b.statusLocked(s, now), nil
}

// ResumeSession restarts the clock. Resuming an attempt that is already
// running, expired or submitted just reports its status.
func (b *Backend) ResumeSession(_ context.Context, sessionID string) (domain.TimeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.getLocked("resume", sessionID)
	if err != nil {
		return domain.TimeStatus{}, err
	}
	now := b.clock()
	if s.paused && s.result == nil && !s.expired {
		s.paused = false
		s.resumedAt = now
	}
	return b.statusLocked(s, now), nil
}

func (b *Backend) Heartbeat(_ context.Context, sessionID string) (domain.TimeStatus, error) {
	return b.status("heartbeat", sessionID)
}

func (b *Backend) TimeRemaining(_ context.Context, sessionID string) (domain.TimeStatus, error) {
	return b.status("time-remaining", sessionID)
}

func (b *Backend) QuestionsStatus(_ context.Context, sessionID string) ([]domain.RemoteQuestionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.getLocked("questions-status", sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RemoteQuestionStatus, 0, len(s.quiz.Questions))
	for i, q := range s.quiz.Questions {
		out = append(out, domain.RemoteQuestionStatus{
			Position:   i + 1,
			QuestionID: q.ID,
			Answered:   !s.answers[q.ID].Empty(),
			Flagged:    s.flags[q.ID],
		})
	}
	return out, nil
}

// FlaggedQuestions returns the flagged positions in order.
func (b *Backend) FlaggedQuestions(_ context.Context, sessionID string) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.getLocked("flagged-questions", sessionID)
	if err != nil {
		return nil, err
	}
	out := []int{}
	for i, q := range s.quiz.Questions {
		if s.flags[q.ID] {
			out = append(out, i+1)
		}
	}
	return out, nil
}

// SubmitSession closes the attempt once. Later submits return the same result.
// Submissions after expiry are accepted so auto-submit can land.
func (b *Backend) SubmitSession(_ context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.getLocked("submit", req.SessionID)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	if s.result != nil {
		return *s.result, nil
	}
	for id, answer := range req.Answers {
		if s.hasQuestion(id) {
			s.answers[id] = answer.Clone()
		}
	}
	s.flags = make(map[string]bool, len(req.Flagged))
	for _, id := range req.Flagged {
		s.flags[id] = true
	}
	b.closeLocked(s, req.AutoSubmitted, req.Forced)
	b.log.Info().Str("session_id", s.id).Float64("score", s.result.Score).
		Bool("auto", req.AutoSubmitted).Bool("forced", req.Forced).Msg("session submitted")
	return *s.result, nil
}

// SubmitExternally closes the attempt as another client or proctor would.
func (b *Backend) SubmitExternally(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.getLocked("submit", sessionID)
	if err != nil {
		return err
	}
	if s.result == nil {
		b.closeLocked(s, false, false)
	}
	return nil
}

// Expire ends the attempt's clock immediately.
func (b *Backend) Expire(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.getLocked("expire", sessionID)
	if err != nil {
		return err
	}
	s.expired = true
	return nil
}

func (b *Backend) closeLocked(s *backendSession, auto, forced bool) {
	score, max := s.quiz.Score(s.answers)
	answered := 0
	for _, answer := range s.answers {
		if !answer.Empty() {
			answered++
		}
	}
	s.result = &domain.SubmitResult{
		SessionID:     s.id,
		Score:         score,
		MaxScore:      max,
		Answered:      answered,
		SubmittedAt:   b.clock(),
		Forced:        forced,
		AutoSubmitted: auto,
	}
}

func (b *Backend) status(op, sessionID string) (domain.TimeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.getLocked(op, sessionID)
	if err != nil {
		return domain.TimeStatus{}, err
	}
	return b.statusLocked(s, b.clock()), nil
}

func (b *Backend) statusLocked(s *backendSession, now time.Time) domain.TimeStatus {
	status := domain.TimeStatus{Status: domain.VerdictRunning, PausesRemaining: copyInt(s.pauses)}
	if s.limit != nil {
		elapsed := s.elapsed
		if !s.paused {
			elapsed += now.Sub(s.resumedAt)
		}
		remaining := *s.limit - int(elapsed/time.Second)
		if remaining <= 0 {
			remaining = 0
			s.expired = true
		}
		if s.expired {
			remaining = 0
		}
		status.RemainingSeconds = remaining
	}
	switch {
	case s.result != nil:
		status.Status = domain.VerdictSubmitted
	case s.expired:
		status.Status = domain.VerdictExpired
		status.RemainingSeconds = 0
	case s.paused:
		status.Status = domain.VerdictPaused
	}
	return status
}

func (b *Backend) getLocked(op, sessionID string) (*backendSession, error) {
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, domain.Rejected(op, http.StatusNotFound, domain.ErrNoSession.Error())
	}
	return s, nil
}

// openLocked returns a session that still accepts mutations.
func (b *Backend) openLocked(op, sessionID string) (*backendSession, error) {
	s, err := b.getLocked(op, sessionID)
	if err != nil {
		return nil, err
	}
	status := b.statusLocked(s, b.clock())
	switch status.Status {
	case domain.VerdictSubmitted:
		return nil, domain.Rejected(op, http.StatusConflict, domain.ErrAlreadySubmitted.Error())
	case domain.VerdictExpired:
		return nil, domain.Rejected(op, http.StatusConflict, domain.ErrSessionExpired.Error())
	}
	return s, nil
}

func (s *backendSession) hasQuestion(questionID string) bool {
	for _, q := range s.quiz.Questions {
		if q.ID == questionID {
			return true
		}
	}
	return false
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
