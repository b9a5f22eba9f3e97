package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Mode selects the behavioral rules of an attempt.
type Mode string

const (
	ModePractice Mode = "practice"
	ModeExam     Mode = "exam"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePractice || m == ModeExam
}

// State is the lifecycle state of the client-side session.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StateReviewing  State = "reviewing"
	StateExpired    State = "expired"
)

// Terminal reports whether no further mutation is possible for the attempt.
func (s State) Terminal() bool {
	return s == StateSubmitted || s == StateReviewing
}

// QuestionStatus is always derived from the answer and the flag set.
type QuestionStatus string

const (
	StatusUnanswered        QuestionStatus = "unanswered"
	StatusAnswered          QuestionStatus = "answered"
	StatusFlaggedAnswered   QuestionStatus = "flagged_answered"
	StatusFlaggedUnanswered QuestionStatus = "flagged_unanswered"
)

// DeriveStatus computes the slot status; flag and answer are orthogonal bits.
func DeriveStatus(answer Answer, flagged bool) QuestionStatus {
	answered := !answer.Empty()
	switch {
	case answered && flagged:
		return StatusFlaggedAnswered
	case answered:
		return StatusAnswered
	case flagged:
		return StatusFlaggedUnanswered
	default:
		return StatusUnanswered
	}
}

// Answered reports whether the status carries an answer.
func (s QuestionStatus) Answered() bool {
	return s == StatusAnswered || s == StatusFlaggedAnswered
}

// Flagged reports whether the status carries the flag bit.
func (s QuestionStatus) Flagged() bool {
	return s == StatusFlaggedAnswered || s == StatusFlaggedUnanswered
}

// Answer is an opaque payload whose shape depends on the question type.
type Answer json.RawMessage

// MarshalJSON keeps the payload verbatim.
func (a Answer) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(a).MarshalJSON()
}

// UnmarshalJSON keeps the payload verbatim.
func (a *Answer) UnmarshalJSON(data []byte) error {
	*a = append((*a)[0:0], data...)
	return nil
}

var emptyAnswers = [][]byte{[]byte("null"), []byte(`""`), []byte("[]"), []byte("{}")}

// Empty reports whether the payload carries no answer.
func (a Answer) Empty() bool {
	trimmed := bytes.TrimSpace(a)
	if len(trimmed) == 0 {
		return true
	}
	for _, e := range emptyAnswers {
		if bytes.Equal(trimmed, e) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (a Answer) Clone() Answer {
	if a == nil {
		return nil
	}
	return append(Answer(nil), a...)
}

// QuizSession identifies one attempt.
type QuizSession struct {
	SessionID           string    `json:"sessionId"`
	QuizID              string    `json:"quizId"`
	Mode                Mode      `json:"mode"`
	TotalQuestions      int       `json:"totalQuestions"`
	TimeLimitSeconds    *int      `json:"timeLimitSeconds,omitempty"`
	StartedAt           time.Time `json:"startedAt"`
	State               State     `json:"state"`
	ServerTimeRemaining int       `json:"serverTimeRemainingSeconds"`
	LocalTimeRemaining  int       `json:"localTimeRemainingSeconds"`
}

// Timed reports whether the attempt has a time limit.
func (s QuizSession) Timed() bool {
	return s.TimeLimitSeconds != nil
}

// QuestionSlot is one question position in 1..N.
type QuestionSlot struct {
	Position      int            `json:"position"`
	QuestionID    string         `json:"questionId"`
	Status        QuestionStatus `json:"status"`
	CurrentAnswer Answer         `json:"currentAnswer,omitempty"`
	LastSyncedAt  *time.Time     `json:"lastSyncedAt,omitempty"`
}

// WriteKind enumerates queued mutations.
type WriteKind string

const (
	WriteSaveAnswer WriteKind = "save_answer"
	WriteFlag       WriteKind = "flag"
	WriteUnflag     WriteKind = "unflag"
	WriteNavigate   WriteKind = "navigate"
)

// PendingWrite is a mutation awaiting server acknowledgment.
type PendingWrite struct {
	Kind       WriteKind `json:"kind"`
	QuestionID string    `json:"questionId,omitempty"`
	Position   int       `json:"position,omitempty"`
	Payload    Answer    `json:"payload,omitempty"`
	Seq        uint64    `json:"seq"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Key groups writes that coalesce: later writes with the same key replace earlier ones.
func (w PendingWrite) Key() string {
	switch w.Kind {
	case WriteSaveAnswer:
		return "answer:" + w.QuestionID
	case WriteFlag, WriteUnflag:
		return "flag:" + w.QuestionID
	default:
		return "navigate"
	}
}

// TimeVerdict is the server's view of the attempt clock.
type TimeVerdict string

const (
	VerdictRunning   TimeVerdict = "running"
	VerdictPaused    TimeVerdict = "paused"
	VerdictExpired   TimeVerdict = "expired"
	VerdictSubmitted TimeVerdict = "submitted"
)

// TimeStatus is returned by heartbeat, resume and time-remaining.
type TimeStatus struct {
	RemainingSeconds int         `json:"remainingSeconds"`
	Status           TimeVerdict `json:"status"`
	PausesRemaining  *int        `json:"pausesRemaining,omitempty"`
}

// Expired reports whether the server considers the clock exhausted.
func (t TimeStatus) Expired() bool {
	return t.Status == VerdictExpired
}

// SubmitResult is the outcome of the single effective submission.
type SubmitResult struct {
	SessionID     string    `json:"sessionId"`
	Score         float64   `json:"score"`
	MaxScore      float64   `json:"maxScore"`
	Answered      int       `json:"answered"`
	SubmittedAt   time.Time `json:"submittedAt"`
	Forced        bool      `json:"forced"`
	AutoSubmitted bool      `json:"autoSubmitted"`
}

// RemoteQuestionStatus is one entry of the questions-status endpoint.
type RemoteQuestionStatus struct {
	Position   int    `json:"position"`
	QuestionID string `json:"questionId"`
	Answered   bool   `json:"answered"`
	Flagged    bool   `json:"flagged"`
}

// Snapshot is the read-only view rendered by the UI.
type Snapshot struct {
	Session          *QuizSession   `json:"session,omitempty"`
	State            State          `json:"state"`
	TimeRemaining    *int           `json:"timeRemaining,omitempty"`
	CurrentPosition  int            `json:"currentPosition"`
	Slots            []QuestionSlot `json:"slots"`
	FlaggedPositions []int          `json:"flaggedPositions"`
	PausesRemaining  int            `json:"pausesRemaining"`
	PendingWrites    int            `json:"pendingWrites"`
	Degraded         bool           `json:"degraded"`
	Result           *SubmitResult  `json:"result,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
}

// JournalMeta is the durable identity of a session needed to rebuild it.
type JournalMeta struct {
	Session     QuizSession `json:"session"`
	QuestionIDs []string    `json:"questionIds"`
	Position    int         `json:"position"`
}

// Journal is everything the client persisted locally for one session.
type Journal struct {
	Meta    *JournalMeta      `json:"meta,omitempty"`
	Answers map[string]Answer `json:"answers"`
	Flags   map[string]bool   `json:"flags"`
	Pending []PendingWrite    `json:"pending"`
}

// NewJournal returns an empty journal.
func NewJournal() Journal {
	return Journal{
		Answers: make(map[string]Answer),
		Flags:   make(map[string]bool),
	}
}
