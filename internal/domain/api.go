package domain

import "time"

// StartRequest opens a new attempt.
type StartRequest struct {
	QuizID string `json:"quizId"`
	Mode   Mode   `json:"mode"`
}

// StartResponse describes the attempt the backend created.
type StartResponse struct {
	SessionID        string    `json:"sessionId"`
	QuizID           string    `json:"quizId"`
	Mode             Mode      `json:"mode"`
	QuestionIDs      []string  `json:"questionIds"`
	TimeLimitSeconds *int      `json:"timeLimitSeconds,omitempty"`
	RemainingSeconds int       `json:"remainingSeconds"`
	PausesRemaining  *int      `json:"pausesRemaining,omitempty"`
	StartedAt        time.Time `json:"startedAt"`
}

// SaveAnswerRequest is idempotent per (session, question, seq).
type SaveAnswerRequest struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	Answer     Answer `json:"answer"`
	Seq        uint64 `json:"seq"`
}

// SessionRequest is the body of pause, resume and heartbeat.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// SubmitRequest carries the full answer set so the server never depends on
// earlier saves having arrived.
type SubmitRequest struct {
	SessionID     string            `json:"sessionId"`
	Answers       map[string]Answer `json:"answers"`
	Flagged       []string          `json:"flagged"`
	AutoSubmitted bool              `json:"autoSubmitted"`
	Forced        bool              `json:"forced"`
}
