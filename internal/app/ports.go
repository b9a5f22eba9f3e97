package app

import (
	"context"

	"quiz-session-client/internal/domain"
)

// SessionAPI is the backend that owns session truth.
type SessionAPI interface {
	StartSession(ctx context.Context, req domain.StartRequest) (domain.StartResponse, error)
	SaveAnswer(ctx context.Context, req domain.SaveAnswerRequest) error
	SetFlag(ctx context.Context, sessionID, questionID string, flagged bool) error
	GoToQuestion(ctx context.Context, sessionID string, position int) error
	PauseSession(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	ResumeSession(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	Heartbeat(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	TimeRemaining(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	QuestionsStatus(ctx context.Context, sessionID string) ([]domain.RemoteQuestionStatus, error)
	SubmitSession(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error)
}

// JournalStore abstracts the local durable record of a session (in-memory, Redis, Postgres).
type JournalStore interface {
	PutMeta(ctx context.Context, sessionID string, meta domain.JournalMeta) error
	PutAnswer(ctx context.Context, sessionID, questionID string, answer domain.Answer) error
	PutFlag(ctx context.Context, sessionID, questionID string, flagged bool) error
	PutPending(ctx context.Context, sessionID string, w domain.PendingWrite) error
	DeletePending(ctx context.Context, sessionID, key string) error
	Load(ctx context.Context, sessionID string) (domain.Journal, error)
	Clear(ctx context.Context, sessionID string) error
}

// send delivers one queued write through the API.
func send(ctx context.Context, api SessionAPI, sessionID string, w domain.PendingWrite) error {
	switch w.Kind {
	case domain.WriteSaveAnswer:
		return api.SaveAnswer(ctx, domain.SaveAnswerRequest{
			SessionID:  sessionID,
			QuestionID: w.QuestionID,
			Answer:     w.Payload,
			Seq:        w.Seq,
		})
	case domain.WriteFlag:
		return api.SetFlag(ctx, sessionID, w.QuestionID, true)
	case domain.WriteUnflag:
		return api.SetFlag(ctx, sessionID, w.QuestionID, false)
	case domain.WriteNavigate:
		return api.GoToQuestion(ctx, sessionID, w.Position)
	default:
		return domain.Rejected("send", 0, "unknown write kind "+string(w.Kind))
	}
}
