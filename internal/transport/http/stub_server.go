package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"quiz-session-client/internal/domain"
)

// StubBackend is what the development server exposes. memory.Backend implements it.
type StubBackend interface {
	StartSession(ctx context.Context, req domain.StartRequest) (domain.StartResponse, error)
	SaveAnswer(ctx context.Context, req domain.SaveAnswerRequest) error
	SetFlag(ctx context.Context, sessionID, questionID string, flagged bool) error
	GoToQuestion(ctx context.Context, sessionID string, position int) error
	NextQuestion(ctx context.Context, sessionID string) (int, error)
	PauseSession(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	ResumeSession(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	Heartbeat(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	TimeRemaining(ctx context.Context, sessionID string) (domain.TimeStatus, error)
	QuestionsStatus(ctx context.Context, sessionID string) ([]domain.RemoteQuestionStatus, error)
	FlaggedQuestions(ctx context.Context, sessionID string) ([]int, error)
	SubmitSession(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error)
}

// NewStubRouter serves backend over the session REST API. A non-empty token
// is required as a bearer credential on every /sessions route.
func NewStubRouter(backend StubBackend, token string, log zerolog.Logger) http.Handler {
	h := &stubHandler{backend: backend, log: log.With().Str("component", "stub_server").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Use(requireToken(token))
		r.Post("/start", h.start)
		r.Post("/save-answer", h.saveAnswer)
		r.Post("/submit", h.submit)
		r.Post("/pause", h.timeCall(backend.PauseSession))
		r.Post("/resume", h.timeCall(backend.ResumeSession))
		r.Post("/heartbeat", h.timeCall(backend.Heartbeat))
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Post("/next-question", h.nextQuestion)
			r.Post("/go-to-question/{position}", h.goToQuestion)
			r.Get("/questions-status", h.questionsStatus)
			r.Get("/time-remaining", h.timeRemaining)
			r.Get("/flagged-questions", h.flaggedQuestions)
			r.Put("/questions/{questionID}/flag", h.flag(true))
			r.Delete("/questions/{questionID}/flag", h.flag(false))
		})
	})
	return r
}

type stubHandler struct {
	backend StubBackend
	log     zerolog.Logger
}

func (h *stubHandler) start(w http.ResponseWriter, r *http.Request) {
	var req domain.StartRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.backend.StartSession(r.Context(), req)
	h.respond(w, r, http.StatusCreated, resp, err)
}

func (h *stubHandler) saveAnswer(w http.ResponseWriter, r *http.Request) {
	var req domain.SaveAnswerRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, r, http.StatusNoContent, nil, h.backend.SaveAnswer(r.Context(), req))
}

func (h *stubHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.backend.SubmitSession(r.Context(), req)
	h.respond(w, r, http.StatusOK, result, err)
}

func (h *stubHandler) timeCall(fn func(context.Context, string) (domain.TimeStatus, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.SessionRequest
		if !decode(w, r, &req) {
			return
		}
		status, err := fn(r.Context(), req.SessionID)
		h.respond(w, r, http.StatusOK, status, err)
	}
}

func (h *stubHandler) nextQuestion(w http.ResponseWriter, r *http.Request) {
	pos, err := h.backend.NextQuestion(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, r, http.StatusOK, positionResponse{Position: pos}, err)
}

func (h *stubHandler) goToQuestion(w http.ResponseWriter, r *http.Request) {
	pos, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "position must be an integer"})
		return
	}
	err = h.backend.GoToQuestion(r.Context(), chi.URLParam(r, "sessionID"), pos)
	h.respond(w, r, http.StatusNoContent, nil, err)
}

func (h *stubHandler) questionsStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.backend.QuestionsStatus(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, r, http.StatusOK, questionsStatusResponse{Questions: statuses}, err)
}

func (h *stubHandler) timeRemaining(w http.ResponseWriter, r *http.Request) {
	status, err := h.backend.TimeRemaining(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, r, http.StatusOK, status, err)
}

func (h *stubHandler) flaggedQuestions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.backend.FlaggedQuestions(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, r, http.StatusOK, flaggedResponse{Positions: positions}, err)
}

func (h *stubHandler) flag(flagged bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.backend.SetFlag(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "questionID"), flagged)
		h.respond(w, r, http.StatusNoContent, nil, err)
	}
}

func (h *stubHandler) respond(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		code := http.StatusInternalServerError
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
			code = apiErr.StatusCode
		}
		msg := err.Error()
		if apiErr != nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		h.log.Debug().Str("request_id", middleware.GetReqID(r.Context())).Int("status", code).Str("error", msg).
			Msg(r.Method + " " + r.URL.Path)
		respondJSON(w, code, errorResponse{Error: msg})
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	respondJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "bad json"})
		return false
	}
	return true
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
