package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quiz-session-client/internal/domain"
)

// ClientConfig configures the session API client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the session backend over REST. Every failure is an
// *domain.APIError classified as transient (network, timeout, 429, 5xx) or
// rejected (any other 4xx).
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		log:     cfg.Logger.With().Str("component", "session_client").Logger(),
	}
}

func (c *Client) StartSession(ctx context.Context, req domain.StartRequest) (domain.StartResponse, error) {
	var resp domain.StartResponse
	err := c.do(ctx, "start", http.MethodPost, "/sessions/start", req, &resp, "")
	return resp, err
}

func (c *Client) SaveAnswer(ctx context.Context, req domain.SaveAnswerRequest) error {
	key := fmt.Sprintf("%s:%s:%d", req.SessionID, req.QuestionID, req.Seq)
	return c.do(ctx, "save-answer", http.MethodPost, "/sessions/save-answer", req, nil, key)
}

func (c *Client) SetFlag(ctx context.Context, sessionID, questionID string, flagged bool) error {
	method := http.MethodPut
	if !flagged {
		method = http.MethodDelete
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/questions/" + url.PathEscape(questionID) + "/flag"
	return c.do(ctx, "flag", method, path, nil, nil, "")
}

func (c *Client) GoToQuestion(ctx context.Context, sessionID string, position int) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/go-to-question/" + strconv.Itoa(position)
	return c.do(ctx, "go-to-question", http.MethodPost, path, nil, nil, "")
}

// NextQuestion advances the server-side cursor and returns the new position.
func (c *Client) NextQuestion(ctx context.Context, sessionID string) (int, error) {
	var resp positionResponse
	err := c.do(ctx, "next-question", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/next-question", nil, &resp, "")
	return resp.Position, err
}

func (c *Client) PauseSession(ctx context.Context, sessionID string) (domain.TimeStatus, error) {
	return c.timeCall(ctx, "pause", http.MethodPost, "/sessions/pause", domain.SessionRequest{SessionID: sessionID})
}

func (c *Client) ResumeSession(ctx context.Context, sessionID string) (domain.TimeStatus, error) {
	return c.timeCall(ctx, "resume", http.MethodPost, "/sessions/resume", domain.SessionRequest{SessionID: sessionID})
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) (domain.TimeStatus, error) {
	return c.timeCall(ctx, "heartbeat", http.MethodPost, "/sessions/heartbeat", domain.SessionRequest{SessionID: sessionID})
}

func (c *Client) TimeRemaining(ctx context.Context, sessionID string) (domain.TimeStatus, error) {
	return c.timeCall(ctx, "time-remaining", http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/time-remaining", nil)
}

func (c *Client) QuestionsStatus(ctx context.Context, sessionID string) ([]domain.RemoteQuestionStatus, error) {
	var resp questionsStatusResponse
	err := c.do(ctx, "questions-status", http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/questions-status", nil, &resp, "")
	return resp.Questions, err
}

// FlaggedQuestions returns the positions the server has flagged.
func (c *Client) FlaggedQuestions(ctx context.Context, sessionID string) ([]int, error) {
	var resp flaggedResponse
	err := c.do(ctx, "flagged-questions", http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/flagged-questions", nil, &resp, "")
	return resp.Positions, err
}

func (c *Client) SubmitSession(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	var resp domain.SubmitResult
	err := c.do(ctx, "submit", http.MethodPost, "/sessions/submit", req, &resp, "submit:"+req.SessionID)
	return resp, err
}

func (c *Client) timeCall(ctx context.Context, op, method, path string, body any) (domain.TimeStatus, error) {
	var status domain.TimeStatus
	err := c.do(ctx, op, method, path, body, &status, "")
	return status, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return domain.Rejected(op, 0, fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return domain.Rejected(op, 0, err.Error())
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("op", op).Str("request_id", requestID).Msg("request failed")
		return domain.Transient(op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().Str("op", op).Str("request_id", requestID).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("session api call")

	if resp.StatusCode >= 300 {
		return classify(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classify(op string, resp *http.Response) error {
	var payload errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &domain.APIError{
			Op:         op,
			Kind:       domain.KindTransient,
			StatusCode: resp.StatusCode,
			Message:    payload.Error,
		}
	}
	return domain.Rejected(op, resp.StatusCode, payload.Error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type positionResponse struct {
	Position int `json:"position"`
}

type questionsStatusResponse struct {
	Questions []domain.RemoteQuestionStatus `json:"questions"`
}

type flaggedResponse struct {
	Positions []int `json:"positions"`
}
