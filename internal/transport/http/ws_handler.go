package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quiz-session-client/internal/app"
	"quiz-session-client/internal/domain"
)

// ControllerFactory builds a fresh controller for one UI connection.
type ControllerFactory func() *app.Controller

// WSHandler bridges a browser UI to one session controller per connection.
// Inbound messages are user intents; outbound messages are snapshots and
// classified errors.
type WSHandler struct {
	newController ControllerFactory
	upgrader      websocket.Upgrader
	log           zerolog.Logger
}

func NewWSHandler(newController ControllerFactory, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		newController: newController,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws_bridge").Logger(),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type startPayload struct {
	QuizID string      `json:"quizId"`
	Mode   domain.Mode `json:"mode"`
}

type answerPayload struct {
	QuestionID string        `json:"questionId"`
	Answer     domain.Answer `json:"answer"`
}

type questionPayload struct {
	QuestionID string `json:"questionId"`
}

type goToPayload struct {
	Position int `json:"position"`
}

type recoverPayload struct {
	SessionID string `json:"sessionId"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Op      string `json:"op"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

// Error classes sent to the UI.
const (
	ClassState     = "state"
	ClassRejected  = "rejected"
	ClassTransient = "transient"
	ClassInvalid   = "invalid"
)

var errBadPayload = errors.New("invalid payload")

// ServeWS upgrades the request and runs the intent loop until the client
// disconnects. An optional sessionId query parameter recovers a journaled attempt.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ctrl := h.newController()
	defer ctrl.Close(ctx)

	snapshots, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// single writer: gorilla connections do not support concurrent writes
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "snapshot", Payload: snap}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	reply := func(op string, err error) {
		if err == nil {
			return
		}
		select {
		case send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Op: op, Class: classOf(err), Message: err.Error()}}:
		case <-writerDone:
		}
	}

	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		reply("recover", ctrl.Recover(ctx, sid))
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		result, err := h.dispatch(ctx, ctrl, inbound)
		reply(inbound.Type, err)
		if result != nil {
			select {
			case send <- outboundMessage[any]{Type: "result", Payload: result}:
			case <-writerDone:
			}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(ctx context.Context, ctrl *app.Controller, msg inboundMessage) (*domain.SubmitResult, error) {
	switch msg.Type {
	case "start":
		var p startPayload
		if err := unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, ctrl.Start(ctx, p.QuizID, p.Mode)
	case "recover":
		var p recoverPayload
		if err := unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, ctrl.Recover(ctx, p.SessionID)
	case "answer":
		var p answerPayload
		if err := unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, ctrl.Answer(ctx, p.QuestionID, p.Answer)
	case "flag", "unflag", "toggleFlag":
		var p questionPayload
		if err := unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		switch msg.Type {
		case "flag":
			return nil, ctrl.Flag(ctx, p.QuestionID)
		case "unflag":
			return nil, ctrl.Unflag(ctx, p.QuestionID)
		default:
			_, err := ctrl.ToggleFlag(ctx, p.QuestionID)
			return nil, err
		}
	case "next":
		_, err := ctrl.Next(ctx)
		return nil, err
	case "prev":
		_, err := ctrl.Prev(ctx)
		return nil, err
	case "goTo":
		var p goToPayload
		if err := unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		_, err := ctrl.GoTo(ctx, p.Position)
		return nil, err
	case "pause":
		return nil, ctrl.Pause(ctx)
	case "resume":
		return nil, ctrl.Resume(ctx)
	case "submit":
		result, err := ctrl.Submit(ctx)
		if err != nil {
			return nil, err
		}
		return &result, nil
	case "review":
		return nil, ctrl.Review()
	case "abandon":
		return nil, ctrl.Abandon(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", errBadPayload, msg.Type)
	}
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadPayload
	}
	return nil
}

// classOf maps an error onto the class the UI renders: state errors are
// programming mistakes, rejected ones need user action, transient ones are a
// "retrying" banner.
func classOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		return ClassState
	case domain.IsRejected(err):
		return ClassRejected
	case errors.Is(err, domain.ErrPositionOutOfRange),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrPauseNotAllowed),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidAnswer),
		errors.Is(err, domain.ErrNoSession),
		errors.Is(err, errBadPayload):
		return ClassInvalid
	default:
		return ClassTransient
	}
}
