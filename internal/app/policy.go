package app

import (
	"time"

	"quiz-session-client/internal/domain"
)

// Unlimited marks a pause budget without an upper bound.
const Unlimited = -1

// PolicyConfig carries the configurable parts of the mode rules.
type PolicyConfig struct {
	ExamMaxPauses             int
	HeartbeatInterval         time.Duration
	PracticeHeartbeatInterval time.Duration
}

// Policy is the behavior of one mode.
type Policy struct {
	Mode              domain.Mode
	PauseAllowed      bool
	MaxPauses         int
	TimeLimited       bool
	AutoSubmit        bool
	HeartbeatInterval time.Duration
}

// PolicyFor is a pure lookup keyed by mode.
func PolicyFor(mode domain.Mode, cfg PolicyConfig) (Policy, error) {
	switch mode {
	case domain.ModeExam:
		return Policy{
			Mode:              mode,
			PauseAllowed:      cfg.ExamMaxPauses != 0,
			MaxPauses:         cfg.ExamMaxPauses,
			TimeLimited:       true,
			AutoSubmit:        true,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, nil
	case domain.ModePractice:
		return Policy{
			Mode:              mode,
			PauseAllowed:      true,
			MaxPauses:         Unlimited,
			TimeLimited:       false,
			AutoSubmit:        false,
			HeartbeatInterval: cfg.PracticeHeartbeatInterval,
		}, nil
	default:
		return Policy{}, domain.ErrInvalidMode
	}
}

// PauseBudget counts the pauses left in an attempt.
type PauseBudget struct {
	remaining int
}

func NewPauseBudget(p Policy) *PauseBudget {
	if !p.PauseAllowed {
		return &PauseBudget{remaining: 0}
	}
	return &PauseBudget{remaining: p.MaxPauses}
}

// CanPause reports whether another pause is permitted.
func (b *PauseBudget) CanPause() bool {
	return b.remaining == Unlimited || b.remaining > 0
}

// Consume uses one pause. It returns false when none is left.
func (b *PauseBudget) Consume() bool {
	if !b.CanPause() {
		return false
	}
	if b.remaining != Unlimited {
		b.remaining--
	}
	return true
}

// Remaining returns the pauses left, or Unlimited.
func (b *PauseBudget) Remaining() int {
	return b.remaining
}

// Reconcile adopts the server's count. Unlimited budgets ignore it.
func (b *PauseBudget) Reconcile(server *int) {
	if server == nil || b.remaining == Unlimited {
		return
	}
	if *server < 0 {
		b.remaining = 0
		return
	}
	b.remaining = *server
}
