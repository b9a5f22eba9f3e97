package app

import (
	"fmt"
	"time"

	"quiz-session-client/internal/domain"
)

// slotSource is what the navigator reads to derive per-slot status.
type slotSource interface {
	Get(questionID string) (domain.Answer, *time.Time)
	IsFlagged(questionID string) bool
}

// Navigator keeps the ordered question positions and the cursor.
// Positions are 1-based.
type Navigator struct {
	ids     []string
	index   map[string]int
	current int
}

func NewNavigator(questionIDs []string) *Navigator {
	n := &Navigator{
		ids:   append([]string(nil), questionIDs...),
		index: make(map[string]int, len(questionIDs)),
	}
	for i, id := range n.ids {
		n.index[id] = i + 1
	}
	if len(n.ids) > 0 {
		n.current = 1
	}
	return n
}

func (n *Navigator) Len() int {
	return len(n.ids)
}

func (n *Navigator) Current() int {
	return n.current
}

// Next advances the cursor. At the last question it is a no-op and returns false.
func (n *Navigator) Next() bool {
	if n.current >= len(n.ids) {
		return false
	}
	n.current++
	return true
}

// Prev moves back. At the first question it is a no-op and returns false.
func (n *Navigator) Prev() bool {
	if n.current <= 1 {
		return false
	}
	n.current--
	return true
}

// GoTo moves the cursor to position. Out-of-range targets are errors, not clamped.
func (n *Navigator) GoTo(position int) error {
	if position < 1 || position > len(n.ids) {
		return fmt.Errorf("go to %d of %d: %w", position, len(n.ids), domain.ErrPositionOutOfRange)
	}
	n.current = position
	return nil
}

func (n *Navigator) QuestionAt(position int) (string, bool) {
	if position < 1 || position > len(n.ids) {
		return "", false
	}
	return n.ids[position-1], true
}

func (n *Navigator) PositionOf(questionID string) (int, bool) {
	pos, ok := n.index[questionID]
	return pos, ok
}

// QuestionIDs returns the ordered IDs.
func (n *Navigator) QuestionIDs() []string {
	return append([]string(nil), n.ids...)
}

// Slots derives every slot from the current answers and flags.
func (n *Navigator) Slots(src slotSource) []domain.QuestionSlot {
	slots := make([]domain.QuestionSlot, 0, len(n.ids))
	for i, id := range n.ids {
		answer, syncedAt := src.Get(id)
		slots = append(slots, domain.QuestionSlot{
			Position:      i + 1,
			QuestionID:    id,
			Status:        domain.DeriveStatus(answer, src.IsFlagged(id)),
			CurrentAnswer: answer,
			LastSyncedAt:  syncedAt,
		})
	}
	return slots
}

// FlaggedPositions lists flagged positions in order, for the review view.
func (n *Navigator) FlaggedPositions(src slotSource) []int {
	positions := []int{}
	for i, id := range n.ids {
		if src.IsFlagged(id) {
			positions = append(positions, i+1)
		}
	}
	return positions
}
