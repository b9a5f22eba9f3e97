package app

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quiz-session-client/internal/domain"
)

// AnswerCache is the local source of user intent: answers and flags are
// applied here synchronously, written through to the journal and queued for
// the backend.
type AnswerCache struct {
	sessionID string
	store     JournalStore
	queue     *SyncQueue
	log       zerolog.Logger

	answers map[string]domain.Answer
	flags   map[string]bool
	synced  map[string]time.Time
}

func NewAnswerCache(sessionID string, store JournalStore, queue *SyncQueue, log zerolog.Logger) *AnswerCache {
	return &AnswerCache{
		sessionID: sessionID,
		store:     store,
		queue:     queue,
		log:       log.With().Str("component", "answer_cache").Logger(),
		answers:   make(map[string]domain.Answer),
		flags:     make(map[string]bool),
		synced:    make(map[string]time.Time),
	}
}

// SetAnswer records value locally and enqueues a save, replacing any queued save for the question.
func (c *AnswerCache) SetAnswer(ctx context.Context, questionID string, value domain.Answer) {
	value = value.Clone()
	c.answers[questionID] = value
	delete(c.synced, questionID)

	if err := c.store.PutAnswer(ctx, c.sessionID, questionID, value); err != nil {
		c.log.Warn().Err(err).Str("question_id", questionID).Msg("journal put answer failed")
	}
	c.queue.Enqueue(ctx, domain.PendingWrite{
		Kind:       domain.WriteSaveAnswer,
		QuestionID: questionID,
		Payload:    value,
	})
}

// SetFlag sets the flag bit. It reports whether anything changed.
func (c *AnswerCache) SetFlag(ctx context.Context, questionID string, flagged bool) bool {
	if c.flags[questionID] == flagged {
		return false
	}
	if flagged {
		c.flags[questionID] = true
	} else {
		delete(c.flags, questionID)
	}

	if err := c.store.PutFlag(ctx, c.sessionID, questionID, flagged); err != nil {
		c.log.Warn().Err(err).Str("question_id", questionID).Msg("journal put flag failed")
	}
	kind := domain.WriteUnflag
	if flagged {
		kind = domain.WriteFlag
	}
	c.queue.Enqueue(ctx, domain.PendingWrite{Kind: kind, QuestionID: questionID})
	return true
}

// ToggleFlag flips the flag bit and returns the new value.
func (c *AnswerCache) ToggleFlag(ctx context.Context, questionID string) bool {
	flagged := !c.flags[questionID]
	c.SetFlag(ctx, questionID, flagged)
	return flagged
}

// Get returns the current answer and when the server last confirmed it.
func (c *AnswerCache) Get(questionID string) (domain.Answer, *time.Time) {
	answer := c.answers[questionID]
	if at, ok := c.synced[questionID]; ok {
		return answer, &at
	}
	return answer, nil
}

func (c *AnswerCache) IsFlagged(questionID string) bool {
	return c.flags[questionID]
}

// MarkSynced records a server acknowledgment for the question's answer.
func (c *AnswerCache) MarkSynced(questionID string, at time.Time) {
	c.synced[questionID] = at
}

// Answers returns a copy of every non-empty answer.
func (c *AnswerCache) Answers() map[string]domain.Answer {
	out := make(map[string]domain.Answer, len(c.answers))
	for id, answer := range c.answers {
		if answer.Empty() {
			continue
		}
		out[id] = answer.Clone()
	}
	return out
}

// Flagged returns the flagged question IDs.
func (c *AnswerCache) Flagged() []string {
	out := make([]string, 0, len(c.flags))
	for id := range c.flags {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// restore loads a journal without enqueuing anything.
func (c *AnswerCache) restore(j domain.Journal) {
	for id, answer := range j.Answers {
		c.answers[id] = answer.Clone()
	}
	for id, flagged := range j.Flags {
		if flagged {
			c.flags[id] = true
		}
	}
}

// FlushAll delivers queued writes with a bounded wait.
func (c *AnswerCache) FlushAll(ctx context.Context, timeout time.Duration) FlushResult {
	return c.queue.FlushAll(ctx, timeout)
}
