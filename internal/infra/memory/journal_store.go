package memory

import (
	"context"
	"sort"
	"sync"

	"quiz-session-client/internal/domain"
)

// JournalStore is an in-memory implementation of app.JournalStore. It
// survives controller restarts within one process only.
type JournalStore struct {
	mu       sync.RWMutex
	journals map[string]*domain.Journal
	pending  map[string]map[string]domain.PendingWrite
}

func NewJournalStore() *JournalStore {
	return &JournalStore{
		journals: make(map[string]*domain.Journal),
		pending:  make(map[string]map[string]domain.PendingWrite),
	}
}

func (s *JournalStore) PutMeta(_ context.Context, sessionID string, meta domain.JournalMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta.QuestionIDs = append([]string(nil), meta.QuestionIDs...)
	s.getOrCreateLocked(sessionID).Meta = &meta
	return nil
}

func (s *JournalStore) PutAnswer(_ context.Context, sessionID, questionID string, answer domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(sessionID).Answers[questionID] = answer.Clone()
	return nil
}

func (s *JournalStore) PutFlag(_ context.Context, sessionID, questionID string, flagged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.getOrCreateLocked(sessionID)
	if flagged {
		j.Flags[questionID] = true
	} else {
		delete(j.Flags, questionID)
	}
	return nil
}

func (s *JournalStore) PutPending(_ context.Context, sessionID string, w domain.PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(sessionID)
	w.Payload = w.Payload.Clone()
	s.pending[sessionID][w.Key()] = w
	return nil
}

func (s *JournalStore) DeletePending(_ context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if writes, ok := s.pending[sessionID]; ok {
		delete(writes, key)
	}
	return nil
}

// Load returns a copy of the journal. An unknown session yields an empty journal with no meta.
func (s *JournalStore) Load(_ context.Context, sessionID string) (domain.Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := domain.NewJournal()
	j, ok := s.journals[sessionID]
	if !ok {
		return out, nil
	}
	if j.Meta != nil {
		meta := *j.Meta
		meta.QuestionIDs = append([]string(nil), j.Meta.QuestionIDs...)
		out.Meta = &meta
	}
	for id, answer := range j.Answers {
		out.Answers[id] = answer.Clone()
	}
	for id := range j.Flags {
		out.Flags[id] = true
	}
	for _, w := range s.pending[sessionID] {
		w.Payload = w.Payload.Clone()
		out.Pending = append(out.Pending, w)
	}
	sort.Slice(out.Pending, func(i, k int) bool { return out.Pending[i].Seq < out.Pending[k].Seq })
	return out, nil
}

func (s *JournalStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.journals, sessionID)
	delete(s.pending, sessionID)
	return nil
}

func (s *JournalStore) getOrCreateLocked(sessionID string) *domain.Journal {
	if j, ok := s.journals[sessionID]; ok {
		return j
	}
	j := domain.NewJournal()
	s.journals[sessionID] = &j
	s.pending[sessionID] = make(map[string]domain.PendingWrite)
	return &j
}
