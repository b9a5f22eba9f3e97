package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-client/internal/domain"
)

// JournalStore keeps the local session journal in Redis so a restarted
// client process can recover it. Layout per session:
//
//	quiz:journal:{sid}:meta     JSON string
//	quiz:journal:{sid}:answers  HASH questionID -> answer JSON
//	quiz:journal:{sid}:flags    SET of questionIDs
//	quiz:journal:{sid}:pending  HASH write key -> PendingWrite JSON
//
// Every write refreshes the TTL of all four keys.
type JournalStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewJournalStore(client *redis.Client, ttl time.Duration) *JournalStore {
	return &JournalStore{client: client, ttl: ttl}
}

func (s *JournalStore) PutMeta(ctx context.Context, sessionID string, meta domain.JournalMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal journal meta: %w", err)
	}
	return s.write(ctx, sessionID, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.key(sessionID, "meta"), raw, 0)
	})
}

func (s *JournalStore) PutAnswer(ctx context.Context, sessionID, questionID string, answer domain.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	return s.write(ctx, sessionID, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, s.key(sessionID, "answers"), questionID, raw)
	})
}

func (s *JournalStore) PutFlag(ctx context.Context, sessionID, questionID string, flagged bool) error {
	return s.write(ctx, sessionID, func(pipe redis.Pipeliner) {
		if flagged {
			pipe.SAdd(ctx, s.key(sessionID, "flags"), questionID)
		} else {
			pipe.SRem(ctx, s.key(sessionID, "flags"), questionID)
		}
	})
}

func (s *JournalStore) PutPending(ctx context.Context, sessionID string, w domain.PendingWrite) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	return s.write(ctx, sessionID, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, s.key(sessionID, "pending"), w.Key(), raw)
	})
}

func (s *JournalStore) DeletePending(ctx context.Context, sessionID, key string) error {
	return s.client.HDel(ctx, s.key(sessionID, "pending"), key).Err()
}

func (s *JournalStore) Load(ctx context.Context, sessionID string) (domain.Journal, error) {
	j := domain.NewJournal()

	pipe := s.client.Pipeline()
	metaCmd := pipe.Get(ctx, s.key(sessionID, "meta"))
	answersCmd := pipe.HGetAll(ctx, s.key(sessionID, "answers"))
	flagsCmd := pipe.SMembers(ctx, s.key(sessionID, "flags"))
	pendingCmd := pipe.HGetAll(ctx, s.key(sessionID, "pending"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return j, fmt.Errorf("load journal: %w", err)
	}

	if raw, err := metaCmd.Bytes(); err == nil {
		var meta domain.JournalMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return j, fmt.Errorf("decode journal meta: %w", err)
		}
		j.Meta = &meta
	}
	for questionID, raw := range answersCmd.Val() {
		var answer domain.Answer
		if err := json.Unmarshal([]byte(raw), &answer); err != nil {
			return j, fmt.Errorf("decode answer %s: %w", questionID, err)
		}
		j.Answers[questionID] = answer
	}
	for _, questionID := range flagsCmd.Val() {
		j.Flags[questionID] = true
	}
	for key, raw := range pendingCmd.Val() {
		var w domain.PendingWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return j, fmt.Errorf("decode pending %s: %w", key, err)
		}
		j.Pending = append(j.Pending, w)
	}
	sort.Slice(j.Pending, func(a, b int) bool { return j.Pending[a].Seq < j.Pending[b].Seq })
	return j, nil
}

func (s *JournalStore) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.keys(sessionID)...).Err()
}

func (s *JournalStore) write(ctx context.Context, sessionID string, fn func(redis.Pipeliner)) error {
	pipe := s.client.TxPipeline()
	fn(pipe)
	if s.ttl > 0 {
		for _, key := range s.keys(sessionID) {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	return nil
}

func (s *JournalStore) keys(sessionID string) []string {
	return []string{
		s.key(sessionID, "meta"),
		s.key(sessionID, "answers"),
		s.key(sessionID, "flags"),
		s.key(sessionID, "pending"),
	}
}

func (s *JournalStore) key(sessionID, part string) string {
	return "quiz:journal:" + sessionID + ":" + part
}
