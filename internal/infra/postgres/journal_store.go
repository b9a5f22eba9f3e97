package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-session-client/internal/domain"
)

// JournalStore persists the session journal in Postgres. The schema lives in
// the migrations package.
type JournalStore struct {
	pool *pgxpool.Pool
}

func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

func (s *JournalStore) PutMeta(ctx context.Context, sessionID string, meta domain.JournalMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal journal meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO journal_meta (session_id, meta) VALUES ($1, $2::jsonb)
		ON CONFLICT (session_id) DO UPDATE SET meta = EXCLUDED.meta, updated_at = now()`,
		sessionID, string(raw))
	if err != nil {
		return fmt.Errorf("put journal meta: %w", err)
	}
	return nil
}

func (s *JournalStore) PutAnswer(ctx context.Context, sessionID, questionID string, answer domain.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO journal_answers (session_id, question_id, answer) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (session_id, question_id) DO UPDATE SET answer = EXCLUDED.answer, updated_at = now()`,
		sessionID, questionID, string(raw))
	if err != nil {
		return fmt.Errorf("put answer: %w", err)
	}
	return nil
}

func (s *JournalStore) PutFlag(ctx context.Context, sessionID, questionID string, flagged bool) error {
	var err error
	if flagged {
		_, err = s.pool.Exec(ctx, `INSERT INTO journal_flags (session_id, question_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, sessionID, questionID)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM journal_flags WHERE session_id = $1 AND question_id = $2`,
			sessionID, questionID)
	}
	if err != nil {
		return fmt.Errorf("put flag: %w", err)
	}
	return nil
}

func (s *JournalStore) PutPending(ctx context.Context, sessionID string, w domain.PendingWrite) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO journal_pending (session_id, write_key, seq, write) VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (session_id, write_key) DO UPDATE SET seq = EXCLUDED.seq, write = EXCLUDED.write`,
		sessionID, w.Key(), int64(w.Seq), string(raw))
	if err != nil {
		return fmt.Errorf("put pending: %w", err)
	}
	return nil
}

func (s *JournalStore) DeletePending(ctx context.Context, sessionID, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM journal_pending WHERE session_id = $1 AND write_key = $2`,
		sessionID, key); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

func (s *JournalStore) Load(ctx context.Context, sessionID string) (domain.Journal, error) {
	j := domain.NewJournal()

	var rawMeta []byte
	err := s.pool.QueryRow(ctx, `SELECT meta FROM journal_meta WHERE session_id = $1`, sessionID).Scan(&rawMeta)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return j, fmt.Errorf("load journal meta: %w", err)
	default:
		var meta domain.JournalMeta
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return j, fmt.Errorf("decode journal meta: %w", err)
		}
		j.Meta = &meta
	}

	rows, err := s.pool.Query(ctx, `SELECT question_id, answer FROM journal_answers WHERE session_id = $1`, sessionID)
	if err != nil {
		return j, fmt.Errorf("load answers: %w", err)
	}
	for rows.Next() {
		var questionID string
		var raw []byte
		if err := rows.Scan(&questionID, &raw); err != nil {
			rows.Close()
			return j, fmt.Errorf("scan answer: %w", err)
		}
		j.Answers[questionID] = domain.Answer(raw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return j, fmt.Errorf("load answers: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT question_id FROM journal_flags WHERE session_id = $1`, sessionID)
	if err != nil {
		return j, fmt.Errorf("load flags: %w", err)
	}
	for rows.Next() {
		var questionID string
		if err := rows.Scan(&questionID); err != nil {
			rows.Close()
			return j, fmt.Errorf("scan flag: %w", err)
		}
		j.Flags[questionID] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return j, fmt.Errorf("load flags: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT write FROM journal_pending WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return j, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return j, fmt.Errorf("scan pending: %w", err)
		}
		var w domain.PendingWrite
		if err := json.Unmarshal(raw, &w); err != nil {
			return j, fmt.Errorf("decode pending: %w", err)
		}
		j.Pending = append(j.Pending, w)
	}
	if err := rows.Err(); err != nil {
		return j, fmt.Errorf("load pending: %w", err)
	}
	return j, nil
}

// Clear removes every journal row of the session in one transaction.
func (s *JournalStore) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"journal_pending", "journal_flags", "journal_answers", "journal_meta"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit(ctx)
}
