package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-session-client/internal/domain"
)

// QuizLoader fetches quiz content from a backing store.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches quizzes with a TTL in front of a loader. Concurrent
// misses for the same quiz share one load.
type QuizRepository struct {
	loader QuizLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedQuiz
}

type cachedQuiz struct {
	quiz      domain.Quiz
	expiresAt time.Time
}

func NewQuizRepository(loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuiz),
	}
}

func (r *QuizRepository) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.lookup(quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		if quiz, ok := r.lookup(quizID); ok {
			return quiz, nil
		}
		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}

		expiresAt := r.clock().Add(r.ttlWithJitter())
		r.mu.Lock()
		r.cache[quizID] = cachedQuiz{quiz: quiz, expiresAt: expiresAt}
		r.mu.Unlock()
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (r *QuizRepository) lookup(quizID string) (domain.Quiz, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[quizID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return domain.Quiz{}, false
	}
	return entry.quiz, true
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(r.ttl) / 10
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticQuizLoader serves quizzes from a map.
type StaticQuizLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, fmt.Errorf("quiz %s: %w", quizID, domain.ErrQuizNotFound)
}

// DemoQuizzes returns a small catalog for local runs: a timed exam quiz and an untimed practice quiz.
func DemoQuizzes() map[string]domain.Quiz {
	limit := 600
	return map[string]domain.Quiz{
		"go-basics": {
			ID:               "go-basics",
			Title:            "Go basics",
			TimeLimitSeconds: &limit,
			Questions: []domain.Question{
				demoQuestion("q1", "Which keyword starts a goroutine?", "go", "defer", "chan"),
				demoQuestion("q2", "What does a nil map panic on?", "write", "read", "len"),
				demoQuestion("q3", "Which package provides singleflight?", "x/sync", "sync", "context"),
			},
		},
		"go-practice": {
			ID:    "go-practice",
			Title: "Go practice",
			Questions: []domain.Question{
				demoQuestion("p1", "Zero value of a slice?", "nil", "[]", "0"),
				demoQuestion("p2", "Which verb prints a value with field names?", "%+v", "%v", "%s"),
			},
		},
	}
}

// demoQuestion marks the first option correct.
func demoQuestion(id, prompt string, options ...string) domain.Question {
	q := domain.Question{ID: id, Prompt: prompt, Points: 1}
	for i, text := range options {
		q.Options = append(q.Options, domain.Option{
			ID:      fmt.Sprintf("%s-%c", id, 'a'+i),
			Text:    text,
			Correct: i == 0,
		})
	}
	return q
}
