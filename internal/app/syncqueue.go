package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quiz-session-client/internal/domain"
)

var errQueueClosed = errors.New("sync queue closed")

// FlushResult reports whether a bounded flush emptied the queue.
type FlushResult struct {
	Drained   bool
	Remaining int
}

// SyncQueueConfig wires a queue to its session.
type SyncQueueConfig struct {
	SessionID string
	API       SessionAPI
	Store     JournalStore
	Retry     RetryPolicy
	Events    EventFunc
	Now       func() time.Time
	Logger    zerolog.Logger
}

// SyncQueue delivers pending writes FIFO across keys, collapsing writes that
// share a key so only the latest value is ever sent. A single delivery pass
// runs at a time, so at most one write is in flight.
type SyncQueue struct {
	sessionID string
	api       SessionAPI
	store     JournalStore
	retry     RetryPolicy
	emit      EventFunc
	now       func() time.Time
	log       zerolog.Logger

	sem  chan struct{}
	kick chan struct{}

	// journalMu orders journal puts and deletes for the same key.
	journalMu sync.Mutex

	mu      sync.Mutex
	order   []string
	pending map[string]domain.PendingWrite
	seq     uint64
	closed  bool
}

func NewSyncQueue(cfg SyncQueueConfig) *SyncQueue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = discardEvents
	}
	return &SyncQueue{
		sessionID: cfg.SessionID,
		api:       cfg.API,
		store:     cfg.Store,
		retry:     cfg.Retry.withDefaults(),
		emit:      cfg.Events,
		now:       cfg.Now,
		log:       cfg.Logger.With().Str("component", "sync_queue").Logger(),
		sem:       make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		pending:   make(map[string]domain.PendingWrite),
		// Seeding from the clock keeps sequence numbers increasing across
		// client restarts of the same session.
		seq: uint64(cfg.Now().UnixMicro()),
	}
}

// Enqueue assigns the next sequence number and replaces any queued write with the same key.
func (q *SyncQueue) Enqueue(ctx context.Context, w domain.PendingWrite) (domain.PendingWrite, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return w, false
	}
	q.seq++
	w.Seq = q.seq
	w.Attempt = 0
	w.EnqueuedAt = q.now()
	key := w.Key()
	if _, ok := q.pending[key]; !ok {
		q.order = append(q.order, key)
	}
	q.pending[key] = w
	q.mu.Unlock()

	q.persist(ctx, w)
	return w, true
}

// Restore loads writes recovered from the journal, oldest first.
func (q *SyncQueue) Restore(writes []domain.PendingWrite) {
	sorted := append([]domain.PendingWrite(nil), writes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range sorted {
		key := w.Key()
		if cur, ok := q.pending[key]; ok && cur.Seq >= w.Seq {
			continue
		}
		if _, ok := q.pending[key]; !ok {
			q.order = append(q.order, key)
		}
		q.pending[key] = w
		if w.Seq > q.seq {
			q.seq = w.Seq
		}
	}
}

func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Pending returns the queued writes in delivery order.
func (q *SyncQueue) Pending() []domain.PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PendingWrite, 0, len(q.order))
	for _, key := range q.order {
		out = append(out, q.pending[key])
	}
	return out
}

// Has reports whether a write with the given key is queued.
func (q *SyncQueue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[key]
	return ok
}

// Kick asks the background loop to run a pass now.
func (q *SyncQueue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Clear drops every queued write.
func (q *SyncQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.pending = make(map[string]domain.PendingWrite)
}

// Close stops new writes from being accepted or delivered. In-flight calls are not aborted.
func (q *SyncQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// FlushAll delivers until the queue is empty or timeout elapses.
func (q *SyncQueue) FlushAll(ctx context.Context, timeout time.Duration) FlushResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return FlushResult{Drained: false, Remaining: q.Len()}
	}
	defer func() { <-q.sem }()

	for {
		drained, err := q.pass(ctx)
		if drained {
			return FlushResult{Drained: true}
		}
		if errors.Is(err, errQueueClosed) {
			return FlushResult{Drained: false, Remaining: q.Len()}
		}
		select {
		case <-ctx.Done():
			remaining := q.Len()
			q.log.Warn().Int("remaining", remaining).Msg("flush timed out")
			return FlushResult{Drained: remaining == 0, Remaining: remaining}
		case <-time.After(q.retry.InitialInterval):
		}
	}
}

// Run delivers on every interval tick or kick until ctx is done.
func (q *SyncQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		}
		select {
		case q.sem <- struct{}{}:
		default:
			// a flush is already delivering
			continue
		}
		if _, err := q.pass(ctx); err != nil && !errors.Is(err, errQueueClosed) {
			q.log.Debug().Err(err).Int("remaining", q.Len()).Msg("sync pass incomplete")
		}
		<-q.sem
	}
}

// pass delivers head-first. It stops at the first write whose retries are
// exhausted so the next tick starts again from the oldest write.
func (q *SyncQueue) pass(ctx context.Context) (bool, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, errQueueClosed
		}
		if len(q.order) == 0 {
			q.mu.Unlock()
			return true, nil
		}
		w := q.pending[q.order[0]]
		q.mu.Unlock()

		attempts, err := retry(ctx, q.retry, func(int) error {
			return send(ctx, q.api, q.sessionID, w)
		})
		q.complete(ctx, w, attempts, err)
		if err != nil && !domain.IsRejected(err) {
			return false, err
		}
	}
}

func (q *SyncQueue) complete(ctx context.Context, w domain.PendingWrite, attempts int, err error) {
	key := w.Key()
	// journal bookkeeping must survive a flush deadline
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()
	cur, ok := q.pending[key]
	current := ok && cur.Seq == w.Seq
	removed := false
	switch {
	case err == nil || domain.IsRejected(err):
		if current {
			q.removeLocked(key)
			removed = true
		}
	case current:
		cur.Attempt += attempts
		q.pending[key] = cur
		w = cur
	}
	q.mu.Unlock()

	if removed {
		q.journalMu.Lock()
		if derr := q.store.DeletePending(ctx, q.sessionID, key); derr != nil {
			q.log.Warn().Err(derr).Str("key", key).Msg("journal delete pending failed")
		}
		q.journalMu.Unlock()
	}

	switch {
	case err == nil && current:
		q.emit(Event{Kind: EventWriteAcked, Write: w})
	case err == nil:
		q.log.Debug().Str("key", key).Uint64("seq", w.Seq).Msg("stale ack discarded")
	case domain.IsRejected(err):
		q.log.Error().Err(err).Str("key", key).Msg("write rejected")
		q.emit(Event{Kind: EventWriteRejected, Write: w, Err: err})
	default:
		if current {
			q.persist(ctx, w)
		}
		q.log.Warn().Err(err).Str("key", key).Int("attempt", w.Attempt).Msg("write retries exhausted, keeping queued")
		q.emit(Event{Kind: EventWriteRetrying, Write: w, Err: err})
	}
}

func (q *SyncQueue) removeLocked(key string) {
	delete(q.pending, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// persist journals w unless it was already delivered or superseded.
func (q *SyncQueue) persist(ctx context.Context, w domain.PendingWrite) {
	q.journalMu.Lock()
	defer q.journalMu.Unlock()

	q.mu.Lock()
	cur, ok := q.pending[w.Key()]
	q.mu.Unlock()
	if !ok || cur.Seq != w.Seq {
		return
	}
	if err := q.store.PutPending(ctx, q.sessionID, w); err != nil {
		q.log.Warn().Err(err).Str("key", w.Key()).Msg("journal put pending failed")
	}
}
