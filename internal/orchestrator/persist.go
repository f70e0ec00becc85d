package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

// persistQueue hands snapshots to a Persister from its own goroutine so a
// slow store never stalls scheduling. Only the newest pending snapshot of
// each assessment is kept; versions only grow, so skipped ones are stale.
type persistQueue struct {
	p      Persister
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]snapshot
	order   []string
	closed  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newPersistQueue(p Persister, logger *zap.Logger) *persistQueue {
	q := &persistQueue{
		p:       p,
		logger:  logger,
		pending: make(map[string]snapshot),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *persistQueue) enqueue(s snapshot) {
	id := s.view.AssessmentID
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if prev, ok := q.pending[id]; ok {
		if prev.view.Version >= s.view.Version {
			return
		}
	} else {
		q.order = append(q.order, id)
	}
	q.pending[id] = s
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *persistQueue) loop() {
	defer close(q.done)
	for range q.wake {
		q.flush()
	}
	q.flush()
}

func (q *persistQueue) flush() {
	for {
		q.mu.Lock()
		if len(q.order) == 0 {
			q.mu.Unlock()
			return
		}
		id := q.order[0]
		q.order = q.order[1:]
		s := q.pending[id]
		delete(q.pending, id)
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := q.p.SaveAssessment(ctx, s.view, s.report); err != nil {
			q.logger.Error("persist assessment failed",
				zap.String("assessment", id),
				zap.Int64("version", s.view.Version),
				zap.Error(err))
		}
		cancel()
	}
}

// close stops accepting snapshots and waits until the pending ones are saved.
func (q *persistQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.wake)
		q.mu.Unlock()
	})
	<-q.done
}
