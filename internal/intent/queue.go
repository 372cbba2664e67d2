package intent

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Default configuration
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 100
)

var (
	// ErrQueueFull is returned when the queue cannot take more intents.
	ErrQueueFull = errors.New("intent queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("intent queue closed")
)

// Handler processes one intent. ctx is cancelled if shutdown times out.
type Handler func(ctx context.Context, in Intent)

// Queue delivers intents to a handler through a bounded worker pool.
// With one worker (the default) intents are handled in submission order.
type Queue struct {
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	// Worker pool
	work chan Intent
	wg   sync.WaitGroup

	// sendMu guards work against close while a Submit is sending
	sendMu  sync.RWMutex
	closed  bool
	closeMu sync.Once
}

// NewQueue creates a queue and starts its workers
func NewQueue(workerCount, queueSize int, handler Handler) *Queue {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		work:    make(chan Intent, queueSize),
	}

	for i := 0; i < workerCount; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Intent queue started")
	return q
}

// worker processes intents from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for in := range q.work {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("kind", string(in.Kind)).
						Str("intent_id", in.ID).
						Int("worker", id).
						Msg("Intent handler panicked")
				}
			}()
			q.handler(q.ctx, in)
		}()
	}
}

// Submit validates and enqueues an intent, assigning an ID if it has none.
// It never blocks: a full queue returns ErrQueueFull.
func (q *Queue) Submit(in Intent) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	q.sendMu.RLock()
	defer q.sendMu.RUnlock()

	if q.closed {
		return "", ErrClosed
	}

	select {
	case q.work <- in:
		log.Debug().Str("intent_id", in.ID).Str("kind", string(in.Kind)).Str("target", in.Target).Msg("Intent queued")
		return in.ID, nil
	default:
		log.Warn().Str("kind", string(in.Kind)).Msg("Intent queue full, rejecting intent")
		return "", ErrQueueFull
	}
}

// Len returns the number of queued intents
func (q *Queue) Len() int {
	return len(q.work)
}

// Close stops accepting intents and waits for queued ones to finish.
// If ctx expires first, in-flight handlers see their context cancelled.
func (q *Queue) Close(ctx context.Context) {
	q.closeMu.Do(func() {
		q.sendMu.Lock()
		q.closed = true
		close(q.work)
		q.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Intent queue workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Intent queue shutdown timed out, abandoning in-flight intents")
	}
	q.cancel()
}
