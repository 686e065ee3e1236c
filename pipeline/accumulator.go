package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slackmgr/types"
)

// SendFunc delivers one closed batch to the queue or sink.
type SendFunc[T any] func(ctx context.Context, entries []T) (BatchResult, error)

type pendingBatch[T any] struct {
	entries   []T
	ids       map[string]struct{}
	startedAt time.Time
}

func newPendingBatch[T any](capacity int) *pendingBatch[T] {
	return &pendingBatch[T]{
		entries: make([]T, 0, capacity),
		ids:     make(map[string]struct{}, capacity),
	}
}

// accumulatorCounters are updated by the accumulator goroutine and read by
// [Service.Stats].
type accumulatorCounters struct {
	flushes       atomic.Int64
	entries       atomic.Int64
	failedEntries atomic.Int64
	duplicates    atomic.Int64
}

// accumulator collects per-message entries and sends them in batches. A
// batch is closed when it holds maxBatchSize entries or when its oldest
// entry is maxBatchAge old, whichever comes first.
//
// All batch state is owned by the run goroutine. Producers only touch the
// input channel.
type accumulator[T any] struct {
	name        string
	inCh        chan *Message
	generate    func(*Message) T
	send        SendFunc[T]
	onFlush     func(n int)
	onDrop      func(n int)
	maxSize     int
	maxAge      time.Duration
	poll        time.Duration
	sendTimeout time.Duration
	clock       func() time.Time
	logger      types.Logger
	counters    accumulatorCounters
	batch       *pendingBatch[T]
	closeOnce   sync.Once
}

func newAccumulator[T any](name string, opts *Options, logger types.Logger, generate func(*Message) T, send SendFunc[T]) *accumulator[T] {
	return &accumulator[T]{
		name:        name,
		inCh:        make(chan *Message, opts.maxBatchSize*2),
		generate:    generate,
		send:        send,
		maxSize:     opts.maxBatchSize,
		maxAge:      opts.maxBatchAge,
		poll:        opts.pollInterval,
		sendTimeout: opts.batchSendTimeout,
		clock:       opts.clock,
		logger:      logger.WithField("accumulator", name),
		batch:       newPendingBatch[T](opts.maxBatchSize),
	}
}

// Submit hands a message to the accumulator, blocking while its input is
// full.
func (a *accumulator[T]) Submit(ctx context.Context, msg *Message) error {
	return trySend(ctx, msg, a.inCh)
}

// Close stops accepting messages. The run loop flushes what it holds and
// returns. Close must only be called once every producer has stopped.
func (a *accumulator[T]) Close() {
	a.closeOnce.Do(func() {
		close(a.inCh)
	})
}

func (a *accumulator[T]) run(ctx context.Context) {
	a.logger.Info("Batch accumulator started")
	defer a.logger.Info("Batch accumulator exited")

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := len(a.batch.entries); n > 0 {
				a.logger.WithField("count", n).Info("Abandoning partially filled batch on shutdown")
			}

			return
		case msg, ok := <-a.inCh:
			if !ok {
				a.flush()
				return
			}

			a.add(msg)
		case <-ticker.C:
		}

		if a.shouldFlush() {
			a.flush()
		}
	}
}

func (a *accumulator[T]) add(msg *Message) {
	if _, exists := a.batch.ids[msg.ID]; exists {
		a.counters.duplicates.Add(1)
		a.logger.WithField("message_id", msg.ID).Info("Message already present in open batch, dropping duplicate")

		if a.onDrop != nil {
			a.onDrop(1)
		}

		return
	}

	if len(a.batch.entries) == 0 {
		a.batch.startedAt = a.clock()
	}

	a.batch.entries = append(a.batch.entries, a.generate(msg))
	a.batch.ids[msg.ID] = struct{}{}
}

func (a *accumulator[T]) shouldFlush() bool {
	n := len(a.batch.entries)
	if n == 0 {
		return false
	}

	return n >= a.maxSize || a.clock().Sub(a.batch.startedAt) >= a.maxAge
}

// flush swaps in an empty batch before sending, so entries, ids and start
// time are reset together.
func (a *accumulator[T]) flush() {
	if len(a.batch.entries) == 0 {
		return
	}

	entries := a.batch.entries
	a.batch = newPendingBatch[T](a.maxSize)

	// The send must complete regardless of the state of the run context.
	ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
	defer cancel()

	started := time.Now()
	result, err := a.send(ctx, entries)

	a.counters.flushes.Add(1)
	a.counters.entries.Add(int64(len(entries)))

	if a.onFlush != nil {
		a.onFlush(len(entries))
	}

	logger := a.logger.WithField("count", len(entries))

	if err != nil {
		a.counters.failedEntries.Add(int64(len(entries)))
		logger.Errorf("Failed to send %s batch: %v", a.name, err)

		return
	}

	if len(result.Failed) > 0 {
		a.counters.failedEntries.Add(int64(len(result.Failed)))

		for _, f := range result.Failed {
			logger.WithField("entry_id", f.ID).
				WithField("code", f.Code).
				WithField("sender_fault", f.SenderFault).
				Errorf("Batch entry rejected: %s", f.Message)
		}
	}

	logger.
		WithField("succeeded", len(result.Successful)).
		WithField("failed", len(result.Failed)).
		WithField("elapsed", time.Since(started)).
		Debugf("Sent %s batch", a.name)
}

func trySend[T any](ctx context.Context, msg T, sinkCh chan<- T) error {
	select {
	case sinkCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
