package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[collabdb] feed/drain queue is closed")
var ErrOverflow = errors.New("[collabdb] feed/drain queue is overflowed")

// FDQueue is a bounded byte queue between one writer side (Drain) and
// one reader side (Feed). Drain never waits: once the byte limit is hit
// the queue overflows for good, and the owner is expected to drop the
// connection behind it.
type FDQueue[T ~[][]byte] struct {
	lock       sync.Mutex
	data       T
	size       int
	maxSize    int
	batchSize  int
	timelimit  time.Duration
	overflowed bool
	closed     bool
	// signal is closed and replaced whenever data arrives
	signal chan struct{}
}

// NewFDQueue makes a queue holding at most limit bytes. Feed returns
// once batchSize bytes are ready or timelimit passes with some data.
func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	return &FDQueue[T]{
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
		signal:    make(chan struct{}),
	}
}

func (q *FDQueue[T]) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.data = nil
		q.size = 0
		q.wake()
	}
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	switch {
	case q.closed:
		return ErrClosed
	case q.overflowed:
		return ErrOverflow
	}
	total := 0
	for _, rec := range recs {
		total += len(rec)
	}
	if q.size+total > q.maxSize {
		q.overflowed = true
		q.wake()
		return ErrOverflow
	}
	q.data = append(q.data, recs...)
	q.size += total
	q.wake()
	return nil
}

// Feed waits for records and returns all that is queued as soon as
// batchSize bytes are there. Otherwise it returns what it has when the
// time limit passes or ctx ends; an empty result with a nil error means
// nothing arrived in time.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	for {
		q.lock.Lock()
		switch {
		case q.closed:
			q.lock.Unlock()
			return nil, ErrClosed
		case q.overflowed:
			q.lock.Unlock()
			return nil, ErrOverflow
		}
		if q.size >= q.batchSize && len(q.data) > 0 {
			recs = q.take()
			q.lock.Unlock()
			return recs, nil
		}
		signal := q.signal
		q.lock.Unlock()

		select {
		case <-signal:
			continue
		case <-ctx.Done():
		case <-timer.C:
		}
		q.lock.Lock()
		if !q.closed && !q.overflowed {
			recs = q.take()
		}
		q.lock.Unlock()
		return recs, nil
	}
}

// take is called with the lock held.
func (q *FDQueue[T]) take() (recs T) {
	recs, q.data = q.data, nil
	q.size = 0
	return recs
}
