package utils

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed   = errors.New("[weave] record queue is closed")
	ErrOverflow = errors.New("[weave] record queue overflowed")
)

// RecordQueue is a bounded FIFO of record batches with Feed/Drain
// semantics. Writers block only on overflow; readers block until at
// least one record is available or the queue closes. The byte limit
// keeps one slow peer from buffering the world.
type RecordQueue[T ~[][]byte] struct {
	mu     sync.Mutex
	nonmt  sync.Cond
	data   T
	size   int
	limit  int
	batch  int
	closed bool
}

// NewRecordQueue caps the queue at limit bytes; Feed returns at most
// batch bytes worth of records per call.
func NewRecordQueue[T ~[][]byte](limit, batch int) *RecordQueue[T] {
	q := &RecordQueue[T]{limit: limit, batch: batch}
	q.nonmt.L = &q.mu
	return q
}

func (q *RecordQueue[T]) Close() error {
	q.mu.Lock()
	q.closed = true
	q.data = nil
	q.nonmt.Broadcast()
	q.mu.Unlock()
	return nil
}

func (q *RecordQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Drain appends the records, failing with ErrOverflow when the byte
// limit would be exceeded. It never blocks on a slow reader.
func (q *RecordQueue[T]) Drain(ctx context.Context, recs T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	add := 0
	for _, r := range recs {
		add += len(r)
	}
	if q.size+add > q.limit {
		return ErrOverflow
	}
	q.data = append(q.data, recs...)
	q.size += add
	q.nonmt.Broadcast()
	return nil
}

// Feed blocks until records arrive, the queue closes (ErrClosed) or
// ctx is done.
func (q *RecordQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.nonmt.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.data) == 0 && !q.closed && ctx.Err() == nil {
		q.nonmt.Wait()
	}
	if q.closed {
		return nil, ErrClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	taken := 0
	n := 0
	for _, r := range q.data {
		taken += len(r)
		n++
		if taken >= q.batch {
			break
		}
	}
	recs = append(recs, q.data[:n]...)
	q.data = q.data[n:]
	q.size -= taken
	return recs, nil
}
