package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type records [][]byte

func TestRecordQueueFeedDrain(t *testing.T) {
	q := NewRecordQueue[records](1024, 16)
	ctx := context.Background()

	err := q.Drain(ctx, records{[]byte("one"), []byte("two")})
	assert.Nil(t, err)
	assert.Equal(t, 6, q.Size())

	recs, err := q.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, records{[]byte("one"), []byte("two")}, recs)
	assert.Equal(t, 0, q.Size())
}

func TestRecordQueueBatchLimit(t *testing.T) {
	q := NewRecordQueue[records](1024, 4)
	ctx := context.Background()

	_ = q.Drain(ctx, records{[]byte("aaaa"), []byte("bbbb")})
	recs, err := q.Feed(ctx)
	assert.Nil(t, err)
	assert.Len(t, recs, 1)
	recs, err = q.Feed(ctx)
	assert.Nil(t, err)
	assert.Len(t, recs, 1)
}

func TestRecordQueueOverflow(t *testing.T) {
	q := NewRecordQueue[records](4, 16)
	err := q.Drain(context.Background(), records{[]byte("12345")})
	assert.Equal(t, ErrOverflow, err)
}

func TestRecordQueueClose(t *testing.T) {
	q := NewRecordQueue[records](1024, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Feed(context.Background())
		assert.Equal(t, ErrClosed, err)
	}()

	time.Sleep(10 * time.Millisecond)
	_ = q.Close()
	wg.Wait()

	err := q.Drain(context.Background(), records{[]byte("x")})
	assert.Equal(t, ErrClosed, err)
}

func TestRecordQueueContext(t *testing.T) {
	q := NewRecordQueue[records](1024, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Feed(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}
