package worker

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewPool(2, 8, testLogger())
	pool.Start()

	var ran int64
	for i := 0; i < 6; i++ {
		ok := pool.Submit(func(context.Context) {
			atomic.AddInt64(&ran, 1)
		})
		assert.True(t, ok)
	}

	// Stop drains the queue before returning.
	pool.Stop()
	assert.Equal(t, int64(6), atomic.LoadInt64(&ran))
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := NewPool(1, 1, testLogger())
	pool.Start()
	pool.Stop()

	assert.False(t, pool.Submit(func(context.Context) {}))
}

func TestPoolRejectsBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, testLogger())
	assert.False(t, pool.Submit(func(context.Context) {}))
	pool.Stop()
}

func TestPoolConcurrentSubmitAndStop(t *testing.T) {
	pool := NewPool(2, 4, testLogger())
	pool.Start()

	var accepted, ran int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if pool.Submit(func(context.Context) { atomic.AddInt64(&ran, 1) }) {
					atomic.AddInt64(&accepted, 1)
				}
			}
		}()
	}
	pool.Stop()
	wg.Wait()

	// Every accepted task was enqueued before the queue closed, and
	// Stop drains the queue, so none is lost.
	assert.Equal(t, atomic.LoadInt64(&accepted), atomic.LoadInt64(&ran))
}

func TestPoolRecoversFromPanic(t *testing.T) {
	pool := NewPool(1, 2, testLogger())
	pool.Start()

	var ran int64
	assert.True(t, pool.Submit(func(context.Context) { panic("boom") }))
	assert.True(t, pool.Submit(func(context.Context) { atomic.AddInt64(&ran, 1) }))

	pool.Stop()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}
