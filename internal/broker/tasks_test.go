package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunnerExecutesTasks(t *testing.T) {
	r := NewRunner(2, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		r.Submit(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), r.Dropped())
}

func TestRunnerDropsWhenFull(t *testing.T) {
	// No workers started, so the queue only holds capacity.
	r := NewRunner(1, 2, zerolog.Nop())

	r.Submit(func() {})
	r.Submit(func() {})
	r.Submit(func() {})

	assert.Equal(t, int64(1), r.Dropped())
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	r := NewRunner(1, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)

	done := make(chan struct{})
	r.Submit(func() { panic("boom") })
	r.Submit(func() { close(done) })

	select {
	case <-done:
		// Worker survived the panic.
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}
