package shared

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneshot_ResolveOnce(t *testing.T) {
	o := NewOneshot[string]()

	assert.True(t, o.Resolve("first"))
	assert.False(t, o.Resolve("second"))
	assert.False(t, o.Reject(errors.New("late")))

	got, err := o.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestOneshot_WaitTimesOut(t *testing.T) {
	o := NewOneshot[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-o.Done():
		t.Fatal("signal should still be open after waiter gave up")
	default:
	}
}

func TestOneshot_ConcurrentResolvers(t *testing.T) {
	o := NewOneshot[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if o.Resolve(v) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	_, err := o.Wait(context.Background())
	assert.NoError(t, err)
}

func TestOneshot_Reject(t *testing.T) {
	o := NewOneshot[int]()
	boom := errors.New("boom")
	go o.Reject(boom)

	_, err := o.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}
