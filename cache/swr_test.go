package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/smartcache/infrastructure/config"
)

func countingProducer() (*atomic.Int64, Producer) {
	var calls atomic.Int64
	return &calls, func(context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}
}

func TestFlexible_FreshServedDirectly(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	calls, producer := countingProducer()

	got, err := e.Flexible(ctx, "k", time.Minute, 5*time.Minute, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)

	got, err = e.Flexible(ctx, "k", time.Minute, 5*time.Minute, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got, "fresh value served without rebuild")
	assert.EqualValues(t, 1, calls.Load())
}

func TestFlexible_StaleServedThenRefreshed(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	calls, producer := countingProducer()

	got, err := e.Flexible(ctx, "k", 50*time.Millisecond, 10*time.Second, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)

	time.Sleep(80 * time.Millisecond)

	// Stale: the old value comes back immediately and a refresh starts.
	got, err = e.Flexible(ctx, "k", 50*time.Millisecond, 10*time.Second, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 2*time.Second, 10*time.Millisecond, "background refresh should run once")

	require.Eventually(t, func() bool {
		got, err := e.Flexible(ctx, "k", 50*time.Millisecond, 10*time.Second, producer)
		return err == nil && got == interface{}(int64(2))
	}, 2*time.Second, 10*time.Millisecond, "refreshed value should be served")
}

func TestFlexible_ExpiredRebuildsSynchronously(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	calls, producer := countingProducer()

	e.Flexible(ctx, "k", 10*time.Millisecond, 30*time.Millisecond, producer)
	time.Sleep(50 * time.Millisecond)

	got, err := e.Flexible(ctx, "k", 10*time.Millisecond, 30*time.Millisecond, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got, "expired entry rebuilds in the caller")
	assert.EqualValues(t, 2, calls.Load())
}

func TestFlexible_RefreshFailureKeepsServingStale(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	var calls atomic.Int64
	producer := func(context.Context) (interface{}, error) {
		if calls.Add(1) > 1 {
			return nil, assert.AnError
		}
		return "good", nil
	}

	_, err := e.Flexible(ctx, "k", 30*time.Millisecond, 10*time.Second, producer)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	got, err := e.Flexible(ctx, "k", 30*time.Millisecond, 10*time.Second, producer)
	require.NoError(t, err)
	assert.Equal(t, "good", got)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	// Still serving the stale value after the failed refresh.
	got, err = e.Flexible(ctx, "k", 30*time.Millisecond, 10*time.Second, producer)
	require.NoError(t, err)
	assert.Equal(t, "good", got)
}

func TestSWRAndStalePresets(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	_, producer := countingProducer()

	got, err := e.SWR(ctx, "a", time.Minute, 5*time.Minute, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)

	got, err = e.Stale(ctx, "b", time.Minute, time.Minute, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)

	got, err = e.RefreshAhead(ctx, "c", time.Minute, 10*time.Second, producer)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got)
}

func TestRememberWithStampedeProtection_FreshHit(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	calls, producer := countingProducer()

	got, err := e.RememberWithStampedeProtection(ctx, "k", time.Minute, producer, 1.0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)

	got, err = e.RememberWithStampedeProtection(ctx, "k", time.Minute, producer, 1.0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRememberWithStampedeProtection_SingleFlight(t *testing.T) {
	cfg := config.DefaultConfig()
	e, _ := testEngine(t, cfg)
	ctx := context.Background()

	var calls atomic.Int64
	producer := func(context.Context) (interface{}, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "value", nil
	}

	// Populate, then let the entry expire outright.
	_, err := e.RememberWithStampedeProtection(ctx, "k", 30*time.Millisecond, producer, 1.0)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// A stampede of concurrent callers on the expired key.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.RememberWithStampedeProtection(ctx, "k", time.Minute, producer, 1.0)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 2, calls.Load(), "producer must run at most once per stampede")
}
