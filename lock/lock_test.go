package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardTryLock(t *testing.T) {
	var g Guard
	assert.True(t, g.TryLock("aims-channel"))
	assert.False(t, g.TryLock("aims-channel"))
	assert.True(t, g.TryLock("aims-structure"))
	assert.Equal(t, []string{"aims-channel", "aims-structure"}, g.Running())

	g.Unlock("aims-channel")
	assert.True(t, g.TryLock("aims-channel"))
}

func TestGuardUnlockUnknown(t *testing.T) {
	var g Guard
	assert.NotPanics(t, func() { g.Unlock("nothing") })
}

func TestGuardConcurrent(t *testing.T) {
	var g Guard
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryLock("historic-landfill") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGuardAcquire(t *testing.T) {
	ctx := context.Background()
	var g Guard
	release, err := g.Acquire(ctx, "a")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "a")
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "releasing twice is harmless")
	assert.Empty(t, g.Running())

	_, err = g.Acquire(ctx, "a")
	require.NoError(t, err)
}

func TestGuardWait(t *testing.T) {
	var g Guard
	require.True(t, g.TryLock("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	g.Wait(ctx)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Unlock("a")
	}()
	g.Wait(context.Background())
	assert.Empty(t, g.Running())
}

type failingLocker struct{ err error }

func (f failingLocker) Acquire(context.Context, string) (Release, error) {
	return nil, f.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	var first, second Guard

	release, err := Chain(&first, nil, &second).Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, first.Running())
	assert.Equal(t, []string{"a"}, second.Running())
	require.NoError(t, release(ctx))
	assert.Empty(t, first.Running())
	assert.Empty(t, second.Running())

	boom := errors.New("boom")
	_, err = Chain(&first, failingLocker{err: boom}).Acquire(ctx, "a")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, first.Running(), "earlier locks are released")
}

// Runs against a real server when LAYERSYNC_TEST_VALKEY holds its address.
func TestValkey(t *testing.T) {
	addr := os.Getenv("LAYERSYNC_TEST_VALKEY")
	if addr == "" {
		t.Skip("LAYERSYNC_TEST_VALKEY not set")
	}
	ctx := context.Background()
	v, err := NewValkey(addr, time.Minute)
	require.NoError(t, err)
	defer v.Close()

	key := "test-" + t.Name()
	release, err := v.Acquire(ctx, key)
	require.NoError(t, err)
	_, err = v.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLocked)
	require.NoError(t, release(ctx))

	release, err = v.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestValkeyRenews(t *testing.T) {
	addr := os.Getenv("LAYERSYNC_TEST_VALKEY")
	if addr == "" {
		t.Skip("LAYERSYNC_TEST_VALKEY not set")
	}
	ctx := context.Background()
	v, err := NewValkey(addr, 300*time.Millisecond)
	require.NoError(t, err)
	defer v.Close()

	key := "test-" + t.Name()
	release, err := v.Acquire(ctx, key)
	require.NoError(t, err)
	time.Sleep(time.Second)
	_, err = v.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLocked, "a held lock outlives its ttl")
	require.NoError(t, release(ctx))
}

func TestKeepAlive(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		results []bool
		errs    []error
		// stops is whether keepAlive returns on its own
		stops     bool
		wantCalls int32
	}{
		{name: "lost on third extension", results: []bool{true, true, false}, stops: true, wantCalls: 3},
		{name: "errors are retried", results: []bool{false, false, true, false}, errs: []error{errors.New("timeout"), errors.New("timeout")}, stops: true, wantCalls: 4},
		{name: "held until cancelled", results: []bool{true}, stops: false, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			extend := func(context.Context) (bool, error) {
				i := int(calls.Add(1)) - 1
				var err error
				if i < len(tt.errs) {
					err = tt.errs[i]
				}
				if i >= len(tt.results) {
					return true, err
				}
				return tt.results[i], err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				keepAlive(ctx, 5*time.Millisecond, extend, logger)
			}()

			if tt.stops {
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					t.Fatal("keepAlive did not stop")
				}
				assert.Equal(t, tt.wantCalls, calls.Load())
				return
			}
			require.Eventually(t, func() bool { return calls.Load() >= tt.wantCalls }, 5*time.Second, time.Millisecond)
			cancel()
			<-done
			after := calls.Load()
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, after, calls.Load(), "no extensions after cancel")
		})
	}
}
