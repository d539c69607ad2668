// Package lock keeps two syncs of the same dataset from running at the same time, within one
// process (Guard) and across processes (Valkey).
package lock

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var ErrLocked = errors.New("dataset is already being synced")

// Release gives up a lock obtained with Acquire.
type Release func(ctx context.Context) error

type Locker interface {
	// Acquire returns ErrLocked when key is held by someone else.
	Acquire(ctx context.Context, key string) (Release, error)
}

// Guard is an in-process Locker. The zero value is ready to use.
type Guard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock marks key as running, or returns false if it already is.
func (g *Guard) TryLock(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[key]; ok {
		return false
	}
	g.running[key] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock must only follow a successful TryLock.
func (g *Guard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[key]; !ok {
		return
	}
	delete(g.running, key)
	g.wg.Done()
}

func (g *Guard) Acquire(_ context.Context, key string) (Release, error) {
	if !g.TryLock(key) {
		return nil, ErrLocked
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { g.Unlock(key) })
		return nil
	}, nil
}

// Running returns the held keys, sorted.
func (g *Guard) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.running))
	for k := range g.running {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Wait blocks until nothing is held or ctx is done.
func (g *Guard) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Chain acquires all lockers in order, releasing what it got when one of them fails.
// Nil lockers are skipped.
func Chain(lockers ...Locker) Locker {
	return chain(lockers)
}

type chain []Locker

func (c chain) Acquire(ctx context.Context, key string) (Release, error) {
	var releases []Release
	releaseAll := func(ctx context.Context) error {
		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			errs = append(errs, releases[i](ctx))
		}
		return errors.Join(errs...)
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		release, err := l.Acquire(ctx, key)
		if err != nil {
			_ = releaseAll(ctx)
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
