package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/layersync/catalog"
	"github.com/pdok/layersync/lock"
)

type calls struct {
	mu  sync.Mutex
	ids []string
}

func (c *calls) run(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

func (c *calls) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func TestAdd(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{spec: "0 2 * * 1"},
		{spec: "@daily"},
		{spec: "@every 1h"},
		{spec: "every day", wantErr: true},
		{spec: "0 0 2 * * 1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s := New((&calls{}).run, slog.Default())
			err := s.Add("rivers", tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, 0, s.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, s.Len())
			require.Error(t, s.Add("rivers", tt.spec), "one entry per dataset")
		})
	}
}

func TestScheduleEmbedded(t *testing.T) {
	c, err := catalog.LoadEmbedded()
	require.NoError(t, err)

	s := New((&calls{}).run, nil)
	n, err := s.Schedule(c.All())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	s.Start()
	defer s.Stop(context.Background())
	next, ok := s.Next("aims-structure")
	require.True(t, ok)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 0, next.Minute())

	_, ok = s.Next("nope")
	assert.False(t, ok)
}

func TestScheduleSkipsManualDatasets(t *testing.T) {
	var datasets []catalog.Dataset
	require.NoError(t, json.Unmarshal([]byte(`[
	  {"id":"manual","source":{"url":"https://example.com/wfs","typeName":"ns:a"},"target":"0123456789abcdef0123456789abcdef"},
	  {"id":"nightly","source":{"url":"https://example.com/wfs","typeName":"ns:b"},"target":"0123456789abcdef0123456789abcdef","schedule":"@midnight"}
	]`), &datasets))
	s := New((&calls{}).run, nil)
	n, err := s.Schedule(datasets)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobRuns(t *testing.T) {
	c := &calls{}
	s := New(c.run, nil)
	require.NoError(t, s.Add("rivers", "@every 1s"))
	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return c.len() > 0 }, 3*time.Second, 50*time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "rivers", c.ids[0])
}

func TestJobErrors(t *testing.T) {
	for _, err := range []error{lock.ErrLocked, errors.New("fetch: boom")} {
		s := New(func(context.Context, string) error { return err }, nil)
		assert.NotPanics(t, func() { s.job("rivers") })
	}
}

func TestStopCancelsRuns(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var cancelled error
	s := New(func(ctx context.Context, _ string) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		cancelled = ctx.Err()
		return cancelled
	}, nil)
	require.NoError(t, s.Add("rivers", "@every 1s"))
	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	require.NoError(t, ctx.Err(), "stop returns once the run gave up")
	assert.ErrorIs(t, cancelled, context.Canceled)
}
