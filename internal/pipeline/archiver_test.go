package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type archiveFunc func(context.Context, time.Duration) (int64, error)

func (f archiveFunc) Archive(ctx context.Context, retention time.Duration) (int64, error) {
	return f(ctx, retention)
}

func TestRunOncePassesRetention(t *testing.T) {
	var got time.Duration
	a := NewArchiver(30*24*time.Hour, time.Hour, discard, Task{Name: "trades", Job: archiveFunc(func(_ context.Context, r time.Duration) (int64, error) {
		got = r
		return 3, nil
	})})

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, 30*24*time.Hour, got)
}

func TestRunOnceRunsEveryTask(t *testing.T) {
	var ran []string
	job := func(name string, n int64, err error) Task {
		return Task{Name: name, Job: archiveFunc(func(context.Context, time.Duration) (int64, error) {
			ran = append(ran, name)
			return n, err
		})}
	}
	a := NewArchiver(time.Hour, time.Hour, discard,
		job("trades", 0, errors.New("bucket unavailable")),
		job("twap", 2, nil),
	)

	n, err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, []string{"trades", "twap"}, ran)
}

func TestRunKeepsGoingAfterFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	a := NewArchiver(time.Hour, 5*time.Millisecond, discard, Task{Name: "trades", Job: archiveFunc(func(context.Context, time.Duration) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return 0, errors.New("bucket unavailable")
		}
		return 1, nil
	})})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
