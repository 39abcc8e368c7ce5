package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	var ok, failing, panicking atomic.Int32
	s := New(testLogger())
	s.Add(Job{Name: "ok", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		ok.Add(1)
		return nil
	}})
	s.Add(Job{Name: "failing", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		failing.Add(1)
		return errors.New("boom")
	}})
	s.Add(Job{Name: "panicking", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		panicking.Add(1)
		panic("boom")
	}})
	s.Add(Job{Name: "disabled", Interval: 0, Run: func(ctx context.Context) error {
		t.Error("disabled job ran")
		return nil
	}})
	assert.Equal(t, []string{"ok", "failing", "panicking"}, s.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return ok.Load() >= 3 && failing.Load() >= 3 && panicking.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestImmediateJob(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := New(testLogger())
	s.Add(Job{Name: "now", Interval: time.Hour, Immediate: true, Run: func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("immediate job did not run")
	}
}

func TestRunNow(t *testing.T) {
	var n atomic.Int32
	s := New(testLogger())
	s.Add(Job{Name: "sweep", Interval: time.Hour, Run: func(ctx context.Context) error {
		n.Add(1)
		return nil
	}})

	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.EqualValues(t, 1, n.Load())
	assert.Error(t, s.RunNow(context.Background(), "missing"))
}
