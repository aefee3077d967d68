package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRunsDetached(t *testing.T) {
	r := NewRunner(2, nil)
	done := make(chan struct{})

	_, err := r.Go("detached", func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	r := NewRunner(2, nil)
	var running, peak int32
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		_, err := r.Go("bounded", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, r.Shutdown(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunnerPerJobCancel(t *testing.T) {
	r := NewRunner(1, nil)
	started := make(chan struct{})
	stopped := make(chan error, 1)

	cancel, err := r.Go("cancellable", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}
	cancel()

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job ignored cancellation")
	}
	require.NoError(t, r.Shutdown(context.Background()))
}

type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func TestRunnerSkipsJobCancelledWhileWaiting(t *testing.T) {
	logs := make(lineWriter, 16)
	r := NewRunner(1, slog.New(slog.NewTextHandler(logs, nil)))
	release := make(chan struct{})
	holding := make(chan struct{})
	_, err := r.Go("holder", func(ctx context.Context) error {
		close(holding)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-holding

	var ran atomic.Bool
	cancel, err := r.Go("queued", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	cancel()

	select {
	case line := <-logs:
		assert.Contains(t, line, "dropped before start")
	case <-time.After(time.Second):
		t.Fatal("queued job was not dropped")
	}
	close(release)
	require.NoError(t, r.Shutdown(context.Background()))
	assert.False(t, ran.Load())
}

func TestRunnerRecoversPanics(t *testing.T) {
	r := NewRunner(1, nil)
	_, err := r.Go("panics", func(ctx context.Context) error { panic("boom") })
	require.NoError(t, err)

	ran := make(chan struct{})
	_, err = r.Go("after", func(ctx context.Context) error {
		close(ran)
		return errors.New("dropped")
	})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("runner stalled after panic")
	}
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerShutdownCancelsAndRejects(t *testing.T) {
	r := NewRunner(1, nil)
	_, err := r.Go("long", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	_, err = r.Go("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrRunnerClosed)
}
