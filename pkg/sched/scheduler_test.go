package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/switchcore/pkg/channel"
)

func newChannel() *channel.Channel {
	return channel.New(channel.DefaultConfig())
}

// schedule(ch, 3) + три тика: ровно один вызов на третьем тике
func TestScheduleFiresOnThirdTick(t *testing.T) {
	s := New(Config{Capacity: 4})
	ch := newChannel()

	calls := 0
	firedActive := -1
	require.NoError(t, s.Schedule(ch, 3, "answer", func(*channel.Channel) {
		calls++
		firedActive = s.Active()
	}))
	assert.Equal(t, 1, s.Active())

	assert.Equal(t, 0, s.Tick())
	assert.Equal(t, 0, s.Tick())
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, s.Tick())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, firedActive, "слот свободен уже во время вызова")
	assert.Equal(t, 0, s.Active())

	s.Tick()
	assert.Equal(t, 1, calls)
}

func TestCancelAllPreventsFiring(t *testing.T) {
	s := New(Config{Capacity: 4})
	ch, other := newChannel(), newChannel()

	fired := map[string]bool{}
	mark := func(name string) Action {
		return func(*channel.Channel) { fired[name] = true }
	}
	require.NoError(t, s.Schedule(ch, 2, "progress", mark("progress")))
	require.NoError(t, s.Schedule(ch, 5, "answer", mark("answer")))
	require.NoError(t, s.Schedule(other, 2, "other", mark("other")))
	assert.ElementsMatch(t, []string{"progress", "answer"}, s.Pending(ch))

	assert.Equal(t, 2, s.CancelAll(ch))
	assert.Equal(t, 0, s.CancelAll(ch))
	for i := 0; i < 6; i++ {
		s.Tick()
	}
	assert.Equal(t, map[string]bool{"other": true}, fired)

	st := s.Stats()
	assert.Equal(t, uint64(3), st.Scheduled)
	assert.Equal(t, uint64(1), st.Fired)
	assert.Equal(t, uint64(2), st.Cancelled)
}

func TestSchedulerFull(t *testing.T) {
	s := New(Config{Capacity: 2})
	ch := newChannel()
	noop := func(*channel.Channel) {}

	require.NoError(t, s.Schedule(ch, 1, "a", noop))
	require.NoError(t, s.Schedule(ch, 1, "b", noop))
	err := s.Schedule(ch, 1, "c", noop)
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrSchedulerFull)
	assert.True(t, channel.IsRetryable(err))
	assert.Equal(t, uint64(1), s.Stats().Rejected)

	s.Tick()
	assert.NoError(t, s.Schedule(ch, 1, "c", noop), "после тика слоты освобождаются")
}

func TestScheduleValidation(t *testing.T) {
	s := New(DefaultConfig())
	assert.Equal(t, DefaultCapacity, s.Capacity())
	assert.Error(t, s.Schedule(newChannel(), 0, "zero", func(*channel.Channel) {}))
	assert.Error(t, s.Schedule(nil, 1, "nil", func(*channel.Channel) {}))
	assert.Error(t, s.Schedule(newChannel(), 1, "nil fn", nil))
}

// действие может планировать новое действие без взаимоблокировки
func TestRescheduleFromCallback(t *testing.T) {
	s := New(Config{Capacity: 1})
	ch := newChannel()
	var calls int
	var step Action
	step = func(c *channel.Channel) {
		calls++
		if calls < 3 {
			require.NoError(t, s.Schedule(c, 1, "step", step))
		}
	}
	require.NoError(t, s.Schedule(ch, 1, "step", step))

	for i := 0; i < 5; i++ {
		s.Tick()
	}
	assert.Equal(t, 3, calls)
}

func TestDestroyedChannelSkipped(t *testing.T) {
	s := New(Config{Capacity: 2})
	ch := newChannel()
	called := false
	require.NoError(t, s.Schedule(ch, 1, "late", func(*channel.Channel) { called = true }))

	ch.Hangup(channel.CauseNormalClearing)
	require.NoError(t, ch.Destroy())

	assert.Equal(t, 0, s.Tick())
	assert.False(t, called)
	assert.Equal(t, uint64(1), s.Stats().Stale)
}

func TestPanicInActionRecovered(t *testing.T) {
	s := New(Config{Capacity: 2})
	ch := newChannel()
	after := false
	require.NoError(t, s.Schedule(ch, 1, "bad", func(*channel.Channel) { panic("boom") }))
	require.NoError(t, s.Schedule(ch, 1, "good", func(*channel.Channel) { after = true }))

	assert.NotPanics(t, func() { s.Tick() })
	assert.True(t, after)
}

func TestConcurrentScheduleAndTick(t *testing.T) {
	s := New(Config{Capacity: 64})
	var fired atomic.Int64
	var accepted atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := newChannel()
			for j := 0; j < 100; j++ {
				if s.Schedule(ch, 1+j%3, "x", func(*channel.Channel) { fired.Add(1) }) == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				s.Tick()
			}
		}
	}()
	wg.Wait()
	close(done)
	<-stopped
	for s.Active() > 0 {
		s.Tick()
	}
	assert.Equal(t, accepted.Load(), fired.Load())
}

func TestDriverTicks(t *testing.T) {
	s := New(Config{Capacity: 2})
	ch := newChannel()
	fired := make(chan struct{})
	require.NoError(t, s.Schedule(ch, 2, "x", func(*channel.Channel) { close(fired) }))

	d := NewDriver(s, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("действие не сработало")
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, DefaultTickInterval, NewDriver(s, 0, nil).Interval())
}
