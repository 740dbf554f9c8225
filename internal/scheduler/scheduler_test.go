package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/models"
)

var t0 = time.Date(2026, 1, 30, 8, 0, 0, 0, time.UTC)

const (
	wait = time.Second
	poll = 5 * time.Millisecond
)

func status(s *Scheduler) JobStatus {
	return s.Status()[0]
}

func TestFixedRateRuns(t *testing.T) {
	clock := NewManualClock(t0)
	s := New(clock, Options{})
	var runs atomic.Int64
	require.NoError(t, s.Register(Job{Asset: models.AssetBTC, Type: JobUnderlying, Interval: time.Minute, Run: func(context.Context, models.Asset) error {
		runs.Add(1)
		return nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, Idle, status(s).State)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return status(s).Runs == 1 }, wait, poll)
	assert.Equal(t, Cooling, status(s).State)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return status(s).Runs == 2 }, wait, poll)
	assert.Equal(t, int64(2), runs.Load())
	assert.Equal(t, t0.Add(2*time.Minute), status(s).LastStart)
}

func TestTickDroppedWhileRunning(t *testing.T) {
	clock := NewManualClock(t0)
	s := New(clock, Options{})

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var active, maxActive atomic.Int64
	require.NoError(t, s.Register(Job{Asset: models.AssetBTC, Type: JobVolume, Interval: time.Minute, Run: func(context.Context, models.Asset) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
		return nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	clock.Advance(time.Minute)
	<-started
	assert.Equal(t, Running, status(s).State)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return status(s).DroppedTicks == 1 }, wait, poll)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return status(s).DroppedTicks == 2 }, wait, poll)

	close(release)
	require.Eventually(t, func() bool { return status(s).Runs == 1 }, wait, poll)
	assert.Equal(t, Cooling, status(s).State)

	clock.Advance(time.Minute)
	<-started
	require.Eventually(t, func() bool { return status(s).Runs == 2 }, wait, poll)
	assert.Equal(t, int64(1), maxActive.Load())
	assert.Equal(t, int64(2), status(s).DroppedTicks)
}

func TestRunOnStart(t *testing.T) {
	clock := NewManualClock(t0)
	s := New(clock, Options{RunOnStart: true})
	require.NoError(t, s.Register(Job{Asset: models.AssetETH, Type: JobChain, Interval: time.Hour, Run: func(context.Context, models.Asset) error { return nil }}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return status(s).Runs == 1 }, wait, poll)

	// the first tick still fires a full interval after the start-up run
	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return status(s).Runs == 2 }, wait, poll)
}

func TestRegisterValidation(t *testing.T) {
	s := New(NewManualClock(t0), Options{})
	noop := func(context.Context, models.Asset) error { return nil }

	require.NoError(t, s.Register(Job{Asset: models.AssetBTC, Type: JobIV, Interval: time.Minute, Run: noop}))
	assert.Error(t, s.Register(Job{Asset: models.AssetBTC, Type: JobIV, Interval: time.Minute, Run: noop}), "duplicate")
	assert.Error(t, s.Register(Job{Asset: models.AssetBTC, Type: JobVolume, Run: noop}), "zero interval")
	assert.Error(t, s.Register(Job{Asset: models.AssetBTC, Type: JobChain, Interval: time.Minute}), "nil run")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Register(Job{Asset: models.AssetETH, Type: JobIV, Interval: time.Minute, Run: noop}))
}

func TestRunContextOutlivesStartContext(t *testing.T) {
	clock := NewManualClock(t0)
	s := New(clock, Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	runErr := make(chan error, 1)
	require.NoError(t, s.Register(Job{Asset: models.AssetBTC, Type: JobIV, Interval: time.Minute, Run: func(ctx context.Context, _ models.Asset) error {
		close(started)
		<-release
		runErr <- ctx.Err()
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	clock.Advance(time.Minute)
	<-started
	cancel()
	close(release)

	assert.NoError(t, <-runErr)
	require.NoError(t, s.Stop())
}

func TestStopWaitsForInflight(t *testing.T) {
	clock := NewManualClock(t0)
	s := New(clock, Options{ShutdownTimeout: time.Second})
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register(Job{Asset: models.AssetBTC, Type: JobVolume, Interval: time.Minute, Run: func(context.Context, models.Asset) error {
		close(started)
		<-release
		return nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	clock.Advance(time.Minute)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	assert.NoError(t, <-stopped)
	assert.Equal(t, int64(1), status(s).Runs)
}

func TestStopTimeout(t *testing.T) {
	clock := NewManualClock(t0)
	s := New(clock, Options{ShutdownTimeout: 20 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Register(Job{Asset: models.AssetBTC, Type: JobVolume, Interval: time.Minute, Run: func(context.Context, models.Asset) error {
		close(started)
		<-release
		return nil
	}}))
	require.NoError(t, s.Start(context.Background()))
	clock.Advance(time.Minute)
	<-started

	assert.Error(t, s.Stop())
}

func TestStatusFailuresAndStaleness(t *testing.T) {
	clock := NewManualClock(t0)
	s := New(clock, Options{StaleTolerance: 3})
	var calls atomic.Int64
	boom := errors.New("source unavailable")
	require.NoError(t, s.Register(Job{Asset: models.AssetBTC, Type: JobIV, Interval: time.Minute, Run: func(context.Context, models.Asset) error {
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	}}))
	require.NoError(t, s.Start(context.Background()))

	assert.True(t, status(s).Stale, "never succeeded")

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return status(s).Runs == 1 }, wait, poll)
	assert.False(t, status(s).Stale)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return status(s).Runs == 2 }, wait, poll)
	st := status(s)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, boom.Error(), st.LastError)
	assert.Equal(t, t0.Add(time.Minute), st.LastSuccess)
	assert.NotEmpty(t, st.LastRunID)

	require.NoError(t, s.Stop())
	clock.Advance(3 * time.Minute)
	assert.True(t, status(s).Stale)
}

func TestManualClockDropsWhenFull(t *testing.T) {
	clock := NewManualClock(t0)
	tk := clock.NewTicker(time.Second)
	clock.Advance(5 * time.Second)

	assert.Equal(t, t0.Add(time.Second), <-tk.C())
	select {
	case <-tk.C():
		t.Fatal("expected a single buffered tick")
	default:
	}

	tk.Stop()
	clock.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
