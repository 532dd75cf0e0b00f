package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterRunsAndReplaces(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop(context.Background())

	var first, second atomic.Int32
	require.NoError(t, s.Register("dev-1", 2*time.Second, func() { first.Add(1) }))
	require.True(t, s.Exists("dev-1"))

	require.NoError(t, s.Register("dev-1", time.Second, func() { second.Add(1) }))
	require.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return second.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	require.Zero(t, first.Load())
}

func TestDeregisterIsIdempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("dev-1", time.Minute, func() {}))

	require.Equal(t, 1, s.Len())

	require.True(t, s.Deregister("dev-1"))
	require.False(t, s.Deregister("dev-1"))
	require.False(t, s.Exists("dev-1"))
	require.Zero(t, s.Len())
}

func TestExistsWhileRunInFlight(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, s.Register("dev-1", time.Second, func() {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-release
	}))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}

	require.True(t, s.Deregister("dev-1"))
	require.True(t, s.Exists("dev-1"), "in-flight run must keep the job visible")

	close(release)
	require.Eventually(t, func() bool { return !s.Exists("dev-1") }, time.Second, 10*time.Millisecond)
}

func TestRegisterRejectsSubSecondInterval(t *testing.T) {
	s := New()
	require.Error(t, s.Register("dev-1", 10*time.Millisecond, func() {}))
	require.False(t, s.Exists("dev-1"))
}
