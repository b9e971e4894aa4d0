package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_RejectsBadInput(t *testing.T) {
	s := New()
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, s.Register("sweep", "0 * * * *", noop))

	err := s.Register("sweep", "0 * * * *", noop)
	assert.ErrorContains(t, err, "already registered")

	err = s.Register("bad", "not a cron expr", noop)
	assert.ErrorContains(t, err, "invalid cron expression")
}

func TestRunNow_ExecutesAndRecordsState(t *testing.T) {
	s := New()
	var calls atomic.Int32
	require.NoError(t, s.Register("detect", "0 * * * *", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, s.RunNow("detect"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.Name == "detect" && st.RunCount == 1 {
				return st.LastRun != nil && st.LastError == ""
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRunNow_RecordsError(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("monitor", "*/5 * * * *", func(ctx context.Context) error {
		return errors.New("store unavailable")
	}))

	require.NoError(t, s.RunNow("monitor"))
	require.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.Name == "monitor" {
				return st.LastError == "store unavailable"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, s.RunNow("missing"))
}

func TestStatus_SortedByName(t *testing.T) {
	s := New()
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register("sweep", "0 * * * *", noop))
	require.NoError(t, s.Register("detect", "0 0 * * *", noop))
	require.NoError(t, s.Register("monitor", "*/5 * * * *", noop))

	status := s.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "detect", status[0].Name)
	assert.Equal(t, "monitor", status[1].Name)
	assert.Equal(t, "sweep", status[2].Name)
}

func TestStartStop(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("sweep", "0 * * * *", func(ctx context.Context) error { return nil }))

	s.Start()
	for _, st := range s.Status() {
		assert.NotNil(t, st.NextRun, "job %s has no next run after Start", st.Name)
	}
	s.Stop()
}
