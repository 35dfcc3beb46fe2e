package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerConfigValidate(t *testing.T) {
	assert.NoError(t, SchedulerConfig{Interval: MinInterval}.Validate())
	assert.NoError(t, SchedulerConfig{Interval: MaxInterval}.Validate())
	assert.Error(t, SchedulerConfig{Interval: 10 * time.Second}.Validate())
	assert.Error(t, SchedulerConfig{Interval: 2 * time.Hour}.Validate())
}

func TestSchedulerRunsOnStartAndOnTrigger(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	newLocalRecord(t, h)

	s, err := NewScheduler(h.orch, func() Credentials { return h.creds },
		SchedulerConfig{Interval: time.Hour, RunOnStart: true}, nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status(context.Background()).LastReport != nil
	}, 5*time.Second, 10*time.Millisecond)

	st := s.Status(context.Background())
	assert.Zero(t, st.PendingCount)
	assert.False(t, st.LastSyncAt.IsZero())
	assert.Empty(t, st.LastError)
	first := st.LastReport

	s.Trigger()
	require.Eventually(t, func() bool {
		return s.Status(context.Background()).LastReport != first
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, fb.getsOf("roles"))
}

func TestSchedulerSkipsWithoutCredentials(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)

	s, err := NewScheduler(h.orch, func() Credentials { return Credentials{} },
		SchedulerConfig{Interval: time.Minute, RunOnStart: true}, nil)
	require.NoError(t, err)
	s.Start()
	s.Trigger()
	s.Stop()

	assert.Zero(t, fb.totalGets())
	assert.Nil(t, s.Status(context.Background()).LastReport)
}

func TestSchedulerRunNowRecordsReport(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	s, err := NewScheduler(h.orch, func() Credentials { return Credentials{} },
		SchedulerConfig{Interval: time.Minute}, nil)
	require.NoError(t, err)

	rep, err := s.RunNow(context.Background(), h.creds)
	require.NoError(t, err)
	assert.Same(t, rep, s.Status(context.Background()).LastReport)

	_, err = s.RunNow(context.Background(), Credentials{BaseURL: h.creds.BaseURL})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	st := s.Status(context.Background())
	assert.Same(t, rep, st.LastReport)
	assert.NotEmpty(t, st.LastError)
}
