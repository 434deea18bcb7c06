package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseScheduleErrors(t *testing.T) {
	cases := []string{
		"",                // empty
		"* * * *",         // four fields
		"60 * * * *",      // minute out of range
		"* 24 * * *",      // hour out of range
		"* * 0 * *",       // dom out of range
		"*/0 * * * *",     // zero step
		"5-1 * * * *",     // inverted range
		"x * * * *",       // garbage
	}
	for _, expr := range cases {
		_, err := ParseSchedule(expr, time.UTC)
		assert.Error(t, err, "expr %q", expr)
	}
}

func TestScheduleNextSimple(t *testing.T) {
	s, err := ParseSchedule("*/15 * * * *", time.UTC)
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC), s.Next(at))

	// Exactly on a tick: next is strictly after.
	at = time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC), s.Next(at))
}

func TestScheduleWeekdaysOnly(t *testing.T) {
	// Market close snapshot: 16:05 ET Monday-Friday.
	ny := mustLoc(t, "America/New_York")
	s, err := ParseSchedule("5 16 * * 1-5", ny)
	require.NoError(t, err)

	friday := time.Date(2026, 3, 6, 17, 0, 0, 0, ny)
	next := s.Next(friday)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 16, next.Hour())
	assert.Equal(t, 5, next.Minute())
}

func TestScheduleListsAndRanges(t *testing.T) {
	s, err := ParseSchedule("0 4,9-11,20 * * *", time.UTC)
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)
	assert.Equal(t, 9, s.Next(at).Hour())
	at = time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)
	assert.Equal(t, 20, s.Next(at).Hour())
}

func TestScheduleSundayAliases(t *testing.T) {
	s7, err := ParseSchedule("0 12 * * 7", time.UTC)
	require.NoError(t, err)
	s0, err := ParseSchedule("0 12 * * 0", time.UTC)
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // Monday
	assert.Equal(t, s0.Next(at), s7.Next(at))
	assert.Equal(t, time.Sunday, s7.Next(at).Weekday())
}

func TestScheduleTracksDST(t *testing.T) {
	// 09:35 New York is 14:35 UTC in winter, 13:35 UTC after spring
	// forward (2026-03-08).
	ny := mustLoc(t, "America/New_York")
	s, err := ParseSchedule("35 9 * * 1-5", ny)
	require.NoError(t, err)

	beforeDST := time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC) // Friday evening
	next := s.Next(beforeDST)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, time.Date(2026, 3, 9, 13, 35, 0, 0, time.UTC), next.UTC())
}

func TestCalendarSessions(t *testing.T) {
	cal, err := NewCalendar("America/New_York")
	require.NoError(t, err)
	ny := cal.Location()

	assert.Equal(t, SessionRegular, cal.SessionAt(time.Date(2026, 3, 2, 10, 0, 0, 0, ny)))
	assert.Equal(t, SessionPre, cal.SessionAt(time.Date(2026, 3, 2, 8, 0, 0, 0, ny)))
	assert.Equal(t, SessionPost, cal.SessionAt(time.Date(2026, 3, 2, 17, 0, 0, 0, ny)))
	assert.Equal(t, SessionClosed, cal.SessionAt(time.Date(2026, 3, 2, 22, 0, 0, 0, ny)))
	assert.Equal(t, SessionClosed, cal.SessionAt(time.Date(2026, 3, 7, 10, 0, 0, 0, ny))) // Saturday
	assert.True(t, cal.IsOpen(time.Date(2026, 3, 2, 15, 59, 0, 0, ny)))
	assert.False(t, cal.IsOpen(time.Date(2026, 3, 2, 16, 0, 0, 0, ny)))
}

func TestNextOpenAfter(t *testing.T) {
	cal, err := NewCalendar("America/New_York")
	require.NoError(t, err)
	ny := cal.Location()

	// Midday Monday: already past today's open, so Tuesday.
	monday := time.Date(2026, 3, 2, 12, 0, 0, 0, ny)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 30, 0, 0, ny), cal.NextOpenAfter(monday))

	// Early Monday: today's open still ahead.
	early := time.Date(2026, 3, 2, 6, 0, 0, 0, ny)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, ny), cal.NextOpenAfter(early))

	// Friday evening rolls to Monday.
	friday := time.Date(2026, 3, 6, 20, 0, 0, 0, ny)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 30, 0, 0, ny), cal.NextOpenAfter(friday))

	// Exactly at the open counts as open.
	open := time.Date(2026, 3, 3, 9, 30, 0, 0, ny)
	assert.Equal(t, open, cal.NextOpenAfter(open))
}

func utcRunner(t *testing.T) *Runner {
	t.Helper()
	cal, err := NewCalendar("UTC")
	require.NoError(t, err)
	return NewRunner(cal)
}

func TestRunnerSkipsOverlappingRuns(t *testing.T) {
	r := utcRunner(t)
	r.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

	var fired atomic.Int32
	block := make(chan struct{})
	err := r.Register(JobSpec{Name: "slow", Schedule: "* * * * *"}, func(ctx context.Context) error {
		fired.Add(1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)

	// Fire three ticks back to back while the handler blocks; only the
	// first may run, the rest skip.
	var ticks atomic.Int32
	r.wait = func(ctx context.Context, _ time.Duration) bool {
		if ticks.Add(1) <= 3 {
			return true
		}
		<-ctx.Done()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 4 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "overlapping ticks are skipped")

	close(block)
	cancel()
	<-done
}

func TestRunnerGatesOnSession(t *testing.T) {
	cal, err := NewCalendar("America/New_York")
	require.NoError(t, err)
	r := NewRunner(cal)

	// Saturday: market closed, so a regular-session job never runs.
	r.now = func() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, cal.Location()) }

	var fired atomic.Int32
	err = r.Register(JobSpec{Name: "rth_only", Schedule: "* * * * *", Session: GateRegular}, func(context.Context) error {
		fired.Add(1)
		return nil
	})
	require.NoError(t, err)

	var ticks atomic.Int32
	r.wait = func(ctx context.Context, _ time.Duration) bool {
		if ticks.Add(1) <= 3 {
			return true
		}
		<-ctx.Done()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 4 }, time.Second, time.Millisecond)
	assert.Zero(t, fired.Load(), "gated jobs do not run outside their session")

	cancel()
	<-done
}

func TestRegisterRejectsUnknownSessionGate(t *testing.T) {
	r := utcRunner(t)
	err := r.Register(JobSpec{Name: "bad", Schedule: "* * * * *", Session: "weekends"}, func(context.Context) error {
		return nil
	})
	assert.Error(t, err)
}

func TestRunnerDisabledJobNeverFires(t *testing.T) {
	r := utcRunner(t)
	disabled := false
	var fired atomic.Int32
	err := r.Register(JobSpec{Name: "off", Schedule: "* * * * *", Enabled: &disabled}, func(context.Context) error {
		fired.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)
	assert.Zero(t, fired.Load())
}

func TestLoadJobsParsesTimeouts(t *testing.T) {
	specs, err := LoadJobs("testdata/jobs.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, specs)
	assert.Equal(t, "market_pull", specs[0].Name)
	assert.Equal(t, 2*time.Minute, specs[0].Timeout.Std())
	assert.Equal(t, GateRegular, specs[0].Session)
}
