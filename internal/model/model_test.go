package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		allowed  bool
	}{
		{StatusWaiting, StatusSelected, true},
		{StatusWaiting, StatusRejected, true},
		{StatusSelected, StatusCompleted, true},
		{StatusWaiting, StatusCompleted, false},
		{StatusSelected, StatusRejected, false},
		{StatusSelected, StatusWaiting, false},
		{StatusRejected, StatusSelected, false},
		{StatusCompleted, StatusSelected, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to))
		})
	}
}

func TestSessionStatus_TerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, terminal := range []SessionStatus{StatusRejected, StatusCompleted} {
		for _, next := range []SessionStatus{StatusWaiting, StatusSelected, StatusRejected, StatusCompleted} {
			assert.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}
	assert.False(t, SessionStatus("pending").CanTransition(StatusSelected))
}

func TestCountdownWindow_Remaining(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := &CountdownWindow{StartTime: start, EndTime: start.Add(time.Hour), IsActive: true}

	assert.False(t, w.Expired(start))
	assert.Equal(t, time.Hour, w.Remaining(start))
	assert.Equal(t, 15*time.Minute, w.Remaining(start.Add(45*time.Minute)))

	assert.True(t, w.Expired(start.Add(time.Hour)))
	assert.Equal(t, time.Duration(0), w.Remaining(start.Add(2*time.Hour)))
}
