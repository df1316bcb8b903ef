package types

import "testing"

func TestIsTerminal(t *testing.T) {
	terminal := []SessionStatus{StatusCompleted, StatusError, StatusAborted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []SessionStatus{StatusIdle, StatusBusy, StatusWaitingForPermission}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMapStatusTag(t *testing.T) {
	cases := map[string]SessionStatus{
		"idle":      StatusBusy,
		"running":   StatusBusy,
		"busy":      StatusBusy,
		"pending":   StatusWaitingForPermission,
		"completed": StatusCompleted,
		"error":     StatusError,
		"aborted":   StatusAborted,
		"weird":     StatusIdle,
		"":          StatusIdle,
	}
	for tag, want := range cases {
		if got := MapStatusTag(tag); got != want {
			t.Errorf("MapStatusTag(%q) = %s, want %s", tag, got, want)
		}
	}
}
