package domain

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusNew, StatusAcknowledged, true},
		{StatusNew, StatusRetryPending, true},
		{StatusNew, StatusResolved, true},
		{StatusNew, StatusClosed, true},
		{StatusNew, StatusRetryFailed, false},
		{StatusAcknowledged, StatusRetryPending, true},
		{StatusAcknowledged, StatusNew, false},
		{StatusRetryPending, StatusRetryFailed, true},
		{StatusRetryPending, StatusRetrySucceeded, true},
		{StatusRetryPending, StatusAcknowledged, true},
		{StatusRetryPending, StatusClosed, false},
		{StatusRetryFailed, StatusRetryPending, true},
		{StatusRetryFailed, StatusAcknowledged, true},
		{StatusRetrySucceeded, StatusResolved, true},
		{StatusRetrySucceeded, StatusRetryPending, false},
		{StatusResolved, StatusClosed, false},
		{StatusResolved, StatusNew, false},
		{StatusClosed, StatusAcknowledged, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestTerminalStatesAllowNothing(t *testing.T) {
	all := []Status{
		StatusNew, StatusAcknowledged, StatusRetryPending,
		StatusRetryFailed, StatusRetrySucceeded, StatusResolved, StatusClosed,
	}
	for _, terminal := range []Status{StatusResolved, StatusClosed} {
		for _, next := range all {
			if terminal.CanTransitionTo(next) {
				t.Errorf("terminal %s must not transition to %s", terminal, next)
			}
		}
	}
}

func TestCanAcknowledge(t *testing.T) {
	cases := map[Status]bool{
		StatusNew:            true,
		StatusRetryFailed:    true,
		StatusAcknowledged:   false,
		StatusRetryPending:   false,
		StatusRetrySucceeded: false,
		StatusResolved:       false,
		StatusClosed:         false,
	}
	for status, want := range cases {
		if got := status.CanAcknowledge(); got != want {
			t.Errorf("CanAcknowledge(%s): got %v, want %v", status, got, want)
		}
	}
}

func TestRetriesExhausted(t *testing.T) {
	ex := &InterfaceException{RetryCount: 4, MaxRetries: 5}
	if ex.RetriesExhausted() {
		t.Error("4 of 5 retries must not be exhausted")
	}
	ex.RetryCount = 5
	if !ex.RetriesExhausted() {
		t.Error("5 of 5 retries must be exhausted")
	}
}

func TestAcknowledgeSetsFields(t *testing.T) {
	ex := &InterfaceException{Status: StatusNew}
	at := time.Now()
	ex.Acknowledge("ops-user", "investigating", "checking upstream", "jamie", at)

	if ex.Status != StatusAcknowledged {
		t.Errorf("status: got %s, want %s", ex.Status, StatusAcknowledged)
	}
	if ex.AcknowledgedBy != "ops-user" || ex.AssignedTo != "jamie" {
		t.Errorf("unexpected acknowledgment fields: %+v", ex)
	}
	if ex.AcknowledgedAt == nil || !ex.AcknowledgedAt.Equal(at) {
		t.Error("acknowledged_at not recorded")
	}
}

func TestResolveSetsFields(t *testing.T) {
	ex := &InterfaceException{Status: StatusRetrySucceeded}
	at := time.Now()
	ex.Resolve("ops-user", ResolutionAutomatedRetry, "fixed by retry", at)

	if ex.Status != StatusResolved {
		t.Errorf("status: got %s, want %s", ex.Status, StatusResolved)
	}
	if ex.ResolutionMethod != ResolutionAutomatedRetry {
		t.Errorf("resolution method: got %s", ex.ResolutionMethod)
	}
	if ex.ResolvedAt == nil || !ex.ResolvedAt.Equal(at) {
		t.Error("resolved_at not recorded")
	}
}
