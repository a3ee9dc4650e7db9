package domain

import "testing"

func TestAttemptStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status AttemptStatus
		want   bool
	}{
		{AttemptStatusWaiting, false},
		{AttemptStatusEnqueued, false},
		{AttemptStatusProcessing, false},
		{AttemptStatusCompleted, true},
		{AttemptStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttemptStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from AttemptStatus
		to   AttemptStatus
		want bool
	}{
		{"fan-out hands off", AttemptStatusWaiting, AttemptStatusEnqueued, true},
		{"dispatch claims", AttemptStatusEnqueued, AttemptStatusProcessing, true},
		{"stale claim recovered", AttemptStatusProcessing, AttemptStatusProcessing, true},
		{"retryable response", AttemptStatusProcessing, AttemptStatusEnqueued, true},
		{"success", AttemptStatusProcessing, AttemptStatusCompleted, true},
		{"terminal failure", AttemptStatusProcessing, AttemptStatusFailed, true},
		{"waiting cannot complete", AttemptStatusWaiting, AttemptStatusCompleted, false},
		{"completed is final", AttemptStatusCompleted, AttemptStatusFailed, false},
		{"failed is final", AttemptStatusFailed, AttemptStatusEnqueued, false},
		{"enqueued cannot complete directly", AttemptStatusEnqueued, AttemptStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestClaimResultOf(t *testing.T) {
	tests := []struct {
		status AttemptStatus
		want   ClaimResult
	}{
		{AttemptStatusWaiting, ClaimHeld},
		{AttemptStatusEnqueued, ClaimHeld},
		{AttemptStatusProcessing, ClaimHeld},
		{AttemptStatusCompleted, ClaimSkipped},
		{AttemptStatusFailed, ClaimSkipped},
		{"", ClaimSkipped},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := ClaimResultOf(tt.status); got != tt.want {
				t.Errorf("ClaimResultOf(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestNewWaitingAttempt(t *testing.T) {
	a := NewWaitingAttempt("evt_1", "ep_1")

	if a.Status != AttemptStatusWaiting {
		t.Errorf("Status = %v, want %v", a.Status, AttemptStatusWaiting)
	}
	if a.IdempotencyKey != "initial:ep_1:evt_1" {
		t.Errorf("IdempotencyKey = %q, want %q", a.IdempotencyKey, "initial:ep_1:evt_1")
	}
	if a.AttemptNumber != 1 {
		t.Errorf("AttemptNumber = %d, want 1", a.AttemptNumber)
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	if IdempotencyKey("ep", "evt") != IdempotencyKey("ep", "evt") {
		t.Error("idempotency key must be deterministic")
	}
	if IdempotencyKey("ep", "evt") == IdempotencyKey("evt", "ep") {
		t.Error("idempotency key must depend on argument order")
	}
}
