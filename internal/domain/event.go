package domain

import (
	"fmt"
	"net/http"
	"time"
)

// AttemptStatus is the lifecycle state of an EventAttempt.
//
//	WAITING -> ENQUEUED -> PROCESSING -> COMPLETED
//	                 ^          |    \-> FAILED
//	                 \----------/
type AttemptStatus string

const (
	AttemptStatusWaiting    AttemptStatus = "WAITING"
	AttemptStatusEnqueued   AttemptStatus = "ENQUEUED"
	AttemptStatusProcessing AttemptStatus = "PROCESSING"
	AttemptStatusCompleted  AttemptStatus = "COMPLETED"
	AttemptStatusFailed     AttemptStatus = "FAILED"
)

var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptStatusWaiting:    {AttemptStatusEnqueued},
	AttemptStatusEnqueued:   {AttemptStatusProcessing, AttemptStatusFailed},
	AttemptStatusProcessing: {AttemptStatusEnqueued, AttemptStatusCompleted, AttemptStatusFailed, AttemptStatusProcessing},
}

// IsTerminal reports whether no further transition is possible.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusCompleted || s == AttemptStatusFailed
}

// CanTransition reports whether moving from s to next is a legal step.
// PROCESSING -> PROCESSING is the stale-claim recovery path.
func (s AttemptStatus) CanTransition(next AttemptStatus) bool {
	for _, allowed := range attemptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ClaimResult says what happened when a worker tried to claim an attempt.
type ClaimResult int

const (
	// ClaimSkipped: the attempt is finished or gone. Nothing to do.
	ClaimSkipped ClaimResult = iota
	// ClaimAcquired: the caller owns the attempt until it records a result.
	ClaimAcquired
	// ClaimHeld: the attempt is not claimable yet but will be. Either another
	// claim is still inside its visibility window, or fan-out has not marked
	// the attempt ENQUEUED.
	ClaimHeld
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimHeld:
		return "held"
	default:
		return "skipped"
	}
}

// ClaimResultOf classifies a failed claim by the status the attempt had.
func ClaimResultOf(s AttemptStatus) ClaimResult {
	switch s {
	case AttemptStatusWaiting, AttemptStatusEnqueued, AttemptStatusProcessing:
		return ClaimHeld
	default:
		return ClaimSkipped
	}
}

// EventAttempt is one delivery of one event to one endpoint.
type EventAttempt struct {
	ID              string        `json:"id"`
	EventID         string        `json:"event_id"`
	EndpointID      string        `json:"endpoint_id"`
	Status          AttemptStatus `json:"status"`
	IdempotencyKey  string        `json:"-"`
	ResponseCode    *int          `json:"response_code,omitempty"`
	ResponseHeaders http.Header   `json:"response_headers,omitempty"`
	DurationMs      *int64        `json:"duration_ms,omitempty"`
	AttemptNumber   int           `json:"attempt_number"`
	ClaimedAt       *time.Time    `json:"claimed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewWaitingAttempt builds the initial attempt for an (event, endpoint) pair.
func NewWaitingAttempt(eventID, endpointID string) *EventAttempt {
	return &EventAttempt{
		EventID:        eventID,
		EndpointID:     endpointID,
		Status:         AttemptStatusWaiting,
		IdempotencyKey: IdempotencyKey(endpointID, eventID),
		AttemptNumber:  1,
	}
}

// IdempotencyKey is the unique key that makes fan-out creation repeatable.
func IdempotencyKey(endpointID, eventID string) string {
	return fmt.Sprintf("initial:%s:%s", endpointID, eventID)
}

// AttemptResult is what a dispatch run writes back to its attempt row.
type AttemptResult struct {
	Status          AttemptStatus
	ResponseCode    *int
	ResponseHeaders http.Header
	DurationMs      *int64
	AttemptNumber   int
}

// DispatchTarget is a WAITING attempt joined with the endpoint it targets.
type DispatchTarget struct {
	AttemptID string
	URL       string
	Method    string
	Headers   map[string]string
	Secret    string
}

