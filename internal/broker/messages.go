package broker

import (
	"github.com/go-playground/validator/v10"
)

// FanoutMessage asks the fan-out stage to expand one event into attempts.
type FanoutMessage struct {
	EventID       string `json:"eventId" validate:"required"`
	EventUID      string `json:"eventUid" validate:"required"`
	ApplicationID string `json:"applicationId" validate:"required"`
	EventType     string `json:"eventType" validate:"required"`
}

// DispatchMessage asks the dispatch stage to deliver one attempt.
type DispatchMessage struct {
	EventID   string            `json:"eventId" validate:"required"`
	EventUID  string            `json:"eventUid" validate:"required"`
	AttemptID string            `json:"attemptId" validate:"required"`
	URL       string            `json:"url" validate:"required,url"`
	Method    string            `json:"method" validate:"required"`
	Headers   map[string]string `json:"headers,omitempty"`
	Secret    string            `json:"secret" validate:"required"`
}

// Message is the set of payloads a Consumer can decode.
type Message interface {
	FanoutMessage | DispatchMessage
}

var validate = validator.New(validator.WithRequiredStructEnabled())
