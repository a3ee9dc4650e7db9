package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Application is the tenant boundary. It owns endpoints and event types.
type Application struct {
	ID        string     `json:"id"`
	UID       string     `json:"uid"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EventType is a named, application-scoped category of events.
// A disabled event type is kept for history but routes nothing.
type EventType struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Name          string    `json:"name"`
	Description   *string   `json:"description,omitempty"`
	Disabled      bool      `json:"disabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// CheckEnabled returns ErrDisabled for a disabled event type.
func (t *EventType) CheckEnabled() error {
	if t.Disabled {
		return fmt.Errorf("event type %s: %w", t.Name, ErrDisabled)
	}
	return nil
}

// Endpoint is a subscriber delivery target.
type Endpoint struct {
	ID            string            `json:"id"`
	ApplicationID string            `json:"application_id"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Secret        string            `json:"-"`
	IsActive      bool              `json:"is_active"`
	CreatedAt     time.Time         `json:"created_at"`
}

// EndpointRouting links an endpoint to an event type it subscribes to.
type EndpointRouting struct {
	EndpointID    string `json:"endpoint_id"`
	EventTypeID   string `json:"event_type_id"`
	ApplicationID string `json:"application_id"`
}

// Event is an immutable fact ingested for an application.
type Event struct {
	ID            string          `json:"id"`
	UID           string          `json:"uid"`
	ApplicationID string          `json:"application_id"`
	EventType     string          `json:"event_type"`
	ExternalID    *string         `json:"external_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ValidatePayload accepts a well-formed JSON object and nothing else.
func ValidatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("payload must be a JSON object: %w", ErrInvalidInput)
	}
	return nil
}

var (
	stripMarks      = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	separatorRun    = regexp.MustCompile(`[\s_-]+`)
	disallowedChars = regexp.MustCompile(`[^a-z0-9.]`)
	dotRun          = regexp.MustCompile(`\.+`)
)

// NormalizeEventTypeName maps free-form names such as "Order Créated" or
// "order_created" onto the canonical dotted form "order.created".
func NormalizeEventTypeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if stripped, _, err := transform.String(stripMarks, s); err == nil {
		s = stripped
	}
	s = separatorRun.ReplaceAllString(s, ".")
	s = disallowedChars.ReplaceAllString(s, "")
	s = dotRun.ReplaceAllString(s, ".")
	return strings.Trim(s, ".")
}
