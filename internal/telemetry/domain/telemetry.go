package domain

import (
	"encoding/json"
	"time"
)

// Event is an org-scoped telemetry event. It is emitted to the OTel log pipeline and, when brokers
// are configured, published as JSON to Kafka.
type Event struct {
	OrgID     string          `json:"org_id"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent returns an event stamped with the current UTC time. metadata is marshaled to JSON;
// a nil map leaves Metadata empty.
func NewEvent(orgID, userID, eventType, source string, metadata map[string]any) *Event {
	e := &Event{
		OrgID:     orgID,
		UserID:    userID,
		EventType: eventType,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			e.Metadata = b
		}
	}
	return e
}
