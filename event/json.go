package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope mirrors Event for JSON transport with the payload held raw so it
// can be decoded against the type-specific shape.
type envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Source        string          `json:"source"`
	Targets       []string        `json:"targets,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	TTLMs         int64           `json:"ttlMs,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// MarshalJSON encodes the envelope with the TTL in milliseconds.
func (e *Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(envelope{
		ID:            e.ID,
		Type:          e.Type,
		Source:        e.Source,
		Targets:       e.Targets,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		SessionID:     e.SessionID,
		Priority:      e.Priority,
		TTLMs:         e.TTL.Milliseconds(),
		Data:          data,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the payload to the
// concrete type determined by the event type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	payload, err := PayloadFor(env.Type)
	if err != nil {
		return err
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
	}

	e.ID = env.ID
	e.Type = env.Type
	e.Source = env.Source
	e.Targets = env.Targets
	e.Timestamp = env.Timestamp
	e.CorrelationID = env.CorrelationID
	e.SessionID = env.SessionID
	e.Priority = env.Priority
	e.TTL = time.Duration(env.TTLMs) * time.Millisecond
	e.Data = payload
	return nil
}
