package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentbus-dev/agentbus/event"
)

// Record is the durable projection of an event. The payload is kept as raw
// JSON so backends never need to know payload shapes; Processed is the only
// field a backend mutates after insert.
type Record struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Targets       []string        `json:"targets,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Priority      string          `json:"priority,omitempty"`
	TTLMs         int64           `json:"ttlMs,omitempty"`
	Data          json.RawMessage `json:"data"`
	Processed     bool            `json:"processed"`
}

// NewRecord projects an event into its durable form.
func NewRecord(ev *event.Event) (*Record, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", ev.ID, err)
	}
	return &Record{
		ID:            ev.ID,
		Type:          string(ev.Type),
		Source:        ev.Source,
		Targets:       append([]string(nil), ev.Targets...),
		Timestamp:     ev.Timestamp,
		CorrelationID: ev.CorrelationID,
		SessionID:     ev.SessionID,
		Priority:      string(ev.Priority),
		TTLMs:         ev.TTL.Milliseconds(),
		Data:          data,
	}, nil
}

// Event rebuilds the public event from the record. The payload is decoded
// against the type-specific shape, so the result matches the Event contract
// exactly and leaks no storage fields.
func (r *Record) Event() (*event.Event, error) {
	t := event.Type(r.Type)
	payload, err := event.PayloadFor(t)
	if err != nil {
		return nil, err
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, payload); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload for %s: %w", r.Type, r.ID, err)
		}
	}
	return &event.Event{
		ID:            r.ID,
		Type:          t,
		Source:        r.Source,
		Targets:       append([]string(nil), r.Targets...),
		Timestamp:     r.Timestamp,
		CorrelationID: r.CorrelationID,
		SessionID:     r.SessionID,
		Priority:      event.Priority(r.Priority),
		TTL:           time.Duration(r.TTLMs) * time.Millisecond,
		Data:          payload,
	}, nil
}

// Clone returns a deep enough copy that callers can hold the result across
// backend mutations.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Targets = append([]string(nil), r.Targets...)
	cp.Data = append(json.RawMessage(nil), r.Data...)
	return &cp
}
