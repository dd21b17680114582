// Package event defines the typed event contract shared by the bus, the
// store, and collaborating agents. Events are immutable once published.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common validation errors.
var (
	// ErrInvalidEvent is returned when an event is missing required fields
	// or carries a payload that does not match its type.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrUnknownType is returned for event types outside the closed enumeration.
	ErrUnknownType = errors.New("unknown event type")
)

// Type identifies an event kind. The set of types is closed; each type
// determines the concrete payload shape carried in Event.Data.
type Type string

// Lifecycle events announce agent state transitions.
const (
	TypeAgentSpawned    Type = "agent.spawned"
	TypeAgentReady      Type = "agent.ready"
	TypeAgentBusy       Type = "agent.busy"
	TypeAgentIdle       Type = "agent.idle"
	TypeAgentTerminated Type = "agent.terminated"
)

// Task events track a task from assignment to completion.
const (
	TypeTaskAssigned  Type = "task.assigned"
	TypeTaskAccepted  Type = "task.accepted"
	TypeTaskRejected  Type = "task.rejected"
	TypeTaskStarted   Type = "task.started"
	TypeTaskProgress  Type = "task.progress"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"
)

// Communication events carry direct messages, broadcasts, and
// request/response calls between agents.
const (
	TypeMessage   Type = "message.sent"
	TypeBroadcast Type = "broadcast.sent"
	TypeRequest   Type = "request.sent"
	TypeResponse  Type = "response.sent"
)

// Coordination events negotiate shared activities between agents.
const (
	TypeCoordinationRequested Type = "coordination.requested"
	TypeCoordinationAccepted  Type = "coordination.accepted"
	TypeCoordinationRejected  Type = "coordination.rejected"
	TypeCoordinationUpdated   Type = "coordination.updated"
	TypeCoordinationCompleted Type = "coordination.completed"
)

// Memory events describe shared-memory operations.
const (
	TypeMemoryStored    Type = "memory.stored"
	TypeMemoryRetrieved Type = "memory.retrieved"
	TypeMemoryShared    Type = "memory.shared"
	TypeMemoryDeleted   Type = "memory.deleted"
)

// Swarm events describe swarm membership and consensus.
const (
	TypeSwarmFormed           Type = "swarm.formed"
	TypeSwarmJoined           Type = "swarm.joined"
	TypeSwarmLeft             Type = "swarm.left"
	TypeSwarmDisbanded        Type = "swarm.disbanded"
	TypeSwarmTaskAssigned     Type = "swarm.task.assigned"
	TypeSwarmConsensusRequest Type = "swarm.consensus.requested"
	TypeSwarmConsensusReached Type = "swarm.consensus.reached"
)

// TypeSubscriptionError is published by the bus when a subscriber's handler
// fails. It is observable like any other event but never persisted.
const TypeSubscriptionError Type = "subscription.error"

// Family groups event types for coarse-grained subscriptions.
type Family string

const (
	FamilyLifecycle     Family = "lifecycle"
	FamilyTask          Family = "task"
	FamilyCommunication Family = "communication"
	FamilyCoordination  Family = "coordination"
	FamilyMemory        Family = "memory"
	FamilySwarm         Family = "swarm"
	FamilySystem        Family = "system"
)

var familyTypes = map[Family][]Type{
	FamilyLifecycle: {TypeAgentSpawned, TypeAgentReady, TypeAgentBusy, TypeAgentIdle, TypeAgentTerminated},
	FamilyTask: {TypeTaskAssigned, TypeTaskAccepted, TypeTaskRejected, TypeTaskStarted,
		TypeTaskProgress, TypeTaskCompleted, TypeTaskFailed},
	FamilyCommunication: {TypeMessage, TypeBroadcast, TypeRequest, TypeResponse},
	FamilyCoordination: {TypeCoordinationRequested, TypeCoordinationAccepted, TypeCoordinationRejected,
		TypeCoordinationUpdated, TypeCoordinationCompleted},
	FamilyMemory: {TypeMemoryStored, TypeMemoryRetrieved, TypeMemoryShared, TypeMemoryDeleted},
	FamilySwarm: {TypeSwarmFormed, TypeSwarmJoined, TypeSwarmLeft, TypeSwarmDisbanded,
		TypeSwarmTaskAssigned, TypeSwarmConsensusRequest, TypeSwarmConsensusReached},
	FamilySystem: {TypeSubscriptionError},
}

// FamilyOf returns the family a type belongs to.
func (t Type) FamilyOf() Family {
	for fam, types := range familyTypes {
		for _, ft := range types {
			if ft == t {
				return fam
			}
		}
	}
	return ""
}

// FamilyTypes returns all types in a family. The returned slice is a copy.
func FamilyTypes(f Family) []Type {
	types := familyTypes[f]
	out := make([]Type, len(types))
	copy(out, types)
	return out
}

// AllTypes returns every type in the closed enumeration.
func AllTypes() []Type {
	var out []Type
	for _, fam := range []Family{FamilyLifecycle, FamilyTask, FamilyCommunication,
		FamilyCoordination, FamilyMemory, FamilySwarm, FamilySystem} {
		out = append(out, familyTypes[fam]...)
	}
	return out
}

// Valid reports whether t is part of the closed enumeration.
func (t Type) Valid() bool {
	return t.FamilyOf() != ""
}

// Priority orders subscription delivery and can be filtered on.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is the envelope delivered to subscribers and persisted by the store.
// ID, Type, Source, Timestamp, and Data are always present; Type determines
// the concrete shape of Data.
type Event struct {
	// ID is globally unique and assigned at generation time.
	ID string `json:"id"`

	// Type is the event kind from the closed enumeration.
	Type Type `json:"type"`

	// Source is the identifier of the originating agent.
	Source string `json:"source"`

	// Targets optionally restricts delivery to specific subscriber ids.
	// Nil or empty means the event is addressed to all matching subscribers.
	Targets []string `json:"targets,omitempty"`

	// Timestamp is the generation time in UTC.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID links related events, e.g. a task assignment and the
	// progress events it causes. Request/response matching uses the
	// payload RequestID instead; the envelope correlation id is carried
	// for traceability only.
	CorrelationID string `json:"correlationId,omitempty"`

	// SessionID optionally groups events belonging to one session.
	SessionID string `json:"sessionId,omitempty"`

	// Priority defaults to PriorityNormal.
	Priority Priority `json:"priority,omitempty"`

	// TTL optionally bounds the event's useful lifetime. Expired events
	// are not delivered.
	TTL time.Duration `json:"ttl,omitempty"`

	// Data is the typed payload. Its concrete type is determined by Type.
	Data Payload `json:"data"`
}

// New creates an event with a generated id, UTC timestamp, and normal priority.
func New(t Type, source string, data Payload) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
		Data:      data,
	}
}

// WithTargets restricts delivery to the given subscriber ids and returns the
// event for chaining.
func (e *Event) WithTargets(targets ...string) *Event {
	e.Targets = targets
	return e
}

// WithCorrelation sets the correlation id and returns the event for chaining.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithPriority sets the priority and returns the event for chaining.
func (e *Event) WithPriority(p Priority) *Event {
	e.Priority = p
	return e
}

// WithSession sets the session id and returns the event for chaining.
func (e *Event) WithSession(id string) *Event {
	e.SessionID = id
	return e
}

// Validate checks the envelope invariant: id, type, source, timestamp, and
// data must be present, the type must be known, and the payload's concrete
// type must match the event type.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	if e.Data == nil {
		return fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	if err := checkPayloadType(e.Type, e.Data); err != nil {
		return err
	}
	return nil
}

// Expired reports whether the event's TTL has elapsed relative to now.
// Events without a TTL never expire.
func (e *Event) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.TTL))
}

// Targeted reports whether the event is addressed to specific subscribers.
func (e *Event) Targeted() bool {
	return len(e.Targets) > 0
}

// TargetedAt reports whether id is among the event's targets. Untargeted
// events are addressed to everyone.
func (e *Event) TargetedAt(id string) bool {
	if !e.Targeted() {
		return true
	}
	for _, t := range e.Targets {
		if t == id {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy of the envelope with a copied target slice.
// The payload is shared; payloads are treated as immutable after publish.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Targets != nil {
		clone.Targets = make([]string, len(e.Targets))
		copy(clone.Targets, e.Targets)
	}
	return &clone
}

// String returns a short debug representation.
func (e *Event) String() string {
	return fmt.Sprintf("Event{ID:%s, Type:%s, Source:%s}", e.ID, e.Type, e.Source)
}
