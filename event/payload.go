package event

import (
	"fmt"
	"time"
)

// Payload is the closed tagged union of event data shapes. Each event type
// maps to exactly one concrete payload type; the mapping is enforced by
// Validate and used for JSON decoding.
type Payload interface {
	isPayload()
}

// AgentLifecycle is the payload for all lifecycle events.
type AgentLifecycle struct {
	AgentID      string   `json:"agentId"`
	AgentType    string   `json:"agentType,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// TaskAssigned is the payload for task.assigned and swarm.task.assigned.
type TaskAssigned struct {
	TaskID      string         `json:"taskId"`
	TaskType    string         `json:"taskType,omitempty"`
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
}

// TaskStatus is the payload for task.accepted, task.rejected, and
// task.started.
type TaskStatus struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TaskProgress is the payload for task.progress.
type TaskProgress struct {
	TaskID  string `json:"taskId"`
	Percent int    `json:"percent"`
	Note    string `json:"note,omitempty"`
}

// TaskCompleted is the payload for task.completed.
type TaskCompleted struct {
	TaskID     string         `json:"taskId"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

// TaskFailed is the payload for task.failed.
type TaskFailed struct {
	TaskID    string `json:"taskId"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Message is the payload for direct messages.
type Message struct {
	MessageType string         `json:"messageType,omitempty"`
	Content     map[string]any `json:"content,omitempty"`
}

// Request is the payload for request.sent. RequestID is the canonical
// correlation key for request/response matching.
type Request struct {
	RequestID string         `json:"requestId"`
	Method    string         `json:"method"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

// Response is the payload for response.sent. Success=false carries an
// application-level error distinct from transport failures.
type Response struct {
	RequestID string         `json:"requestId"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// BroadcastFilter is advisory: the bus does not interpret it beyond generic
// filter matching; interpretation is a subscriber concern.
type BroadcastFilter struct {
	AgentTypes   []string `json:"agentTypes,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Broadcast is the payload for broadcast.sent.
type Broadcast struct {
	Topic   string           `json:"topic"`
	Content map[string]any   `json:"content,omitempty"`
	Scope   string           `json:"scope,omitempty"`
	Filter  *BroadcastFilter `json:"filter,omitempty"`
}

// Coordination is the payload for all coordination events.
type Coordination struct {
	CoordinationID string         `json:"coordinationId"`
	Activity       string         `json:"activity,omitempty"`
	Participants   []string       `json:"participants,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// Memory is the payload for all memory events.
type Memory struct {
	Key        string         `json:"key"`
	Namespace  string         `json:"namespace,omitempty"`
	Value      map[string]any `json:"value,omitempty"`
	SharedWith []string       `json:"sharedWith,omitempty"`
}

// Swarm is the payload for swarm membership and consensus events.
type Swarm struct {
	SwarmID  string         `json:"swarmId"`
	AgentID  string         `json:"agentId,omitempty"`
	Topic    string         `json:"topic,omitempty"`
	Members  []string       `json:"members,omitempty"`
	Decision map[string]any `json:"decision,omitempty"`
}

// SubscriptionError is the payload for subscription.error events emitted by
// the bus when a handler fails.
type SubscriptionError struct {
	SubscriptionID string `json:"subscriptionId"`
	SubscriberID   string `json:"subscriberId"`
	EventID        string `json:"eventId"`
	EventType      Type   `json:"eventType"`
	Error          string `json:"error"`
}

func (*AgentLifecycle) isPayload()    {}
func (*TaskAssigned) isPayload()      {}
func (*TaskStatus) isPayload()        {}
func (*TaskProgress) isPayload()      {}
func (*TaskCompleted) isPayload()     {}
func (*TaskFailed) isPayload()        {}
func (*Message) isPayload()           {}
func (*Request) isPayload()           {}
func (*Response) isPayload()          {}
func (*Broadcast) isPayload()         {}
func (*Coordination) isPayload()      {}
func (*Memory) isPayload()            {}
func (*Swarm) isPayload()             {}
func (*SubscriptionError) isPayload() {}

// PayloadFor returns a zero-valued payload of the concrete type an event
// type carries, for use as a JSON decode target. The switch is exhaustive
// over the closed enumeration.
func PayloadFor(t Type) (Payload, error) {
	switch t {
	case TypeAgentSpawned, TypeAgentReady, TypeAgentBusy, TypeAgentIdle, TypeAgentTerminated:
		return &AgentLifecycle{}, nil
	case TypeTaskAssigned, TypeSwarmTaskAssigned:
		return &TaskAssigned{}, nil
	case TypeTaskAccepted, TypeTaskRejected, TypeTaskStarted:
		return &TaskStatus{}, nil
	case TypeTaskProgress:
		return &TaskProgress{}, nil
	case TypeTaskCompleted:
		return &TaskCompleted{}, nil
	case TypeTaskFailed:
		return &TaskFailed{}, nil
	case TypeMessage:
		return &Message{}, nil
	case TypeRequest:
		return &Request{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeBroadcast:
		return &Broadcast{}, nil
	case TypeCoordinationRequested, TypeCoordinationAccepted, TypeCoordinationRejected,
		TypeCoordinationUpdated, TypeCoordinationCompleted:
		return &Coordination{}, nil
	case TypeMemoryStored, TypeMemoryRetrieved, TypeMemoryShared, TypeMemoryDeleted:
		return &Memory{}, nil
	case TypeSwarmFormed, TypeSwarmJoined, TypeSwarmLeft, TypeSwarmDisbanded,
		TypeSwarmConsensusRequest, TypeSwarmConsensusReached:
		return &Swarm{}, nil
	case TypeSubscriptionError:
		return &SubscriptionError{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// checkPayloadType verifies that data has the concrete type t requires.
func checkPayloadType(t Type, data Payload) error {
	want, err := PayloadFor(t)
	if err != nil {
		return err
	}
	if fmt.Sprintf("%T", data) != fmt.Sprintf("%T", want) {
		return fmt.Errorf("%w: type %s requires payload %T, got %T", ErrInvalidEvent, t, want, data)
	}
	return nil
}
