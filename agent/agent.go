// Package agent is the integration facade for collaborators on the event
// layer. It wires named handler callbacks into subscriptions, announces
// lifecycle events automatically, and exposes task-lifecycle helpers that
// carry the originating assignment's correlation id, so agent code deals in
// domain callbacks instead of raw subscriptions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentbus-dev/agentbus/bus"
	"github.com/agentbus-dev/agentbus/event"
	"github.com/agentbus-dev/agentbus/store"
)

var ErrNotRegistered = errors.New("agent not registered")

// Handlers holds the named callbacks an agent can provide. Nil callbacks are
// simply not subscribed. CustomTypes routes additional event types to
// OnCustomEvent for anything the named callbacks do not cover.
type Handlers struct {
	OnTaskAssigned func(ctx context.Context, ev *event.Event, task *event.TaskAssigned) error
	OnMessage      func(ctx context.Context, ev *event.Event, msg *event.Message) error
	OnRequest      func(ctx context.Context, ev *event.Event, req *event.Request) (map[string]any, error)
	OnCoordination func(ctx context.Context, ev *event.Event, c *event.Coordination) error
	OnBroadcast    func(ctx context.Context, ev *event.Event, b *event.Broadcast) error
	OnSwarmEvent   func(ctx context.Context, ev *event.Event, s *event.Swarm) error
	OnCustomEvent  func(ctx context.Context, ev *event.Event) error
	CustomTypes    []event.Type
}

// Client is one agent's connection to the event layer.
type Client struct {
	store        *store.Store
	id           string
	agentType    string
	capabilities []string

	mu         sync.Mutex
	subIDs     []string
	started    map[string]time.Time
	registered bool
}

// Option configures a Client.
type Option func(*Client)

// WithAgentType sets the agent type announced in lifecycle events.
func WithAgentType(t string) Option {
	return func(c *Client) { c.agentType = t }
}

// WithCapabilities sets the capabilities announced in lifecycle events.
func WithCapabilities(caps ...string) Option {
	return func(c *Client) { c.capabilities = caps }
}

// New builds a client for the given agent id. Register must be called before
// events flow.
func New(s *store.Store, agentID string, opts ...Option) *Client {
	c := &Client{
		store:   s,
		id:      agentID,
		started: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the agent id this client announces and subscribes as.
func (c *Client) ID() string { return c.id }

// Register announces agent.spawned, wires the provided handlers into
// subscriptions, and announces agent.ready. Calling it twice is an error.
func (c *Client) Register(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return fmt.Errorf("agent %s already registered", c.id)
	}
	c.registered = true
	c.mu.Unlock()

	if err := c.announce(ctx, event.TypeAgentSpawned, ""); err != nil {
		return err
	}

	type wiring struct {
		types   []event.Type
		handler bus.Handler
	}
	// swarm.task.assigned carries a task payload, so it routes to the task
	// handler, not the swarm one.
	swarmTypes := []event.Type{
		event.TypeSwarmFormed, event.TypeSwarmJoined, event.TypeSwarmLeft,
		event.TypeSwarmDisbanded, event.TypeSwarmConsensusRequest,
		event.TypeSwarmConsensusReached,
	}
	subs := []wiring{
		{[]event.Type{event.TypeTaskAssigned, event.TypeSwarmTaskAssigned}, c.taskHandler(h.OnTaskAssigned)},
		{[]event.Type{event.TypeMessage}, typedHandler(h.OnMessage)},
		{[]event.Type{event.TypeRequest}, c.requestHandler(h.OnRequest)},
		{event.FamilyTypes(event.FamilyCoordination), typedHandler(h.OnCoordination)},
		{[]event.Type{event.TypeBroadcast}, typedHandler(h.OnBroadcast)},
		{swarmTypes, typedHandler(h.OnSwarmEvent)},
	}
	if h.OnCustomEvent != nil && len(h.CustomTypes) > 0 {
		subs = append(subs, wiring{h.CustomTypes, bus.HandlerFunc(h.OnCustomEvent)})
	}

	for _, s := range subs {
		if s.handler == nil {
			continue
		}
		id, err := c.store.Bus().Subscribe(c.id, s.types, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %v: %w", s.types, err)
		}
		c.mu.Lock()
		c.subIDs = append(c.subIDs, id)
		c.mu.Unlock()
	}

	if err := c.announce(ctx, event.TypeAgentReady, ""); err != nil {
		return err
	}
	log.Printf("[Agent] %s registered (%d subscriptions)", c.id, len(c.SubscriptionIDs()))
	return nil
}

// typedHandler adapts a payload-typed callback into a bus handler. A nil
// callback yields a nil handler, which Register skips.
func typedHandler[P event.Payload](fn func(context.Context, *event.Event, P) error) bus.Handler {
	if fn == nil {
		return nil
	}
	return bus.HandlerFunc(func(ctx context.Context, ev *event.Event) error {
		payload, ok := ev.Data.(P)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", ev.Data, ev.Type)
		}
		return fn(ctx, ev, payload)
	})
}

// taskHandler wraps the task callback so an error or panic automatically
// publishes task.failed with retryable=true, carrying the assignment's
// correlation id.
func (c *Client) taskHandler(fn func(context.Context, *event.Event, *event.TaskAssigned) error) bus.Handler {
	if fn == nil {
		return nil
	}
	return bus.HandlerFunc(func(ctx context.Context, ev *event.Event) (err error) {
		task, ok := ev.Data.(*event.TaskAssigned)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", ev.Data, ev.Type)
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task handler panic: %v", r)
			}
			if err != nil {
				if failErr := c.FailTask(ctx, ev, err.Error(), true); failErr != nil {
					log.Printf("[Agent] %s auto task.failed for %s: %v", c.id, task.TaskID, failErr)
				}
			}
		}()
		return fn(ctx, ev, task)
	})
}

// requestHandler wraps the request callback so its return value, error, or
// panic always becomes a response to the requester.
func (c *Client) requestHandler(fn func(context.Context, *event.Event, *event.Request) (map[string]any, error)) bus.Handler {
	if fn == nil {
		return nil
	}
	return bus.HandlerFunc(func(ctx context.Context, ev *event.Event) error {
		req, ok := ev.Data.(*event.Request)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", ev.Data, ev.Type)
		}

		var result map[string]any
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("request handler panic: %v", r)
				}
			}()
			result, err = fn(ctx, ev, req)
		}()

		if err != nil {
			return c.store.Bus().Respond(c.id, ev, false, nil, err.Error())
		}
		return c.store.Bus().Respond(c.id, ev, true, result, "")
	})
}

func (c *Client) announce(ctx context.Context, typ event.Type, reason string) error {
	ev := event.New(typ, c.id, &event.AgentLifecycle{
		AgentID:      c.id,
		AgentType:    c.agentType,
		Capabilities: c.capabilities,
		Reason:       reason,
	})
	return c.store.Publish(ctx, ev)
}

// SetBusy announces agent.busy.
func (c *Client) SetBusy(ctx context.Context) error {
	return c.announce(ctx, event.TypeAgentBusy, "")
}

// SetIdle announces agent.idle.
func (c *Client) SetIdle(ctx context.Context) error {
	return c.announce(ctx, event.TypeAgentIdle, "")
}

// correlationOf gives every task-lifecycle event published for an assignment
// the same correlation id: the assignment's own, or its task id when the
// assigner set none.
func correlationOf(assignment *event.Event, task *event.TaskAssigned) string {
	if assignment.CorrelationID != "" {
		return assignment.CorrelationID
	}
	return task.TaskID
}

// taskEvent builds one task-lifecycle event. Lifecycle events stay
// untargeted so observers beyond the assigner can follow task progress; the
// correlation id links them back to the assignment.
func (c *Client) taskEvent(assignment *event.Event, typ event.Type, payload event.Payload) (*event.Event, error) {
	task, ok := assignment.Data.(*event.TaskAssigned)
	if !ok {
		return nil, fmt.Errorf("not a task assignment: %s", assignment.Type)
	}
	ev := event.New(typ, c.id, payload).
		WithCorrelation(correlationOf(assignment, task))
	ev.SessionID = assignment.SessionID
	return ev, nil
}

// AcceptTask publishes task.accepted for the assignment.
func (c *Client) AcceptTask(ctx context.Context, assignment *event.Event) error {
	return c.publishStatus(ctx, assignment, event.TypeTaskAccepted, "")
}

// RejectTask publishes task.rejected with a reason.
func (c *Client) RejectTask(ctx context.Context, assignment *event.Event, reason string) error {
	return c.publishStatus(ctx, assignment, event.TypeTaskRejected, reason)
}

// StartTask publishes task.started and records the start time so completion
// and failure can report a duration.
func (c *Client) StartTask(ctx context.Context, assignment *event.Event) error {
	if task, ok := assignment.Data.(*event.TaskAssigned); ok {
		c.mu.Lock()
		c.started[task.TaskID] = time.Now()
		c.mu.Unlock()
	}
	return c.publishStatus(ctx, assignment, event.TypeTaskStarted, "")
}

func (c *Client) publishStatus(ctx context.Context, assignment *event.Event, typ event.Type, reason string) error {
	task, ok := assignment.Data.(*event.TaskAssigned)
	if !ok {
		return fmt.Errorf("not a task assignment: %s", assignment.Type)
	}
	ev, err := c.taskEvent(assignment, typ, &event.TaskStatus{
		TaskID: task.TaskID,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	return c.store.Publish(ctx, ev)
}

// ReportProgress publishes task.progress.
func (c *Client) ReportProgress(ctx context.Context, assignment *event.Event, percent int, note string) error {
	task, ok := assignment.Data.(*event.TaskAssigned)
	if !ok {
		return fmt.Errorf("not a task assignment: %s", assignment.Type)
	}
	ev, err := c.taskEvent(assignment, event.TypeTaskProgress, &event.TaskProgress{
		TaskID:  task.TaskID,
		Percent: percent,
		Note:    note,
	})
	if err != nil {
		return err
	}
	return c.store.Publish(ctx, ev)
}

// CompleteTask publishes task.completed with the result.
func (c *Client) CompleteTask(ctx context.Context, assignment *event.Event, result map[string]any) error {
	task, ok := assignment.Data.(*event.TaskAssigned)
	if !ok {
		return fmt.Errorf("not a task assignment: %s", assignment.Type)
	}
	ev, err := c.taskEvent(assignment, event.TypeTaskCompleted, &event.TaskCompleted{
		TaskID:     task.TaskID,
		Result:     result,
		DurationMs: c.taskDuration(task.TaskID),
	})
	if err != nil {
		return err
	}
	return c.store.Publish(ctx, ev)
}

// FailTask publishes task.failed.
func (c *Client) FailTask(ctx context.Context, assignment *event.Event, errMsg string, retryable bool) error {
	task, ok := assignment.Data.(*event.TaskAssigned)
	if !ok {
		return fmt.Errorf("not a task assignment: %s", assignment.Type)
	}
	c.taskDuration(task.TaskID) // clear any start record
	ev, err := c.taskEvent(assignment, event.TypeTaskFailed, &event.TaskFailed{
		TaskID:    task.TaskID,
		Error:     errMsg,
		Retryable: retryable,
	})
	if err != nil {
		return err
	}
	return c.store.Publish(ctx, ev)
}

// taskDuration returns the elapsed time since StartTask in ms and clears the
// start record; zero when the task was never started.
func (c *Client) taskDuration(taskID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, ok := c.started[taskID]
	if !ok {
		return 0
	}
	delete(c.started, taskID)
	return time.Since(start).Milliseconds()
}

// SendMessage publishes a direct message to another agent.
func (c *Client) SendMessage(ctx context.Context, target, messageType string, content map[string]any) error {
	ev := event.New(event.TypeMessage, c.id, &event.Message{
		MessageType: messageType,
		Content:     content,
	}).WithTargets(target)
	return c.store.Publish(ctx, ev)
}

// Broadcast publishes to every subscriber of broadcast.sent.
func (c *Client) Broadcast(ctx context.Context, topic string, content map[string]any, scope string, filter *event.BroadcastFilter) error {
	ev := event.New(event.TypeBroadcast, c.id, &event.Broadcast{
		Topic:   topic,
		Content: content,
		Scope:   scope,
		Filter:  filter,
	})
	return c.store.Publish(ctx, ev)
}

// Request sends a request to another agent and waits for its response or the
// timeout.
func (c *Client) Request(ctx context.Context, target, method string, params map[string]any, timeout time.Duration) (*event.Event, error) {
	return c.store.Bus().Request(ctx, c.id, target, method, params, timeout)
}

// Publish passes an arbitrary event through the store unchanged.
func (c *Client) Publish(ctx context.Context, ev *event.Event) error {
	return c.store.Publish(ctx, ev)
}

// SubscriptionIDs returns a copy of the facade's registered subscription ids.
func (c *Client) SubscriptionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subIDs...)
}

// Shutdown announces agent.terminated and tears down every subscription the
// facade registered.
func (c *Client) Shutdown(ctx context.Context, reason string) error {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	c.registered = false
	subIDs := c.subIDs
	c.subIDs = nil
	c.mu.Unlock()

	err := c.announce(ctx, event.TypeAgentTerminated, reason)

	for _, id := range subIDs {
		c.store.Bus().Unsubscribe(id)
	}
	log.Printf("[Agent] %s shut down", c.id)
	return err
}
