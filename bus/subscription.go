package bus

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentbus-dev/agentbus/event"
	"github.com/agentbus-dev/agentbus/pkg/observability"
)

// ErrInvalidSubscription is returned by Subscribe for missing arguments.
var ErrInvalidSubscription = errors.New("invalid subscription")

// Filter narrows a subscription beyond its type set. A nil slice means
// "no constraint" for that clause; all present clauses must match.
type Filter struct {
	// Sources restricts to events originating from these agents.
	Sources []string
	// Targets restricts to events addressed to at least one of these ids.
	// Events without a target never match this clause.
	Targets []string
	// CorrelationIDs restricts to events carrying one of these ids.
	CorrelationIDs []string
	// Priorities restricts to events at one of these priorities.
	Priorities []event.Priority
}

// Matches reports whether ev satisfies every present clause.
func (f Filter) Matches(ev *event.Event) bool {
	if len(f.Sources) > 0 && !containsString(f.Sources, ev.Source) {
		return false
	}
	if len(f.Targets) > 0 {
		if !ev.Targeted() || !intersects(f.Targets, ev.Targets) {
			return false
		}
	}
	if len(f.CorrelationIDs) > 0 && !containsString(f.CorrelationIDs, ev.CorrelationID) {
		return false
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if p == ev.Priority {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription ties a subscriber to the event types it wants.
type Subscription struct {
	// ID is the opaque handle returned by Subscribe.
	ID string
	// SubscriberID identifies the owning agent; direct-addressed events
	// are only visible when it appears in the event's target set.
	SubscriberID string
	// Types is the set of event types this subscription receives.
	Types []event.Type
	// Filter optionally narrows matching further.
	Filter Filter
	// Priority orders delivery within one event's fan-out set (higher
	// first). It does not affect cross-event ordering.
	Priority int

	handler Handler
	typeSet map[event.Type]bool
	seq     uint64
}

// matches applies the full matching rule: type membership, filter clauses,
// and target addressing.
func (s *Subscription) matches(ev *event.Event) bool {
	if !s.typeSet[ev.Type] {
		return false
	}
	if !s.Filter.Matches(ev) {
		return false
	}
	return ev.TargetedAt(s.SubscriberID)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithFilter narrows the subscription with filter clauses.
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) {
		s.Filter = f
	}
}

// WithDeliveryPriority orders this subscription within an event's fan-out
// set; higher runs earlier in the sorted set. Default 0.
func WithDeliveryPriority(p int) SubscribeOption {
	return func(s *Subscription) {
		s.Priority = p
	}
}

// Subscribe registers a handler for the given event types and returns an
// opaque subscription id. A subscriber may hold any number of independent
// subscriptions.
func (b *Bus) Subscribe(subscriberID string, types []event.Type, h Handler, opts ...SubscribeOption) (string, error) {
	if subscriberID == "" {
		return "", fmt.Errorf("%w: missing subscriber id", ErrInvalidSubscription)
	}
	if len(types) == 0 {
		return "", fmt.Errorf("%w: no event types", ErrInvalidSubscription)
	}
	if h == nil {
		return "", fmt.Errorf("%w: nil handler", ErrInvalidSubscription)
	}
	for _, t := range types {
		if !t.Valid() {
			return "", fmt.Errorf("%w: %q", event.ErrUnknownType, t)
		}
	}

	sub := &Subscription{
		ID:           uuid.New().String(),
		SubscriberID: subscriberID,
		Types:        append([]event.Type(nil), types...),
		handler:      h,
		typeSet:      make(map[event.Type]bool, len(types)),
	}
	for _, t := range types {
		sub.typeSet[t] = true
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.seq++
	sub.seq = b.seq
	b.subs[sub.ID] = sub
	if b.bySubscriber[subscriberID] == nil {
		b.bySubscriber[subscriberID] = make(map[string]bool)
	}
	b.bySubscriber[subscriberID][sub.ID] = true
	count := len(b.subs)
	b.mu.Unlock()

	observability.SetActiveSubscriptions(count)
	return sub.ID, nil
}

// Unsubscribe removes a subscription. It is idempotent: removing an unknown
// id is a no-op.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
		if owned := b.bySubscriber[sub.SubscriberID]; owned != nil {
			delete(owned, subscriptionID)
			if len(owned) == 0 {
				delete(b.bySubscriber, sub.SubscriberID)
			}
		}
	}
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		observability.SetActiveSubscriptions(count)
	}
}

// UnsubscribeAll removes every subscription owned by subscriberID, typically
// on agent shutdown. Idempotent.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	for id := range b.bySubscriber[subscriberID] {
		delete(b.subs, id)
	}
	delete(b.bySubscriber, subscriberID)
	count := len(b.subs)
	b.mu.Unlock()

	observability.SetActiveSubscriptions(count)
}

// Subscriptions returns the number of live subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if containsString(b, x) {
			return true
		}
	}
	return false
}
