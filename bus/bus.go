// Package bus implements the in-process event dispatcher: a subscription
// registry, a FIFO processing queue with concurrent per-event fan-out,
// request/response correlation, bounded history, and live statistics.
//
// Events are delivered in publish order across events; all handlers for one
// event run concurrently and must finish before the next event is drained.
// A failing handler is isolated and reported as a subscription.error event.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentbus-dev/agentbus/event"
	"github.com/agentbus-dev/agentbus/pkg/observability"
)

// Sentinel errors for bus operations.
var (
	// ErrShutdown is returned for operations on a shut-down bus and is the
	// rejection cause for requests still pending at shutdown.
	ErrShutdown = errors.New("bus is shut down")
	// ErrRequestTimeout is returned when no response arrives within the
	// request's timeout window.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrNotRequest is returned by Respond when the given event does not
	// carry a request payload.
	ErrNotRequest = errors.New("event is not a request")
)

// Handler processes a delivered event. Implementations are called from the
// bus's fan-out goroutines and must be safe for concurrent use if shared
// across subscriptions.
type Handler interface {
	Handle(ctx context.Context, ev *event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev *event.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev *event.Event) error {
	return f(ctx, ev)
}

type options struct {
	historySize     int
	statsInterval   time.Duration
	statsSamples    int
	errorEventRate  rate.Limit
	errorEventBurst int
}

// Option configures a Bus.
type Option func(*options)

// WithHistorySize sets the capacity of the history ring buffer.
// Default: 1000 events.
func WithHistorySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithStatsInterval sets how often the statistics snapshot is recomputed.
// Default: 1 second.
func WithStatsInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.statsInterval = d
		}
	}
}

// WithStatsSamples sets the number of processing-time samples kept for the
// rolling min/avg/max. Default: 100.
func WithStatsSamples(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.statsSamples = n
		}
	}
}

// WithErrorEventRate bounds how many subscription.error events per second the
// bus emits, so a hot failing handler cannot flood the queue. Default: 10/s
// with a burst of 20.
func WithErrorEventRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.errorEventRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			o.errorEventBurst = burst
		}
	}
}

// Bus is the in-process event dispatcher. Construct it with New and share the
// instance explicitly; there is no package-level singleton.
type Bus struct {
	opts options

	ctx    context.Context
	cancel context.CancelFunc

	// queue state, guarded by qmu. The queue is unbounded so a slow
	// consumer accumulates latency instead of losing events.
	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []*event.Event
	paused bool
	closed bool

	// subscription registry
	mu           sync.RWMutex
	subs         map[string]*Subscription
	bySubscriber map[string]map[string]bool
	seq          uint64

	// pending request/response calls, keyed by requestID
	pmu     sync.Mutex
	pending map[string]*pendingRequest

	history    *historyRing
	stats      *statsTracker
	errLimiter *rate.Limiter

	wg sync.WaitGroup
}

// New creates a bus and starts its queue worker.
func New(opts ...Option) *Bus {
	o := options{
		historySize:     1000,
		statsInterval:   time.Second,
		statsSamples:    100,
		errorEventRate:  10,
		errorEventBurst: 20,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		opts:         o,
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[string]*Subscription),
		bySubscriber: make(map[string]map[string]bool),
		pending:      make(map[string]*pendingRequest),
		history:      newHistoryRing(o.historySize),
		stats:        newStatsTracker(o.statsSamples),
		errLimiter:   rate.NewLimiter(o.errorEventRate, o.errorEventBurst),
	}
	b.qcond = sync.NewCond(&b.qmu)

	b.wg.Add(1)
	go b.run()

	b.stats.start(o.statsInterval)

	return b
}

// Publish validates ev and appends it to the processing queue and the
// history buffer. It returns once the event is enqueued; delivery happens
// asynchronously in publish order.
func (b *Bus) Publish(ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return ErrShutdown
	}
	b.queue = append(b.queue, ev)
	depth := len(b.queue)
	b.qcond.Signal()
	b.qmu.Unlock()

	b.history.add(ev)
	b.stats.recordPublished()
	observability.RecordEventPublished(string(ev.Type))
	observability.SetQueueDepth(depth)

	return nil
}

// Broadcast publishes a broadcast.sent event with no target, so every
// subscriber of the type receives it. The filter payload is advisory;
// interpretation is a subscriber concern.
func (b *Bus) Broadcast(source, topic string, content map[string]any, scope string, filter *event.BroadcastFilter) error {
	ev := event.New(event.TypeBroadcast, source, &event.Broadcast{
		Topic:   topic,
		Content: content,
		Scope:   scope,
		Filter:  filter,
	})
	return b.Publish(ev)
}

// Pause stops queue draining without discarding queued events. The event
// currently being delivered, if any, completes.
func (b *Bus) Pause() {
	b.qmu.Lock()
	b.paused = true
	b.qmu.Unlock()
}

// Resume restarts queue draining.
func (b *Bus) Resume() {
	b.qmu.Lock()
	b.paused = false
	b.qcond.Broadcast()
	b.qmu.Unlock()
}

// Shutdown stops the bus: pending requests are rejected with ErrShutdown,
// the queue and subscription registry are cleared, and the worker exits
// after the in-flight event, if any, finishes delivering.
func (b *Bus) Shutdown() {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.qcond.Broadcast()
	b.qmu.Unlock()

	b.cancel()
	b.rejectAllPending(ErrShutdown)

	b.mu.Lock()
	b.subs = make(map[string]*Subscription)
	b.bySubscriber = make(map[string]map[string]bool)
	b.mu.Unlock()
	observability.SetActiveSubscriptions(0)

	b.wg.Wait()
	b.stats.stop()
}

// run is the single queue worker: it drains one event at a time, preserving
// cross-event FIFO order.
func (b *Bus) run() {
	defer b.wg.Done()

	for {
		b.qmu.Lock()
		for !b.closed && (b.paused || len(b.queue) == 0) {
			b.qcond.Wait()
		}
		if b.closed {
			b.qmu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		depth := len(b.queue)
		b.qmu.Unlock()

		observability.SetQueueDepth(depth)
		b.dispatch(ev)
	}
}

// dispatch fans one event out to every matching subscription concurrently
// and waits for all handlers to finish before returning.
func (b *Bus) dispatch(ev *event.Event) {
	now := time.Now().UTC()
	if ev.Expired(now) {
		b.stats.recordProcessed(0)
		return
	}

	// Response events settle their pending request before fan-out so the
	// requester is unblocked even if it holds no subscription.
	if resp, ok := ev.Data.(*event.Response); ok {
		b.settleRequest(resp.RequestID, ev)
	}

	matches := b.matching(ev)

	start := time.Now()
	var wg sync.WaitGroup
	for _, sub := range matches {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			b.deliver(s, ev)
		}(sub)
	}
	wg.Wait()

	elapsed := time.Since(start)
	b.stats.recordProcessed(elapsed)
	observability.RecordDispatch(string(ev.Type), elapsed)
}

// deliver invokes one handler, isolating failures and panics.
func (b *Bus) deliver(sub *Subscription, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.reportHandlerError(sub, ev, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := sub.handler.Handle(b.ctx, ev); err != nil {
		b.reportHandlerError(sub, ev, err)
		return
	}
	observability.RecordEventDelivered(string(ev.Type))
}

// reportHandlerError converts a handler failure into an observable
// subscription.error event. Emission is rate limited; failures of
// subscription.error handlers themselves are only logged, to avoid
// recursion.
func (b *Bus) reportHandlerError(sub *Subscription, ev *event.Event, err error) {
	observability.RecordHandlerError(string(ev.Type))
	log.Printf("[Bus] handler error: subscription=%s subscriber=%s event=%s: %v",
		sub.ID, sub.SubscriberID, ev.ID, err)

	if ev.Type == event.TypeSubscriptionError {
		return
	}
	if !b.errLimiter.Allow() {
		return
	}

	errEv := event.New(event.TypeSubscriptionError, "bus", &event.SubscriptionError{
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		Error:          err.Error(),
	})
	if perr := b.Publish(errEv); perr != nil && !errors.Is(perr, ErrShutdown) {
		log.Printf("[Bus] failed to publish subscription.error: %v", perr)
	}
}

// matching snapshots the live subscriptions that should receive ev, ordered
// by descending delivery priority (creation order breaks ties).
func (b *Bus) matching(ev *event.Event) []*Subscription {
	b.mu.RLock()
	matches := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			matches = append(matches, sub)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].seq < matches[j].seq
	})
	return matches
}

// QueueDepth returns the number of events waiting to be delivered.
func (b *Bus) QueueDepth() int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return len(b.queue)
}

// History returns up to limit most recent events, newest last. limit <= 0
// returns the full buffer.
func (b *Bus) History(limit int) []*event.Event {
	return b.history.snapshot(limit, nil)
}

// HistoryByType is History restricted to the given types.
func (b *Bus) HistoryByType(limit int, types ...event.Type) []*event.Event {
	return b.history.snapshot(limit, types)
}

// Stats returns the latest statistics snapshot with live queue depth and
// subscription count.
func (b *Bus) Stats() Stats {
	s := b.stats.snapshot()
	s.QueueDepth = b.QueueDepth()
	b.mu.RLock()
	s.ActiveSubscriptions = len(b.subs)
	b.mu.RUnlock()
	return s
}
