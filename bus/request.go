package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentbus-dev/agentbus/event"
	"github.com/agentbus-dev/agentbus/pkg/observability"
)

// requestResult carries either the response event or the rejection cause.
type requestResult struct {
	ev  *event.Event
	err error
}

// pendingRequest holds the delivery channel for one outstanding request.
// At most one pendingRequest exists per requestID.
type pendingRequest struct {
	ch chan requestResult
}

// Request publishes a request.sent event addressed to target and blocks
// until a matching response arrives, the timeout elapses, ctx is cancelled,
// or the bus shuts down.
//
// Matching is by the generated requestID carried in the payload; the
// envelope CorrelationID is set to the same value for traceability but is
// not used for matching, so callers may chain their own correlation on the
// events a request causes. A response arriving after the timeout is dropped
// silently.
func (b *Bus) Request(ctx context.Context, source, target, method string, params map[string]any, timeout time.Duration) (*event.Event, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	requestID := uuid.New().String()
	pr := &pendingRequest{ch: make(chan requestResult, 1)}

	b.pmu.Lock()
	b.pending[requestID] = pr
	b.pmu.Unlock()

	ev := event.New(event.TypeRequest, source, &event.Request{
		RequestID: requestID,
		Method:    method,
		Params:    params,
		TimeoutMs: timeout.Milliseconds(),
	})
	ev.WithTargets(target).WithCorrelation(requestID)

	if err := b.Publish(ev); err != nil {
		b.removePending(requestID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		if res.err != nil {
			observability.RecordRequest("shutdown")
			return nil, res.err
		}
		observability.RecordRequest("ok")
		return res.ev, nil
	case <-timer.C:
		b.removePending(requestID)
		observability.RecordRequest("timeout")
		return nil, fmt.Errorf("%w: %s to %s after %v", ErrRequestTimeout, method, target, timeout)
	case <-ctx.Done():
		b.removePending(requestID)
		observability.RecordRequest("error")
		return nil, ctx.Err()
	}
}

// Respond publishes a response.sent event targeted at the requester,
// carrying the request's requestID and original correlation id. success=false
// communicates an application-level error distinct from transport failures.
func (b *Bus) Respond(source string, request *event.Event, success bool, result map[string]any, errMsg string) error {
	req, ok := request.Data.(*event.Request)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRequest, request.Type)
	}

	ev := event.New(event.TypeResponse, source, &event.Response{
		RequestID: req.RequestID,
		Success:   success,
		Result:    result,
		Error:     errMsg,
	})
	ev.WithTargets(request.Source)
	ev.CorrelationID = request.CorrelationID

	return b.Publish(ev)
}

// settleRequest resolves the pending request matching requestID, if any.
// An unknown id (a response arriving after the timeout removed the entry)
// is a silent no-op.
func (b *Bus) settleRequest(requestID string, ev *event.Event) {
	b.pmu.Lock()
	pr, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.pmu.Unlock()

	if ok {
		pr.ch <- requestResult{ev: ev}
	}
}

// removePending drops a pending entry without resolving it.
func (b *Bus) removePending(requestID string) {
	b.pmu.Lock()
	delete(b.pending, requestID)
	b.pmu.Unlock()
}

// rejectAllPending rejects every outstanding request with err.
func (b *Bus) rejectAllPending(err error) {
	b.pmu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.pmu.Unlock()

	for _, pr := range pending {
		pr.ch <- requestResult{err: err}
	}
}

// PendingRequests returns the number of outstanding request calls.
func (b *Bus) PendingRequests() int {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	return len(b.pending)
}
