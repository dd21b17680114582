package bus

import (
	"sync"

	"github.com/agentbus-dev/agentbus/event"
)

// historyRing is a fixed-capacity ring buffer of recent events; the oldest
// entry is overwritten once capacity is reached.
type historyRing struct {
	mu   sync.Mutex
	buf  []*event.Event
	next int
	full bool
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{
		buf: make([]*event.Event, capacity),
	}
}

func (h *historyRing) add(ev *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = ev
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

// snapshot returns up to limit events in insertion order (oldest first),
// optionally restricted to the given types. limit <= 0 means no cap; when
// capped, the most recent events are kept.
func (h *historyRing) snapshot(limit int, types []event.Type) []*event.Event {
	h.mu.Lock()
	var ordered []*event.Event
	if h.full {
		ordered = make([]*event.Event, 0, len(h.buf))
		ordered = append(ordered, h.buf[h.next:]...)
		ordered = append(ordered, h.buf[:h.next]...)
	} else {
		ordered = append(ordered, h.buf[:h.next]...)
	}
	h.mu.Unlock()

	if len(types) > 0 {
		typeSet := make(map[event.Type]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
		filtered := ordered[:0]
		for _, ev := range ordered {
			if typeSet[ev.Type] {
				filtered = append(filtered, ev)
			}
		}
		ordered = filtered
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
