package store

import (
	"sort"
	"sync"
	"time"

	"github.com/agentbus-dev/agentbus/event"
)

// Aggregate is a running per-type counter maintained in memory as events pass
// through Publish. It is a live view, not a durable one.
type Aggregate struct {
	Type      event.Type `json:"type"`
	Count     int64      `json:"count"`
	FirstSeen time.Time  `json:"firstSeen"`
	LastSeen  time.Time  `json:"lastSeen"`
	Sources   []string   `json:"sources"`
}

// AggregateFilter narrows an Aggregates call.
type AggregateFilter struct {
	Types    []event.Type
	MinCount int64
}

type aggregateSet struct {
	mu   sync.Mutex
	byID map[event.Type]*aggregateEntry
}

type aggregateEntry struct {
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	sources   map[string]bool
}

func newAggregateSet() *aggregateSet {
	return &aggregateSet{byID: make(map[event.Type]*aggregateEntry)}
}

func (a *aggregateSet) record(ev *event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.byID[ev.Type]
	if e == nil {
		e = &aggregateEntry{
			firstSeen: ev.Timestamp,
			sources:   make(map[string]bool),
		}
		a.byID[ev.Type] = e
	}
	e.count++
	if ev.Timestamp.After(e.lastSeen) {
		e.lastSeen = ev.Timestamp
	}
	if ev.Timestamp.Before(e.firstSeen) {
		e.firstSeen = ev.Timestamp
	}
	e.sources[ev.Source] = true
}

// snapshot returns matching aggregates sorted descending by count, ties
// broken by type name for stable output.
func (a *aggregateSet) snapshot(f AggregateFilter) []Aggregate {
	want := make(map[event.Type]bool, len(f.Types))
	for _, t := range f.Types {
		want[t] = true
	}

	a.mu.Lock()
	out := make([]Aggregate, 0, len(a.byID))
	for t, e := range a.byID {
		if len(want) > 0 && !want[t] {
			continue
		}
		if e.count < f.MinCount {
			continue
		}
		sources := make([]string, 0, len(e.sources))
		for s := range e.sources {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		out = append(out, Aggregate{
			Type:      t,
			Count:     e.count,
			FirstSeen: e.firstSeen,
			LastSeen:  e.lastSeen,
			Sources:   sources,
		})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}
