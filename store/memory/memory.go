// Package memory provides an in-process store backend. It exists for tests
// and single-instance deployments; the change feed is a broadcast to every
// watcher, so two Stores sharing one Backend instance behave like two
// instances sharing a durable table.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentbus-dev/agentbus/store"
)

// Backend keeps records in a mutex-guarded map plus insertion-order index.
type Backend struct {
	mu       sync.Mutex
	records  map[string]*store.Record
	order    []string
	watchers []chan store.Change
	closed   bool
}

var _ store.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{records: make(map[string]*store.Record)}
}

func (b *Backend) Insert(_ context.Context, rec *store.Record) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return store.ErrBackendClosed
	}
	if _, ok := b.records[rec.ID]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
	}
	cp := rec.Clone()
	b.records[rec.ID] = cp
	b.order = append(b.order, rec.ID)
	b.notify(store.Change{Op: store.OpInsert, New: cp.Clone()})
	b.mu.Unlock()
	return nil
}

func (b *Backend) Query(_ context.Context, f store.QueryFilter) ([]*store.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, store.ErrBackendClosed
	}

	var out []*store.Record
	for _, id := range b.order {
		rec := b.records[id]
		if matches(rec, f) {
			out = append(out, rec.Clone())
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(rec *store.Record, f store.QueryFilter) bool {
	if len(f.Types) > 0 && !contains(f.Types, rec.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, rec.Source) {
		return false
	}
	if len(f.CorrelationIDs) > 0 && !contains(f.CorrelationIDs, rec.CorrelationID) {
		return false
	}
	if len(f.Targets) > 0 {
		found := false
		for _, t := range f.Targets {
			if contains(rec.Targets, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	if f.Processed != nil && rec.Processed != *f.Processed {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (b *Backend) Update(_ context.Context, id string, p store.Patch) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return store.ErrBackendClosed
	}
	rec, ok := b.records[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
	}
	old := rec.Clone()
	if p.Processed != nil {
		rec.Processed = *p.Processed
	}
	updated := rec.Clone()
	b.notify(store.Change{Op: store.OpUpdate, New: updated, Old: old})
	b.mu.Unlock()
	return nil
}

func (b *Backend) Delete(_ context.Context, f store.DeleteFilter) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, store.ErrBackendClosed
	}

	var removed []*store.Record
	keep := b.order[:0]
	for _, id := range b.order {
		rec := b.records[id]
		del := true
		if !f.OlderThan.IsZero() && !rec.Timestamp.Before(f.OlderThan) {
			del = false
		}
		if f.Processed != nil && rec.Processed != *f.Processed {
			del = false
		}
		if del {
			removed = append(removed, rec)
			delete(b.records, id)
		} else {
			keep = append(keep, id)
		}
	}
	b.order = keep
	for _, rec := range removed {
		b.notify(store.Change{Op: store.OpDelete, Old: rec})
	}
	b.mu.Unlock()
	return len(removed), nil
}

func (b *Backend) Stats(_ context.Context, q store.StatsQuery) ([]store.StatsBucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, store.ErrBackendClosed
	}

	counts := make(map[string]int64)
	for _, rec := range b.records {
		if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && rec.Timestamp.After(q.Until) {
			continue
		}
		counts[statsKey(rec, q.GroupBy)]++
	}

	out := make([]store.StatsBucket, 0, len(counts))
	for k, n := range counts {
		out = append(out, store.StatsBucket{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.Compare(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

func statsKey(rec *store.Record, g store.StatsGroup) string {
	switch g {
	case store.GroupBySource:
		return rec.Source
	case store.GroupByDay:
		return rec.Timestamp.UTC().Format("2006-01-02")
	case store.GroupByHour:
		return rec.Timestamp.UTC().Format("2006-01-02T15")
	default:
		return rec.Type
	}
}

// Watch returns a change feed channel. The channel closes when the context
// is cancelled or the backend closes. Notifications are buffered; a watcher
// that falls far behind loses the oldest notifications rather than blocking
// writers.
func (b *Backend) Watch(ctx context.Context) (<-chan store.Change, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, store.ErrBackendClosed
	}
	ch := make(chan store.Change, 256)
	b.watchers = append(b.watchers, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.removeWatcher(ch)
	}()
	return ch, nil
}

func (b *Backend) removeWatcher(ch chan store.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.watchers {
		if w == ch {
			b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
			close(ch)
			return
		}
	}
}

// notify fans one change out to every watcher. Callers hold b.mu, which
// serializes sends against the channel closes in removeWatcher and Close.
func (b *Backend) notify(c store.Change) {
	for _, ch := range b.watchers {
		select {
		case ch <- c:
		default:
			// Drop for slow watchers; the feed is best-effort.
		}
	}
}

// Len reports the number of stored records.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.watchers {
		close(ch)
	}
	b.watchers = nil
	return nil
}
