// Package store adds durability and cross-instance convergence on top of the
// bus without changing in-memory delivery semantics. Events selected for
// persistence are buffered and written to a durable backend in batches; the
// backend's change feed carries inserts from other instances back in, where
// they are re-published locally unless this instance wrote them itself.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentbus-dev/agentbus/bus"
	"github.com/agentbus-dev/agentbus/event"
	"github.com/agentbus-dev/agentbus/pkg/observability"
)

var (
	ErrPersistence    = errors.New("persistence failed")
	ErrNotInitialized = errors.New("store not initialized")
)

type options struct {
	persistAll    bool
	persistTypes  map[event.Type]bool
	batchSize     int
	flushInterval time.Duration
	syncEnabled   bool
	dedupTTL      time.Duration
	retention     time.Duration
	retentionSpec string
	replayWindow  time.Duration
}

// Option configures a Store.
type Option func(*options)

// WithPersistAll persists every published event regardless of type.
func WithPersistAll() Option {
	return func(o *options) { o.persistAll = true }
}

// WithPersistTypes restricts persistence to an explicit allow-list of types.
func WithPersistTypes(types ...event.Type) Option {
	return func(o *options) {
		o.persistTypes = make(map[event.Type]bool, len(types))
		for _, t := range types {
			o.persistTypes[t] = true
		}
	}
}

// WithBatchSize sets the flush batch size. Reaching it triggers an immediate
// flush. Default 50.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush cadence. Default 5s.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithSync enables the change-feed subscription that re-publishes inserts
// from other instances onto the local bus.
func WithSync(enabled bool) Option {
	return func(o *options) { o.syncEnabled = enabled }
}

// WithDedupTTL sets how long this instance remembers its own written event
// ids for echo suppression. Default 5m.
func WithDedupTTL(d time.Duration) Option {
	return func(o *options) { o.dedupTTL = d }
}

// WithRetention keeps processed records for the given window and sweeps older
// ones on the cron spec. Default window 7 days, spec "@hourly".
func WithRetention(window time.Duration, spec string) Option {
	return func(o *options) {
		if window > 0 {
			o.retention = window
		}
		if spec != "" {
			o.retentionSpec = spec
		}
	}
}

// WithReplayWindow sets how far back Subscribe's history replay reaches.
// Default 24h.
func WithReplayWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.replayWindow = d
		}
	}
}

// Store wraps a Bus with selective batched persistence, historical query, and
// change-feed driven synchronization across instances sharing one backend.
type Store struct {
	bus     *bus.Bus
	backend Backend
	opts    options

	pmu     sync.Mutex
	pending []*Record

	dedup      *dedupWindow
	aggregates *aggregateSet

	cron *cron.Cron

	mu          sync.Mutex
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New builds a Store over an existing bus and backend. Initialize must be
// called before events flow.
func New(b *bus.Bus, backend Backend, opts ...Option) *Store {
	o := options{
		batchSize:     50,
		flushInterval: 5 * time.Second,
		dedupTTL:      5 * time.Minute,
		retention:     7 * 24 * time.Hour,
		retentionSpec: "@hourly",
		replayWindow:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		bus:        b,
		backend:    backend,
		opts:       o,
		dedup:      newDedupWindow(o.dedupTTL),
		aggregates: newAggregateSet(),
	}
}

// Bus exposes the underlying bus for callers that need bus-only operations.
func (s *Store) Bus() *bus.Bus { return s.bus }

// Initialize starts the flush timer, the change-feed watcher when sync is
// enabled, and the retention schedule, and runs one immediate retention
// sweep. It is not idempotent; call it once.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if s.opts.syncEnabled {
		feed, err := s.backend.Watch(runCtx)
		if err != nil {
			return fmt.Errorf("subscribe change feed: %w", err)
		}
		s.wg.Add(1)
		go s.watchLoop(runCtx, feed)
	}

	s.wg.Add(1)
	go s.flushLoop(runCtx)

	if n, err := s.ArchiveEvents(ctx, time.Now().Add(-s.opts.retention)); err != nil {
		log.Printf("[Store] initial retention sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("[Store] retention sweep removed %d processed events", n)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.opts.retentionSpec, func() {
		cutoff := time.Now().Add(-s.opts.retention)
		if n, err := s.ArchiveEvents(context.Background(), cutoff); err != nil {
			log.Printf("[Store] retention sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("[Store] retention sweep removed %d processed events", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()

	log.Printf("[Store] initialized (batch=%d flush=%s sync=%t)",
		s.opts.batchSize, s.opts.flushInterval, s.opts.syncEnabled)
	return nil
}

// persistable reports whether this event type is selected for durable
// storage.
func (s *Store) persistable(t event.Type) bool {
	if s.opts.persistAll {
		return true
	}
	return s.opts.persistTypes[t]
}

// Publish forwards the event to the bus for immediate local delivery and,
// when the type is selected for persistence, appends it to the pending write
// buffer. Reaching the batch size triggers a flush rather than waiting for
// the timer; a flush failure is returned but local delivery has already
// happened.
func (s *Store) Publish(ctx context.Context, ev *event.Event) error {
	if err := s.bus.Publish(ev); err != nil {
		return err
	}
	s.aggregates.record(ev)

	if !s.persistable(ev.Type) {
		return nil
	}

	rec, err := NewRecord(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.pmu.Lock()
	s.pending = append(s.pending, rec)
	s.dedup.remember(rec.ID)
	full := len(s.pending) >= s.opts.batchSize
	s.pmu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes the pending buffer to the backend in batches of the
// configured size, inserting in parallel within each batch. A failed batch is
// requeued at the front of the buffer in order; batches that already
// succeeded in the same cycle are not retried.
func (s *Store) Flush(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "store.flush")
	defer span.End()

	s.pmu.Lock()
	batch := s.pending
	s.pending = nil
	s.pmu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	for i := 0; i < len(batch); i += s.opts.batchSize {
		end := i + s.opts.batchSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[i:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, rec := range chunk {
			g.Go(func() error {
				if err := s.backend.Insert(gctx, rec); err != nil && !errors.Is(err, ErrDuplicateID) {
					return fmt.Errorf("insert %s: %w", rec.ID, err)
				}
				observability.RecordPersisted(rec.Type)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// Requeue this failed chunk plus everything not yet attempted,
			// preserving order ahead of any writes that arrived meanwhile.
			s.pmu.Lock()
			s.pending = append(append([]*Record(nil), batch[i:]...), s.pending...)
			s.pmu.Unlock()
			observability.RecordFlushFailure()
			log.Printf("[Store] flush failed, %d events requeued: %v", len(batch)-i, err)
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	observability.RecordFlush(time.Since(start))
	return nil
}

func (s *Store) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				log.Printf("[Store] periodic flush: %v", err)
			}
		}
	}
}

// watchLoop consumes the backend change feed and re-publishes inserts from
// other instances onto the local bus. Inserts this instance wrote itself are
// suppressed by the dedup window so local subscribers see each event once.
func (s *Store) watchLoop(ctx context.Context, feed <-chan Change) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-feed:
			if !ok {
				return
			}
			if change.Op != OpInsert || change.New == nil {
				continue
			}
			if s.dedup.seen(change.New.ID) {
				observability.RecordDedupSuppressed()
				continue
			}
			ev, err := change.New.Event()
			if err != nil {
				log.Printf("[Store] skipping unreadable synced record %s: %v", change.New.ID, err)
				continue
			}
			s.dedup.remember(ev.ID)
			if err := s.bus.Publish(ev); err != nil {
				log.Printf("[Store] republish synced event %s: %v", ev.ID, err)
				continue
			}
			observability.RecordSynced()
		}
	}
}

// Filter narrows a historical query. All clauses are ANDed; within a clause,
// values are ORed.
type Filter struct {
	Types          []event.Type
	Sources        []string
	Targets        []string
	CorrelationIDs []string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// Query reads persisted events. One discriminator, the most selective set
// present, is pushed to the backend; the remaining clauses are applied here.
// Results come back newest first, after offset/limit.
func (s *Store) Query(ctx context.Context, f Filter) ([]*event.Event, error) {
	ctx, span := observability.StartSpan(ctx, "store.query")
	defer span.End()

	bf := QueryFilter{Since: f.Since, Until: f.Until}
	switch mostSelective(f) {
	case "correlation":
		bf.CorrelationIDs = f.CorrelationIDs
	case "target":
		bf.Targets = f.Targets
	case "source":
		bf.Sources = f.Sources
	case "type":
		for _, t := range f.Types {
			bf.Types = append(bf.Types, string(t))
		}
	}

	recs, err := s.backend.Query(ctx, bf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	events := make([]*event.Event, 0, len(recs))
	for _, rec := range recs {
		ev, err := rec.Event()
		if err != nil {
			log.Printf("[Store] skipping unreadable record %s: %v", rec.ID, err)
			continue
		}
		if matchesFilter(ev, f) {
			events = append(events, ev)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(events) {
			return nil, nil
		}
		events = events[f.Offset:]
	}
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events, nil
}

// mostSelective picks the single discriminator to push to the backend:
// the smallest non-empty value set, with correlation ids winning ties since
// they are the narrowest in practice.
func mostSelective(f Filter) string {
	best, bestLen := "", 0
	consider := func(name string, n int) {
		if n == 0 {
			return
		}
		if best == "" || n < bestLen {
			best, bestLen = name, n
		}
	}
	consider("correlation", len(f.CorrelationIDs))
	consider("target", len(f.Targets))
	consider("source", len(f.Sources))
	consider("type", len(f.Types))
	return best
}

func matchesFilter(ev *event.Event, f Filter) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, ev.Source) {
		return false
	}
	if len(f.CorrelationIDs) > 0 && !containsString(f.CorrelationIDs, ev.CorrelationID) {
		return false
	}
	if len(f.Targets) > 0 {
		found := false
		for _, t := range f.Targets {
			if containsString(ev.Targets, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetStats returns backend-side grouped counts. No data yields an empty
// slice, not an error.
func (s *Store) GetStats(ctx context.Context, q StatsQuery) ([]StatsBucket, error) {
	if q.GroupBy == "" {
		q.GroupBy = GroupByType
	}
	buckets, err := s.backend.Stats(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if buckets == nil {
		buckets = []StatsBucket{}
	}
	return buckets, nil
}

// Aggregates returns the in-memory per-type counters, sorted descending by
// count.
func (s *Store) Aggregates(f AggregateFilter) []Aggregate {
	return s.aggregates.snapshot(f)
}

// Subscribe registers a handler exactly like the bus does. With history
// enabled, matching persisted events from the replay window are delivered to
// the handler oldest first before the subscription goes live. Replay honors
// the same matching rule as live delivery: target addressing and any filter
// clauses the options carry.
func (s *Store) Subscribe(ctx context.Context, subscriberID string, types []event.Type, h bus.Handler, includeHistory bool, opts ...bus.SubscribeOption) (string, error) {
	if includeHistory {
		var sub bus.Subscription
		for _, opt := range opts {
			opt(&sub)
		}
		past, err := s.Query(ctx, Filter{
			Types: types,
			Since: time.Now().Add(-s.opts.replayWindow),
		})
		if err != nil {
			return "", fmt.Errorf("history replay: %w", err)
		}
		// Query returns newest first; replay wants oldest first.
		for i := len(past) - 1; i >= 0; i-- {
			ev := past[i]
			if !ev.TargetedAt(subscriberID) || !sub.Filter.Matches(ev) {
				continue
			}
			if err := h.Handle(ctx, ev); err != nil {
				log.Printf("[Store] replay handler error for %s: %v", ev.ID, err)
			}
		}
	}
	return s.bus.Subscribe(subscriberID, types, h, opts...)
}

// MarkProcessed flags a persisted event as handled, making it eligible for
// retention sweeps.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	processed := true
	if err := s.backend.Update(ctx, eventID, Patch{Processed: &processed}); err != nil {
		return fmt.Errorf("mark processed %s: %w", eventID, err)
	}
	return nil
}

// ArchiveEvents deletes processed records older than the cutoff and returns
// how many were removed.
func (s *Store) ArchiveEvents(ctx context.Context, olderThan time.Time) (int, error) {
	processed := true
	n, err := s.backend.Delete(ctx, DeleteFilter{OlderThan: olderThan, Processed: &processed})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return n, nil
}

// PendingWrites reports the current depth of the write buffer.
func (s *Store) PendingWrites() int {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return len(s.pending)
}

// Shutdown flushes remaining writes best-effort, stops the feed watcher and
// retention schedule, shuts the bus down, and closes the backend.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if err := s.Flush(ctx); err != nil {
		log.Printf("[Store] final flush: %v", err)
	}

	if s.cron != nil {
		s.cron.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.bus.Shutdown()

	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	log.Printf("[Store] shut down")
	return nil
}
