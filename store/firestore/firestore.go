// Package firestore provides a store backend on Google Cloud Firestore.
// Each event is one document; a snapshot listener on the collection serves as
// the change feed, so instances in different processes converge through
// Firestore's own replication.
//
// Important notes:
//   - Filtered queries beyond a single field may require composite indexes
//   - The snapshot listener replays existing documents on attach; the Store's
//     dedup window absorbs replays of this instance's own writes
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agentbus-dev/agentbus/store"
)

// Config contains configuration for the Firestore backend.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// Option configures a Backend.
type Option func(*Config)

// WithProjectID sets the GCP project ID.
func WithProjectID(projectID string) Option {
	return func(c *Config) { c.ProjectID = projectID }
}

// WithCredentialsFile sets the path to service account credentials.
// Otherwise Application Default Credentials are used.
func WithCredentialsFile(path string) Option {
	return func(c *Config) { c.CredentialsFile = path }
}

// WithCollection sets the collection name (default: "events").
func WithCollection(name string) Option {
	return func(c *Config) { c.Collection = name }
}

// Backend implements store.Backend on a Firestore collection.
type Backend struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

var _ store.Backend = (*Backend)(nil)

// New creates a Firestore backend.
func New(ctx context.Context, opts ...Option) (*Backend, error) {
	cfg := &Config{Collection: "events"}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFromClient(client, cfg.Collection), nil
}

// NewFromClient wraps an existing client. Useful for testing against the
// Firestore emulator.
func NewFromClient(client *firestore.Client, collection string) *Backend {
	if collection == "" {
		collection = "events"
	}
	return &Backend{client: client, collection: collection}
}

// document is the Firestore shape of a record. The payload is stored as a
// JSON string to keep the document schema independent of payload shapes.
type document struct {
	ID            string    `firestore:"id"`
	Type          string    `firestore:"type"`
	Source        string    `firestore:"source"`
	Targets       []string  `firestore:"targets,omitempty"`
	Timestamp     time.Time `firestore:"timestamp"`
	CorrelationID string    `firestore:"correlationId,omitempty"`
	SessionID     string    `firestore:"sessionId,omitempty"`
	Priority      string    `firestore:"priority,omitempty"`
	TTLMs         int64     `firestore:"ttlMs,omitempty"`
	Data          string    `firestore:"data"`
	Processed     bool      `firestore:"processed"`
}

func toDocument(rec *store.Record) document {
	return document{
		ID:            rec.ID,
		Type:          rec.Type,
		Source:        rec.Source,
		Targets:       rec.Targets,
		Timestamp:     rec.Timestamp,
		CorrelationID: rec.CorrelationID,
		SessionID:     rec.SessionID,
		Priority:      rec.Priority,
		TTLMs:         rec.TTLMs,
		Data:          string(rec.Data),
		Processed:     rec.Processed,
	}
}

func (d document) record() *store.Record {
	return &store.Record{
		ID:            d.ID,
		Type:          d.Type,
		Source:        d.Source,
		Targets:       d.Targets,
		Timestamp:     d.Timestamp,
		CorrelationID: d.CorrelationID,
		SessionID:     d.SessionID,
		Priority:      d.Priority,
		TTLMs:         d.TTLMs,
		Data:          []byte(d.Data),
		Processed:     d.Processed,
	}
}

func (b *Backend) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Backend) col() *firestore.CollectionRef {
	return b.client.Collection(b.collection)
}

func (b *Backend) Insert(ctx context.Context, rec *store.Record) error {
	if b.isClosed() {
		return store.ErrBackendClosed
	}

	_, err := b.col().Doc(rec.ID).Create(ctx, toDocument(rec))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Query narrows by at most one equality field plus the time range; Firestore
// needs composite indexes for more, and the Store applies the remaining
// clauses client-side anyway.
func (b *Backend) Query(ctx context.Context, f store.QueryFilter) ([]*store.Record, error) {
	if b.isClosed() {
		return nil, store.ErrBackendClosed
	}

	q := b.col().Query
	switch {
	case len(f.CorrelationIDs) > 0:
		q = q.Where("correlationId", "in", asAny(f.CorrelationIDs))
	case len(f.Sources) > 0:
		q = q.Where("source", "in", asAny(f.Sources))
	case len(f.Types) > 0:
		q = q.Where("type", "in", asAny(f.Types))
	default:
		if !f.Since.IsZero() {
			q = q.Where("timestamp", ">=", f.Since)
		}
		if !f.Until.IsZero() {
			q = q.Where("timestamp", "<=", f.Until)
		}
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*store.Record
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}
		var doc document
		if err := snap.DataTo(&doc); err != nil {
			log.Printf("[FirestoreBackend] skipping unreadable document %s: %v", snap.Ref.ID, err)
			continue
		}
		rec := doc.record()
		if matches(rec, f) {
			out = append(out, rec)
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

func asAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
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

func (b *Backend) Update(ctx context.Context, id string, p store.Patch) error {
	if b.isClosed() {
		return store.ErrBackendClosed
	}

	var updates []firestore.Update
	if p.Processed != nil {
		updates = append(updates, firestore.Update{Path: "processed", Value: *p.Processed})
	}
	if len(updates) == 0 {
		return nil
	}

	if _, err := b.col().Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
		}
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, f store.DeleteFilter) (int, error) {
	if b.isClosed() {
		return 0, store.ErrBackendClosed
	}

	q := b.col().Query
	if !f.OlderThan.IsZero() {
		q = q.Where("timestamp", "<", f.OlderThan)
	}
	if f.Processed != nil {
		q = q.Where("processed", "==", *f.Processed)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("scan for delete: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("delete record %s: %w", snap.Ref.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Stats counts client-side over a time-bounded scan. Firestore aggregation
// queries only cover plain counts, not grouped ones.
func (b *Backend) Stats(ctx context.Context, q store.StatsQuery) ([]store.StatsBucket, error) {
	recs, err := b.Query(ctx, store.QueryFilter{Since: q.Since, Until: q.Until})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, rec := range recs {
		counts[statsKey(rec, q.GroupBy)]++
	}
	out := make([]store.StatsBucket, 0, len(counts))
	for k, n := range counts {
		out = append(out, store.StatsBucket{Key: k, Count: n})
	}
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

// Watch attaches a snapshot listener to the collection and converts document
// changes into the change-feed shape. The listener's first snapshot replays
// every existing document as an add; the feed suppresses it so only changes
// made after attach flow out.
func (b *Backend) Watch(ctx context.Context) (<-chan store.Change, error) {
	if b.isClosed() {
		return nil, store.ErrBackendClosed
	}

	out := make(chan store.Change, 256)
	go func() {
		defer close(out)
		iter := b.col().Snapshots(ctx)
		defer iter.Stop()
		var gate feedGate
		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					log.Printf("[FirestoreBackend] snapshot listener stopped: %v", err)
				}
				return
			}
			if !gate.pass() {
				continue
			}
			for _, dc := range snap.Changes {
				change, ok := toChange(dc)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// feedGate drops the snapshot listener's initial document replay: the first
// snapshot it sees does not pass, everything after does.
type feedGate struct {
	attached bool
}

func (g *feedGate) pass() bool {
	if !g.attached {
		g.attached = true
		return false
	}
	return true
}

func toChange(dc firestore.DocumentChange) (store.Change, bool) {
	var doc document
	if err := dc.Doc.DataTo(&doc); err != nil {
		log.Printf("[FirestoreBackend] bad change document %s: %v", dc.Doc.Ref.ID, err)
		return store.Change{}, false
	}
	rec := doc.record()

	switch dc.Kind {
	case firestore.DocumentAdded:
		return store.Change{Op: store.OpInsert, New: rec}, true
	case firestore.DocumentModified:
		return store.Change{Op: store.OpUpdate, New: rec}, true
	case firestore.DocumentRemoved:
		return store.Change{Op: store.OpDelete, Old: rec}, true
	}
	return store.Change{}, false
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.client.Close()
}
