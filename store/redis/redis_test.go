package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/agentbus-dev/agentbus/store"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Backend) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	backend := NewFromClient(client, "test:")

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return mr, backend
}

func rec(id, typ, source string, ts time.Time) *store.Record {
	return &store.Record{
		ID:        id,
		Type:      typ,
		Source:    source,
		Timestamp: ts,
		Data:      json.RawMessage(`{}`),
	}
}

func TestRedisBackend_InsertAndQuery(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := backend.Insert(ctx, rec("e1", "message.sent", "a", now)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := backend.Insert(ctx, rec("e2", "task.completed", "b", now.Add(time.Second))); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := backend.Query(ctx, store.QueryFilter{Types: []string{"message.sent"}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("expected [e1], got %v", got)
	}

	all, err := backend.Query(ctx, store.QueryFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 records, got %d", len(all))
	}
}

func TestRedisBackend_InsertDuplicate(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	r := rec("e1", "message.sent", "a", time.Now().UTC())
	if err := backend.Insert(ctx, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := backend.Insert(ctx, r); !errors.Is(err, store.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRedisBackend_QueryByCorrelation(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := rec("e1", "task.completed", "w1", now)
	r.CorrelationID = "task-42"
	if err := backend.Insert(ctx, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := backend.Insert(ctx, rec("e2", "task.completed", "w1", now)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := backend.Query(ctx, store.QueryFilter{CorrelationIDs: []string{"task-42"}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("expected [e1], got %v", got)
	}
}

func TestRedisBackend_QueryTimeRange(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c", "d"} {
		if err := backend.Insert(ctx, rec(id, "message.sent", "s", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := backend.Query(ctx, store.QueryFilter{
		Since: base.Add(time.Minute),
		Until: base.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 records in range, got %d", len(got))
	}
}

func TestRedisBackend_UpdateProcessed(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	if err := backend.Insert(ctx, rec("e1", "message.sent", "a", time.Now().UTC())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	processed := true
	if err := backend.Update(ctx, "e1", store.Patch{Processed: &processed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := backend.Query(ctx, store.QueryFilter{Processed: &processed})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || !got[0].Processed {
		t.Errorf("expected one processed record, got %v", got)
	}

	if err := backend.Update(ctx, "missing", store.Patch{Processed: &processed}); !errors.Is(err, store.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestRedisBackend_DeleteProcessedOlderThan(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := rec("old", "message.sent", "a", now.Add(-48*time.Hour))
	old.Processed = true
	fresh := rec("fresh", "message.sent", "a", now)
	fresh.Processed = true
	unprocessed := rec("unprocessed", "message.sent", "a", now.Add(-48*time.Hour))

	for _, r := range []*store.Record{old, fresh, unprocessed} {
		if err := backend.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	processed := true
	n, err := backend.Delete(ctx, store.DeleteFilter{
		OlderThan: now.Add(-24 * time.Hour),
		Processed: &processed,
	})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	remaining, err := backend.Query(ctx, store.QueryFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(remaining))
	}
}

func TestRedisBackend_Stats(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	backend.Insert(ctx, rec("e1", "message.sent", "a", now))
	backend.Insert(ctx, rec("e2", "message.sent", "b", now))
	backend.Insert(ctx, rec("e3", "task.completed", "a", now))

	buckets, err := backend.Stats(ctx, store.StatsQuery{GroupBy: store.GroupByType})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].Key != "message.sent" || buckets[0].Count != 2 {
		t.Errorf("expected message.sent=2 first, got %+v", buckets[0])
	}
}

func TestRedisBackend_WatchReceivesInserts(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := backend.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := backend.Insert(ctx, rec("e1", "message.sent", "a", time.Now().UTC())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	select {
	case c := <-feed:
		if c.Op != store.OpInsert || c.New == nil || c.New.ID != "e1" {
			t.Errorf("unexpected change: %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification received")
	}
}

func TestRedisBackend_ClosedRejectsUse(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := backend.Insert(ctx, rec("e1", "message.sent", "a", time.Now().UTC())); !errors.Is(err, store.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
}
